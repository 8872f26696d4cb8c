package signaling

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// Login exchanges credentials for a bearer token at the service's API base
// (for example "http://host/api"). A nil client gets a 10s timeout.
func Login(ctx context.Context, client *http.Client, baseURL string, request models.LoginRequest) (models.LoginResponse, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/auth/login"
	var response models.LoginResponse
	err := doJSON(ctx, client, "login", http.MethodPost, endpoint, "", request, &response, http.StatusOK)
	return response, err
}
