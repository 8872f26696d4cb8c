package signaling

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// RecordsClient reads and writes offer/answer records on the signaling
// service. Records are keyed by tournament, producer, and consumer; an
// offer with no consumer is open to anyone in the tournament.
type RecordsClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRecordsClient creates a client rooted at the service's API base
// (for example "http://host/api").
func NewRecordsClient(baseURL, token string, client *http.Client) *RecordsClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RecordsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// PutOffer stores the producer's offer for a consumer.
func (c *RecordsClient) PutOffer(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	var stored models.SessionRecord
	err := doJSON(ctx, c.client, "put offer", http.MethodPut, c.baseURL+"/webrtc/offer", c.token, record, &stored)
	return stored, err
}

// PutAnswer stores the consumer's answer to a producer's offer.
func (c *RecordsClient) PutAnswer(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	var stored models.SessionRecord
	err := doJSON(ctx, c.client, "put answer", http.MethodPut, c.baseURL+"/webrtc/answer", c.token, record, &stored)
	return stored, err
}

// GetOffer returns the newest offer addressed to userID in the tournament.
func (c *RecordsClient) GetOffer(ctx context.Context, tournamentID, userID string) (models.SessionRecord, error) {
	return c.get(ctx, "get offer", "offer", tournamentID, userID)
}

// GetAnswer returns the newest answer to an offer made by userID.
func (c *RecordsClient) GetAnswer(ctx context.Context, tournamentID, userID string) (models.SessionRecord, error) {
	return c.get(ctx, "get answer", "answer", tournamentID, userID)
}

func (c *RecordsClient) get(ctx context.Context, op, kind, tournamentID, userID string) (models.SessionRecord, error) {
	endpoint := c.baseURL + "/webrtc/" + kind + "/" + url.PathEscape(tournamentID) + "/" + url.PathEscape(userID)
	var record models.SessionRecord
	err := doJSON(ctx, c.client, op, http.MethodGet, endpoint, c.token, nil, &record, http.StatusOK)
	return record, err
}
