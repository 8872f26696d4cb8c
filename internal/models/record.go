package models

import (
	"encoding/json"
	"time"
)

// SessionRecord is a persisted offer/answer pair for one producer and one
// consumer in a tournament. An empty ConsumerUserID means the offer is open
// to any consumer.
type SessionRecord struct {
	TournamentID   string    `json:"tournamentId" binding:"required"`
	ProducerUserID string    `json:"producerUserId" binding:"required"`
	ConsumerUserID string    `json:"consumerUserId"`
	ProducerRole   Role      `json:"producerRole,omitempty"`
	ConsumerRole   Role      `json:"consumerRole,omitempty"`
	Offer          string    `json:"offer"`
	Answer         string    `json:"answer"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ICEServerConfig is one entry of the TURN configuration endpoint.
type ICEServerConfig struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username"`
	Credential string   `json:"credential,omitempty" yaml:"credential"`
}

// UnmarshalJSON accepts "urls" as either a single string or a list, the two
// shapes browsers accept for RTCIceServer.
func (c *ICEServerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Username = raw.Username
	c.Credential = raw.Credential
	c.URLs = nil
	if len(raw.URLs) == 0 || string(raw.URLs) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.URLs, &single); err == nil {
		c.URLs = []string{single}
		return nil
	}
	return json.Unmarshal(raw.URLs, &c.URLs)
}

// TURNConfigResponse is the body of GET /api/turn-config.
type TURNConfigResponse struct {
	TURNServers []ICEServerConfig `json:"turnServers"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     Role   `json:"role" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}
