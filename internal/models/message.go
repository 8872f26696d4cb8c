package models

import (
	"encoding/json"
	"fmt"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeError     SignalType = "error"
)

// Valid reports whether t is one of the types carried on the mailbox.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate, SignalTypeError:
		return true
	}
	return false
}

// SignalMessage is the unit exchanged through the signaling mailbox.
//
// ID is assigned by the signaling service and grows monotonically, so a
// poller can ask for "everything after the last id I saw". Timestamp is the
// producer's wall clock in Unix milliseconds and is for display only.
// An empty To addresses any consumer in the tournament.
type SignalMessage struct {
	ID           string          `json:"id"`
	Type         SignalType      `json:"type"`
	From         string          `json:"from"`
	To           string          `json:"to,omitempty"`
	Role         Role            `json:"role"`
	TournamentID string          `json:"tournamentId,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// IsBroadcast reports whether the message is addressed to any consumer.
func (m SignalMessage) IsBroadcast() bool {
	return m.To == ""
}

// ErrorPayload is the data carried by an error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewErrorMessage builds an error message from one participant to another.
func NewErrorMessage(from, to string, role Role, text string) (SignalMessage, error) {
	data, err := json.Marshal(ErrorPayload{Message: text})
	if err != nil {
		return SignalMessage{}, fmt.Errorf("encoding error payload: %w", err)
	}
	return SignalMessage{
		Type: SignalTypeError,
		From: from,
		To:   to,
		Role: role,
		Data: data,
	}, nil
}
