package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// ErrUnknownSignalType is returned by Decode for a type it does not know.
var ErrUnknownSignalType = errors.New("unknown signal type")

// Inbound is a decoded signaling message. The concrete types are Offer,
// Answer, Candidate and ErrorSignal; no other package can add one.
type Inbound interface {
	Envelope() models.SignalMessage
	inbound()
}

// Offer carries a remote session description of type offer.
type Offer struct {
	Message     models.SignalMessage
	Description webrtc.SessionDescription
}

// Answer carries a remote session description of type answer.
type Answer struct {
	Message     models.SignalMessage
	Description webrtc.SessionDescription
}

// Candidate carries one trickled remote ICE candidate.
type Candidate struct {
	Message   models.SignalMessage
	Candidate webrtc.ICECandidateInit
}

// ErrorSignal is a peer reporting a failure on its side.
type ErrorSignal struct {
	Message models.SignalMessage
	Text    string
}

func (m Offer) Envelope() models.SignalMessage       { return m.Message }
func (m Answer) Envelope() models.SignalMessage      { return m.Message }
func (m Candidate) Envelope() models.SignalMessage   { return m.Message }
func (m ErrorSignal) Envelope() models.SignalMessage { return m.Message }

func (Offer) inbound()       {}
func (Answer) inbound()      {}
func (Candidate) inbound()   {}
func (ErrorSignal) inbound() {}

// Decode parses msg.Data according to msg.Type.
func Decode(msg models.SignalMessage) (Inbound, error) {
	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		var description webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &description); err != nil {
			return nil, fmt.Errorf("decoding %s %s: %w", msg.Type, msg.ID, err)
		}
		want := webrtc.NewSDPType(string(msg.Type))
		if description.Type == webrtc.SDPTypeUnknown {
			description.Type = want
		}
		if description.Type != want {
			return nil, fmt.Errorf("message %s of type %s carries a %s description", msg.ID, msg.Type, description.Type)
		}
		if description.SDP == "" {
			return nil, fmt.Errorf("message %s carries an empty %s", msg.ID, msg.Type)
		}
		if msg.Type == models.SignalTypeOffer {
			return Offer{Message: msg, Description: description}, nil
		}
		return Answer{Message: msg, Description: description}, nil

	case models.SignalTypeCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &candidate); err != nil {
			return nil, fmt.Errorf("decoding candidate %s: %w", msg.ID, err)
		}
		return Candidate{Message: msg, Candidate: candidate}, nil

	case models.SignalTypeError:
		var payload models.ErrorPayload
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				return nil, fmt.Errorf("decoding error %s: %w", msg.ID, err)
			}
		}
		return ErrorSignal{Message: msg, Text: payload.Message}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownSignalType, msg.Type)
}

// encode builds an outbound message carrying data.
func encode(signalType models.SignalType, from, to string, role models.Role, tournamentID string, data any) (models.SignalMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.SignalMessage{}, fmt.Errorf("encoding %s: %w", signalType, err)
	}
	return models.SignalMessage{
		Type:         signalType,
		From:         from,
		To:           to,
		Role:         role,
		TournamentID: tournamentID,
		Data:         raw,
	}, nil
}
