package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// Compile-time interface check.
var _ Transport = (*RecordsTransport)(nil)

// RecordsOptions configures a RecordsTransport.
type RecordsOptions struct {
	TournamentID string
	UserID       string

	// Interval between polls. Zero means DefaultPollInterval.
	Interval time.Duration

	Logger *slog.Logger
}

// RecordsTransport implements Transport over the offer/answer records
// resource instead of the mailbox. Sent offers and answers become record
// writes, and polling the local user's records turns new ones back into
// messages. Records hold no trickled candidates or error reports; those
// are dropped, so sessions on this transport must gather candidates into
// their descriptions before sending.
type RecordsTransport struct {
	records      *RecordsClient
	tournamentID string
	userID       string
	interval     time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	handlers  []func(models.SignalMessage)
	offered   map[string]string
	delivered *idWindow
	running   bool
	cancel    context.CancelFunc
}

// NewRecordsTransport creates a transport for options.UserID that reads
// and writes records through records.
func NewRecordsTransport(records *RecordsClient, options RecordsOptions) *RecordsTransport {
	interval := options.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RecordsTransport{
		records:      records,
		tournamentID: options.TournamentID,
		userID:       options.UserID,
		interval:     interval,
		logger:       logger,
		offered:      make(map[string]string),
		delivered:    newIDWindow(deliveredWindow),
	}
}

// Connect polls the records once so an unreachable service is reported,
// then starts the background poll loop.
func (t *RecordsTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	messages, err := t.poll(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.running = true
	t.cancel = cancel
	t.mu.Unlock()

	t.logger.Info("polling session records", "tournament", t.tournamentID, "interval", t.interval)
	t.dispatch(messages)
	go t.pollLoop(loopCtx)
	return nil
}

// Disconnect stops the poll loop.
func (t *RecordsTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	t.cancel()
	t.cancel = nil
}

// OnMessage registers a handler for inbound messages.
func (t *RecordsTransport) OnMessage(handler func(models.SignalMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// SendMessage stores an offer or answer as a record. Other message types
// cannot be carried by records and are dropped.
func (t *RecordsTransport) SendMessage(ctx context.Context, msg models.SignalMessage) error {
	switch msg.Type {
	case models.SignalTypeOffer:
		sdp, err := descriptionSDP(msg)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.offered[msg.To] = sdp
		t.mu.Unlock()
		_, err = t.records.PutOffer(ctx, models.SessionRecord{
			TournamentID:   t.tournamentID,
			ProducerUserID: msg.From,
			ConsumerUserID: msg.To,
			Offer:          sdp,
		})
		return err

	case models.SignalTypeAnswer:
		sdp, err := descriptionSDP(msg)
		if err != nil {
			return err
		}
		_, err = t.records.PutAnswer(ctx, models.SessionRecord{
			TournamentID:   t.tournamentID,
			ProducerUserID: msg.To,
			ConsumerUserID: msg.From,
			Answer:         sdp,
		})
		return err
	}
	t.logger.Debug("records carry no such message, dropping", "type", msg.Type, "to", msg.To)
	return nil
}

func (t *RecordsTransport) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		messages, err := t.poll(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			t.logger.Warn("polling session records failed", "error", err)
			continue
		}
		t.dispatch(messages)
	}
}

// poll turns the newest offer addressed to the local user and the newest
// answer to one of its offers into messages.
func (t *RecordsTransport) poll(ctx context.Context) ([]models.SignalMessage, error) {
	var messages []models.SignalMessage

	offer, err := t.records.GetOffer(ctx, t.tournamentID, t.userID)
	switch {
	case notFound(err):
	case err != nil:
		return nil, err
	default:
		if msg, ok := t.offerMessage(offer); ok {
			messages = append(messages, msg)
		}
	}

	answer, err := t.records.GetAnswer(ctx, t.tournamentID, t.userID)
	switch {
	case notFound(err):
	case err != nil:
		return nil, err
	default:
		if msg, ok := t.answerMessage(answer); ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func (t *RecordsTransport) offerMessage(record models.SessionRecord) (models.SignalMessage, bool) {
	if record.Offer == "" || record.ProducerUserID == t.userID {
		return models.SignalMessage{}, false
	}
	// Already answered by us.
	if record.Answer != "" && record.ConsumerUserID == t.userID {
		return models.SignalMessage{}, false
	}
	role := record.ProducerRole
	if role == "" {
		role = models.RoleFromProducer(true)
	}
	return t.recordMessage(models.SignalTypeOffer, record.ProducerUserID, role, record.Offer, record.UpdatedAt)
}

// answerMessage only accepts answers to the offer this transport sent last
// to that consumer, so answers to earlier offers are never replayed.
func (t *RecordsTransport) answerMessage(record models.SessionRecord) (models.SignalMessage, bool) {
	if record.Answer == "" {
		return models.SignalMessage{}, false
	}
	t.mu.Lock()
	sent, ok := t.offered[record.ConsumerUserID]
	t.mu.Unlock()
	if !ok || sent != record.Offer {
		return models.SignalMessage{}, false
	}
	role := record.ConsumerRole
	if role == "" {
		role = models.RoleFromProducer(false)
	}
	return t.recordMessage(models.SignalTypeAnswer, record.ConsumerUserID, role, record.Answer, record.UpdatedAt)
}

func (t *RecordsTransport) recordMessage(signalType models.SignalType, from string, role models.Role, sdp string, at time.Time) (models.SignalMessage, bool) {
	data, err := json.Marshal(description{Type: string(signalType), SDP: sdp})
	if err != nil {
		return models.SignalMessage{}, false
	}
	return models.SignalMessage{
		ID:           string(signalType) + ":" + from + ":" + digest(sdp),
		Type:         signalType,
		From:         from,
		To:           t.userID,
		Role:         role,
		TournamentID: t.tournamentID,
		Data:         data,
		Timestamp:    at.UnixMilli(),
	}, true
}

func (t *RecordsTransport) dispatch(messages []models.SignalMessage) {
	for _, msg := range messages {
		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			return
		}
		if !t.delivered.add(msg.ID) {
			t.mu.Unlock()
			continue
		}
		handlers := append([]func(models.SignalMessage){}, t.handlers...)
		t.mu.Unlock()

		for _, handler := range handlers {
			handler(msg)
		}
	}
}

// description is the JSON form of a session description in message data.
type description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func descriptionSDP(msg models.SignalMessage) (string, error) {
	var payload description
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return "", fmt.Errorf("decoding %s for records: %w", msg.Type, err)
	}
	if payload.SDP == "" {
		return "", fmt.Errorf("%s for %s carries no SDP", msg.Type, msg.To)
	}
	return payload.SDP, nil
}

func notFound(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr) && transportErr.StatusCode == http.StatusNotFound
}

func digest(value string) string {
	hash := fnv.New64a()
	hash.Write([]byte(value))
	return strconv.FormatUint(hash.Sum64(), 16)
}
