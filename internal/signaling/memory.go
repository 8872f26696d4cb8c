package signaling

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// Compile-time interface check.
var _ Transport = (*MemoryTransport)(nil)

// MemoryHub is an in-process signaling service. Transports obtained from
// the same hub exchange messages without any network, which lets tests run
// two negotiation sessions against each other. Ids are assigned in send
// order, like the mailbox service does.
type MemoryHub struct {
	mu        sync.Mutex
	sequence  int
	endpoints []*MemoryTransport
	sent      []models.SignalMessage
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Endpoint returns a new transport for userID. Messages addressed to
// userID, and broadcasts from other users, are delivered to it while it
// is connected.
func (h *MemoryHub) Endpoint(userID string) *MemoryTransport {
	endpoint := &MemoryTransport{hub: h, userID: userID}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, endpoint)
	h.mu.Unlock()
	return endpoint
}

// Sent returns a copy of every message accepted by the hub, in order.
func (h *MemoryHub) Sent() []models.SignalMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.SignalMessage(nil), h.sent...)
}

// SentBy returns the messages accepted from userID.
func (h *MemoryHub) SentBy(userID string) []models.SignalMessage {
	var messages []models.SignalMessage
	for _, msg := range h.Sent() {
		if msg.From == userID {
			messages = append(messages, msg)
		}
	}
	return messages
}

func (h *MemoryHub) route(msg models.SignalMessage) {
	h.mu.Lock()
	h.sequence++
	msg.ID = strconv.Itoa(h.sequence)
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	h.sent = append(h.sent, msg)

	var targets []*MemoryTransport
	for _, endpoint := range h.endpoints {
		if (msg.IsBroadcast() && endpoint.userID != msg.From) || endpoint.userID == msg.To {
			targets = append(targets, endpoint)
		}
	}
	h.mu.Unlock()

	for _, endpoint := range targets {
		endpoint.deliver(msg)
	}
}

// MemoryTransport is one participant's connection to a MemoryHub.
type MemoryTransport struct {
	hub    *MemoryHub
	userID string

	mu        sync.Mutex
	connected bool
	handlers  []func(models.SignalMessage)
	sendErr   error
}

// Connect starts delivery of inbound messages.
func (t *MemoryTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// Disconnect stops delivery of inbound messages.
func (t *MemoryTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

// OnMessage registers a handler for inbound messages.
func (t *MemoryTransport) OnMessage(handler func(models.SignalMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// SendMessage hands msg to the hub. Like the HTTP client it does not
// require Connect.
func (t *MemoryTransport) SendMessage(_ context.Context, msg models.SignalMessage) error {
	t.mu.Lock()
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return &TransportError{Op: "send", URL: "memory://" + t.userID, Err: err}
	}
	t.hub.route(msg)
	return nil
}

// FailSends makes subsequent sends fail with err; nil restores delivery.
func (t *MemoryTransport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *MemoryTransport) deliver(msg models.SignalMessage) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	handlers := append([]func(models.SignalMessage){}, t.handlers...)
	t.mu.Unlock()

	for _, handler := range handlers {
		handler(msg)
	}
}
