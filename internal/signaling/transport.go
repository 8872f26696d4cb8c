// Package signaling moves signaling messages between tournament participants
// and the signaling service.
//
// [Transport] is the contract the negotiation layer depends on: connect,
// disconnect, send one message, and register handlers for inbound messages.
// It says nothing about what the messages mean. [PollingClient] implements it
// with periodic HTTP pulls against the mailbox endpoint, [WebSocketClient]
// with the service's push feed, and [MemoryHub] wires transports together
// in-process for tests and local demos.
//
// [RecordsClient] talks to the separate offer/answer records resource.
// [RecordsTransport] builds a Transport on it for peers that exchange
// complete descriptions through persisted records instead of the mailbox.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// ErrNotConnected is returned by transports that need a live connection to
// send and do not have one.
var ErrNotConnected = errors.New("signaling transport not connected")

// Transport exchanges discrete signaling messages over an external channel.
type Transport interface {
	// Connect establishes readiness to exchange messages. It fails with a
	// *TransportError when the signaling endpoint is unreachable.
	Connect(ctx context.Context) error

	// Disconnect releases background work. It is idempotent, and no
	// handler runs after it returns.
	Disconnect()

	// SendMessage delivers one message. A non-2xx response or network
	// failure is returned as a *TransportError; messages are never
	// dropped silently.
	SendMessage(ctx context.Context, msg models.SignalMessage) error

	// OnMessage registers a handler invoked once per newly observed
	// inbound message, in the order the transport observed them.
	OnMessage(handler func(models.SignalMessage))
}

// TransportError reports a failed exchange with the signaling service.
type TransportError struct {
	// Op is "connect", "poll", "send", or a records operation.
	Op  string
	URL string

	// StatusCode is the HTTP status for non-2xx responses and zero for
	// network failures.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("signaling %s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("signaling %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
