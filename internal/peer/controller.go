// Package peer is the presentation side of negotiation: one Controller per
// local participant, holding a negotiation.Session for every remote peer
// and publishing their state for a UI or CLI to render.
package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/tournament-signaling/internal/models"
	"github.com/mossy-p/tournament-signaling/internal/negotiation"
	"github.com/mossy-p/tournament-signaling/internal/signaling"
)

// updateBuffer is the capacity of the Updates channel.
const updateBuffer = 64

// ErrClosed is returned by calls on a closed Controller.
var ErrClosed = errors.New("controller closed")

// Options configures a Controller. Session-level fields are copied into
// every session the controller creates.
type Options struct {
	LocalUserID  string
	TournamentID string
	Role         models.Role

	Transport         signaling.Transport
	NewPeerConnection negotiation.PeerConnectionFactory
	Media             negotiation.MediaSource
	Constraints       negotiation.MediaConstraints
	Renegotiation     negotiation.RenegotiationPolicy
	AnswerTimeout     time.Duration
	Recorder          negotiation.Recorder
	GatherBeforeSend  bool

	Logger *slog.Logger
}

// Update is a state snapshot of the session with one peer.
type Update struct {
	PeerID string
	State  negotiation.State
}

// Controller routes signaling messages to per-peer sessions.
type Controller struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*negotiation.Session
	closed   bool

	updates    chan Update
	forwarders sync.WaitGroup
}

// NewController creates a controller and subscribes it to the transport.
// Nothing is received until Start.
func NewController(opts Options) (*Controller, error) {
	if opts.LocalUserID == "" {
		return nil, errors.New("controller needs a local user id")
	}
	if _, err := models.ParseRole(string(opts.Role)); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, errors.New("controller needs a signaling transport")
	}
	if opts.NewPeerConnection == nil {
		return nil, errors.New("controller needs a peer connection factory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Controller{
		opts:     opts,
		logger:   logger.With("user", opts.LocalUserID, "tournament", opts.TournamentID),
		sessions: make(map[string]*negotiation.Session),
		updates:  make(chan Update, updateBuffer),
	}
	opts.Transport.OnMessage(c.route)
	return c, nil
}

// Start connects the transport.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.opts.Transport.Connect(ctx)
}

// Connect offers a media session to peerID, creating the session if
// needed. A refused offer creates nothing and is reported through the
// Outcome's warning.
func (c *Controller) Connect(ctx context.Context, peerID string, peerRole models.Role) (negotiation.Outcome, error) {
	session, created, err := c.session(peerID)
	if err != nil {
		return negotiation.Outcome{}, err
	}
	outcome, err := session.CreateOffer(ctx, peerID, peerRole)
	if created && err == nil && !outcome.Sent && !outcome.Queued {
		c.remove(peerID, session)
	}
	return outcome, err
}

// Disconnect tears down the session with peerID and forgets it.
func (c *Controller) Disconnect(ctx context.Context, peerID string) error {
	c.mu.Lock()
	session, ok := c.sessions[peerID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	err := session.Teardown(ctx)
	c.remove(peerID, session)
	return err
}

// Close disconnects the transport, closes every session and then the
// Updates channel.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[string]*negotiation.Session)
	c.mu.Unlock()

	c.opts.Transport.Disconnect()
	for _, session := range sessions {
		session.Close()
	}
	c.forwarders.Wait()
	close(c.updates)
}

// Snapshot returns the state of the session with peerID.
func (c *Controller) Snapshot(peerID string) (negotiation.State, bool) {
	c.mu.Lock()
	session, ok := c.sessions[peerID]
	c.mu.Unlock()
	if !ok {
		return negotiation.State{}, false
	}
	return session.State(), true
}

// Session returns the session with peerID, for access to its media.
func (c *Controller) Session(peerID string) (*negotiation.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[peerID]
	return session, ok
}

// Peers returns the ids of peers with a session, sorted.
func (c *Controller) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Updates returns the stream of session state changes for all peers. When
// the reader falls behind, updates are dropped; Snapshot always has the
// current state.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// route hands an inbound message to the session for its sender. A message
// from an unknown peer creates a session only when that peer's role may
// start one with us.
func (c *Controller) route(msg models.SignalMessage) {
	if msg.From == "" || msg.From == c.opts.LocalUserID {
		return
	}
	if msg.To != "" && msg.To != c.opts.LocalUserID {
		return
	}
	if msg.TournamentID != "" && c.opts.TournamentID != "" && msg.TournamentID != c.opts.TournamentID {
		return
	}

	c.mu.Lock()
	session, ok := c.sessions[msg.From]
	c.mu.Unlock()

	if !ok {
		switch msg.Type {
		case models.SignalTypeOffer, models.SignalTypeCandidate:
		default:
			c.logger.Debug("ignoring message from unknown peer", "id", msg.ID, "from", msg.From, "type", msg.Type)
			return
		}
		if !models.CanInitiate(msg.Role, c.opts.Role) {
			c.logger.Warn("ignoring unauthorized peer", "id", msg.ID, "from", msg.From, "sender_role", msg.Role)
			return
		}
		var err error
		session, _, err = c.session(msg.From)
		if err != nil {
			c.logger.Error("creating session for inbound peer failed", "from", msg.From, "error", err)
			return
		}
		c.logger.Info("peer started a session", "peer", msg.From, "role", msg.Role)
	}
	session.HandleInbound(msg)
}

// session returns the session with peerID, creating it if needed.
func (c *Controller) session(peerID string) (*negotiation.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	if session, ok := c.sessions[peerID]; ok {
		return session, false, nil
	}

	session, err := negotiation.NewSession(negotiation.SessionConfig{
		TournamentID:      c.opts.TournamentID,
		LocalUserID:       c.opts.LocalUserID,
		RemoteUserID:      peerID,
		Role:              c.opts.Role,
		Transport:         c.opts.Transport,
		NewPeerConnection: c.opts.NewPeerConnection,
		Media:             c.opts.Media,
		Constraints:       c.opts.Constraints,
		Renegotiation:     c.opts.Renegotiation,
		AnswerTimeout:     c.opts.AnswerTimeout,
		Recorder:          c.opts.Recorder,
		GatherBeforeSend:  c.opts.GatherBeforeSend,
		Logger:            c.logger,
	})
	if err != nil {
		return nil, false, err
	}
	c.sessions[peerID] = session

	states := session.Subscribe()
	c.forwarders.Add(1)
	go c.forward(peerID, states)
	return session, true, nil
}

func (c *Controller) forward(peerID string, states <-chan negotiation.State) {
	defer c.forwarders.Done()
	for state := range states {
		select {
		case c.updates <- Update{PeerID: peerID, State: state}:
		default:
			c.logger.Debug("update dropped, reader too slow", "peer", peerID)
		}
	}
}

func (c *Controller) remove(peerID string, session *negotiation.Session) {
	c.mu.Lock()
	if current, ok := c.sessions[peerID]; ok && current == session {
		delete(c.sessions, peerID)
	}
	c.mu.Unlock()
	session.Close()
}
