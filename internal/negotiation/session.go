// Package negotiation drives WebRTC offer/answer negotiation between two
// tournament participants over a signaling.Transport.
//
// Every Session runs a single event loop. Public calls, inbound signaling
// messages and pion callbacks are all queued to that loop and handled one
// at a time, and each state transition goes through Step.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/tournament-signaling/internal/models"
	"github.com/mossy-p/tournament-signaling/internal/signaling"
)

const (
	// DefaultAnswerTimeout bounds how long an offer waits for its answer.
	DefaultAnswerTimeout = 30 * time.Second

	// DefaultDataChannelLabel names the data channel every session opens.
	DefaultDataChannelLabel = "data"

	sendTimeout   = 15 * time.Second
	gatherTimeout = 10 * time.Second
)

var (
	// ErrSessionClosed is returned by calls on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotInitialized is returned when an operation needs a peer
	// connection and none exists.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrWrongPeer is returned when an offer targets a user other than
	// the session's remote peer.
	ErrWrongPeer = errors.New("target is not this session's peer")
)

// Recorder mirrors sent descriptions to the offer/answer records store.
// signaling.RecordsClient implements it.
type Recorder interface {
	PutOffer(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error)
	PutAnswer(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	TournamentID string
	LocalUserID  string
	RemoteUserID string
	Role         models.Role

	Transport         signaling.Transport
	NewPeerConnection PeerConnectionFactory

	// Media is required for producer roles and unused otherwise.
	Media MediaSource
	// Constraints for Media. The zero value means DefaultConstraints.
	Constraints MediaConstraints

	// DataChannelLabel defaults to DefaultDataChannelLabel.
	DataChannelLabel string

	// Renegotiation defaults to RenegotiationReplace.
	Renegotiation RenegotiationPolicy

	// AnswerTimeout defaults to DefaultAnswerTimeout. Negative disables it.
	AnswerTimeout time.Duration

	// Recorder is optional.
	Recorder Recorder

	// GatherBeforeSend holds each description until ICE gathering is
	// complete, for transports that cannot trickle candidates.
	GatherBeforeSend bool

	Logger *slog.Logger
}

// Outcome describes what CreateOffer did. A refused offer is not an
// error: Sent is false and Warning says why.
type Outcome struct {
	Sent    bool
	Queued  bool
	Warning string
}

// Session negotiates one media connection between the local user and one
// remote user in a tournament.
type Session struct {
	ID string

	cfg    SessionConfig
	logger *slog.Logger
	tasks  *taskQueue
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// Owned by the loop goroutine.
	state         State
	generation    uint64
	pc            PeerConnection
	stream        *LocalStream
	channel       *webrtc.DataChannel
	answerTimer   *time.Timer
	offerSeq      uint64
	queuedOffer   bool

	acquireMu     sync.Mutex
	acquireCancel context.CancelFunc

	observeMu    sync.RWMutex
	snapshot     State
	localStream  *LocalStream
	remoteTracks []*webrtc.TrackRemote
	dataChannel  *webrtc.DataChannel
	subscribers  []chan State
}

// NewSession validates cfg and starts the session's event loop. The
// session starts idle; nothing is created until Initialize, CreateOffer or
// an inbound offer.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.LocalUserID == "" || cfg.RemoteUserID == "" {
		return nil, errors.New("session needs both a local and a remote user id")
	}
	if cfg.LocalUserID == cfg.RemoteUserID {
		return nil, fmt.Errorf("user %s cannot negotiate with itself", cfg.LocalUserID)
	}
	if _, err := models.ParseRole(string(cfg.Role)); err != nil {
		return nil, fmt.Errorf("session role: %w", err)
	}
	if cfg.Transport == nil {
		return nil, errors.New("session needs a signaling transport")
	}
	if cfg.NewPeerConnection == nil {
		return nil, errors.New("session needs a peer connection factory")
	}
	if cfg.Role.IsProducer() && cfg.Media == nil {
		return nil, fmt.Errorf("role %s needs a media source", cfg.Role)
	}
	if cfg.Constraints == (MediaConstraints{}) {
		cfg.Constraints = DefaultConstraints
	}
	if cfg.DataChannelLabel == "" {
		cfg.DataChannelLabel = DefaultDataChannelLabel
	}
	policy, err := ParseRenegotiationPolicy(string(cfg.Renegotiation))
	if err != nil {
		return nil, err
	}
	cfg.Renegotiation = policy
	if cfg.AnswerTimeout == 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}

	id := uuid.NewString()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(
		"session", id,
		"local", cfg.LocalUserID,
		"remote", cfg.RemoteUserID,
		"role", cfg.Role,
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       id,
		cfg:      cfg,
		logger:   logger,
		tasks:    newTaskQueue(),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    NewState(),
		snapshot: NewState(),
	}
	go func() {
		s.tasks.run()
		close(s.done)
	}()
	return s, nil
}

// RemoteUserID returns the peer this session negotiates with.
func (s *Session) RemoteUserID() string {
	return s.cfg.RemoteUserID
}

// Role returns the local participant's role.
func (s *Session) Role() models.Role {
	return s.cfg.Role
}

// Initialize creates a fresh peer connection, acquires local media for
// producer roles, opens the data channel and wires callbacks. Any previous
// connection is discarded first. On failure the session is left in
// StatusError and the error is returned; it is not retried.
func (s *Session) Initialize(ctx context.Context) error {
	return s.call(ctx, func() error {
		return s.initialize(ctx)
	})
}

// CreateOffer starts a negotiation toward targetUserID, initializing the
// session first if needed. If the local role may not initiate toward
// targetRole, nothing is sent and the returned Outcome carries a warning.
func (s *Session) CreateOffer(ctx context.Context, targetUserID string, targetRole models.Role) (Outcome, error) {
	outcomes := make(chan Outcome, 1)
	err := s.call(ctx, func() error {
		outcome, err := s.createOffer(ctx, targetUserID, targetRole)
		outcomes <- outcome
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	return <-outcomes, nil
}

// HandleInbound queues msg for the event loop and returns immediately.
// Messages from other users, or addressed to someone else, are ignored.
func (s *Session) HandleInbound(msg models.SignalMessage) {
	if !s.tasks.push(func() { s.process(msg) }) {
		s.logger.Debug("session closed, dropping inbound message", "id", msg.ID)
	}
}

// Sync waits until every task queued before it has run.
func (s *Session) Sync(ctx context.Context) error {
	return s.call(ctx, func() error { return nil })
}

// Teardown closes the connection, stops local tracks and clears buffered
// candidates and descriptions. A media acquisition in progress is
// cancelled. Calling it again, or after Close, does nothing.
func (s *Session) Teardown(ctx context.Context) error {
	s.abortAcquire()
	err := s.call(ctx, func() error {
		s.teardown()
		return nil
	})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// Close tears the session down and stops its event loop. Subscriber
// channels are closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.abortAcquire()
		s.tasks.push(s.teardown)
		s.tasks.close()
		<-s.done
		s.cancel()

		s.observeMu.Lock()
		for _, ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = nil
		s.observeMu.Unlock()
	})
}

// State returns a snapshot of the session state.
func (s *Session) State() State {
	s.observeMu.RLock()
	defer s.observeMu.RUnlock()
	return s.snapshot.Clone()
}

// Subscribe returns a channel receiving a snapshot after every state
// change. A slow reader misses intermediate snapshots but always gets the
// newest one. The channel is closed by Close.
func (s *Session) Subscribe() <-chan State {
	ch := make(chan State, 16)
	s.observeMu.Lock()
	defer s.observeMu.Unlock()
	select {
	case <-s.done:
		close(ch)
		return ch
	default:
	}
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// LocalStream returns the local media stream, or nil.
func (s *Session) LocalStream() *LocalStream {
	s.observeMu.RLock()
	defer s.observeMu.RUnlock()
	return s.localStream
}

// RemoteTracks returns the tracks received from the peer so far.
func (s *Session) RemoteTracks() []*webrtc.TrackRemote {
	s.observeMu.RLock()
	defer s.observeMu.RUnlock()
	return append([]*webrtc.TrackRemote(nil), s.remoteTracks...)
}

// DataChannel returns the session's data channel, or nil.
func (s *Session) DataChannel() *webrtc.DataChannel {
	s.observeMu.RLock()
	defer s.observeMu.RUnlock()
	return s.dataChannel
}

// call runs fn on the loop and waits for its result. It must not be used
// from the loop itself.
func (s *Session) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !s.tasks.push(func() { result <- fn() }) {
		return ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// postCurrent queues fn unless the connection generation has moved on by
// the time it runs.
func (s *Session) postCurrent(generation uint64, fn func()) {
	s.tasks.push(func() {
		if generation != s.generation {
			return
		}
		fn()
	})
}

func (s *Session) apply(ev Event) {
	next, effects := Step(s.state, ev)
	s.state = next
	s.publish(next)

	for _, candidate := range effects.Apply {
		if s.pc == nil {
			break
		}
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.Warn("applying remote candidate failed", "error", err)
		}
	}
	for _, candidate := range effects.Send {
		s.sendCandidate(candidate)
	}
}

func (s *Session) publish(state State) {
	s.observeMu.Lock()
	defer s.observeMu.Unlock()
	s.snapshot = state.Clone()
	for _, ch := range s.subscribers {
		snapshot := state.Clone()
		select {
		case ch <- snapshot:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (s *Session) initialize(ctx context.Context) error {
	s.release()
	generation := s.generation
	s.apply(Initialized{})

	pc, err := s.cfg.NewPeerConnection(ctx)
	if err != nil {
		return s.failInitialize(fmt.Errorf("creating peer connection: %w", err))
	}
	s.pc = pc

	if s.cfg.Role.IsProducer() {
		acquireCtx, done := s.beginAcquire(ctx)
		stream, err := GetUserMedia(acquireCtx, s.cfg.Media, s.cfg.Constraints)
		done()
		if err != nil {
			return s.failInitialize(err)
		}
		s.stream = stream
		s.observe(func() { s.localStream = stream })

		tracks := stream.Tracks()
		for _, track := range tracks {
			if _, err := pc.AddTrack(track); err != nil {
				return s.failInitialize(fmt.Errorf("adding %s track: %w", track.Kind(), err))
			}
		}
		s.apply(LocalStreamAttached{Tracks: len(tracks)})
	}

	channel, err := CreateDataChannel(pc, s.cfg.DataChannelLabel)
	if err != nil {
		return s.failInitialize(err)
	}
	s.channel = channel
	s.observe(func() { s.dataChannel = channel })

	s.wire(pc, generation)
	s.logger.Info("peer connection initialized")
	return nil
}

func (s *Session) failInitialize(err error) error {
	s.release()
	s.apply(InitializeFailed{Err: err})
	s.logger.Error("initializing peer connection failed", "error", err)
	return err
}

func (s *Session) wire(pc PeerConnection, generation uint64) {
	OnLocalCandidate(pc, func(candidate webrtc.ICECandidateInit) {
		s.postCurrent(generation, func() {
			s.apply(LocalCandidate{Candidate: candidate})
		})
	})
	OnICEStateChange(pc, func(state webrtc.ICEConnectionState) {
		s.postCurrent(generation, func() {
			s.logger.Debug("ICE connection state changed", "state", state.String())
			s.apply(ICEStateChanged{State: state})
		})
	})
	OnConnectionStateChange(pc, func(state webrtc.PeerConnectionState) {
		s.postCurrent(generation, func() {
			s.logger.Info("connection state changed", "state", state.String())
			s.apply(ConnectionStateChanged{State: state})
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.postCurrent(generation, func() {
			s.logger.Info("remote track received", "kind", track.Kind().String(), "track", track.ID())
			s.observe(func() { s.remoteTracks = append(s.remoteTracks, track) })
			s.apply(RemoteTrackAdded{})
		})
	})
}

func (s *Session) needsInitialize() bool {
	return s.pc == nil || s.state.Status == StatusError
}

// polite reports whether this side yields when both peers offer at once.
// The participant with the lower user id is polite, so the two sides
// always disagree.
func (s *Session) polite() bool {
	return s.cfg.LocalUserID < s.cfg.RemoteUserID
}

// restarted reports whether offer comes from a new peer connection rather
// than renegotiating the current one. A changed DTLS fingerprint is
// conclusive. Without fingerprints, any offer on an unconnected session is
// treated as a restart.
func (s *Session) restarted(offer webrtc.SessionDescription) bool {
	if s.state.RemoteDescription == nil {
		return false
	}
	previous := DescriptionFingerprint(s.state.RemoteDescription)
	next := DescriptionFingerprint(&offer)
	if previous != "" && next != "" {
		return previous != next
	}
	return s.state.Status != StatusConnected
}

func (s *Session) createOffer(ctx context.Context, target string, targetRole models.Role) (Outcome, error) {
	if target != s.cfg.RemoteUserID {
		return Outcome{}, fmt.Errorf("%w: %s", ErrWrongPeer, target)
	}
	if !models.CanInitiate(s.cfg.Role, targetRole) {
		warning := fmt.Sprintf("a %s may not start a session with a %s", s.cfg.Role, targetRole)
		s.logger.Warn("offer refused", "target_role", targetRole, "reason", warning)
		return Outcome{Warning: warning}, nil
	}

	switch {
	case s.state.OutstandingOffer:
		switch s.cfg.Renegotiation {
		case RenegotiationReject:
			warning := fmt.Sprintf("an offer to %s is still waiting for its answer", target)
			s.logger.Warn("offer refused", "reason", warning)
			return Outcome{Warning: warning}, nil
		case RenegotiationQueue:
			s.queuedOffer = true
			s.logger.Info("offer queued behind outstanding offer")
			return Outcome{Queued: true}, nil
		}
		s.logger.Info("replacing outstanding offer")
		if err := s.initialize(ctx); err != nil {
			return Outcome{}, err
		}
	case s.needsInitialize():
		if err := s.initialize(ctx); err != nil {
			return Outcome{}, err
		}
	}
	return s.sendOffer(ctx)
}

func (s *Session) sendOffer(ctx context.Context) (Outcome, error) {
	if s.pc == nil {
		return Outcome{}, ErrNotInitialized
	}
	description, err := CreateAndSetLocalDescription(s.pc, webrtc.SDPTypeOffer)
	if err != nil {
		s.apply(OperationFailed{Op: "create offer", Err: err, Fatal: true})
		return Outcome{}, err
	}
	description = s.gathered(description)
	s.apply(LocalDescriptionSet{Description: description})
	s.armAnswerTimer()

	// The record goes first so the consumer's answer always finds it.
	s.record(ctx, models.SessionRecord{
		TournamentID:   s.cfg.TournamentID,
		ProducerUserID: s.cfg.LocalUserID,
		ConsumerUserID: s.cfg.RemoteUserID,
		Offer:          description.SDP,
	}, models.SignalTypeOffer)

	if err := s.sendDescription(ctx, models.SignalTypeOffer, s.cfg.RemoteUserID, description); err != nil {
		s.apply(OperationFailed{Op: "send offer", Err: err})
		s.logger.Error("sending offer failed", "error", err)
		return Outcome{}, err
	}
	s.apply(DescriptionSent{})
	s.logger.Info("offer sent")
	return Outcome{Sent: true}, nil
}

func (s *Session) process(msg models.SignalMessage) {
	if msg.From != s.cfg.RemoteUserID {
		s.logger.Debug("ignoring message from another user", "id", msg.ID, "from", msg.From)
		return
	}
	if msg.To != "" && msg.To != s.cfg.LocalUserID {
		s.logger.Debug("ignoring message addressed to another user", "id", msg.ID, "to", msg.To)
		return
	}
	if msg.TournamentID != "" && s.cfg.TournamentID != "" && msg.TournamentID != s.cfg.TournamentID {
		s.logger.Debug("ignoring message for another tournament", "id", msg.ID, "tournament", msg.TournamentID)
		return
	}

	inbound, err := Decode(msg)
	if err != nil {
		s.logger.Warn("dropping signaling message", "id", msg.ID, "type", msg.Type, "error", err)
		return
	}

	switch m := inbound.(type) {
	case Offer:
		s.handleOffer(m)
	case Answer:
		s.handleAnswer(m)
	case Candidate:
		s.apply(RemoteCandidate{Candidate: m.Candidate})
	case ErrorSignal:
		s.logger.Warn("peer reported an error", "id", msg.ID, "message", m.Text)
	default:
		s.logger.Warn("unhandled signaling message", "id", msg.ID, "type", msg.Type)
	}
}

func (s *Session) handleOffer(m Offer) {
	from := m.Message.From
	if !models.CanInitiate(m.Message.Role, s.cfg.Role) {
		s.logger.Warn("ignoring unauthorized offer", "id", m.Message.ID, "sender_role", m.Message.Role)
		return
	}

	switch {
	case s.state.OutstandingOffer:
		// Both sides offered at once. The impolite side keeps its offer and
		// waits for the answer; the polite side drops its own and answers.
		if !s.polite() {
			s.logger.Info("ignoring colliding offer", "id", m.Message.ID)
			return
		}
		s.logger.Info("colliding offer replaces our outstanding offer", "id", m.Message.ID)
		if err := s.initialize(s.ctx); err != nil {
			s.reportError(from, err)
			return
		}
	case s.needsInitialize(), s.restarted(m.Description):
		if err := s.initialize(s.ctx); err != nil {
			s.reportError(from, err)
			return
		}
	}

	if err := SetRemoteDescription(s.pc, m.Description); err != nil {
		s.apply(OperationFailed{Op: "apply offer", Err: err, Fatal: true})
		s.logger.Error("applying offer failed", "id", m.Message.ID, "error", err)
		s.reportError(from, err)
		return
	}
	s.apply(RemoteDescriptionSet{Description: m.Description})

	description, err := CreateAndSetLocalDescription(s.pc, webrtc.SDPTypeAnswer)
	if err != nil {
		s.apply(OperationFailed{Op: "create answer", Err: err, Fatal: true})
		s.logger.Error("creating answer failed", "error", err)
		s.reportError(from, err)
		return
	}
	description = s.gathered(description)
	s.apply(LocalDescriptionSet{Description: description})

	if err := s.sendDescription(s.ctx, models.SignalTypeAnswer, from, description); err != nil {
		s.apply(OperationFailed{Op: "send answer", Err: err})
		s.logger.Error("sending answer failed", "error", err)
		return
	}
	s.apply(DescriptionSent{})
	s.logger.Info("answer sent", "offer", m.Message.ID)

	s.record(s.ctx, models.SessionRecord{
		TournamentID:   s.cfg.TournamentID,
		ProducerUserID: from,
		ConsumerUserID: s.cfg.LocalUserID,
		Answer:         description.SDP,
	}, models.SignalTypeAnswer)
}

func (s *Session) handleAnswer(m Answer) {
	if s.pc == nil || !s.state.OutstandingOffer {
		s.logger.Warn("ignoring answer without an outstanding offer", "id", m.Message.ID)
		return
	}
	if err := SetRemoteDescription(s.pc, m.Description); err != nil {
		s.apply(OperationFailed{Op: "apply answer", Err: err, Fatal: true})
		s.logger.Error("applying answer failed", "id", m.Message.ID, "error", err)
		return
	}
	s.stopAnswerTimer()
	s.apply(RemoteDescriptionSet{Description: m.Description})
	s.logger.Info("answer applied", "id", m.Message.ID)
	s.drainQueued()
}

// drainQueued sends the offer held back by RenegotiationQueue, if any.
func (s *Session) drainQueued() {
	if !s.queuedOffer {
		return
	}
	s.queuedOffer = false
	if s.needsInitialize() {
		if err := s.initialize(s.ctx); err != nil {
			return
		}
	}
	if _, err := s.sendOffer(s.ctx); err != nil {
		s.logger.Error("sending queued offer failed", "error", err)
	}
}

// gathered returns description with its candidates when GatherBeforeSend
// is set. If gathering does not finish in time the partial description is
// used.
func (s *Session) gathered(description webrtc.SessionDescription) webrtc.SessionDescription {
	if !s.cfg.GatherBeforeSend {
		return description
	}
	ctx, cancel := context.WithTimeout(s.ctx, gatherTimeout)
	defer cancel()
	full, err := WaitForGathering(ctx, s.pc, description)
	if err != nil {
		s.logger.Warn("sending description before ICE gathering finished", "error", err)
	}
	return full
}

func (s *Session) armAnswerTimer() {
	s.stopAnswerTimer()
	if s.cfg.AnswerTimeout <= 0 {
		return
	}
	s.offerSeq++
	seq, generation, timeout := s.offerSeq, s.generation, s.cfg.AnswerTimeout
	s.answerTimer = time.AfterFunc(timeout, func() {
		s.postCurrent(generation, func() {
			if seq != s.offerSeq || !s.state.OutstandingOffer {
				return
			}
			s.logger.Warn("offer was not answered", "after", timeout)
			s.apply(AnswerTimedOut{After: timeout})
			s.drainQueued()
		})
	})
}

func (s *Session) stopAnswerTimer() {
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
}

func (s *Session) sendDescription(ctx context.Context, signalType models.SignalType, to string, description webrtc.SessionDescription) error {
	msg, err := encode(signalType, s.cfg.LocalUserID, to, s.cfg.Role, s.cfg.TournamentID, description)
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

func (s *Session) sendCandidate(candidate webrtc.ICECandidateInit) {
	if candidate.UsernameFragment == nil {
		if ufrag := DescriptionUfrag(s.state.LocalDescription); ufrag != "" {
			candidate.UsernameFragment = &ufrag
		}
	}
	msg, err := encode(models.SignalTypeCandidate, s.cfg.LocalUserID, s.cfg.RemoteUserID, s.cfg.Role, s.cfg.TournamentID, candidate)
	if err == nil {
		err = s.send(s.ctx, msg)
	}
	if err != nil {
		s.logger.Warn("sending candidate failed", "error", err)
		s.apply(OperationFailed{Op: "send candidate", Err: err})
	}
}

func (s *Session) send(ctx context.Context, msg models.SignalMessage) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return s.cfg.Transport.SendMessage(sendCtx, msg)
}

// reportError tells the peer that its offer could not be handled.
func (s *Session) reportError(to string, cause error) {
	msg, err := models.NewErrorMessage(s.cfg.LocalUserID, to, s.cfg.Role, cause.Error())
	if err != nil {
		return
	}
	msg.TournamentID = s.cfg.TournamentID
	if err := s.send(s.ctx, msg); err != nil {
		s.logger.Warn("reporting error to peer failed", "error", err)
	}
}

func (s *Session) record(ctx context.Context, record models.SessionRecord, kind models.SignalType) {
	if s.cfg.Recorder == nil || s.cfg.TournamentID == "" {
		return
	}
	recordCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	var err error
	if kind == models.SignalTypeOffer {
		_, err = s.cfg.Recorder.PutOffer(recordCtx, record)
	} else {
		_, err = s.cfg.Recorder.PutAnswer(recordCtx, record)
	}
	if err != nil {
		s.logger.Warn("recording session description failed", "kind", kind, "error", err)
	}
}

func (s *Session) teardown() {
	s.release()
	s.apply(TornDown{})
}

// release closes the current connection and stops local media. Callbacks
// from the released connection are dropped from here on.
func (s *Session) release() {
	s.generation++
	s.stopAnswerTimer()
	s.queuedOffer = false

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.logger.Debug("closing data channel", "error", err)
		}
		s.channel = nil
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Warn("closing peer connection", "error", err)
		}
		s.pc = nil
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	s.observe(func() {
		s.localStream = nil
		s.remoteTracks = nil
		s.dataChannel = nil
	})
}

func (s *Session) observe(fn func()) {
	s.observeMu.Lock()
	defer s.observeMu.Unlock()
	fn()
}

func (s *Session) beginAcquire(ctx context.Context) (context.Context, func()) {
	acquireCtx, cancel := context.WithCancel(ctx)
	s.acquireMu.Lock()
	s.acquireCancel = cancel
	s.acquireMu.Unlock()
	return acquireCtx, func() {
		s.acquireMu.Lock()
		s.acquireCancel = nil
		s.acquireMu.Unlock()
		cancel()
	}
}

func (s *Session) abortAcquire() {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()
	if s.acquireCancel != nil {
		s.acquireCancel()
	}
}
