package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/tournament-signaling/internal/models"
	"github.com/mossy-p/tournament-signaling/internal/signaling"
)

func TestModeratorOfferReachesPlayer(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)

	outcome, err := h.session.CreateOffer(testContext(t), "player1", models.RolePlayer)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !outcome.Sent || outcome.Warning != "" {
		t.Fatalf("outcome = %+v, want sent without warning", outcome)
	}

	state := h.session.State()
	if state.LocalDescription == nil || state.LocalDescription.Type != webrtc.SDPTypeOffer {
		t.Fatalf("local description = %+v, want an offer", state.LocalDescription)
	}
	if !state.OutstandingOffer {
		t.Error("offer should be outstanding")
	}
	if state.Status != StatusConnecting {
		t.Errorf("status = %s, want connecting", state.Status)
	}
	if !state.LocalStreamActive {
		t.Error("moderator should have attached local media")
	}

	sent := h.sentBy("mod1")
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg.Type != models.SignalTypeOffer || msg.From != "mod1" || msg.To != "player1" || msg.Role != models.RoleModerator {
		t.Errorf("offer message = %+v", msg)
	}
	if msg.TournamentID != testTournament {
		t.Errorf("tournament = %q, want %q", msg.TournamentID, testTournament)
	}

	pc := h.factory.last()
	if len(pc.tracks) != 2 {
		t.Errorf("added %d tracks, want audio and video", len(pc.tracks))
	}
	if !reflect.DeepEqual(pc.channels, []string{DefaultDataChannelLabel}) {
		t.Errorf("data channels = %v", pc.channels)
	}
}

func TestPlayerAnswersModeratorOffer(t *testing.T) {
	h := newHarness(t, "player1", models.RolePlayer, "mod1", nil)

	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod1", "player1", models.RoleModerator, "remote-offer"))
	h.sync(t)

	state := h.session.State()
	if state.RemoteDescription == nil || state.RemoteDescription.SDP != "remote-offer" {
		t.Fatalf("remote description = %+v", state.RemoteDescription)
	}
	if state.LocalDescription == nil || state.LocalDescription.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("local description = %+v, want an answer", state.LocalDescription)
	}
	if state.OutstandingOffer {
		t.Error("answering must not mark an offer outstanding")
	}

	sent := h.sentBy("player1")
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Type != models.SignalTypeAnswer || sent[0].To != "mod1" || sent[0].Role != models.RolePlayer {
		t.Errorf("answer message = %+v", sent[0])
	}
	if pc := h.factory.last(); len(pc.tracks) != 0 {
		t.Errorf("player added %d tracks, want none", len(pc.tracks))
	}
}

func TestPlayerCannotOffer(t *testing.T) {
	h := newHarness(t, "player1", models.RolePlayer, "mod1", nil)
	before := h.session.State()

	outcome, err := h.session.CreateOffer(testContext(t), "mod1", models.RoleModerator)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if outcome.Sent {
		t.Error("refused offer reported as sent")
	}
	if outcome.Warning == "" {
		t.Error("refused offer should carry a warning")
	}
	if got := h.sentBy("player1"); len(got) != 0 {
		t.Errorf("sent %d messages, want none", len(got))
	}
	if h.factory.count() != 0 {
		t.Error("refused offer created a peer connection")
	}
	if after := h.session.State(); !reflect.DeepEqual(before, after) {
		t.Errorf("state changed: before %+v after %+v", before, after)
	}
}

func TestOfferAuthorization(t *testing.T) {
	roles := []models.Role{models.RoleAdmin, models.RoleModerator, models.RolePlayer}
	allowed := map[models.Role]map[models.Role]bool{
		models.RoleAdmin:     {models.RoleAdmin: true, models.RoleModerator: true, models.RolePlayer: true},
		models.RoleModerator: {models.RolePlayer: true},
		models.RolePlayer:    {},
	}

	for _, from := range roles {
		for _, to := range roles {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				h := newHarness(t, "local", from, "remote", nil)
				outcome, err := h.session.CreateOffer(testContext(t), "remote", to)
				if err != nil {
					t.Fatalf("CreateOffer: %v", err)
				}
				want := allowed[from][to]
				if outcome.Sent != want {
					t.Fatalf("sent = %v, want %v (warning %q)", outcome.Sent, want, outcome.Warning)
				}
				if sent := len(h.sentBy("local")); (sent == 1) != want {
					t.Errorf("messages sent = %d", sent)
				}
			})
		}
	}
}

func TestUnauthorizedInboundOfferIgnored(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)

	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "player1", "mod1", models.RolePlayer, "sneaky"))
	h.sync(t)

	if h.factory.count() != 0 {
		t.Error("unauthorized offer created a peer connection")
	}
	if sent := h.sentBy("mod1"); len(sent) != 0 {
		t.Errorf("sent %d messages, want none", len(sent))
	}
	if state := h.session.State(); state.RemoteDescription != nil {
		t.Error("unauthorized offer was applied")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	ctx := testContext(t)

	if _, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	stream := h.session.LocalStream()
	if stream == nil {
		t.Fatal("no local stream after offer")
	}
	pc := h.factory.last()

	if err := h.session.Teardown(ctx); err != nil {
		t.Fatalf("first Teardown: %v", err)
	}
	once := h.session.State()
	if err := h.session.Teardown(ctx); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
	twice := h.session.State()

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("state after second teardown differs:\n%+v\n%+v", once, twice)
	}
	if once.Status != StatusIdle || once.ConnectionState != webrtc.PeerConnectionStateClosed {
		t.Errorf("torn down state = %s/%s", once.Status, once.ConnectionState)
	}
	if once.LocalDescription != nil || once.RemoteDescription != nil {
		t.Error("descriptions not cleared")
	}
	if !stream.Stopped() {
		t.Error("local stream not stopped")
	}
	if pc.closeCount() != 1 {
		t.Errorf("peer connection closed %d times, want 1", pc.closeCount())
	}
	if h.session.LocalStream() != nil {
		t.Error("session still exposes the stopped stream")
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, "player1", models.RolePlayer, "mod1", nil)

	h.session.HandleInbound(candidateMessage(t, "1", "mod1", "player1", models.RoleModerator, "candidate:a"))
	h.session.HandleInbound(candidateMessage(t, "2", "mod1", "player1", models.RoleModerator, "candidate:b"))
	h.sync(t)

	if pending := h.session.State().PendingCandidates; len(pending) != 2 {
		t.Fatalf("pending candidates = %d, want 2", len(pending))
	}

	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod1", "player1", models.RoleModerator, "offer"))
	h.session.HandleInbound(candidateMessage(t, "4", "mod1", "player1", models.RoleModerator, "candidate:c"))
	h.sync(t)

	pc := h.factory.last()
	want := []string{"candidate:a", "candidate:b", "candidate:c"}
	if got := pc.appliedCandidates(); !reflect.DeepEqual(got, want) {
		t.Errorf("applied candidates = %v, want %v", got, want)
	}
	if pending := h.session.State().PendingCandidates; len(pending) != 0 {
		t.Errorf("pending candidates left: %v", pending)
	}
}

func TestLocalCandidatesFollowDescription(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	ctx := testContext(t)

	if err := h.session.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pc := h.factory.last()
	pc.emitCandidate(hostCandidate(5000))
	pc.emitCandidate(nil)
	h.sync(t)

	if sent := h.sentBy("mod1"); len(sent) != 0 {
		t.Fatalf("candidate sent before description: %+v", sent)
	}
	if held := h.session.State().LocalCandidates; len(held) != 1 {
		t.Fatalf("held candidates = %d, want 1", len(held))
	}

	if _, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	pc.emitCandidate(hostCandidate(5001))
	h.sync(t)

	var types []models.SignalType
	for _, msg := range h.sentBy("mod1") {
		types = append(types, msg.Type)
	}
	want := []models.SignalType{models.SignalTypeOffer, models.SignalTypeCandidate, models.SignalTypeCandidate}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("sent types = %v, want %v", types, want)
	}
}

func TestConnectionAndICEStateIndependent(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	if err := h.session.Initialize(testContext(t)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pc := h.factory.last()

	pc.emitICEState(webrtc.ICEConnectionStateChecking)
	h.sync(t)

	state := h.session.State()
	if state.ICEConnectionState != webrtc.ICEConnectionStateChecking {
		t.Errorf("ICE state = %s, want checking", state.ICEConnectionState)
	}
	if state.ConnectionState != webrtc.PeerConnectionStateNew {
		t.Errorf("connection state = %s, want new", state.ConnectionState)
	}

	pc.emitConnectionState(webrtc.PeerConnectionStateConnected)
	h.sync(t)
	if state := h.session.State(); state.Status != StatusConnected {
		t.Errorf("status = %s, want connected", state.Status)
	}

	pc.emitConnectionState(webrtc.PeerConnectionStateFailed)
	h.sync(t)
	state = h.session.State()
	if state.Status != StatusError || state.LastError == "" {
		t.Errorf("failed connection: status %s, last error %q", state.Status, state.LastError)
	}
	if pc.closeCount() != 0 {
		t.Error("a failed connection must not be torn down automatically")
	}
}

func TestCallbacksFromReleasedConnectionDropped(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	ctx := testContext(t)
	if err := h.session.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	old := h.factory.last()
	if err := h.session.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	old.emitConnectionState(webrtc.PeerConnectionStateConnected)
	old.emitCandidate(hostCandidate(6000))
	h.sync(t)

	state := h.session.State()
	if state.Status != StatusIdle {
		t.Errorf("status = %s, want idle", state.Status)
	}
	if len(state.LocalCandidates) != 0 {
		t.Error("candidate from released connection was kept")
	}
}

func TestAnswerCompletesOffer(t *testing.T) {
	recorder := &fakeRecorder{}
	h := newHarness(t, "mod1", models.RoleModerator, "player1", func(cfg *SessionConfig) {
		cfg.Recorder = recorder
	})
	if _, err := h.session.CreateOffer(testContext(t), "player1", models.RolePlayer); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeAnswer, "player1", "mod1", models.RolePlayer, "remote-answer"))
	h.sync(t)

	state := h.session.State()
	if state.OutstandingOffer {
		t.Error("offer still outstanding after answer")
	}
	if state.RemoteDescription == nil || state.RemoteDescription.Type != webrtc.SDPTypeAnswer {
		t.Errorf("remote description = %+v", state.RemoteDescription)
	}
	if sent := h.sentBy("mod1"); len(sent) != 1 {
		t.Errorf("answer triggered a reply: %+v", sent)
	}

	if len(recorder.offers) != 1 {
		t.Fatalf("recorded %d offers, want 1", len(recorder.offers))
	}
	record := recorder.offers[0]
	if record.ProducerUserID != "mod1" || record.ConsumerUserID != "player1" || record.Offer != "offer-1" {
		t.Errorf("recorded offer = %+v", record)
	}
}

func TestAnswerWithoutOfferIgnored(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeAnswer, "player1", "mod1", models.RolePlayer, "stray"))
	h.sync(t)

	if state := h.session.State(); state.RemoteDescription != nil {
		t.Error("stray answer was applied")
	}
}

func TestMessagesForOthersIgnored(t *testing.T) {
	h := newHarness(t, "player1", models.RolePlayer, "mod1", nil)

	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod2", "player1", models.RoleModerator, "other-sender"))
	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod1", "player2", models.RoleModerator, "other-recipient"))
	h.sync(t)

	if h.factory.count() != 0 {
		t.Error("message for someone else created a connection")
	}
}

func TestMediaDenied(t *testing.T) {
	denied := errors.New("permission denied")
	h := newHarness(t, "mod1", models.RoleModerator, "player1", func(cfg *SessionConfig) {
		cfg.Media = MediaSourceFunc(func(context.Context, MediaConstraints) (*LocalStream, error) {
			return nil, denied
		})
	})

	_, err := h.session.CreateOffer(testContext(t), "player1", models.RolePlayer)
	var accessErr *MediaAccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("err = %v, want *MediaAccessError", err)
	}
	if !errors.Is(err, denied) {
		t.Errorf("err = %v, want it to wrap the source error", err)
	}

	state := h.session.State()
	if state.Status != StatusError || state.LastError == "" {
		t.Errorf("state = %s / %q, want error with message", state.Status, state.LastError)
	}
	if pc := h.factory.last(); pc.closeCount() != 1 {
		t.Error("peer connection not released after media failure")
	}
	if sent := h.sentBy("mod1"); len(sent) != 0 {
		t.Errorf("sent %d messages after media failure", len(sent))
	}
}

func TestTeardownCancelsMediaAcquisition(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, "mod1", models.RoleModerator, "player1", func(cfg *SessionConfig) {
		cfg.Media = MediaSourceFunc(func(ctx context.Context, _ MediaConstraints) (*LocalStream, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	errs := make(chan error, 1)
	go func() { errs <- h.session.Initialize(context.Background()) }()
	<-started

	if err := h.session.Teardown(testContext(t)); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("Initialize err = %v, want context.Canceled", err)
	}
	if state := h.session.State(); state.Status != StatusIdle {
		t.Errorf("status = %s, want idle", state.Status)
	}
}

func TestRenegotiationPolicies(t *testing.T) {
	answer := func(t *testing.T, h *harness) {
		h.session.HandleInbound(descriptionMessage(t, models.SignalTypeAnswer, "player1", "mod1", models.RolePlayer, "answer"))
		h.sync(t)
	}

	t.Run("reject", func(t *testing.T) {
		h := newHarness(t, "mod1", models.RoleModerator, "player1", func(cfg *SessionConfig) {
			cfg.Renegotiation = RenegotiationReject
		})
		ctx := testContext(t)
		h.session.CreateOffer(ctx, "player1", models.RolePlayer)
		outcome, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer)
		if err != nil || outcome.Sent || outcome.Warning == "" {
			t.Fatalf("second offer: %+v, %v", outcome, err)
		}
		if sent := h.sentBy("mod1"); len(sent) != 1 {
			t.Errorf("offers sent = %d, want 1", len(sent))
		}
	})

	t.Run("queue", func(t *testing.T) {
		h := newHarness(t, "mod1", models.RoleModerator, "player1", func(cfg *SessionConfig) {
			cfg.Renegotiation = RenegotiationQueue
		})
		ctx := testContext(t)
		h.session.CreateOffer(ctx, "player1", models.RolePlayer)
		outcome, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer)
		if err != nil || !outcome.Queued {
			t.Fatalf("second offer: %+v, %v", outcome, err)
		}
		if sent := h.sentBy("mod1"); len(sent) != 1 {
			t.Fatalf("offers sent before answer = %d, want 1", len(sent))
		}

		answer(t, h)
		if sent := h.sentBy("mod1"); len(sent) != 2 {
			t.Errorf("offers sent after answer = %d, want 2", len(sent))
		}
		if h.factory.count() != 1 {
			t.Errorf("queued offer created %d connections, want reuse", h.factory.count())
		}
		if !h.session.State().OutstandingOffer {
			t.Error("queued offer should now be outstanding")
		}
	})

	t.Run("replace", func(t *testing.T) {
		h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
		ctx := testContext(t)
		h.session.CreateOffer(ctx, "player1", models.RolePlayer)
		first := h.factory.last()
		outcome, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer)
		if err != nil || !outcome.Sent {
			t.Fatalf("second offer: %+v, %v", outcome, err)
		}
		if h.factory.count() != 2 {
			t.Errorf("connections = %d, want 2", h.factory.count())
		}
		if first.closeCount() != 1 {
			t.Error("replaced connection not closed")
		}
		if sent := h.sentBy("mod1"); len(sent) != 2 {
			t.Errorf("offers sent = %d, want 2", len(sent))
		}
	})
}

func TestGlareResolvedByPoliteness(t *testing.T) {
	policies := []RenegotiationPolicy{RenegotiationReplace, RenegotiationReject, RenegotiationQueue}
	for _, policy := range policies {
		t.Run(string(policy)+"/polite", func(t *testing.T) {
			h := newHarness(t, "admin1", models.RoleAdmin, "admin2", func(cfg *SessionConfig) {
				cfg.Renegotiation = policy
			})
			if _, err := h.session.CreateOffer(testContext(t), "admin2", models.RoleAdmin); err != nil {
				t.Fatalf("CreateOffer: %v", err)
			}
			ours := h.factory.last()

			h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "admin2", "admin1", models.RoleAdmin, "their-offer"))
			h.sync(t)

			sent := h.sentBy("admin1")
			if len(sent) != 2 || sent[1].Type != models.SignalTypeAnswer {
				t.Fatalf("sent = %+v, want our offer then an answer", sent)
			}
			if ours.closeCount() != 1 || h.factory.count() != 2 {
				t.Error("polite side kept the connection behind its own offer")
			}
			if h.session.State().OutstandingOffer {
				t.Error("our offer still outstanding after yielding")
			}
		})

		t.Run(string(policy)+"/impolite", func(t *testing.T) {
			h := newHarness(t, "admin2", models.RoleAdmin, "admin1", func(cfg *SessionConfig) {
				cfg.Renegotiation = policy
			})
			if _, err := h.session.CreateOffer(testContext(t), "admin1", models.RoleAdmin); err != nil {
				t.Fatalf("CreateOffer: %v", err)
			}

			h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "admin1", "admin2", models.RoleAdmin, "their-offer"))
			h.sync(t)
			if sent := h.sentBy("admin2"); len(sent) != 1 {
				t.Fatalf("impolite side answered a colliding offer: %+v", sent)
			}
			if !h.session.State().OutstandingOffer {
				t.Fatal("impolite side dropped its offer")
			}

			h.session.HandleInbound(descriptionMessage(t, models.SignalTypeAnswer, "admin1", "admin2", models.RoleAdmin, "their-answer"))
			h.sync(t)
			state := h.session.State()
			if state.OutstandingOffer || state.RemoteDescription == nil || state.RemoteDescription.SDP != "their-answer" {
				t.Errorf("answer not applied: %+v", state)
			}
			if h.factory.count() != 1 {
				t.Errorf("connections = %d, want 1", h.factory.count())
			}
		})
	}
}

func TestAnswerTimeout(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", func(cfg *SessionConfig) {
		cfg.AnswerTimeout = 20 * time.Millisecond
	})
	ctx := testContext(t)
	if _, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	waitFor(t, "answer timeout", func() bool {
		return !h.session.State().OutstandingOffer
	})
	state := h.session.State()
	if !strings.Contains(state.LastError, "no answer") {
		t.Errorf("last error = %q", state.LastError)
	}
	if state.Status != StatusError {
		t.Errorf("status = %s, want error", state.Status)
	}

	// A late answer is not applied.
	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeAnswer, "player1", "mod1", models.RolePlayer, "late"))
	h.sync(t)
	if state := h.session.State(); state.RemoteDescription != nil {
		t.Error("late answer applied")
	}

	// The next offer starts over on a new connection.
	outcome, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer)
	if err != nil || !outcome.Sent {
		t.Fatalf("retry: %+v, %v", outcome, err)
	}
	if h.factory.count() != 2 {
		t.Errorf("connections = %d, want 2", h.factory.count())
	}
	if state := h.session.State(); state.Status != StatusConnecting {
		t.Errorf("status after retry = %s", state.Status)
	}
}

func TestQueuedOfferSentAfterTimeout(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", func(cfg *SessionConfig) {
		cfg.Renegotiation = RenegotiationQueue
		cfg.AnswerTimeout = 20 * time.Millisecond
	})
	ctx := testContext(t)
	h.session.CreateOffer(ctx, "player1", models.RolePlayer)
	if outcome, _ := h.session.CreateOffer(ctx, "player1", models.RolePlayer); !outcome.Queued {
		t.Fatalf("second offer not queued: %+v", outcome)
	}

	waitFor(t, "queued offer", func() bool {
		return len(h.sentBy("mod1")) == 2
	})
	h.sync(t)
	if h.factory.count() != 2 {
		t.Errorf("connections = %d, want a fresh one for the queued offer", h.factory.count())
	}
	if state := h.session.State(); !state.OutstandingOffer || state.Status != StatusConnecting {
		t.Errorf("state after queued offer = %s, outstanding %v", state.Status, state.OutstandingOffer)
	}
}

func TestRestartCandidatesWaitForTheirOffer(t *testing.T) {
	h := newHarness(t, "player1", models.RolePlayer, "mod1", nil)
	const (
		oldCandidate = "candidate:1 1 udp 2130706431 192.0.2.10 5000 typ host ufrag one"
		newCandidate = "candidate:1 1 udp 2130706431 192.0.2.10 5001 typ host ufrag two"
	)

	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod1", "player1", models.RoleModerator, testSDP("one", "AA")))
	h.session.HandleInbound(candidateMessage(t, "c1", "mod1", "player1", models.RoleModerator, oldCandidate))
	h.sync(t)
	first := h.factory.last()

	// The peer restarted and its first candidate overtook the new offer.
	h.session.HandleInbound(candidateMessage(t, "c2", "mod1", "player1", models.RoleModerator, newCandidate))
	h.sync(t)
	if got, want := first.appliedCandidates(), []string{oldCandidate}; !reflect.DeepEqual(got, want) {
		t.Fatalf("old connection applied %v, want %v", got, want)
	}
	if pending := h.session.State().PendingCandidates; len(pending) != 1 {
		t.Fatalf("pending = %v, want the restart candidate", pending)
	}

	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod1", "player1", models.RoleModerator, testSDP("two", "BB")))
	h.sync(t)

	if h.factory.count() != 2 {
		t.Fatalf("connections = %d, want a new one for the restart", h.factory.count())
	}
	if got, want := h.factory.last().appliedCandidates(), []string{newCandidate}; !reflect.DeepEqual(got, want) {
		t.Errorf("new connection applied %v, want %v", got, want)
	}
	if pending := h.session.State().PendingCandidates; len(pending) != 0 {
		t.Errorf("pending left: %v", pending)
	}
}

func TestRenegotiationOnSameConnection(t *testing.T) {
	h := newHarness(t, "player1", models.RolePlayer, "mod1", nil)

	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod1", "player1", models.RoleModerator, testSDP("one", "AA")))
	h.sync(t)
	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod1", "player1", models.RoleModerator, testSDP("uno", "AA")))
	h.sync(t)

	if h.factory.count() != 1 {
		t.Errorf("connections = %d, want the existing one reused", h.factory.count())
	}
	if sent := h.sentBy("player1"); len(sent) != 2 {
		t.Errorf("answers sent = %d, want 2", len(sent))
	}
}

func TestLocalCandidatesCarryUfrag(t *testing.T) {
	h := newHarness(t, "player1", models.RolePlayer, "mod1", nil)
	h.factory.ufrag = "mine"
	h.session.HandleInbound(descriptionMessage(t, models.SignalTypeOffer, "mod1", "player1", models.RoleModerator, "offer"))
	h.sync(t)

	h.factory.last().emitCandidate(hostCandidate(5000))
	h.sync(t)
	sent := h.sentBy("player1")
	if len(sent) != 2 {
		t.Fatalf("sent = %d messages, want answer and candidate", len(sent))
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(sent[1].Data, &candidate); err != nil {
		t.Fatalf("decode candidate: %v", err)
	}
	if got := CandidateUfrag(candidate); got != "mine" {
		t.Errorf("ufrag = %q, want mine", got)
	}
}

func TestSendFailureKeepsLocalDescription(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	h.transport.FailSends(errors.New("mailbox down"))

	_, err := h.session.CreateOffer(testContext(t), "player1", models.RolePlayer)
	var transportErr *signaling.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v, want *signaling.TransportError", err)
	}

	state := h.session.State()
	if state.LocalDescription == nil {
		t.Error("local description dropped after failed send")
	}
	if !strings.Contains(state.LastError, "send offer") {
		t.Errorf("last error = %q", state.LastError)
	}
	if state.DescriptionSent {
		t.Error("description marked sent")
	}
}

func TestRetryAfterFailure(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	h.factory.err = errors.New("no sockets")
	ctx := testContext(t)

	if err := h.session.Initialize(ctx); err == nil {
		t.Fatal("Initialize succeeded with failing factory")
	}
	if state := h.session.State(); state.Status != StatusError {
		t.Fatalf("status = %s, want error", state.Status)
	}

	h.factory.mu.Lock()
	h.factory.err = nil
	h.factory.mu.Unlock()

	outcome, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer)
	if err != nil || !outcome.Sent {
		t.Fatalf("retry: %+v, %v", outcome, err)
	}
	if state := h.session.State(); state.Status != StatusConnecting || state.LastError != "" {
		t.Errorf("state after retry = %s / %q", state.Status, state.LastError)
	}
}

func TestCloseStopsSession(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	updates := h.session.Subscribe()
	ctx := testContext(t)

	if _, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	h.session.Close()

	var last State
	for state := range updates {
		last = state
	}
	if last.Status != StatusIdle || last.ConnectionState != webrtc.PeerConnectionStateClosed {
		t.Errorf("last update = %s/%s, want torn down", last.Status, last.ConnectionState)
	}

	if _, err := h.session.CreateOffer(ctx, "player1", models.RolePlayer); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("CreateOffer after Close: %v", err)
	}
	if err := h.session.Teardown(ctx); err != nil {
		t.Errorf("Teardown after Close: %v", err)
	}
}

func TestWrongTarget(t *testing.T) {
	h := newHarness(t, "mod1", models.RoleModerator, "player1", nil)
	if _, err := h.session.CreateOffer(testContext(t), "player2", models.RolePlayer); !errors.Is(err, ErrWrongPeer) {
		t.Errorf("err = %v, want ErrWrongPeer", err)
	}
}

func TestNewSessionValidation(t *testing.T) {
	hub := signaling.NewMemoryHub()
	factory := &fakeFactory{}
	valid := SessionConfig{
		LocalUserID:       "a",
		RemoteUserID:      "b",
		Role:              models.RolePlayer,
		Transport:         hub.Endpoint("a"),
		NewPeerConnection: factory.New,
	}

	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"missing remote", func(c *SessionConfig) { c.RemoteUserID = "" }},
		{"self", func(c *SessionConfig) { c.RemoteUserID = "a" }},
		{"bad role", func(c *SessionConfig) { c.Role = "referee" }},
		{"no transport", func(c *SessionConfig) { c.Transport = nil }},
		{"no factory", func(c *SessionConfig) { c.NewPeerConnection = nil }},
		{"producer without media", func(c *SessionConfig) { c.Role = models.RoleModerator }},
		{"bad policy", func(c *SessionConfig) { c.Renegotiation = "sometimes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if session, err := NewSession(cfg); err == nil {
				session.Close()
				t.Error("expected an error")
			}
		})
	}

	session, err := NewSession(valid)
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	session.Close()
}
