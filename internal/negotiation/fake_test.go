package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/tournament-signaling/internal/models"
	"github.com/mossy-p/tournament-signaling/internal/signaling"
)

// fakePeerConnection records what a Session does to it and lets tests
// fire the callbacks pion would.
type fakePeerConnection struct {
	mu       sync.Mutex
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	applied  []webrtc.ICECandidateInit
	tracks   []webrtc.TrackLocal
	channels []string
	offers   int
	answers  int
	closes   int

	// ufrag, when set, makes created descriptions parsable SDP carrying it.
	ufrag        string
	setRemoteErr error

	onCandidate func(*webrtc.ICECandidate)
	onICE       func(webrtc.ICEConnectionState)
	onConn      func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

var _ PeerConnection = (*fakePeerConnection)(nil)

func (f *fakePeerConnection) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.describe("offer", f.offers)}, nil
}

func (f *fakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil || f.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.describe("answer", f.answers)}, nil
}

func (f *fakePeerConnection) describe(kind string, n int) string {
	if f.ufrag == "" {
		return fmt.Sprintf("%s-%d", kind, n)
	}
	return testSDP(f.ufrag, fmt.Sprintf("%s-%d", kind, n))
}

func (f *fakePeerConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &description
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remote = &description
	return nil
}

func (f *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.applied = append(f.applied, candidate)
	return nil
}

func (f *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakePeerConnection) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, label)
	return nil, nil
}

func (f *fakePeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = handler
}

func (f *fakePeerConnection) OnICEConnectionStateChange(handler func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = handler
}

func (f *fakePeerConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = handler
}

func (f *fakePeerConnection) OnTrack(handler func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = handler
}

func (f *fakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakePeerConnection) emitCandidate(candidate *webrtc.ICECandidate) {
	f.mu.Lock()
	handler := f.onCandidate
	f.mu.Unlock()
	handler(candidate)
}

func (f *fakePeerConnection) emitICEState(state webrtc.ICEConnectionState) {
	f.mu.Lock()
	handler := f.onICE
	f.mu.Unlock()
	handler(state)
}

func (f *fakePeerConnection) emitConnectionState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	handler := f.onConn
	f.mu.Unlock()
	handler(state)
}

func (f *fakePeerConnection) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, candidate := range f.applied {
		out = append(out, candidate.Candidate)
	}
	return out
}

func (f *fakePeerConnection) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakePeerConnection
	err     error
	ufrag   string
}

func (f *fakeFactory) New(context.Context) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePeerConnection{ufrag: f.ufrag}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeRecorder struct {
	mu      sync.Mutex
	offers  []models.SessionRecord
	answers []models.SessionRecord
}

func (r *fakeRecorder) PutOffer(_ context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, record)
	return record, nil
}

func (r *fakeRecorder) PutAnswer(_ context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, record)
	return record, nil
}

type harness struct {
	hub       *signaling.MemoryHub
	transport *signaling.MemoryTransport
	factory   *fakeFactory
	session   *Session
}

const testTournament = "t1"

func newHarness(t *testing.T, local string, role models.Role, remote string, configure func(*SessionConfig)) *harness {
	t.Helper()
	hub := signaling.NewMemoryHub()
	transport := hub.Endpoint(local)
	factory := &fakeFactory{}

	cfg := SessionConfig{
		TournamentID:      testTournament,
		LocalUserID:       local,
		RemoteUserID:      remote,
		Role:              role,
		Transport:         transport,
		NewPeerConnection: factory.New,
		Media:             SyntheticSource{},
	}
	if configure != nil {
		configure(&cfg)
	}
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(session.Close)
	return &harness{hub: hub, transport: transport, factory: factory, session: session}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	if err := h.session.Sync(testContext(t)); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func (h *harness) sentBy(user string) []models.SignalMessage {
	return h.hub.SentBy(user)
}

func descriptionMessage(t *testing.T, signalType models.SignalType, from, to string, role models.Role, sdp string) models.SignalMessage {
	t.Helper()
	data, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.NewSDPType(string(signalType)), SDP: sdp})
	if err != nil {
		t.Fatalf("marshal description: %v", err)
	}
	return models.SignalMessage{
		ID:           sdp,
		Type:         signalType,
		From:         from,
		To:           to,
		Role:         role,
		TournamentID: testTournament,
		Data:         data,
	}
}

func candidateMessage(t *testing.T, id, from, to string, role models.Role, candidate string) models.SignalMessage {
	t.Helper()
	data, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	return models.SignalMessage{
		ID:           id,
		Type:         models.SignalTypeCandidate,
		From:         from,
		To:           to,
		Role:         role,
		TournamentID: testTournament,
		Data:         data,
	}
}

// testSDP builds a minimal description that parses as SDP, with the given
// ICE username fragment and certificate fingerprint.
func testSDP(ufrag, fingerprint string) string {
	return strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=fingerprint:sha-256 " + fingerprint,
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=ice-ufrag:" + ufrag,
		"a=ice-pwd:0123456789abcdef01234567",
		"",
	}, "\r\n")
}

func hostCandidate(port uint16) *webrtc.ICECandidate {
	return &webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.0.2.10",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
