package negotiation

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Status is the negotiation lifecycle of a session. ICE progress is
// tracked separately in State.ICEConnectionState.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// State is the externally observable state of a session. Values returned
// by Session.State are copies and safe to keep.
type State struct {
	Status             Status
	ConnectionState    webrtc.PeerConnectionState
	ICEConnectionState webrtc.ICEConnectionState

	LocalDescription  *webrtc.SessionDescription
	RemoteDescription *webrtc.SessionDescription

	// OutstandingOffer is set while a local offer awaits its answer.
	OutstandingOffer bool

	// DescriptionSent is set once the current local description has been
	// handed to the transport. Local candidates wait for it.
	DescriptionSent bool

	// LocalCandidates were gathered before DescriptionSent and have not
	// been transmitted yet.
	LocalCandidates []webrtc.ICECandidateInit

	// PendingCandidates arrived before a remote description they belong to
	// was set. They are applied in receipt order once one is, and dropped
	// if the description that arrives carries a different ufrag.
	PendingCandidates []webrtc.ICECandidateInit

	LocalStreamActive bool
	RemoteTracks      int

	LastError string
}

// NewState returns the state of a session that has never been initialized.
func NewState() State {
	return State{
		Status:             StatusIdle,
		ConnectionState:    webrtc.PeerConnectionStateNew,
		ICEConnectionState: webrtc.ICEConnectionStateNew,
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	if s.LocalDescription != nil {
		description := *s.LocalDescription
		out.LocalDescription = &description
	}
	if s.RemoteDescription != nil {
		description := *s.RemoteDescription
		out.RemoteDescription = &description
	}
	out.LocalCandidates = append([]webrtc.ICECandidateInit(nil), s.LocalCandidates...)
	out.PendingCandidates = append([]webrtc.ICECandidateInit(nil), s.PendingCandidates...)
	return out
}

// Event is an input to Step. The concrete types are declared in this
// file; no other package can add one.
type Event interface {
	event()
}

// Initialized: a fresh peer connection exists and callbacks are wired.
type Initialized struct{}

// InitializeFailed: the connection or local media could not be set up.
type InitializeFailed struct{ Err error }

// LocalStreamAttached: local tracks were added to the connection.
type LocalStreamAttached struct{ Tracks int }

// LocalDescriptionSet: an offer or answer was set as local description.
type LocalDescriptionSet struct{ Description webrtc.SessionDescription }

// DescriptionSent: the local description was handed to the transport.
type DescriptionSent struct{}

// RemoteDescriptionSet: the peer's offer or answer was applied.
type RemoteDescriptionSet struct{ Description webrtc.SessionDescription }

// RemoteCandidate: the peer trickled a candidate.
type RemoteCandidate struct{ Candidate webrtc.ICECandidateInit }

// LocalCandidate: ICE gathered a local candidate.
type LocalCandidate struct{ Candidate webrtc.ICECandidateInit }

// RemoteTrackAdded: a remote media track arrived.
type RemoteTrackAdded struct{}

// ConnectionStateChanged reports a peer connection state change.
type ConnectionStateChanged struct{ State webrtc.PeerConnectionState }

// ICEStateChanged reports an ICE connection state change.
type ICEStateChanged struct{ State webrtc.ICEConnectionState }

// OperationFailed records a failed step. Fatal failures move the session
// to StatusError; others only record LastError.
type OperationFailed struct {
	Op    string
	Err   error
	Fatal bool
}

// AnswerTimedOut: the outstanding offer got no answer in time. The
// session moves to StatusError so the next offer starts a new connection.
type AnswerTimedOut struct{ After time.Duration }

// TornDown: the connection was closed and local media stopped.
type TornDown struct{}

func (Initialized) event()            {}
func (InitializeFailed) event()       {}
func (LocalStreamAttached) event()    {}
func (LocalDescriptionSet) event()    {}
func (DescriptionSent) event()        {}
func (RemoteDescriptionSet) event()   {}
func (RemoteCandidate) event()        {}
func (LocalCandidate) event()         {}
func (RemoteTrackAdded) event()       {}
func (ConnectionStateChanged) event() {}
func (ICEStateChanged) event()        {}
func (OperationFailed) event()        {}
func (AnswerTimedOut) event()         {}
func (TornDown) event()               {}

// Effects are the side effects Step asks the caller to perform, in order.
type Effects struct {
	// Apply lists remote candidates to add to the peer connection.
	Apply []webrtc.ICECandidateInit
	// Send lists local candidates to transmit to the peer.
	Send []webrtc.ICECandidateInit
}

// Step computes the state that follows s after ev. It never mutates s, so
// the same inputs always give the same result.
func Step(s State, ev Event) (State, Effects) {
	next := s.Clone()
	var effects Effects

	switch e := ev.(type) {
	case Initialized:
		// Candidates that arrived before any remote description belong to
		// the negotiation this connection is about to run.
		pending := next.PendingCandidates
		next = NewState()
		next.Status = StatusConnecting
		next.PendingCandidates = pending

	case InitializeFailed:
		next.Status = StatusError
		next.LocalStreamActive = false
		next.LastError = errorText("initialize", e.Err)

	case LocalStreamAttached:
		next.LocalStreamActive = e.Tracks > 0

	case LocalDescriptionSet:
		description := e.Description
		next.LocalDescription = &description
		next.DescriptionSent = false
		if description.Type == webrtc.SDPTypeOffer {
			next.OutstandingOffer = true
		}

	case DescriptionSent:
		next.DescriptionSent = true
		effects.Send = next.LocalCandidates
		next.LocalCandidates = nil

	case RemoteDescriptionSet:
		description := e.Description
		next.RemoteDescription = &description
		if description.Type == webrtc.SDPTypeAnswer {
			next.OutstandingOffer = false
		}
		for _, candidate := range next.PendingCandidates {
			if belongsTo(candidate, &description) {
				effects.Apply = append(effects.Apply, candidate)
			}
		}
		next.PendingCandidates = nil

	case RemoteCandidate:
		// A candidate for another ufrag belongs to a restart offer that has
		// not been applied yet.
		if next.RemoteDescription == nil || !belongsTo(e.Candidate, next.RemoteDescription) {
			next.PendingCandidates = append(next.PendingCandidates, e.Candidate)
		} else {
			effects.Apply = []webrtc.ICECandidateInit{e.Candidate}
		}

	case LocalCandidate:
		if next.DescriptionSent {
			effects.Send = []webrtc.ICECandidateInit{e.Candidate}
		} else {
			next.LocalCandidates = append(next.LocalCandidates, e.Candidate)
		}

	case RemoteTrackAdded:
		next.RemoteTracks++

	case ConnectionStateChanged:
		next.ConnectionState = e.State
		switch e.State {
		case webrtc.PeerConnectionStateConnected:
			next.Status = StatusConnected
		case webrtc.PeerConnectionStateFailed:
			next.Status = StatusError
			next.LastError = "peer connection failed"
		}

	case ICEStateChanged:
		next.ICEConnectionState = e.State

	case OperationFailed:
		next.LastError = errorText(e.Op, e.Err)
		if e.Fatal {
			next.Status = StatusError
		}

	case AnswerTimedOut:
		if next.OutstandingOffer {
			next.OutstandingOffer = false
			next.Status = StatusError
			next.LastError = fmt.Sprintf("no answer received within %s", e.After)
		}

	case TornDown:
		next = NewState()
		next.ConnectionState = webrtc.PeerConnectionStateClosed
		next.ICEConnectionState = webrtc.ICEConnectionStateClosed
	}

	return next, effects
}

func errorText(op string, err error) string {
	if err == nil {
		return op + " failed"
	}
	return op + ": " + err.Error()
}
