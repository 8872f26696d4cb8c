package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// Compile-time interface check.
var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// DefaultPLIInterval is how often receivers ask for a keyframe.
const DefaultPLIInterval = 3 * time.Second

// PeerConnection is the part of *webrtc.PeerConnection a Session drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (*webrtc.DataChannel, error)
	OnICECandidate(handler func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(handler func(webrtc.ICEConnectionState))
	OnConnectionStateChange(handler func(webrtc.PeerConnectionState))
	OnTrack(handler func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// PeerConnectionFactory creates a fresh connection for one negotiation
// attempt. Sessions never reuse a connection across attempts.
type PeerConnectionFactory func(ctx context.Context) (PeerConnection, error)

// APIOptions configures NewAPI.
type APIOptions struct {
	// PLIInterval for the receiver keyframe-request interceptor. Zero
	// means DefaultPLIInterval.
	PLIInterval time.Duration

	// IncludeLoopback gathers loopback candidates, needed when both peers
	// run on one machine with no other interface.
	IncludeLoopback bool
}

// NewAPI builds a pion API with the default codecs and interceptors plus
// a periodic keyframe request for received video.
func NewAPI(options APIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("registering default interceptors: %w", err)
	}

	interval := options.PLIInterval
	if interval <= 0 {
		interval = DefaultPLIInterval
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(interval))
	if err != nil {
		return nil, fmt.Errorf("creating PLI interceptor: %w", err)
	}
	registry.Add(pli)

	settingEngine := webrtc.SettingEngine{}
	if options.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// NewPeerConnectionFactory returns a factory that resolves ICE servers
// through ice (STUN defaults, fetched TURN servers, then overrides) each
// time a connection is created.
func NewPeerConnectionFactory(api *webrtc.API, ice *ICEProvider, overrides ...webrtc.ICEServer) PeerConnectionFactory {
	return func(ctx context.Context) (PeerConnection, error) {
		config := webrtc.Configuration{
			ICEServers: ice.Servers(ctx, overrides...),
		}
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, fmt.Errorf("creating peer connection: %w", err)
		}
		return pc, nil
	}
}

// CreateDataChannel attaches an ordered, reliable data channel.
func CreateDataChannel(pc PeerConnection, label string) (*webrtc.DataChannel, error) {
	ordered := true
	channel, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %q: %w", label, err)
	}
	return channel, nil
}

// OnLocalCandidate invokes handler for every locally gathered candidate.
// The end-of-gathering nil candidate is not reported.
func OnLocalCandidate(pc PeerConnection, handler func(webrtc.ICECandidateInit)) {
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		handler(candidate.ToJSON())
	})
}

// OnICEStateChange invokes handler on every ICE connection state change.
func OnICEStateChange(pc PeerConnection, handler func(webrtc.ICEConnectionState)) {
	pc.OnICEConnectionStateChange(handler)
}

// OnConnectionStateChange invokes handler on every peer connection state
// change.
func OnConnectionStateChange(pc PeerConnection, handler func(webrtc.PeerConnectionState)) {
	pc.OnConnectionStateChange(handler)
}

// CreateAndSetLocalDescription creates an offer or answer and sets it as
// the local description. If setting fails, the created description is
// discarded and the error returned.
func CreateAndSetLocalDescription(pc PeerConnection, sdpType webrtc.SDPType) (webrtc.SessionDescription, error) {
	var (
		description webrtc.SessionDescription
		err         error
	)
	switch sdpType {
	case webrtc.SDPTypeOffer:
		description, err = pc.CreateOffer(nil)
	case webrtc.SDPTypeAnswer:
		description, err = pc.CreateAnswer(nil)
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("cannot create local description of type %s", sdpType)
	}
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating %s: %w", sdpType, err)
	}
	if err := pc.SetLocalDescription(description); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local %s: %w", sdpType, err)
	}
	return description, nil
}

// WaitForGathering blocks until ICE gathering on pc completes and returns
// the local description with every candidate in it. Connections other than
// pion's return description unchanged.
func WaitForGathering(ctx context.Context, pc PeerConnection, description webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	conn, ok := pc.(*webrtc.PeerConnection)
	if !ok {
		return description, nil
	}
	select {
	case <-webrtc.GatheringCompletePromise(conn):
	case <-ctx.Done():
		return description, fmt.Errorf("waiting for ICE gathering: %w", ctx.Err())
	}
	if local := conn.LocalDescription(); local != nil {
		return *local, nil
	}
	return description, nil
}

// SetRemoteDescription applies an inbound description. Buffered remote
// candidates may only be applied after it succeeds.
func SetRemoteDescription(pc PeerConnection, description webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote %s: %w", description.Type, err)
	}
	return nil
}
