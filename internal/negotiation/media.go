package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaConstraints selects which kinds of local media to capture.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// DefaultConstraints captures both audio and video.
var DefaultConstraints = MediaConstraints{Audio: true, Video: true}

func (c MediaConstraints) String() string {
	return fmt.Sprintf("audio=%t video=%t", c.Audio, c.Video)
}

// MediaSource acquires local media. Implementations must honour ctx
// cancellation, since teardown aborts an in-flight acquisition that way.
type MediaSource interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (*LocalStream, error)
}

// MediaSourceFunc adapts a function to MediaSource.
type MediaSourceFunc func(ctx context.Context, constraints MediaConstraints) (*LocalStream, error)

// GetUserMedia calls f.
func (f MediaSourceFunc) GetUserMedia(ctx context.Context, constraints MediaConstraints) (*LocalStream, error) {
	return f(ctx, constraints)
}

// MediaAccessError reports that local media could not be acquired. It is
// fatal to the negotiation attempt that needed the media.
type MediaAccessError struct {
	Constraints MediaConstraints
	Err         error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access failed (%s): %v", e.Constraints, e.Err)
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

// ErrNoMediaRequested is returned when constraints ask for nothing.
var ErrNoMediaRequested = errors.New("no audio or video requested")

// LocalStream is a set of local tracks owned by one session.
type LocalStream struct {
	ID string

	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	stopped bool
	onStop  func()
}

// NewLocalStream wraps tracks. onStop, if non-nil, runs once when the
// stream is stopped and should release whatever produces the samples.
func NewLocalStream(id string, tracks []webrtc.TrackLocal, onStop func()) *LocalStream {
	if id == "" {
		id = uuid.NewString()
	}
	return &LocalStream{
		ID:     id,
		tracks: append([]webrtc.TrackLocal(nil), tracks...),
		onStop: onStop,
	}
}

// Tracks returns the stream's tracks.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

// Stop stops every track. Stopping twice is a no-op.
func (s *LocalStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	onStop := s.onStop
	s.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}

// Stopped reports whether Stop has been called.
func (s *LocalStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// GetUserMedia acquires media from source. Any failure comes back as a
// *MediaAccessError; it is not retried.
func GetUserMedia(ctx context.Context, source MediaSource, constraints MediaConstraints) (*LocalStream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, &MediaAccessError{Constraints: constraints, Err: ErrNoMediaRequested}
	}
	if source == nil {
		return nil, &MediaAccessError{Constraints: constraints, Err: errors.New("no media source configured")}
	}

	stream, err := source.GetUserMedia(ctx, constraints)
	if err != nil {
		var accessErr *MediaAccessError
		if errors.As(err, &accessErr) {
			return nil, err
		}
		return nil, &MediaAccessError{Constraints: constraints, Err: err}
	}
	if err := ctx.Err(); err != nil {
		stream.Stop()
		return nil, &MediaAccessError{Constraints: constraints, Err: err}
	}
	return stream, nil
}

// SyntheticSource produces placeholder VP8 and Opus tracks for peers that
// have no capture device, such as the headless CLI. When FrameInterval is
// positive a goroutine writes filler samples at that rate until the stream
// is stopped.
type SyntheticSource struct {
	FrameInterval time.Duration
}

// GetUserMedia implements MediaSource.
func (s SyntheticSource) GetUserMedia(ctx context.Context, constraints MediaConstraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	var samples []*webrtc.TrackLocalStaticSample

	if constraints.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, fmt.Errorf("creating audio track: %w", err)
		}
		samples = append(samples, audio)
	}
	if constraints.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, fmt.Errorf("creating video track: %w", err)
		}
		samples = append(samples, video)
	}

	tracks := make([]webrtc.TrackLocal, 0, len(samples))
	for _, track := range samples {
		tracks = append(tracks, track)
	}

	if s.FrameInterval <= 0 {
		return NewLocalStream(streamID, tracks, nil), nil
	}

	done := make(chan struct{})
	go pumpSamples(samples, s.FrameInterval, done)
	return NewLocalStream(streamID, tracks, func() { close(done) }), nil
}

func pumpSamples(tracks []*webrtc.TrackLocalStaticSample, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	filler := make([]byte, 16)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		for _, track := range tracks {
			// Samples written before negotiation binds the track are dropped.
			_ = track.WriteSample(media.Sample{Data: filler, Duration: interval})
		}
	}
}
