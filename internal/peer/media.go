package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource produces the local tracks. ctx bounds the lifetime of the
// tracks, not just the call.
type MediaSource interface {
	Open(ctx context.Context) ([]webrtc.TrackLocal, error)
	Close() error
}

type acquireCall struct {
	done   chan struct{}
	tracks []webrtc.TrackLocal
	err    error
}

// LocalMedia acquires local tracks once and shares them between every peer
// connection of a session. A caller that gives up waiting does not abort the
// acquisition for the others.
type LocalMedia struct {
	source MediaSource
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	call     *acquireCall
	released bool
}

func NewLocalMedia(source MediaSource) *LocalMedia {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalMedia{source: source, ctx: ctx, cancel: cancel}
}

// Acquire returns the shared tracks, opening the source on first use
func (m *LocalMedia) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil, ErrMediaReleased
	}
	if m.tracks != nil {
		tracks := m.tracks
		m.mu.Unlock()
		return tracks, nil
	}
	call := m.call
	if call == nil {
		call = &acquireCall{done: make(chan struct{})}
		m.call = call
		go m.open(call)
	}
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.tracks, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *LocalMedia) open(call *acquireCall) {
	tracks, err := m.source.Open(m.ctx)

	m.mu.Lock()
	m.call = nil
	if err == nil && m.released {
		err = ErrMediaReleased
	}
	if err == nil {
		m.tracks = tracks
	}
	m.mu.Unlock()

	call.tracks, call.err = tracks, err
	close(call.done)
}

// Acquired reports whether the tracks are open
func (m *LocalMedia) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks != nil
}

// Release stops the source. Later Acquire calls fail.
func (m *LocalMedia) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	m.tracks = nil
	m.mu.Unlock()

	m.cancel()
	return m.source.Close()
}

// opusSilence is a single 20ms Opus frame of digital silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource is a synthetic audio source that streams Opus silence
type SilenceSource struct {
	StreamID string
	Frame    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *SilenceSource) Open(ctx context.Context) ([]webrtc.TrackLocal, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "duet"
	}
	frame := s.Frame
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// no bound peer connections is not an error
				_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: frame})
			}
		}
	}()

	return []webrtc.TrackLocal{track}, nil
}

func (s *SilenceSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}
