// Package media owns the local capture handle of a call and models the
// remote peer's tracks.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Mode is fixed when a call starts and decides whether a camera is opened.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

func (m Mode) Valid() bool { return m == ModeAudio || m == ModeVideo }

// LocalTrack is one captured track. Disabling it keeps the sender attached
// to the peer connection; the capture pump sends silence or drops frames
// instead.
type LocalTrack struct {
	kind  Kind
	track webrtc.TrackLocal

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stop     func() error
	stopErr  error
}

// NewLocalTrack wraps track. stop releases the underlying device and may be nil.
func NewLocalTrack(kind Kind, track webrtc.TrackLocal, stop func() error) *LocalTrack {
	t := &LocalTrack{kind: kind, track: track, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) Kind() Kind { return t.kind }
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Live() bool { return !t.stopped.Load() }

func (t *LocalTrack) ID() string {
	if t.track == nil {
		return ""
	}
	return t.track.ID()
}

// Stop releases the device once. Later calls return the first result.
func (t *LocalTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.stop != nil {
			t.stopErr = t.stop()
		}
	})
	return t.stopErr
}

// LocalStream groups the tracks captured for one call.
type LocalStream struct {
	id string

	mu     sync.RWMutex
	tracks []*LocalTrack
}

func NewLocalStream(tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{id: uuid.NewString(), tracks: tracks}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []*LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *LocalStream) TracksOf(kind Kind) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) HasVideo() bool { return len(s.TracksOf(KindVideo)) > 0 }

// LiveTracks counts tracks that have not been stopped.
func (s *LocalStream) LiveTracks() int {
	n := 0
	for _, t := range s.Tracks() {
		if t.Live() {
			n++
		}
	}
	return n
}

func (s *LocalStream) add(t *LocalTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *LocalStream) stopAll() error {
	var firstErr error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
