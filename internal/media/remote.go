package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// RemoteTrack is a track received from the peer. There is no reliable
// mute signal on the wire, so "enabled" means packets arrived recently.
type RemoteTrack struct {
	id   string
	kind Kind

	lastPacket atomic.Int64
	ended      atomic.Bool
}

func NewRemoteTrack(id string, kind Kind) *RemoteTrack {
	return &RemoteTrack{id: id, kind: kind}
}

func (t *RemoteTrack) ID() string { return t.id }
func (t *RemoteTrack) Kind() Kind { return t.kind }
func (t *RemoteTrack) Ended() bool { return t.ended.Load() }
func (t *RemoteTrack) End() { t.ended.Store(true) }

// MarkPacket records media activity at now.
func (t *RemoteTrack) MarkPacket(now time.Time) {
	t.lastPacket.Store(now.UnixNano())
}

// Enabled reports whether a packet arrived within idle of now.
func (t *RemoteTrack) Enabled(now time.Time, idle time.Duration) bool {
	if t.Ended() {
		return false
	}
	last := t.lastPacket.Load()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(0, last)) <= idle
}

// RemoteStream collects the peer's tracks in arrival order.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []*RemoteTrack
}

func NewRemoteStream() *RemoteStream { return &RemoteStream{} }

func (s *RemoteStream) Add(t *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing.id == t.id {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// First returns the first track of kind, or nil.
func (s *RemoteStream) First(kind Kind) *RemoteTrack {
	for _, t := range s.Tracks() {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// TrackStateFunc is told when a remote track turns on or off.
type TrackStateFunc func(track *RemoteTrack, enabled bool)

// TrackMonitor watches a remote stream for enabled/disabled transitions.
// The returned stop function is idempotent.
type TrackMonitor interface {
	Watch(stream *RemoteStream, fn TrackStateFunc) (stop func())
}

var _ TrackMonitor = (*TrackPoller)(nil)

// TrackPoller samples every track on a fixed interval.
type TrackPoller struct {
	Interval time.Duration
	Idle     time.Duration
	Clock    clock.Clock
}

func NewTrackPoller(interval time.Duration, clk clock.Clock) *TrackPoller {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TrackPoller{Interval: interval, Idle: 5 * interval, Clock: clk}
}

func (p *TrackPoller) Watch(stream *RemoteStream, fn TrackStateFunc) func() {
	stop := make(chan struct{})
	var once sync.Once
	ticker := p.Clock.Ticker(p.Interval)

	go func() {
		defer ticker.Stop()
		state := make(map[*RemoteTrack]bool)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := p.Clock.Now()
				for _, t := range stream.Tracks() {
					enabled := t.Enabled(now, p.Idle)
					prev, seen := state[t]
					if seen && prev == enabled {
						continue
					}
					// A newly seen silent track is not a transition.
					if !seen && !enabled {
						state[t] = false
						continue
					}
					state[t] = enabled
					fn(t, enabled)
				}
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}
