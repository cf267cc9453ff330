package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNoStream = errors.New("no local media acquired")
	// ErrReleased is returned by an acquisition that finished after Release.
	ErrReleased = errors.New("local media released during acquisition")
)

// Source opens capture devices. The returned tracks are owned by the caller.
type Source interface {
	Open(ctx context.Context, c Constraints) ([]*LocalTrack, error)
}

// AccessError reports that both the ideal and the minimal request failed.
type AccessError struct {
	Ideal   error
	Minimal error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media access failed: %v (fallback: %v)", e.Ideal, e.Minimal)
}

func (e *AccessError) Unwrap() []error { return []error{e.Ideal, e.Minimal} }

// TrackSink receives tracks added after the initial acquisition, normally
// the active peer connection.
type TrackSink func(*LocalTrack) error

type AcquirerOptions struct {
	Ideal   Profile
	Minimal Profile
	// OnChange runs after every successful acquisition or track change,
	// and with nil after Release.
	OnChange func(*LocalStream)
}

// Acquirer holds at most one LocalStream.
type Acquirer struct {
	source Source
	opts   AcquirerOptions
	log    *zap.SugaredLogger

	// acquireMu serializes device opens; mu guards the fields below and is
	// never held across a device call so Release stays immediate.
	acquireMu sync.Mutex
	mu        sync.Mutex
	stream    *LocalStream
	epoch     uint64
	sink      TrackSink
}

func NewAcquirer(source Source, opts AcquirerOptions, log *zap.SugaredLogger) *Acquirer {
	return &Acquirer{source: source, opts: opts, log: log}
}

// SetSink registers where tracks added mid-call go. nil detaches.
func (a *Acquirer) SetSink(sink TrackSink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

func (a *Acquirer) Stream() *LocalStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

// Epoch identifies the current ownership period. Release starts a new one.
func (a *Acquirer) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Acquire opens local media for mode, falling back to minimal constraints.
// While a stream is held it is returned as is, gaining a video track if
// mode asks for one.
func (a *Acquirer) Acquire(ctx context.Context, mode Mode) (*LocalStream, error) {
	return a.AcquireAt(ctx, a.Epoch(), mode)
}

// AcquireAt is Acquire for the owner that read epoch. It fails with
// ErrReleased, without touching devices, once Release has run since.
func (a *Acquirer) AcquireAt(ctx context.Context, epoch uint64, mode Mode) (*LocalStream, error) {
	a.acquireMu.Lock()
	defer a.acquireMu.Unlock()

	a.mu.Lock()
	held, current := a.stream, a.epoch
	a.mu.Unlock()
	if current != epoch {
		return nil, ErrReleased
	}

	if held != nil {
		if mode == ModeVideo && !held.HasVideo() {
			if err := a.addVideo(ctx, held, epoch); err != nil {
				return held, err
			}
		}
		return held, nil
	}

	tracks, err := a.open(ctx, a.opts.Ideal.For(mode), a.opts.Minimal.For(mode))
	if err != nil {
		return nil, err
	}

	stream := NewLocalStream(tracks...)
	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		stream.stopAll()
		return nil, ErrReleased
	}
	a.stream = stream
	a.mu.Unlock()

	a.log.Infof("local media acquired: stream=%s mode=%s tracks=%d", stream.ID(), mode, len(tracks))
	a.changed(stream)
	return stream, nil
}

func (a *Acquirer) open(ctx context.Context, ideal, minimal Constraints) ([]*LocalTrack, error) {
	tracks, idealErr := a.source.Open(ctx, ideal)
	if idealErr == nil {
		return tracks, nil
	}
	a.log.Warnf("ideal media constraints failed, retrying with minimal: %v", idealErr)

	tracks, minimalErr := a.source.Open(ctx, minimal)
	if minimalErr != nil {
		return nil, &AccessError{Ideal: idealErr, Minimal: minimalErr}
	}
	return tracks, nil
}

// AddVideoTrack opens a camera track, appends it to the held stream and
// hands it to the sink, which renegotiates.
func (a *Acquirer) AddVideoTrack(ctx context.Context) error {
	return a.AddVideoTrackAt(ctx, a.Epoch())
}

// AddVideoTrackAt is AddVideoTrack for the owner that read epoch.
func (a *Acquirer) AddVideoTrackAt(ctx context.Context, epoch uint64) error {
	a.acquireMu.Lock()
	defer a.acquireMu.Unlock()

	a.mu.Lock()
	held, current := a.stream, a.epoch
	a.mu.Unlock()
	if current != epoch {
		return ErrReleased
	}
	if held == nil {
		return ErrNoStream
	}
	return a.addVideo(ctx, held, epoch)
}

// addVideo appends only the tracks the sink accepted; the rest are stopped.
func (a *Acquirer) addVideo(ctx context.Context, stream *LocalStream, epoch uint64) error {
	tracks, err := a.open(ctx, a.opts.Ideal.VideoOnly(), a.opts.Minimal.VideoOnly())
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		stopTracks(tracks)
		return ErrReleased
	}
	sink := a.sink
	a.mu.Unlock()

	for i, t := range tracks {
		if sink != nil {
			if err := sink(t); err != nil {
				stopTracks(tracks[i:])
				return fmt.Errorf("attach video track: %w", err)
			}
		}
		a.mu.Lock()
		if a.epoch != epoch {
			a.mu.Unlock()
			stopTracks(tracks[i:])
			return ErrReleased
		}
		stream.add(t)
		a.mu.Unlock()
	}
	a.log.Infof("video track added to stream %s", stream.ID())
	a.changed(stream)
	return nil
}

func stopTracks(tracks []*LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

// ToggleAudio flips the enabled flag of every audio track.
func (a *Acquirer) ToggleAudio(enabled bool) {
	stream := a.Stream()
	if stream == nil {
		return
	}
	for _, t := range stream.TracksOf(KindAudio) {
		t.SetEnabled(enabled)
	}
	a.changed(stream)
}

// ToggleVideo flips existing video tracks, or adds one when enabling a
// stream that has none.
func (a *Acquirer) ToggleVideo(ctx context.Context, enabled bool) error {
	stream := a.Stream()
	if stream == nil {
		return ErrNoStream
	}
	video := stream.TracksOf(KindVideo)
	if enabled && len(video) == 0 {
		return a.AddVideoTrack(ctx)
	}
	for _, t := range video {
		t.SetEnabled(enabled)
	}
	a.changed(stream)
	return nil
}

// NeedsVideoTrack reports whether enabling video would open a new track.
func (a *Acquirer) NeedsVideoTrack() bool {
	stream := a.Stream()
	return stream != nil && !stream.HasVideo()
}

// Release stops every track. Repeated calls are no-ops.
func (a *Acquirer) Release() {
	a.mu.Lock()
	a.epoch++
	stream := a.stream
	a.stream = nil
	a.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.stopAll(); err != nil {
		a.log.Warnf("stopping local tracks: %v", err)
	}
	a.log.Infof("local media released: stream=%s", stream.ID())
	a.changed(nil)
}

func (a *Acquirer) changed(stream *LocalStream) {
	if a.opts.OnChange != nil {
		a.opts.OnChange(stream)
	}
}
