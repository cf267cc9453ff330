package media

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// fakeSource hands out static tracks. fail lists how many of the next
// Open calls fail before succeeding.
type fakeSource struct {
	mu       sync.Mutex
	fail     int
	requests []Constraints
	opened   []*LocalTrack
	stops    int
	block    chan struct{}
}

func (s *fakeSource) Open(_ context.Context, c Constraints) ([]*LocalTrack, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, c)
	if s.fail > 0 {
		s.fail--
		return nil, errors.New("device busy")
	}
	var tracks []*LocalTrack
	if c.Audio != nil {
		tracks = append(tracks, s.track(KindAudio, webrtc.MimeTypePCMU))
	}
	if c.Video != nil {
		tracks = append(tracks, s.track(KindVideo, webrtc.MimeTypeVP8))
	}
	return tracks, nil
}

func (s *fakeSource) track(kind Kind, mime string) *LocalTrack {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), "test")
	if err != nil {
		panic(err)
	}
	t := NewLocalTrack(kind, local, func() error {
		s.mu.Lock()
		s.stops++
		s.mu.Unlock()
		return nil
	})
	s.opened = append(s.opened, t)
	return t
}

func (s *fakeSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func newTestAcquirer(src Source, onChange func(*LocalStream)) *Acquirer {
	return NewAcquirer(src, AcquirerOptions{
		Ideal:    IdealProfile("headset", 8000),
		Minimal:  MinimalProfile(),
		OnChange: onChange,
	}, zap.NewNop().Sugar())
}

func TestAcquire_IdealSucceeds(t *testing.T) {
	src := &fakeSource{}
	changes := 0
	a := newTestAcquirer(src, func(*LocalStream) { changes++ })

	stream, err := a.Acquire(context.Background(), ModeVideo)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(stream.TracksOf(KindAudio)) != 1 || len(stream.TracksOf(KindVideo)) != 1 {
		t.Errorf("tracks = %d audio, %d video", len(stream.TracksOf(KindAudio)), len(stream.TracksOf(KindVideo)))
	}
	if len(src.requests) != 1 || src.requests[0].Audio.DeviceKeyword != "headset" {
		t.Errorf("requests = %+v, want one ideal request", src.requests)
	}
	if changes != 1 {
		t.Errorf("OnChange ran %d times, want 1", changes)
	}
}

func TestAcquire_FallsBackToMinimal(t *testing.T) {
	src := &fakeSource{fail: 1}
	a := newTestAcquirer(src, nil)

	stream, err := a.Acquire(context.Background(), ModeAudio)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if stream.HasVideo() {
		t.Error("audio call acquired a video track")
	}
	if len(src.requests) != 2 {
		t.Fatalf("got %d requests, want 2", len(src.requests))
	}
	if src.requests[1].Audio.DeviceKeyword != "" || src.requests[1].Audio.LowLatency {
		t.Errorf("second request = %+v, want minimal constraints", src.requests[1].Audio)
	}
}

func TestAcquire_BothAttemptsFail(t *testing.T) {
	a := newTestAcquirer(&fakeSource{fail: 2}, nil)

	_, err := a.Acquire(context.Background(), ModeAudio)
	var accessErr *AccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("err = %v, want *AccessError", err)
	}
	if accessErr.Ideal == nil || accessErr.Minimal == nil {
		t.Errorf("AccessError = %+v, want both causes", accessErr)
	}
	if a.Stream() != nil {
		t.Error("stream held after failed acquisition")
	}
}

func TestAcquire_IsIdempotentPerCall(t *testing.T) {
	src := &fakeSource{}
	a := newTestAcquirer(src, nil)

	first, err := a.Acquire(context.Background(), ModeAudio)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := a.Acquire(context.Background(), ModeAudio)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if first != second {
		t.Error("second Acquire opened a new stream")
	}
	if len(src.requests) != 1 {
		t.Errorf("devices opened %d times, want 1", len(src.requests))
	}

	// Asking for video on a held audio stream only adds the camera.
	third, err := a.Acquire(context.Background(), ModeVideo)
	if err != nil {
		t.Fatalf("video Acquire: %v", err)
	}
	if third != first || !third.HasVideo() {
		t.Error("video Acquire did not extend the held stream")
	}
	if last := src.requests[len(src.requests)-1]; last.Audio != nil || last.Video == nil {
		t.Errorf("extension request = %+v, want video only", last)
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	src := &fakeSource{}
	var last *LocalStream
	a := newTestAcquirer(src, func(s *LocalStream) { last = s })

	stream, err := a.Acquire(context.Background(), ModeVideo)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	a.Release()
	a.Release()

	if a.Stream() != nil {
		t.Error("stream still held after Release")
	}
	if n := stream.LiveTracks(); n != 0 {
		t.Errorf("%d tracks still live", n)
	}
	if n := src.stopCount(); n != 2 {
		t.Errorf("device stop ran %d times, want 2 (once per track)", n)
	}
	if last != nil {
		t.Error("OnChange not told about the release")
	}
}

func TestToggleAudio_FlipsEnabled(t *testing.T) {
	a := newTestAcquirer(&fakeSource{}, nil)
	stream, _ := a.Acquire(context.Background(), ModeAudio)

	a.ToggleAudio(false)
	if stream.TracksOf(KindAudio)[0].Enabled() {
		t.Error("audio still enabled")
	}
	a.ToggleAudio(true)
	if !stream.TracksOf(KindAudio)[0].Enabled() {
		t.Error("audio not re-enabled")
	}
}

func TestToggleVideo_AddsTrackThroughSink(t *testing.T) {
	src := &fakeSource{}
	a := newTestAcquirer(src, nil)
	stream, _ := a.Acquire(context.Background(), ModeAudio)

	var sunk []*LocalTrack
	a.SetSink(func(t *LocalTrack) error {
		sunk = append(sunk, t)
		return nil
	})

	if err := a.ToggleVideo(context.Background(), true); err != nil {
		t.Fatalf("ToggleVideo(true): %v", err)
	}
	if !stream.HasVideo() {
		t.Fatal("no video track after enabling video")
	}
	if len(sunk) != 1 || sunk[0].Kind() != KindVideo {
		t.Errorf("sink got %d tracks", len(sunk))
	}

	if err := a.ToggleVideo(context.Background(), false); err != nil {
		t.Fatalf("ToggleVideo(false): %v", err)
	}
	if stream.TracksOf(KindVideo)[0].Enabled() {
		t.Error("video still enabled")
	}
	if len(sunk) != 1 {
		t.Error("disabling video renegotiated")
	}
}

func TestToggleVideo_WithoutStream(t *testing.T) {
	a := newTestAcquirer(&fakeSource{}, nil)
	if err := a.ToggleVideo(context.Background(), true); !errors.Is(err, ErrNoStream) {
		t.Errorf("ToggleVideo = %v, want ErrNoStream", err)
	}
}

func TestAcquire_ReleasedWhileOpening(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	a := newTestAcquirer(src, nil)

	epoch := a.Epoch()
	result := make(chan error, 1)
	go func() {
		_, err := a.AcquireAt(context.Background(), epoch, ModeAudio)
		result <- err
	}()

	// Release must not wait for the pending open.
	a.Release()
	close(src.block)

	if err := <-result; !errors.Is(err, ErrReleased) {
		t.Fatalf("Acquire = %v, want ErrReleased", err)
	}
	if a.Stream() != nil {
		t.Error("late acquisition was kept")
	}
	if n := src.stopCount(); n != 1 {
		t.Errorf("late track stopped %d times, want 1", n)
	}
}

func TestAcquireAt_StaleEpochOpensNothing(t *testing.T) {
	src := &fakeSource{}
	a := newTestAcquirer(src, nil)

	epoch := a.Epoch()
	a.Release()

	if _, err := a.AcquireAt(context.Background(), epoch, ModeVideo); !errors.Is(err, ErrReleased) {
		t.Fatalf("AcquireAt = %v, want ErrReleased", err)
	}
	if len(src.requests) != 0 {
		t.Errorf("devices opened %d times for a released owner", len(src.requests))
	}
	if a.Stream() != nil {
		t.Error("stream held after a stale acquisition")
	}
	if err := a.AddVideoTrackAt(context.Background(), epoch); !errors.Is(err, ErrReleased) {
		t.Errorf("AddVideoTrackAt = %v, want ErrReleased", err)
	}
}

func TestAddVideoTrack_SinkFailureStopsTrack(t *testing.T) {
	src := &fakeSource{}
	a := newTestAcquirer(src, nil)
	stream, err := a.Acquire(context.Background(), ModeAudio)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	a.SetSink(func(*LocalTrack) error { return errors.New("peer closed") })

	if err := a.AddVideoTrack(context.Background()); err == nil {
		t.Fatal("AddVideoTrack succeeded with a failing sink")
	}
	if stream.HasVideo() {
		t.Error("stream lists a video track the peer never got")
	}
	if n := src.stopCount(); n != 1 {
		t.Errorf("rejected video track stopped %d times, want 1", n)
	}
}
