package media

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestRemoteTrack_Enabled(t *testing.T) {
	now := time.Unix(1000, 0)
	track := NewRemoteTrack("v1", KindVideo)

	if track.Enabled(now, time.Second) {
		t.Error("track without packets reported enabled")
	}
	track.MarkPacket(now)
	if !track.Enabled(now.Add(500*time.Millisecond), time.Second) {
		t.Error("recent packet not counted")
	}
	if track.Enabled(now.Add(2*time.Second), time.Second) {
		t.Error("stale packet still counted")
	}
	track.End()
	if track.Enabled(now, time.Second) {
		t.Error("ended track reported enabled")
	}
}

func TestRemoteStream_AddIgnoresDuplicates(t *testing.T) {
	s := NewRemoteStream()
	a := NewRemoteTrack("a", KindAudio)
	s.Add(a)
	s.Add(NewRemoteTrack("a", KindAudio))
	s.Add(NewRemoteTrack("v", KindVideo))

	if n := len(s.Tracks()); n != 2 {
		t.Errorf("len = %d, want 2", n)
	}
	if s.First(KindAudio) != a {
		t.Error("First(audio) is not the original track")
	}
	if s.First(KindVideo) == nil {
		t.Error("First(video) = nil")
	}
}

type transition struct {
	id      string
	enabled bool
}

func TestTrackPoller_ReportsTransitions(t *testing.T) {
	mock := clock.NewMock()
	poller := NewTrackPoller(200*time.Millisecond, mock)

	stream := NewRemoteStream()
	video := NewRemoteTrack("v", KindVideo)
	stream.Add(video)

	events := make(chan transition, 8)
	stop := poller.Watch(stream, func(tr *RemoteTrack, enabled bool) {
		events <- transition{tr.ID(), enabled}
	})
	defer stop()

	expect := func(want transition) {
		t.Helper()
		select {
		case got := <-events:
			if got != want {
				t.Fatalf("transition = %+v, want %+v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no transition, want %+v", want)
		}
	}

	video.MarkPacket(mock.Now())
	mock.Add(200 * time.Millisecond)
	expect(transition{"v", true})

	// Silence longer than the idle window turns the track off.
	for i := 0; i < 7; i++ {
		mock.Add(200 * time.Millisecond)
	}
	expect(transition{"v", false})

	stop()
	stop()
}
