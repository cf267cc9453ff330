package calling

import (
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/model"
)

// Observer receives UI-facing changes. Methods run on the session's event
// loop and must not block.
type Observer interface {
	OnSession(s CallSession)
	OnError(message string)
	// OnLocalStream is called with nil once local media is released.
	OnLocalStream(stream *media.LocalStream)
	OnRemoteTrack(track *media.RemoteTrack, enabled bool)
}

type NopObserver struct{}

func (NopObserver) OnSession(CallSession) {}
func (NopObserver) OnError(string) {}
func (NopObserver) OnLocalStream(*media.LocalStream) {}
func (NopObserver) OnRemoteTrack(*media.RemoteTrack, bool) {}

// History stores finished calls.
type History interface {
	SaveCall(rec *model.CallRecord) error
}

// MissedCallNotifier is told about incoming calls nobody answered.
type MissedCallNotifier interface {
	NotifyMissedCall(rec model.CallRecord)
}
