package calling

import (
	"time"

	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/signaling"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRingingOut Phase = "ringing-out"
	PhaseRingingIn  Phase = "ringing-in"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseEnded      Phase = "ended"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// End reasons recorded in history.
const (
	ReasonCompleted = "completed"
	ReasonRemoteEnd = "remote-ended"
	ReasonRejected  = "rejected"
	ReasonDeclined  = "declined"
	ReasonCancelled = "cancelled"
	ReasonNoAnswer  = "no-answer"
	ReasonMissed    = "missed"
	ReasonBusy      = "busy"
	ReasonFailed    = "failed"
	ReasonShutdown  = "shutdown"
)

type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func participantFrom(u signaling.User) Participant {
	return Participant{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// CallSession is a snapshot of the active call.
type CallSession struct {
	ID              string      `json:"id"`
	CallID          string      `json:"call_id,omitempty"`
	ConversationID  string      `json:"conversation_id,omitempty"`
	Participant     Participant `json:"participant"`
	Direction       Direction   `json:"direction"`
	Mode            media.Mode  `json:"mode"`
	Phase           Phase       `json:"phase"`
	StartedAt       time.Time   `json:"started_at"`
	ConnectedAt     time.Time   `json:"connected_at,omitempty"`
	EndedAt         time.Time   `json:"ended_at,omitempty"`
	AudioEnabled    bool        `json:"audio_enabled"`
	VideoEnabled    bool        `json:"video_enabled"`
	RemoteVideo     bool        `json:"remote_video"`
	ConnectionState string      `json:"connection_state,omitempty"`
	EndReason       string      `json:"end_reason,omitempty"`
	Accepted        bool        `json:"-"`
}

// Duration is zero unless the call is connected.
func (c CallSession) Duration(now time.Time) time.Duration {
	if c.Phase != PhaseConnected || c.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(c.ConnectedAt)
}

// Missed reports an incoming call that rang out or was cancelled before it
// was answered.
func (c CallSession) Missed() bool {
	if c.Direction != DirectionIncoming || c.Accepted {
		return false
	}
	switch c.EndReason {
	case ReasonMissed, ReasonRemoteEnd, ReasonBusy:
		return true
	}
	return false
}
