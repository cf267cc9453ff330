package calling

import (
	"errors"
	"fmt"

	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/peer"
	"github.com/pccr10001/rtcall/internal/signaling"
)

var (
	ErrInvalidPhase   = errors.New("operation not valid in the current call phase")
	ErrCallInProgress = errors.New("another call is in progress")
	ErrNoCall         = errors.New("no active call")
	ErrMediaNotReady  = errors.New("local media not acquired yet")
)

// SignalingError is a call:error reported by the relay or the remote side.
type SignalingError struct {
	CallID  string
	Message string
}

func (e *SignalingError) Error() string {
	if e.CallID == "" {
		return "signaling error: " + e.Message
	}
	return fmt.Sprintf("signaling error on call %s: %s", e.CallID, e.Message)
}

func IsInvalidPhaseError(err error) bool {
	return errors.Is(err, ErrInvalidPhase)
}

func IsCallInProgressError(err error) bool {
	return errors.Is(err, ErrCallInProgress)
}

// UserMessage is the short notice shown when a call ends on err.
func UserMessage(err error) string {
	var (
		access *media.AccessError
		failed *peer.ConnectionFailedError
		neg    *peer.NegotiationError
		sig    *SignalingError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &access):
		return "Could not access your microphone or camera."
	case errors.As(err, &failed):
		return "Could not connect the call: " + failed.Diagnosis
	case errors.As(err, &neg):
		return "Call setup failed."
	case errors.As(err, &sig):
		return "Call ended: " + sig.Message
	case errors.Is(err, signaling.ErrNotConnected):
		return "Not connected to the call server."
	case errors.Is(err, ErrCallInProgress):
		return "Another call is already in progress."
	case errors.Is(err, ErrNoCall):
		return "There is no active call."
	}
	return "Something went wrong with the call."
}
