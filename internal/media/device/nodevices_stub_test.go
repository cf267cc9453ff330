//go:build nodevices

package device

import (
	"errors"
	"testing"

	"github.com/pccr10001/rtcall/internal/media"
	"go.uber.org/zap"
)

func TestDevicesDisabled(t *testing.T) {
	log := zap.NewNop().Sugar()
	if _, err := openMicrophone(media.AudioConstraints{}, "s", log); !errors.Is(err, errDevicesDisabled) {
		t.Errorf("openMicrophone = %v, want errDevicesDisabled", err)
	}
	if _, err := OpenSpeaker("", 20, log); !errors.Is(err, errDevicesDisabled) {
		t.Errorf("OpenSpeaker = %v, want errDevicesDisabled", err)
	}
	if _, err := ListUSBMediaDevices(); !errors.Is(err, errDevicesDisabled) {
		t.Errorf("ListUSBMediaDevices = %v, want errDevicesDisabled", err)
	}
	var s Speaker
	s.WritePayload("audio/PCMU", []byte{0xff})
}
