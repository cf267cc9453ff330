//go:build nodevices

package device

import (
	"errors"

	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const devicesEnabled = false

var errDevicesDisabled = errors.New("devices disabled in this build")

type USBDeviceInfo struct {
	Bus      int    `json:"bus"`
	Address  int    `json:"address"`
	VID      string `json:"vid"`
	PID      string `json:"pid"`
	Product  string `json:"product"`
	HasAudio bool   `json:"has_audio"`
	HasVideo bool   `json:"has_video"`

	// SerialPorts are control ports exposed by the same USB device, as on
	// modems and some headsets.
	SerialPorts []string `json:"serial_ports,omitempty"`
}

func ListUSBMediaDevices() ([]USBDeviceInfo, error) {
	return nil, errDevicesDisabled
}

func hasUSBCamera() (bool, error) {
	return false, errDevicesDisabled
}

type microphone struct {
	track *webrtc.TrackLocalStaticRTP
}

func openMicrophone(media.AudioConstraints, string, *zap.SugaredLogger) (*microphone, error) {
	return nil, errDevicesDisabled
}

func (m *microphone) Start(func() bool) error {
	return errDevicesDisabled
}

func (m *microphone) Close() error { return nil }

type Speaker struct{}

func OpenSpeaker(string, int, *zap.SugaredLogger) (*Speaker, error) {
	return nil, errDevicesDisabled
}

func (s *Speaker) WritePayload(string, []byte) {}

func (s *Speaker) Reset() {}

func (s *Speaker) Close() error { return nil }
