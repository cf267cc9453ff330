//go:build !nodevices

package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const devicesEnabled = true

var errDevicesDisabled = errors.New("devices disabled in this build")

// microphone captures mono PCM and sends it as PCMU RTP.
type microphone struct {
	log    *zap.SugaredLogger
	stream *portaudio.Stream
	buf    []int16
	factor int
	track  *webrtc.TrackLocalStaticRTP

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closeErr error
}

func openMicrophone(c media.AudioConstraints, streamID string, log *zap.SugaredLogger) (*microphone, error) {
	rate := c.SampleRate
	if rate <= 0 {
		rate = pcmuRate
	}
	if rate%pcmuRate != 0 {
		return nil, fmt.Errorf("sample rate %d is not a multiple of %d", rate, pcmuRate)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	dev, err := pickDevice(c.DeviceKeyword, true)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	log.Infof("microphone: %s", dev.Name)

	var params portaudio.StreamParameters
	if c.LowLatency {
		params = portaudio.LowLatencyParameters(dev, nil)
	} else {
		params = portaudio.HighLatencyParameters(dev, nil)
	}
	params.SampleRate = float64(rate)
	params.Input.Channels = 1
	params.FramesPerBuffer = samplesPerChunk(rate, c.ChunkMs)

	buf := make([]int16, params.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		"audio", streamID,
	)
	if err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, err
	}

	return &microphone{
		log:    log,
		stream: stream,
		buf:    buf,
		factor: rate / pcmuRate,
		track:  track,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins capture. While enabled reports false, silence is sent so the
// remote jitter buffer keeps running.
func (m *microphone) Start(enabled func() bool) error {
	if err := m.stream.Start(); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.captureLoop(enabled)
	return nil
}

func (m *microphone) captureLoop(enabled func() bool) {
	defer m.wg.Done()

	var seq uint16 = 1
	var timestamp uint32
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if err := m.stream.Read(); err != nil {
			m.log.Debugf("capture read error: %v", err)
			time.Sleep(20 * time.Millisecond)
			continue
		}

		frame := downsample(m.buf, m.factor)
		if !enabled() {
			for i := range frame {
				frame[i] = 0
			}
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    0,
				SequenceNumber: seq,
				Timestamp:      timestamp,
			},
			Payload: encodeULaw(frame),
		}
		if err := m.track.WriteRTP(pkt); err != nil {
			m.log.Debugf("write audio RTP: %v", err)
		}
		seq++
		timestamp += uint32(len(frame))
	}
}

func (m *microphone) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		// Abort unblocks a pending Read.
		_ = m.stream.Abort()
		m.wg.Wait()
		if err := m.stream.Close(); err != nil {
			m.closeErr = err
		}
		if err := portaudio.Terminate(); err != nil && m.closeErr == nil {
			m.closeErr = err
		}
	})
	return m.closeErr
}

// pickDevice returns the first device matching keyword, or the system default.
func pickDevice(keyword string, input bool) (*portaudio.DeviceInfo, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.New("no audio devices from PortAudio")
	}
	for _, d := range devices {
		if !strings.Contains(strings.ToLower(d.Name), keyword) {
			continue
		}
		if input && d.MaxInputChannels > 0 {
			return d, nil
		}
		if !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no audio device matching %q", keyword)
}
