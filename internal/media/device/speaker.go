//go:build !nodevices

package device

import (
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

// Speaker plays the remote peer's G.711 audio.
type Speaker struct {
	log    *zap.SugaredLogger
	stream *portaudio.Stream
	buf    []int16
	ring   *int16Ring

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func OpenSpeaker(keyword string, chunkMs int, log *zap.SugaredLogger) (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	dev, err := pickDevice(keyword, false)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	log.Infof("speaker: %s", dev.Name)

	params := portaudio.HighLatencyParameters(nil, dev)
	params.SampleRate = pcmuRate
	params.Output.Channels = 1
	params.FramesPerBuffer = samplesPerChunk(pcmuRate, chunkMs)
	buf := make([]int16, params.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, &buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, err
	}

	s := &Speaker{
		log:    log,
		stream: stream,
		buf:    buf,
		ring:   newInt16Ring(pcmuRate * 3),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.playbackLoop()
	return s, nil
}

// WritePayload queues one RTP payload. Codecs other than G.711 are ignored.
func (s *Speaker) WritePayload(mimeType string, payload []byte) {
	samples, err := decodePayload(mimeType, payload)
	if err != nil || len(samples) == 0 {
		return
	}
	s.ring.Write(samples)
}

// Reset drops queued audio, used between calls.
func (s *Speaker) Reset() {
	s.ring.Reset()
}

func (s *Speaker) playbackLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, ok := s.ring.ReadPartial(s.buf)
		if !ok {
			return
		}
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			s.log.Debugf("playback write error: %v", err)
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func (s *Speaker) Close() error {
	var closeErr error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.ring.Close()
		s.wg.Wait()
		_ = s.stream.Stop()
		if err := s.stream.Close(); err != nil {
			closeErr = err
		}
		if err := portaudio.Terminate(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}
