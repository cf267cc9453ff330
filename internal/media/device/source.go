// Package device is the production media.Source: a portaudio microphone,
// RTP video ingested from a local encoder, and a portaudio speaker for the
// remote side's audio.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/pccr10001/rtcall/internal/media"
	"go.uber.org/zap"
)

var ErrNoCamera = errors.New("no USB video-class device attached")

type Config struct {
	// VideoListenAddr is where the external encoder sends VP8 RTP.
	VideoListenAddr string
	// StreamID labels the tracks in SDP.
	StreamID string
}

var _ media.Source = (*Source)(nil)

type Source struct {
	cfg Config
	log *zap.SugaredLogger

	// probeCamera is replaced in tests.
	probeCamera func() (bool, error)
}

func NewSource(cfg Config, log *zap.SugaredLogger) *Source {
	if cfg.VideoListenAddr == "" {
		cfg.VideoListenAddr = "127.0.0.1:5004"
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "rtcall"
	}
	return &Source{cfg: cfg, log: log, probeCamera: hasUSBCamera}
}

func (s *Source) Open(ctx context.Context, c media.Constraints) ([]*media.LocalTrack, error) {
	if !devicesEnabled {
		return nil, errDevicesDisabled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tracks []*media.LocalTrack
	abort := func(err error) ([]*media.LocalTrack, error) {
		for _, t := range tracks {
			_ = t.Stop()
		}
		return nil, err
	}

	if c.Audio != nil {
		mic, err := openMicrophone(*c.Audio, s.cfg.StreamID, s.log)
		if err != nil {
			return abort(fmt.Errorf("open microphone: %w", err))
		}
		t := media.NewLocalTrack(media.KindAudio, mic.track, mic.Close)
		if err := mic.Start(t.Enabled); err != nil {
			_ = t.Stop()
			return abort(fmt.Errorf("start microphone: %w", err))
		}
		tracks = append(tracks, t)
	}

	if c.Video != nil {
		if c.Video.RequireCamera {
			ok, err := s.probeCamera()
			if err != nil {
				return abort(fmt.Errorf("probe camera: %w", err))
			}
			if !ok {
				return abort(ErrNoCamera)
			}
		}
		ingest, err := listenVideo(s.cfg.VideoListenAddr, s.cfg.StreamID, s.log)
		if err != nil {
			return abort(fmt.Errorf("open video ingest: %w", err))
		}
		t := media.NewLocalTrack(media.KindVideo, ingest.track, ingest.Close)
		ingest.Start(t.Enabled)
		tracks = append(tracks, t)
		s.log.Infof("video ingest on %s (%dx%d@%.0f requested from encoder)",
			ingest.Addr(), c.Video.Width, c.Video.Height, c.Video.FrameRate)
	}

	return tracks, nil
}
