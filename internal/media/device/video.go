package device

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const maxRTPPacket = 1500

// videoIngest forwards VP8 RTP from a local UDP socket to a WebRTC track.
type videoIngest struct {
	log   *zap.SugaredLogger
	conn  net.PacketConn
	track *webrtc.TrackLocalStaticRTP

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func listenVideo(addr, streamID string, log *zap.SugaredLogger) (*videoIngest, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &videoIngest{log: log, conn: conn, track: track, done: make(chan struct{})}, nil
}

func (v *videoIngest) Addr() net.Addr { return v.conn.LocalAddr() }

// Start forwards packets until Close. Packets are dropped while enabled
// reports false.
func (v *videoIngest) Start(enabled func() bool) {
	go func() {
		defer close(v.done)
		buf := make([]byte, maxRTPPacket)
		for {
			n, _, err := v.conn.ReadFrom(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					v.log.Warnf("video ingest read: %v", err)
				}
				return
			}
			if !enabled() {
				v.dropped.Add(1)
				continue
			}
			var pkt rtp.Packet
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				v.dropped.Add(1)
				continue
			}
			if err := v.track.WriteRTP(&pkt); err != nil {
				v.log.Debugf("write video RTP: %v", err)
				continue
			}
			v.forwarded.Add(1)
		}
	}()
}

func (v *videoIngest) Close() error {
	var err error
	v.closeOnce.Do(func() {
		err = v.conn.Close()
	})
	return err
}
