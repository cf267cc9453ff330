package peer

import (
	"github.com/pion/webrtc/v4"
)

// Transport is the subset of *webrtc.PeerConnection the manager drives.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnNegotiationNeeded(f func())

	Close() error
}

var _ Transport = (*webrtc.PeerConnection)(nil)

// TransportFactory creates a fresh transport for every attempt.
type TransportFactory func(cfg webrtc.Configuration) (Transport, error)

type APIOptions struct {
	UDPPortMin uint16
	UDPPortMax uint16
	// IncludeLoopback gathers 127.0.0.1 candidates, used by in-process calls.
	IncludeLoopback bool
}

// NewAPI builds a pion API with G.711, Opus and VP8 registered.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	codecs := []struct {
		params webrtc.RTPCodecParameters
		kind   webrtc.RTPCodecType
	}{
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
			PayloadType:        0,
		}, webrtc.RTPCodecTypeAudio},
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000, Channels: 1},
			PayloadType:        8,
		}, webrtc.RTPCodecTypeAudio},
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
			PayloadType:        111,
		}, webrtc.RTPCodecTypeAudio},
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		}, webrtc.RTPCodecTypeVideo},
	}
	for _, c := range codecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, err
		}
	}

	setting := webrtc.SettingEngine{}
	if opts.UDPPortMin > 0 || opts.UDPPortMax > 0 {
		if err := setting.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, err
		}
	}
	if opts.IncludeLoopback {
		setting.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(setting)), nil
}

// PionFactory returns a TransportFactory backed by api.
func PionFactory(api *webrtc.API) TransportFactory {
	return func(cfg webrtc.Configuration) (Transport, error) {
		return api.NewPeerConnection(cfg)
	}
}

func detach(t Transport) {
	t.OnICECandidate(func(*webrtc.ICECandidate) {})
	t.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	t.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	t.OnNegotiationNeeded(func() {})
}
