// Package peer owns the WebRTC connection of one call: offer/answer,
// trickled candidates, renegotiation, and recovery from failed transports.
//
// A Manager is not safe for concurrent use. Every method must be called from
// the goroutine that runs the post function given to New; pion callbacks and
// timers are marshalled back onto it.
package peer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pccr10001/rtcall/internal/diag"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Events receives everything the manager produces. Methods run on the
// owning goroutine.
type Events interface {
	OnOffer(offer webrtc.SessionDescription)
	OnAnswer(answer webrtc.SessionDescription)
	OnICECandidate(candidate webrtc.ICECandidateInit)
	OnStateChange(state webrtc.PeerConnectionState)
	OnRemoteTrack(stream *media.RemoteStream, track *media.RemoteTrack)
	OnFailure(err error)
}

// PayloadSink plays remote audio.
type PayloadSink interface {
	WritePayload(mimeType string, payload []byte)
}

type Options struct {
	ICEServers     []webrtc.ICEServer
	ConnectTimeout time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
	MaxAttempts    int

	Clock     clock.Clock
	Diagnoser diag.Diagnoser
	Playback  PayloadSink
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type role int

const (
	roleUnset role = iota
	roleInitiator
	roleResponder
)

const diagnoseTimeout = 10 * time.Second

type Manager struct {
	opts    Options
	factory TransportFactory
	events  Events
	post    func(func()) bool
	log     *zap.SugaredLogger

	transport  Transport
	generation uint64
	state      webrtc.PeerConnectionState
	tracks     []*media.LocalTrack
	remote     *media.RemoteStream

	pending   []webrtc.ICECandidateInit
	remoteSet bool

	// localSeq counts local descriptions; read from pion goroutines.
	localSeq atomic.Uint64

	role        role
	established bool
	renegotiate bool
	remoteVideo bool

	attempt      int
	connectTimer *clock.Timer
	retryTimer   *clock.Timer
	observed     []webrtc.ICECandidateType

	closed bool
	failed bool
}

// New returns a manager. post must run fn on the owning goroutine and
// report false once that goroutine has stopped.
func New(factory TransportFactory, events Events, post func(func()) bool, opts Options, log *zap.SugaredLogger) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:    opts,
		factory: factory,
		events:  events,
		post:    post,
		log:     log,
		state:   webrtc.PeerConnectionStateNew,
	}
}

func (m *Manager) State() webrtc.PeerConnectionState { return m.state }
func (m *Manager) Attempt() int { return m.attempt }
func (m *Manager) Established() bool { return m.established }

// Initiator reports whether this side sent the first offer.
func (m *Manager) Initiator() bool { return m.role == roleInitiator }

// RemoteOffersVideo reports whether the last remote offer had video.
func (m *Manager) RemoteOffersVideo() bool { return m.remoteVideo }

// Remote returns the current transport's remote stream, or nil.
func (m *Manager) Remote() *media.RemoteStream { return m.remote }

// Open creates the transport, attaches tracks and starts the establishment
// timer.
func (m *Manager) Open(tracks ...*media.LocalTrack) error {
	if m.closed {
		return ErrClosed
	}
	if m.transport != nil {
		return nil
	}
	m.tracks = append(m.tracks[:0], tracks...)
	return m.newTransport()
}

func (m *Manager) newTransport() error {
	t, err := m.factory(webrtc.Configuration{ICEServers: m.opts.ICEServers})
	if err != nil {
		return err
	}
	m.generation++
	gen := m.generation

	m.transport = t
	m.remote = media.NewRemoteStream()
	m.state = webrtc.PeerConnectionStateNew

	t.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand, typ := c.ToJSON(), c.Typ
		m.post(func() {
			if gen != m.generation || m.closed {
				return
			}
			m.observed = append(m.observed, typ)
			m.events.OnICECandidate(cand)
		})
	})
	t.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.post(func() {
			if gen != m.generation || m.closed {
				return
			}
			m.handleState(s)
		})
	})
	t.OnNegotiationNeeded(func() {
		seq := m.localSeq.Load()
		m.post(func() {
			if gen != m.generation || m.closed {
				return
			}
			m.handleNegotiationNeeded(seq)
		})
	})
	stream := m.remote
	t.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.readRemote(gen, stream, tr)
	})

	for _, lt := range m.tracks {
		if err := m.attach(lt); err != nil {
			m.log.Warnf("attach %s track: %v", lt.Kind(), err)
		}
	}

	m.startConnectTimer(gen)
	return nil
}

func (m *Manager) attach(lt *media.LocalTrack) error {
	sender, err := m.transport.AddTrack(lt.Track())
	if err != nil {
		return err
	}
	if sender != nil {
		// RTCP has to be drained for interceptors to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// readRemote runs on pion's OnTrack goroutine for the life of the track.
func (m *Manager) readRemote(gen uint64, stream *media.RemoteStream, tr *webrtc.TrackRemote) {
	kind := media.KindAudio
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.KindVideo
	}
	rt := media.NewRemoteTrack(tr.ID(), kind)
	mime := tr.Codec().MimeType
	m.log.Infof("remote %s track %s codec=%s", kind, tr.ID(), mime)

	m.post(func() {
		if gen != m.generation || m.closed {
			return
		}
		stream.Add(rt)
		m.events.OnRemoteTrack(stream, rt)
	})

	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			rt.End()
			return
		}
		rt.MarkPacket(m.opts.Clock.Now())
		if kind == media.KindAudio && m.opts.Playback != nil {
			m.opts.Playback.WritePayload(mime, pkt.Payload)
		}
	}
}

// AddTrack attaches a track added mid-call. Once the connection is
// established the transport asks for renegotiation and a new offer follows.
func (m *Manager) AddTrack(lt *media.LocalTrack) error {
	if m.closed {
		return ErrClosed
	}
	for _, existing := range m.tracks {
		if existing == lt {
			return nil
		}
	}
	m.tracks = append(m.tracks, lt)
	if m.transport == nil {
		return nil
	}
	return m.attach(lt)
}

// CreateOffer sends an offer through Events. The first offer makes this side
// the initiator; offers after a retry request an ICE restart.
func (m *Manager) CreateOffer() error {
	if m.closed {
		return ErrClosed
	}
	if m.transport == nil {
		return &NegotiationError{Op: "create offer", Err: ErrNoTransport}
	}
	if m.role == roleUnset {
		m.role = roleInitiator
	}
	return m.negotiationFailed(m.offer(m.attempt > 0))
}

func (m *Manager) offer(iceRestart bool) error {
	offer, err := m.transport.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return &NegotiationError{Op: "create offer", Err: err}
	}
	if err := m.transport.SetLocalDescription(offer); err != nil {
		return &NegotiationError{Op: "set local offer", Err: err}
	}
	m.localSeq.Add(1)
	m.renegotiate = false
	m.events.OnOffer(offer)
	return nil
}

// HandleOffer applies a remote offer and answers it.
func (m *Manager) HandleOffer(offer webrtc.SessionDescription) error {
	if m.closed {
		return ErrClosed
	}
	if m.transport == nil {
		return &NegotiationError{Op: "apply offer", Err: ErrNoTransport}
	}
	if m.role == roleUnset {
		m.role = roleResponder
	}
	// A pending retry would discard the transport that answers this offer.
	if m.role == roleResponder && m.retryTimer != nil {
		m.stopTimer(&m.retryTimer)
		m.log.Infof("remote offer during pending retry; recreating transport now")
		m.discardTransport()
		if err := m.newTransport(); err != nil {
			m.scheduleRetry()
			return &NegotiationError{Op: "apply offer", Err: err}
		}
	}
	m.remoteVideo = offersVideo(offer.SDP)

	if err := m.transport.SetRemoteDescription(offer); err != nil {
		return m.negotiationFailed(&NegotiationError{Op: "apply offer", Err: err})
	}
	m.remoteSet = true
	m.replayPending()

	answer, err := m.transport.CreateAnswer(nil)
	if err != nil {
		return m.negotiationFailed(&NegotiationError{Op: "create answer", Err: err})
	}
	if err := m.transport.SetLocalDescription(answer); err != nil {
		return m.negotiationFailed(&NegotiationError{Op: "set local answer", Err: err})
	}
	m.localSeq.Add(1)
	m.events.OnAnswer(answer)
	return nil
}

// HandleAnswer applies the remote answer. Without a transport, or when no
// offer is outstanding, the answer is logged and dropped.
func (m *Manager) HandleAnswer(answer webrtc.SessionDescription) error {
	if m.closed {
		return ErrClosed
	}
	if m.transport == nil {
		m.log.Warnf("answer received before the peer connection exists; ignoring")
		return nil
	}
	if s := m.transport.SignalingState(); s != webrtc.SignalingStateHaveLocalOffer {
		m.log.Warnf("answer received in signaling state %s; ignoring", s)
		return nil
	}
	if err := m.transport.SetRemoteDescription(answer); err != nil {
		return m.negotiationFailed(&NegotiationError{Op: "apply answer", Err: err})
	}
	m.remoteSet = true
	m.replayPending()

	if m.renegotiate && m.established {
		m.renegotiateNow()
	}
	return nil
}

// AddICECandidate applies c, or queues it until the remote description is
// set. Empty and unparseable candidates are dropped.
func (m *Manager) AddICECandidate(c webrtc.ICECandidateInit) {
	if m.closed || c.Candidate == "" {
		return
	}
	if _, err := diag.CandidateType(c.Candidate); err != nil {
		m.log.Debugf("dropping invalid ICE candidate %q: %v", c.Candidate, err)
		return
	}
	if m.transport == nil || !m.remoteSet {
		m.pending = append(m.pending, c)
		return
	}
	if err := m.transport.AddICECandidate(c); err != nil {
		m.log.Debugf("ICE candidate rejected: %v", err)
	}
}

// PendingCandidates is the number of queued candidates.
func (m *Manager) PendingCandidates() int { return len(m.pending) }

func (m *Manager) replayPending() {
	queued := m.pending
	m.pending = nil
	for _, c := range queued {
		if err := m.transport.AddICECandidate(c); err != nil {
			m.log.Debugf("queued ICE candidate rejected: %v", err)
		}
	}
}

func (m *Manager) handleState(s webrtc.PeerConnectionState) {
	m.state = s
	m.log.Infof("peer connection state: %s (attempt %d)", s, m.attempt)
	m.events.OnStateChange(s)

	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.established = true
		m.attempt = 0
		m.stopTimer(&m.connectTimer)
		if m.renegotiate {
			m.renegotiateNow()
		}
	case webrtc.PeerConnectionStateDisconnected:
		if m.role == roleInitiator && m.transport.SignalingState() == webrtc.SignalingStateStable {
			m.log.Infof("connection disconnected; restarting ICE")
			if err := m.offer(true); err != nil {
				m.log.Warnf("ICE restart: %v", err)
			}
		}
	case webrtc.PeerConnectionStateFailed:
		m.scheduleRetry()
	}
}

// handleNegotiationNeeded ignores requests raised before a local
// description that has since been set, since that description already
// carries the tracks.
func (m *Manager) handleNegotiationNeeded(seq uint64) {
	switch {
	case m.established:
		m.renegotiateNow()
	case m.remoteSet && seq == m.localSeq.Load():
		m.renegotiate = true
	}
}

func (m *Manager) renegotiateNow() {
	if m.transport.SignalingState() != webrtc.SignalingStateStable {
		m.renegotiate = true
		return
	}
	m.log.Infof("local tracks changed; renegotiating")
	if err := m.offer(false); err != nil {
		m.failNegotiation(err)
	}
}

// negotiationFailed decides what a negotiation error means: mid-call it is
// recovered by the retry path, during setup it is returned.
func (m *Manager) negotiationFailed(err error) error {
	if err == nil {
		return nil
	}
	if m.established {
		m.log.Warnf("%v; retrying", err)
		m.scheduleRetry()
		return nil
	}
	return err
}

// failNegotiation is negotiationFailed for paths with no caller to return to.
func (m *Manager) failNegotiation(err error) {
	if err = m.negotiationFailed(err); err != nil {
		m.failed = true
		m.stopTimer(&m.connectTimer)
		m.events.OnFailure(err)
	}
}

func (m *Manager) startConnectTimer(gen uint64) {
	m.stopTimer(&m.connectTimer)
	m.connectTimer = m.opts.Clock.AfterFunc(m.opts.ConnectTimeout, func() {
		m.post(func() {
			if gen != m.generation || m.closed || m.failed {
				return
			}
			m.connectTimer = nil
			if m.state == webrtc.PeerConnectionStateConnected {
				return
			}
			m.log.Warnf("peer connection not established within %s", m.opts.ConnectTimeout)
			m.scheduleRetry()
		})
	})
}

func (m *Manager) stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// backoff is RetryBase doubled per attempt, capped at RetryMax.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.opts.RetryBase
	for i := 0; i < attempt && d < m.opts.RetryMax; i++ {
		d *= 2
	}
	if d > m.opts.RetryMax {
		d = m.opts.RetryMax
	}
	return d
}

func (m *Manager) scheduleRetry() {
	if m.closed || m.failed || m.retryTimer != nil {
		return
	}
	m.stopTimer(&m.connectTimer)
	if m.attempt >= m.opts.MaxAttempts {
		m.giveUp()
		return
	}

	delay := m.backoff(m.attempt)
	m.attempt++
	m.log.Warnf("peer connection failed; recreating in %s (attempt %d/%d)", delay, m.attempt, m.opts.MaxAttempts)

	gen := m.generation
	m.retryTimer = m.opts.Clock.AfterFunc(delay, func() {
		m.post(func() {
			if gen != m.generation || m.closed {
				return
			}
			m.retryTimer = nil
			m.recreate()
		})
	})
}

func (m *Manager) recreate() {
	m.discardTransport()
	if err := m.newTransport(); err != nil {
		m.log.Errorf("recreate peer connection: %v", err)
		m.scheduleRetry()
		return
	}
	if m.role != roleInitiator {
		return
	}
	if err := m.offer(true); err != nil {
		m.log.Warnf("re-offer after recreate: %v", err)
		m.scheduleRetry()
	}
}

func (m *Manager) giveUp() {
	m.failed = true
	attempts := m.attempt
	observed := append([]webrtc.ICECandidateType(nil), m.observed...)
	gen := m.generation
	d := m.opts.Diagnoser
	urls := signaling.STUNURLs(m.opts.ICEServers)

	m.log.Errorf("peer connection failed after %d attempts; diagnosing network", attempts)

	go func() {
		report := diag.Report{NAT: diag.InferNAT(observed), CandidateTypes: observed}
		if d != nil {
			ctx, cancel := context.WithTimeout(context.Background(), diagnoseTimeout)
			report = d.Diagnose(ctx, urls, observed)
			cancel()
		}
		m.post(func() {
			if gen != m.generation || m.closed {
				return
			}
			m.events.OnFailure(&ConnectionFailedError{Attempts: attempts, Diagnosis: report.String()})
		})
	}()
}

func (m *Manager) discardTransport() {
	if m.transport == nil {
		return
	}
	t := m.transport
	m.transport = nil
	m.generation++
	// Candidates and descriptions belong to the old transport.
	m.pending = nil
	m.remoteSet = false
	detach(t)
	if err := t.Close(); err != nil {
		m.log.Debugf("close peer connection: %v", err)
	}
	if m.remote != nil {
		for _, rt := range m.remote.Tracks() {
			rt.End()
		}
	}
}

// Close tears the connection down. Later calls are no-ops.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.stopTimer(&m.connectTimer)
	m.stopTimer(&m.retryTimer)
	m.discardTransport()
	m.pending = nil
	m.tracks = nil
	m.state = webrtc.PeerConnectionStateClosed
}
