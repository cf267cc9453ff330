package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pccr10001/rtcall/internal/diag"
	"github.com/pccr10001/rtcall/internal/eventloop"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// fakeTransport mimics the parts of pion's signaling state machine the
// manager depends on.
type fakeTransport struct {
	mu        sync.Mutex
	signaling webrtc.SignalingState
	remoteSet bool
	applied   []webrtc.ICECandidateInit
	tracks    []webrtc.TrackLocal
	offers    []webrtc.OfferOptions
	closed    bool

	failOffer      error
	negotiateOnAdd bool
	onState        func(webrtc.PeerConnectionState)
	onNegotiation  func()
	onICECandidate func(*webrtc.ICECandidate)
	onTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{signaling: webrtc.SignalingStateStable}
}

func (f *fakeTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	f.tracks = append(f.tracks, track)
	fire := f.negotiateOnAdd
	handler := f.onNegotiation
	f.mu.Unlock()
	if fire && handler != nil {
		handler()
	}
	return nil, nil
}

func (f *fakeTransport) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer != nil {
		return webrtc.SessionDescription{}, f.failOffer
	}
	opts := webrtc.OfferOptions{}
	if options != nil {
		opts = *options
	}
	f.offers = append(f.offers, opts)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(f.offers))}, nil
}

func (f *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		f.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		f.signaling = webrtc.SignalingStateStable
	}
	f.remoteSet = true
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		return errors.New("remote description not set")
	}
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakeTransport) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onICECandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnNegotiationNeeded(fn func()) {
	f.mu.Lock()
	f.onNegotiation = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// setState delivers s the way pion does, from a foreign goroutine.
func (f *fakeTransport) setState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) offerOptions() []webrtc.OfferOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.OfferOptions(nil), f.offers...)
}

func (f *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.applied...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	configure  func(*fakeTransport)
}

func (f *fakeFactory) create(webrtc.Configuration) (Transport, error) {
	t := newFakeTransport()
	if f.configure != nil {
		f.configure(t)
	}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) get(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

type recordedEvents struct {
	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	states     []webrtc.PeerConnectionState
	tracks     []*media.RemoteTrack
	failures   chan error
}

func newRecordedEvents() *recordedEvents {
	return &recordedEvents{failures: make(chan error, 4)}
}

func (r *recordedEvents) OnOffer(o webrtc.SessionDescription) {
	r.mu.Lock()
	r.offers = append(r.offers, o)
	r.mu.Unlock()
}

func (r *recordedEvents) OnAnswer(a webrtc.SessionDescription) {
	r.mu.Lock()
	r.answers = append(r.answers, a)
	r.mu.Unlock()
}

func (r *recordedEvents) OnICECandidate(c webrtc.ICECandidateInit) {
	r.mu.Lock()
	r.candidates = append(r.candidates, c)
	r.mu.Unlock()
}

func (r *recordedEvents) OnStateChange(s webrtc.PeerConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordedEvents) OnRemoteTrack(_ *media.RemoteStream, t *media.RemoteTrack) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

func (r *recordedEvents) OnFailure(err error) { r.failures <- err }

func (r *recordedEvents) offerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offers)
}

type fakeDiagnoser struct{}

func (fakeDiagnoser) Diagnose(context.Context, []string, []webrtc.ICECandidateType) diag.Report {
	return diag.Report{NAT: diag.NATSymmetric}
}

type harness struct {
	loop    *eventloop.Loop
	clock   *clock.Mock
	factory *fakeFactory
	events  *recordedEvents
	m       *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop:    eventloop.New(),
		clock:   clock.NewMock(),
		factory: &fakeFactory{},
		events:  newRecordedEvents(),
	}
	t.Cleanup(h.loop.Stop)
	h.m = New(h.factory.create, h.events, h.loop.Post, Options{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		Clock:      h.clock,
		Diagnoser:  fakeDiagnoser{},
	}, zap.NewNop().Sugar())
	return h
}

// do runs fn on the loop and waits; it doubles as a barrier for work posted
// before it.
func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.loop.Do(ctx, fn); err != nil {
		t.Fatalf("loop: %v", err)
	}
}

func (h *harness) sync(t *testing.T) { h.do(t, func() {}) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func audioTrack(t *testing.T) *media.LocalTrack {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}, "audio", "test")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return media.NewLocalTrack(media.KindAudio, track, nil)
}

func videoTrack(t *testing.T) *media.LocalTrack {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "test")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return media.NewLocalTrack(media.KindVideo, track, nil)
}

func candidate(port int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:1 1 udp 2130706431 192.168.1.10 %d typ host", port),
	}
}
