package calling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pccr10001/rtcall/internal/eventloop"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/model"
	"github.com/pccr10001/rtcall/internal/peer"
	"github.com/pccr10001/rtcall/internal/signaling"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// fakeSource opens static tracks; fail makes every Open fail.
type fakeSource struct {
	mu     sync.Mutex
	fail   bool
	opened int
	stops  int
}

func (s *fakeSource) Open(_ context.Context, c media.Constraints) ([]*media.LocalTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("device busy")
	}
	var tracks []*media.LocalTrack
	if c.Audio != nil {
		tracks = append(tracks, s.track(media.KindAudio, webrtc.MimeTypePCMU))
	}
	if c.Video != nil {
		tracks = append(tracks, s.track(media.KindVideo, webrtc.MimeTypeVP8))
	}
	return tracks, nil
}

func (s *fakeSource) track(kind media.Kind, mime string) *media.LocalTrack {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), "test")
	if err != nil {
		panic(err)
	}
	s.opened++
	return media.NewLocalTrack(kind, local, func() error {
		s.mu.Lock()
		s.stops++
		s.mu.Unlock()
		return nil
	})
}

func (s *fakeSource) counts() (opened, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.stops
}

// fakeTransport answers offers locally and describes its tracks in a real
// SDP body so remote video detection works.
type fakeTransport struct {
	mu         sync.Mutex
	signaling  webrtc.SignalingState
	remoteSet  bool
	applied    []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	remoteSDPs []string
	closed     bool

	onState       func(webrtc.PeerConnectionState)
	onNegotiation func()
}

func (f *fakeTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	f.tracks = append(f.tracks, track)
	handler := f.onNegotiation
	f.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil, nil
}

func (f *fakeTransport) describe(typ webrtc.SDPType) webrtc.SessionDescription {
	f.mu.Lock()
	kinds := map[string]bool{}
	for _, t := range f.tracks {
		kinds[t.Kind().String()] = true
	}
	f.mu.Unlock()

	sd := sdp.SessionDescription{
		Origin: sdp.Origin{
			Username: "-", SessionID: 1, SessionVersion: 1,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: "127.0.0.1",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
	}
	for _, kind := range []string{"audio", "video"} {
		if !kinds[kind] {
			continue
		}
		sd.WithMedia(&sdp.MediaDescription{MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{"0"},
		}})
	}
	raw, err := sd.Marshal()
	if err != nil {
		panic(err)
	}
	return webrtc.SessionDescription{Type: typ, SDP: string(raw)}
}

func (f *fakeTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return f.describe(webrtc.SDPTypeOffer), nil
}

func (f *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return f.describe(webrtc.SDPTypeAnswer), nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if desc.Type == webrtc.SDPTypeOffer {
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	} else {
		f.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if desc.Type == webrtc.SDPTypeOffer {
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	} else {
		f.signaling = webrtc.SignalingStateStable
	}
	f.remoteSet = true
	f.remoteSDPs = append(f.remoteSDPs, desc.SDP)
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

func (f *fakeTransport) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

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

func (f *fakeTransport) setState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) remoteDescriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remoteSDPs)
}

func (f *fakeTransport) appliedCandidates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (f *fakeFactory) create(webrtc.Configuration) (peer.Transport, error) {
	t := &fakeTransport{signaling: webrtc.SignalingStateStable}
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

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[len(f.transports)-1]
}

type recorder struct {
	mu       sync.Mutex
	sessions []CallSession
	errors   []string
	streams  []*media.LocalStream
}

func (r *recorder) OnSession(s CallSession) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
}

func (r *recorder) OnError(message string) {
	r.mu.Lock()
	r.errors = append(r.errors, message)
	r.mu.Unlock()
}

func (r *recorder) OnLocalStream(s *media.LocalStream) {
	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
}

func (r *recorder) OnRemoteTrack(*media.RemoteTrack, bool) {}

func (r *recorder) lastSession() CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return CallSession{}
	}
	return r.sessions[len(r.sessions)-1]
}

func (r *recorder) errorMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

type memoryHistory struct {
	mu      sync.Mutex
	records []model.CallRecord
	missed  []model.CallRecord
}

func (h *memoryHistory) SaveCall(rec *model.CallRecord) error {
	h.mu.Lock()
	h.records = append(h.records, *rec)
	h.mu.Unlock()
	return nil
}

func (h *memoryHistory) NotifyMissedCall(rec model.CallRecord) {
	h.mu.Lock()
	h.missed = append(h.missed, rec)
	h.mu.Unlock()
}

func (h *memoryHistory) saved() []model.CallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.CallRecord(nil), h.records...)
}

func (h *memoryHistory) missedCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.missed)
}

// user is one side of a call wired to the shared hub.
type user struct {
	id       string
	loop     *eventloop.Loop
	clock    *clock.Mock
	endpoint *signaling.Endpoint
	acquirer *media.Acquirer
	source   *fakeSource
	factory  *fakeFactory
	observer *recorder
	history  *memoryHistory
	session  *Session
}

func newUser(t *testing.T, hub *signaling.Hub, id string) *user {
	t.Helper()
	endpoint := hub.Connect(id)
	u := newUserOn(t, endpoint, id)
	u.endpoint = endpoint
	return u
}

// newUserOn wires a user to an arbitrary relay.
func newUserOn(t *testing.T, relay signaling.Relay, id string) *user {
	t.Helper()
	u := &user{
		id:       id,
		loop:     eventloop.New(),
		clock:    clock.NewMock(),
		source:   &fakeSource{},
		factory:  &fakeFactory{},
		observer: &recorder{},
		history:  &memoryHistory{},
	}
	log := zap.NewNop().Sugar()
	u.acquirer = media.NewAcquirer(u.source, media.AcquirerOptions{
		Ideal:   media.IdealProfile("", 8000),
		Minimal: media.MinimalProfile(),
	}, log)
	u.session = New(u.loop, Deps{
		Relay:      relay,
		Acquirer:   u.acquirer,
		Transports: u.factory.create,
		ICE:        StaticICE(nil),
		Observer:   u.observer,
		History:    u.history,
		Notifier:   u.history,
	}, Options{Clock: u.clock}, log)
	t.Cleanup(func() {
		u.session.Close()
		u.loop.Stop()
	})
	return u
}

// offlineRelay is a relay whose socket is down.
type offlineRelay struct{}

func (offlineRelay) Send(context.Context, signaling.Envelope) error { return signaling.ErrNotConnected }
func (offlineRelay) Subscribe(signaling.Handler) func() { return func() {} }

// assertMediaReleased waits for pending acquisitions to settle and checks
// every opened device was stopped again.
func assertMediaReleased(t *testing.T, u *user) {
	t.Helper()
	balanced := func() bool {
		opened, stopped := u.source.counts()
		return opened == stopped
	}
	waitFor(t, u.id+" media released", balanced)
	time.Sleep(20 * time.Millisecond)
	u.sync(t)
	if opened, stopped := u.source.counts(); opened != stopped {
		t.Errorf("%s: opened %d tracks, stopped %d", u.id, opened, stopped)
	}
	if u.acquirer.Stream() != nil {
		t.Errorf("%s: acquirer still holds a stream with no call", u.id)
	}
}

func (u *user) current() (CallSession, bool) { return u.session.Current() }

func (u *user) phase() Phase {
	c, ok := u.current()
	if !ok {
		return PhaseIdle
	}
	return c.Phase
}

// sync waits for everything already posted to the user's loop.
func (u *user) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := u.loop.Do(ctx, func() {}); err != nil {
		t.Fatalf("%s loop: %v", u.id, err)
	}
}

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

func waitPhase(t *testing.T, u *user, want Phase) {
	t.Helper()
	waitFor(t, u.id+" phase "+string(want), func() bool { return u.phase() == want })
}
