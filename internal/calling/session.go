// Package calling is the call session state machine. A Session owns at most
// one call; every state change runs on its event loop.
package calling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pccr10001/rtcall/internal/eventloop"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/model"
	"github.com/pccr10001/rtcall/internal/peer"
	"github.com/pccr10001/rtcall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const sendTimeout = 5 * time.Second

// ICEProvider supplies ICE servers for a new peer connection.
type ICEProvider interface {
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

type StaticICE []webrtc.ICEServer

func (s StaticICE) ICEServers(context.Context) []webrtc.ICEServer { return s }

type Options struct {
	RingTimeout     time.Duration
	ConnectFallback time.Duration
	// PrewarmVideo opens the camera while an incoming video call rings.
	PrewarmVideo bool
	// Peer is the template for every call's peer connection; ICEServers is
	// filled in per call.
	Peer  peer.Options
	Clock clock.Clock
}

type Deps struct {
	Relay      signaling.Relay
	Acquirer   *media.Acquirer
	Transports peer.TransportFactory
	ICE        ICEProvider
	Monitor    media.TrackMonitor
	Observer   Observer
	History    History
	Notifier   MissedCallNotifier
}

// call is the live state behind a CallSession. Loop-only.
type call struct {
	CallSession

	stream      *media.LocalStream
	acquiring   bool
	addingVideo bool
	iceServers  []webrtc.ICEServer

	peer         *peer.Manager
	pendingOffer *webrtc.SessionDescription
	early        []webrtc.ICECandidateInit

	ringTimer     *clock.Timer
	fallbackTimer *clock.Timer
	monitored     *media.RemoteStream
	stopMonitor   func()
}

type Session struct {
	loop  *eventloop.Loop
	deps  Deps
	opts  Options
	clock clock.Clock
	log   *zap.SugaredLogger

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	current  *call
	snapshot atomic.Pointer[CallSession]
	// orphans counts outgoing calls that ended before the relay assigned
	// their call ID; the ID is cancelled when it arrives.
	orphans int
}

func New(loop *eventloop.Loop, deps Deps, opts Options, log *zap.SugaredLogger) *Session {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.ConnectFallback <= 0 {
		opts.ConnectFallback = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.ICE == nil {
		deps.ICE = StaticICE(signaling.DefaultICEServers)
	}
	if deps.Monitor == nil {
		deps.Monitor = media.NewTrackPoller(0, opts.Clock)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		loop:   loop,
		deps:   deps,
		opts:   opts,
		clock:  opts.Clock,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	s.unsubscribe = deps.Relay.Subscribe(s.HandleSignal)
	return s
}

// Current returns the active call, if any. It does not touch the loop.
func (s *Session) Current() (CallSession, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return CallSession{}, false
	}
	return *snap, true
}

// StartCall places an outgoing call. Local media is acquired right away so
// the caller sees a preview while it rings.
func (s *Session) StartCall(ctx context.Context, conversationID string, to Participant, mode media.Mode) (CallSession, error) {
	if to.ID == "" {
		return CallSession{}, errors.New("participant id is required")
	}
	if !mode.Valid() {
		return CallSession{}, fmt.Errorf("invalid call mode %q", mode)
	}

	var snap CallSession
	err := s.run(ctx, func() error {
		if s.current != nil {
			return ErrCallInProgress
		}
		c := &call{CallSession: CallSession{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Participant:    to,
			Direction:      DirectionOutgoing,
			Mode:           mode,
			Phase:          PhaseRingingOut,
			StartedAt:      s.clock.Now(),
			AudioEnabled:   true,
			VideoEnabled:   mode == media.ModeVideo,
		}}
		s.current = c
		s.log.Infof("call %s: calling %s (%s)", c.ID, to.ID, mode)
		s.startRingTimer(c)
		s.publish(c)
		s.startAcquire(c)

		if err := s.send(signaling.EventCallInitiate, signaling.InitiatePayload{
			ConversationID: conversationID,
			TargetUserID:   to.ID,
			IsVideoCall:    mode == media.ModeVideo,
		}); err != nil {
			err = fmt.Errorf("initiate call: %w", err)
			s.finish(c, ReasonFailed, err)
			return err
		}
		snap = c.CallSession
		return nil
	})
	return snap, err
}

// AcceptCall answers the ringing incoming call.
func (s *Session) AcceptCall(ctx context.Context) error {
	return s.run(ctx, func() error {
		c := s.current
		if c == nil {
			return ErrNoCall
		}
		if c.Phase != PhaseRingingIn {
			return fmt.Errorf("accept in phase %s: %w", c.Phase, ErrInvalidPhase)
		}
		s.stopTimer(&c.ringTimer)
		c.Phase = PhaseConnecting
		c.Accepted = true
		s.log.Infof("call %s: accepted", c.ID)

		if err := s.send(signaling.EventCallAccept, signaling.CallRef{CallID: c.CallID}); err != nil {
			err = fmt.Errorf("accept call: %w", err)
			s.finish(c, ReasonFailed, err)
			return err
		}
		s.startFallbackTimer(c)
		s.publish(c)
		s.startAcquire(c)
		s.maybeStartPeer(c)
		return nil
	})
}

// RejectCall declines an incoming call or cancels an outgoing one that has
// not been answered.
func (s *Session) RejectCall(ctx context.Context) error {
	return s.run(ctx, func() error {
		c := s.current
		if c == nil {
			return ErrNoCall
		}
		switch c.Phase {
		case PhaseRingingIn:
			s.sendQuiet(signaling.EventCallReject, signaling.CallRef{CallID: c.CallID})
			s.finish(c, ReasonDeclined, nil)
		case PhaseRingingOut:
			s.cancelOutgoing(c)
			s.finish(c, ReasonCancelled, nil)
		default:
			return fmt.Errorf("reject in phase %s: %w", c.Phase, ErrInvalidPhase)
		}
		return nil
	})
}

// EndCall hangs up from any non-idle phase.
func (s *Session) EndCall(ctx context.Context) error {
	return s.run(ctx, func() error {
		c := s.current
		if c == nil {
			return ErrNoCall
		}
		switch c.Phase {
		case PhaseRingingIn:
			s.sendQuiet(signaling.EventCallReject, signaling.CallRef{CallID: c.CallID})
			s.finish(c, ReasonDeclined, nil)
		case PhaseRingingOut:
			s.cancelOutgoing(c)
			s.finish(c, ReasonCancelled, nil)
		default:
			s.sendQuiet(signaling.EventCallEnd, signaling.CallRef{CallID: c.CallID})
			s.finish(c, ReasonCompleted, nil)
		}
		return nil
	})
}

// ToggleAudio mutes or unmutes the microphone without renegotiating.
func (s *Session) ToggleAudio(ctx context.Context, enabled bool) error {
	return s.run(ctx, func() error {
		c := s.current
		if c == nil {
			return ErrNoCall
		}
		if c.stream == nil {
			return ErrMediaNotReady
		}
		s.deps.Acquirer.ToggleAudio(enabled)
		c.AudioEnabled = enabled
		s.deps.Observer.OnLocalStream(c.stream)
		s.publish(c)
		return nil
	})
}

// ToggleVideo flips the camera. Enabling video on a call without a video
// track opens one and renegotiates.
func (s *Session) ToggleVideo(ctx context.Context, enabled bool) error {
	var (
		localID    string
		epoch      uint64
		needsTrack bool
	)
	err := s.run(ctx, func() error {
		c := s.current
		if c == nil {
			return ErrNoCall
		}
		if c.stream == nil {
			return ErrMediaNotReady
		}
		localID = c.ID
		epoch = s.deps.Acquirer.Epoch()
		needsTrack = enabled && s.deps.Acquirer.NeedsVideoTrack()
		if needsTrack {
			if c.addingVideo {
				needsTrack = false
				return nil
			}
			c.addingVideo = true
			return nil
		}
		if err := s.deps.Acquirer.ToggleVideo(ctx, enabled); err != nil {
			return err
		}
		c.VideoEnabled = enabled
		s.deps.Observer.OnLocalStream(c.stream)
		s.publish(c)
		return nil
	})
	if err != nil || !needsTrack {
		return err
	}

	// Opening the camera blocks, so it runs off the loop.
	addErr := s.deps.Acquirer.AddVideoTrackAt(ctx, epoch)
	if errors.Is(addErr, media.ErrReleased) {
		return ErrNoCall
	}
	return s.run(ctx, func() error {
		c := s.current
		if c == nil || c.ID != localID {
			return ErrNoCall
		}
		c.addingVideo = false
		if addErr != nil {
			s.deps.Observer.OnError(UserMessage(addErr))
			return addErr
		}
		c.VideoEnabled = true
		s.deps.Observer.OnLocalStream(c.stream)
		s.publish(c)
		return nil
	})
}

// Close ends any active call and detaches from the relay.
func (s *Session) Close() {
	_ = s.loop.Do(context.Background(), func() {
		if c := s.current; c != nil {
			if c.CallID != "" {
				s.sendQuiet(signaling.EventCallEnd, signaling.CallRef{CallID: c.CallID})
			}
			s.finish(c, ReasonShutdown, nil)
		}
	})
	s.unsubscribe()
	s.cancel()
}

// run executes fn on the loop and returns its error.
func (s *Session) run(ctx context.Context, fn func() error) error {
	var err error
	if doErr := s.loop.Do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) send(event string, payload any) error {
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	return signaling.Send(ctx, s.deps.Relay, event, payload)
}

func (s *Session) sendQuiet(event string, payload any) {
	if err := s.send(event, payload); err != nil {
		s.log.Warnf("send %s: %v", event, err)
	}
}

func (s *Session) cancelOutgoing(c *call) {
	if c.CallID == "" {
		s.orphans++
		return
	}
	s.sendQuiet(signaling.EventCallEnd, signaling.CallRef{CallID: c.CallID})
}

func (s *Session) publish(c *call) {
	snap := c.CallSession
	s.snapshot.Store(&snap)
	s.deps.Observer.OnSession(snap)
}

func (s *Session) startAcquire(c *call) {
	if c.acquiring || c.stream != nil {
		return
	}
	c.acquiring = true
	localID, mode := c.ID, c.Mode
	// The epoch is read here so a finish that runs before the goroutine
	// makes the acquisition fail instead of opening devices nobody owns.
	epoch := s.deps.Acquirer.Epoch()
	go func() {
		stream, err := s.deps.Acquirer.AcquireAt(s.ctx, epoch, mode)
		var servers []webrtc.ICEServer
		if err == nil {
			servers = s.deps.ICE.ICEServers(s.ctx)
		}
		s.loop.Post(func() { s.onMediaReady(localID, stream, servers, err) })
	}()
}

func (s *Session) onMediaReady(localID string, stream *media.LocalStream, servers []webrtc.ICEServer, err error) {
	c := s.current
	if c == nil || c.ID != localID {
		s.log.Debugf("discarding media acquired for finished call %s", localID)
		return
	}
	c.acquiring = false
	if err != nil {
		if errors.Is(err, media.ErrReleased) {
			return
		}
		s.fail(c, err)
		return
	}
	c.stream = stream
	c.iceServers = servers
	s.deps.Observer.OnLocalStream(stream)
	s.maybeStartPeer(c)
}

// maybeStartPeer opens the peer connection once the call is accepted and
// local media is ready, whichever comes last.
func (s *Session) maybeStartPeer(c *call) {
	if c.peer != nil || c.stream == nil {
		return
	}
	if c.Phase != PhaseConnecting && c.Phase != PhaseConnected {
		return
	}

	opts := s.opts.Peer
	opts.ICEServers = c.iceServers
	opts.Clock = s.clock
	c.peer = peer.New(s.deps.Transports, &peerEvents{s: s, localID: c.ID}, s.loop.Post, opts, s.log.Named("peer"))
	if err := c.peer.Open(c.stream.Tracks()...); err != nil {
		s.fail(c, err)
		return
	}
	s.deps.Acquirer.SetSink(s.trackSink(c.ID))

	for _, cand := range c.early {
		c.peer.AddICECandidate(cand)
	}
	c.early = nil

	switch {
	case c.Direction == DirectionOutgoing:
		if err := c.peer.CreateOffer(); err != nil {
			s.fail(c, err)
		}
	case c.pendingOffer != nil:
		offer := *c.pendingOffer
		c.pendingOffer = nil
		s.applyOffer(c, offer)
	}
}

// trackSink hands tracks added off the loop to the call's peer connection.
func (s *Session) trackSink(localID string) media.TrackSink {
	return func(t *media.LocalTrack) error {
		errCh := make(chan error, 1)
		if !s.loop.Post(func() {
			c := s.current
			if c == nil || c.ID != localID || c.peer == nil {
				errCh <- ErrNoCall
				return
			}
			errCh <- c.peer.AddTrack(t)
		}) {
			return eventloop.ErrStopped
		}
		select {
		case err := <-errCh:
			return err
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *Session) applyOffer(c *call, offer webrtc.SessionDescription) {
	if err := c.peer.HandleOffer(offer); err != nil {
		s.fail(c, err)
		return
	}
	if remote := c.peer.RemoteOffersVideo(); remote != c.RemoteVideo {
		c.RemoteVideo = remote
		s.publish(c)
	}
}

// markConnected is the single transition into connected. The first of peer
// connected, remote track and fallback timer wins; later ones are no-ops.
func (s *Session) markConnected(c *call, why string) {
	if c.Phase != PhaseConnecting {
		return
	}
	s.stopTimer(&c.fallbackTimer)
	c.Phase = PhaseConnected
	c.ConnectedAt = s.clock.Now()
	s.log.Infof("call %s: connected (%s)", c.ID, why)
	s.publish(c)
}

func (s *Session) startRingTimer(c *call) {
	localID := c.ID
	c.ringTimer = s.clock.AfterFunc(s.opts.RingTimeout, func() {
		s.loop.Post(func() {
			c := s.current
			if c == nil || c.ID != localID {
				return
			}
			c.ringTimer = nil
			switch c.Phase {
			case PhaseRingingOut:
				s.log.Infof("call %s: no answer after %s", c.ID, s.opts.RingTimeout)
				s.cancelOutgoing(c)
				s.finish(c, ReasonNoAnswer, nil)
			case PhaseRingingIn:
				s.log.Infof("call %s: missed", c.ID)
				s.sendQuiet(signaling.EventCallReject, signaling.CallRef{CallID: c.CallID})
				s.finish(c, ReasonMissed, nil)
			}
		})
	})
}

func (s *Session) startFallbackTimer(c *call) {
	localID := c.ID
	c.fallbackTimer = s.clock.AfterFunc(s.opts.ConnectFallback, func() {
		s.loop.Post(func() {
			c := s.current
			if c == nil || c.ID != localID {
				return
			}
			c.fallbackTimer = nil
			s.markConnected(c, "fallback timer")
		})
	})
}

func (s *Session) stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// fail ends the call on err. Resources are released before the error is
// surfaced.
func (s *Session) fail(c *call, err error) {
	s.log.Errorf("call %s failed: %v", c.ID, err)
	var sig *SignalingError
	if !errors.As(err, &sig) {
		if c.Phase == PhaseRingingOut {
			s.cancelOutgoing(c)
		} else if c.CallID != "" {
			s.sendQuiet(signaling.EventCallEnd, signaling.CallRef{CallID: c.CallID})
		}
	}
	s.finish(c, ReasonFailed, err)
}

// finish tears the call down and returns the session to idle.
func (s *Session) finish(c *call, reason string, cause error) {
	s.stopTimer(&c.ringTimer)
	s.stopTimer(&c.fallbackTimer)
	if c.stopMonitor != nil {
		c.stopMonitor()
		c.stopMonitor = nil
	}
	s.deps.Acquirer.SetSink(nil)
	s.deps.Acquirer.Release()
	if c.peer != nil {
		c.peer.Close()
	}
	c.stream = nil

	c.Phase = PhaseEnded
	c.EndReason = reason
	c.EndedAt = s.clock.Now()
	c.ConnectionState = ""
	if s.current == c {
		s.current = nil
	}
	snap := c.CallSession

	s.log.Infof("call %s ended: %s", c.ID, reason)
	s.deps.Observer.OnLocalStream(nil)
	if cause != nil {
		s.deps.Observer.OnError(UserMessage(cause))
	}
	s.deps.Observer.OnSession(snap)
	s.snapshot.Store(nil)
	s.record(snap, cause)
}

func (s *Session) record(snap CallSession, cause error) {
	rec := model.CallRecord{
		SessionID:      snap.ID,
		CallID:         snap.CallID,
		ConversationID: snap.ConversationID,
		PeerID:         snap.Participant.ID,
		PeerName:       snap.Participant.DisplayName,
		Direction:      string(snap.Direction),
		Mode:           string(snap.Mode),
		StartedAt:      snap.StartedAt,
		EndedAt:        snap.EndedAt,
		EndReason:      snap.EndReason,
	}
	if !snap.ConnectedAt.IsZero() {
		connected := snap.ConnectedAt
		rec.ConnectedAt = &connected
		rec.DurationSec = int64(snap.EndedAt.Sub(connected).Seconds())
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	history, notifier := s.deps.History, s.deps.Notifier
	missed := snap.Missed()
	if history == nil && (notifier == nil || !missed) {
		return
	}
	go func() {
		if history != nil {
			if err := history.SaveCall(&rec); err != nil {
				s.log.Warnf("save call record: %v", err)
			}
		}
		if notifier != nil && missed {
			notifier.NotifyMissedCall(rec)
		}
	}()
}
