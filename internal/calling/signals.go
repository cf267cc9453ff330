package calling

import (
	"github.com/google/uuid"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// HandleSignal queues an inbound relay message for the loop. It is the
// relay subscription handler and never blocks.
func (s *Session) HandleSignal(env signaling.Envelope) {
	if !s.loop.Post(func() { s.dispatch(env) }) {
		s.log.Debugf("dropping %s: session closed", env.Event)
	}
}

func (s *Session) dispatch(env signaling.Envelope) {
	switch env.Event {
	case signaling.EventCallInitiated:
		s.onInitiated(env)
	case signaling.EventCallIncoming:
		s.onIncoming(env)
	case signaling.EventCallAccepted:
		s.onAccepted(env)
	case signaling.EventCallRejected:
		s.onRemoteEnd(env, ReasonRejected)
	case signaling.EventCallEnded:
		s.onRemoteEnd(env, ReasonRemoteEnd)
	case signaling.EventCallError:
		s.onError(env)
	case signaling.EventOffer:
		s.onOffer(env)
	case signaling.EventAnswer:
		s.onAnswer(env)
	case signaling.EventICECandidate:
		s.onCandidate(env)
	default:
		s.log.Debugf("ignoring relay event %s", env.Event)
	}
}

func (s *Session) onInitiated(env signaling.Envelope) {
	callID := signaling.CallIDOf(env)
	c := s.current
	if c != nil && c.Phase == PhaseRingingOut && c.CallID == "" {
		c.CallID = callID
		s.log.Infof("call %s: relay assigned call id %s", c.ID, callID)
		s.publish(c)
		return
	}
	if s.orphans > 0 && callID != "" {
		s.orphans--
		s.log.Infof("cancelling call %s placed by an abandoned session", callID)
		s.sendQuiet(signaling.EventCallEnd, signaling.CallRef{CallID: callID})
	}
}

func (s *Session) onIncoming(env signaling.Envelope) {
	var p signaling.IncomingPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warnf("bad incoming call: %v", err)
		return
	}
	mode := media.ModeAudio
	if p.IsVideoCall {
		mode = media.ModeVideo
	}
	now := s.clock.Now()
	incoming := CallSession{
		ID:             uuid.NewString(),
		CallID:         p.CallID,
		ConversationID: p.ConversationID,
		Participant:    participantFrom(p.Initiator),
		Direction:      DirectionIncoming,
		Mode:           mode,
		Phase:          PhaseRingingIn,
		StartedAt:      now,
		AudioEnabled:   true,
		VideoEnabled:   mode == media.ModeVideo,
	}

	if s.current != nil {
		s.log.Infof("rejecting call %s from %s: busy", p.CallID, p.Initiator.ID)
		s.sendQuiet(signaling.EventCallReject, signaling.CallRef{CallID: p.CallID})
		incoming.Phase = PhaseEnded
		incoming.EndedAt = now
		incoming.EndReason = ReasonBusy
		s.record(incoming, nil)
		return
	}

	c := &call{CallSession: incoming}
	s.current = c
	s.log.Infof("call %s: incoming %s call %s from %s", c.ID, mode, c.CallID, p.Initiator.ID)
	s.startRingTimer(c)
	s.publish(c)
	if mode == media.ModeVideo && s.opts.PrewarmVideo {
		s.startAcquire(c)
	}
}

// matching returns the current call when env's callId refers to it. An
// absent callId matches when the call has none yet.
func (s *Session) matching(env signaling.Envelope) *call {
	c := s.current
	if c == nil {
		return nil
	}
	id := signaling.CallIDOf(env)
	if id != "" && id != c.CallID {
		s.log.Debugf("call %s: ignoring %s for call %s", c.ID, env.Event, id)
		return nil
	}
	return c
}

// negotiating is matching restricted to the phases where SDP and ICE
// messages mean something.
func (s *Session) negotiating(env signaling.Envelope) *call {
	c := s.matching(env)
	if c == nil {
		return nil
	}
	if c.Phase != PhaseConnecting && c.Phase != PhaseConnected {
		s.log.Debugf("call %s: ignoring %s in phase %s", c.ID, env.Event, c.Phase)
		return nil
	}
	return c
}

func (s *Session) onAccepted(env signaling.Envelope) {
	c := s.matching(env)
	if c == nil || c.Phase != PhaseRingingOut {
		return
	}
	if c.CallID == "" {
		c.CallID = signaling.CallIDOf(env)
	}
	s.stopTimer(&c.ringTimer)
	c.Phase = PhaseConnecting
	c.Accepted = true
	s.log.Infof("call %s: accepted by %s", c.ID, c.Participant.ID)
	s.startFallbackTimer(c)
	s.publish(c)
	s.maybeStartPeer(c)
}

func (s *Session) onRemoteEnd(env signaling.Envelope, reason string) {
	c := s.matching(env)
	if c == nil {
		return
	}
	s.finish(c, reason, nil)
}

func (s *Session) onError(env signaling.Envelope) {
	var p signaling.ErrorPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warnf("bad call:error: %v", err)
		return
	}
	c := s.matching(env)
	if c == nil {
		return
	}
	s.fail(c, &SignalingError{CallID: p.CallID, Message: p.Error})
}

func (s *Session) onOffer(env signaling.Envelope) {
	c := s.negotiating(env)
	if c == nil {
		return
	}
	var p signaling.OfferPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warnf("bad offer: %v", err)
		return
	}
	if c.peer == nil {
		// Media is still being acquired.
		c.pendingOffer = &p.Offer
		return
	}
	s.applyOffer(c, p.Offer)
}

func (s *Session) onAnswer(env signaling.Envelope) {
	c := s.negotiating(env)
	if c == nil {
		return
	}
	var p signaling.AnswerPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warnf("bad answer: %v", err)
		return
	}
	if c.peer == nil {
		s.log.Warnf("call %s: answer before peer connection exists", c.ID)
		return
	}
	if err := c.peer.HandleAnswer(p.Answer); err != nil {
		s.fail(c, err)
	}
}

func (s *Session) onCandidate(env signaling.Envelope) {
	c := s.negotiating(env)
	if c == nil {
		return
	}
	var p signaling.CandidatePayload
	if err := env.Decode(&p); err != nil {
		s.log.Warnf("bad candidate: %v", err)
		return
	}
	if c.peer == nil {
		c.early = append(c.early, p.Candidate)
		return
	}
	c.peer.AddICECandidate(p.Candidate)
}

// peerEvents routes one call's peer.Manager events back into the session.
// It runs on the loop.
type peerEvents struct {
	s       *Session
	localID string
}

func (e *peerEvents) active() *call {
	c := e.s.current
	if c == nil || c.ID != e.localID {
		return nil
	}
	return c
}

func (e *peerEvents) OnOffer(offer webrtc.SessionDescription) {
	c := e.active()
	if c == nil {
		return
	}
	e.s.sendQuiet(signaling.EventOffer, signaling.OfferPayload{
		CallID:       c.CallID,
		TargetUserID: c.Participant.ID,
		Offer:        offer,
	})
}

func (e *peerEvents) OnAnswer(answer webrtc.SessionDescription) {
	c := e.active()
	if c == nil {
		return
	}
	e.s.sendQuiet(signaling.EventAnswer, signaling.AnswerPayload{
		CallID:       c.CallID,
		TargetUserID: c.Participant.ID,
		Answer:       answer,
	})
}

func (e *peerEvents) OnICECandidate(candidate webrtc.ICECandidateInit) {
	c := e.active()
	if c == nil {
		return
	}
	e.s.sendQuiet(signaling.EventICECandidate, signaling.CandidatePayload{
		CallID:       c.CallID,
		TargetUserID: c.Participant.ID,
		Candidate:    candidate,
	})
}

func (e *peerEvents) OnStateChange(state webrtc.PeerConnectionState) {
	c := e.active()
	if c == nil {
		return
	}
	c.ConnectionState = state.String()
	if state == webrtc.PeerConnectionStateConnected && c.Phase == PhaseConnecting {
		e.s.markConnected(c, "peer connected")
		return
	}
	e.s.publish(c)
}

func (e *peerEvents) OnRemoteTrack(stream *media.RemoteStream, track *media.RemoteTrack) {
	c := e.active()
	if c == nil {
		return
	}
	e.s.log.Infof("call %s: remote %s track %s", c.ID, track.Kind(), track.ID())
	if track.Kind() == media.KindVideo && !c.RemoteVideo {
		c.RemoteVideo = true
		e.s.publish(c)
	}
	e.s.deps.Observer.OnRemoteTrack(track, true)

	if c.monitored != stream {
		if c.stopMonitor != nil {
			c.stopMonitor()
		}
		c.monitored = stream
		c.stopMonitor = e.s.deps.Monitor.Watch(stream, func(t *media.RemoteTrack, enabled bool) {
			e.s.loop.Post(func() {
				if e.active() != nil {
					e.s.deps.Observer.OnRemoteTrack(t, enabled)
				}
			})
		})
	}
	e.s.markConnected(c, "remote track")
}

func (e *peerEvents) OnFailure(err error) {
	c := e.active()
	if c == nil {
		return
	}
	e.s.fail(c, err)
}
