package signaling

import (
	"context"
	"fmt"
	"sync"
)

var _ Relay = (*Endpoint)(nil)

// Hub is an in-process relay. It assigns call IDs and forwards messages
// between connected endpoints the way the production relay does, which lets
// two sessions in one process call each other without a network.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	calls     map[string]*hubCall
	nextCall  int
}

type hubCall struct {
	id        string
	initiator string
	target    string
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		calls:     make(map[string]*hubCall),
	}
}

// Connect registers userID and returns its endpoint. A second Connect for
// the same user replaces the earlier endpoint.
func (h *Hub) Connect(userID string) *Endpoint {
	e := &Endpoint{hub: h, userID: userID}
	h.mu.Lock()
	h.endpoints[userID] = e
	h.mu.Unlock()
	return e
}

func (h *Hub) Disconnect(userID string) {
	h.mu.Lock()
	delete(h.endpoints, userID)
	h.mu.Unlock()
}

// Endpoint is one user's connection to a Hub.
type Endpoint struct {
	hub    *Hub
	userID string

	mu   sync.Mutex
	subs subscribers
	sent []Envelope
}

func (e *Endpoint) UserID() string { return e.userID }

func (e *Endpoint) Subscribe(h Handler) func() {
	e.mu.Lock()
	id := e.subs.add(h)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.subs.remove(id)
		e.mu.Unlock()
	}
}

// Sent returns a copy of every envelope this endpoint has sent.
func (e *Endpoint) Sent() []Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Envelope, len(e.sent))
	copy(out, e.sent)
	return out
}

// SentEvents returns the sent envelopes whose event equals name.
func (e *Endpoint) SentEvents(name string) []Envelope {
	var out []Envelope
	for _, env := range e.Sent() {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

// Deliver hands env to this endpoint's subscribers as if the relay sent it.
func (e *Endpoint) Deliver(env Envelope) {
	e.mu.Lock()
	handlers := e.subs.snapshot()
	e.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (e *Endpoint) Send(_ context.Context, env Envelope) error {
	e.mu.Lock()
	e.sent = append(e.sent, env)
	e.mu.Unlock()
	return e.hub.route(e.userID, env)
}

func (h *Hub) route(from string, env Envelope) error {
	switch env.Event {
	case EventCallInitiate:
		var p InitiatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		h.mu.Lock()
		h.nextCall++
		call := &hubCall{id: fmt.Sprintf("call-%d", h.nextCall), initiator: from, target: p.TargetUserID}
		_, online := h.endpoints[p.TargetUserID]
		if online {
			h.calls[call.id] = call
		}
		h.mu.Unlock()

		if !online {
			return h.deliver(from, EventCallError, ErrorPayload{Error: "user is offline"})
		}
		if err := h.deliver(from, EventCallInitiated, CallRef{CallID: call.id}); err != nil {
			return err
		}
		return h.deliver(p.TargetUserID, EventCallIncoming, IncomingPayload{
			CallID:         call.id,
			Initiator:      User{ID: from},
			ConversationID: p.ConversationID,
			IsVideoCall:    p.IsVideoCall,
		})

	case EventCallAccept:
		call, other := h.lookup(from, CallIDOf(env))
		if call == nil {
			return nil
		}
		return h.deliver(other, EventCallAccepted, CallRef{CallID: call.id})

	case EventCallReject, EventCallEnd:
		call, other := h.lookup(from, CallIDOf(env))
		if call == nil {
			return nil
		}
		h.mu.Lock()
		delete(h.calls, call.id)
		h.mu.Unlock()
		reply := EventCallEnded
		if env.Event == EventCallReject {
			reply = EventCallRejected
		}
		return h.deliver(other, reply, CallRef{CallID: call.id})

	case EventOffer:
		var p OfferPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		p.FromUserID, p.TargetUserID = from, ""
		return h.forward(p.CallID, from, EventOffer, p)

	case EventAnswer:
		var p AnswerPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		p.FromUserID, p.TargetUserID = from, ""
		return h.forward(p.CallID, from, EventAnswer, p)

	case EventICECandidate:
		var p CandidatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		p.FromUserID, p.TargetUserID = from, ""
		return h.forward(p.CallID, from, EventICECandidate, p)
	}
	return fmt.Errorf("hub: unsupported event %q", env.Event)
}

func (h *Hub) lookup(from, callID string) (*hubCall, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	call, ok := h.calls[callID]
	if !ok {
		return nil, ""
	}
	switch from {
	case call.initiator:
		return call, call.target
	case call.target:
		return call, call.initiator
	}
	return nil, ""
}

func (h *Hub) forward(callID, from, event string, payload any) error {
	call, other := h.lookup(from, callID)
	if call == nil {
		return nil
	}
	return h.deliver(other, event, payload)
}

func (h *Hub) deliver(to, event string, payload any) error {
	h.mu.Lock()
	e, ok := h.endpoints[to]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	e.Deliver(env)
	return nil
}
