package signaling

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("signaling relay not connected")

// Sender delivers one envelope to the relay.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// Handler receives inbound envelopes. Implementations must not block.
type Handler func(Envelope)

// Source is the inbound side of a relay connection.
type Source interface {
	Subscribe(h Handler) (unsubscribe func())
}

// Relay is a bidirectional relay connection.
type Relay interface {
	Sender
	Source
}

// Send encodes payload and delivers it through s.
func Send(ctx context.Context, s Sender, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return s.Send(ctx, env)
}

// subscribers is the fan-out shared by the relay implementations.
type subscribers struct {
	next     int
	handlers map[int]Handler
}

func (s *subscribers) add(h Handler) int {
	if s.handlers == nil {
		s.handlers = make(map[int]Handler)
	}
	s.next++
	s.handlers[s.next] = h
	return s.next
}

func (s *subscribers) remove(id int) {
	delete(s.handlers, id)
}

func (s *subscribers) snapshot() []Handler {
	list := make([]Handler, 0, len(s.handlers))
	for id := 1; id <= s.next; id++ {
		if h, ok := s.handlers[id]; ok {
			list = append(list, h)
		}
	}
	return list
}
