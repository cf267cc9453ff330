package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pccr10001/rtcall/internal/calling"
	"github.com/pccr10001/rtcall/internal/media"
	"go.uber.org/zap"
)

const (
	eventBuffer     = 32
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var _ calling.Observer = (*EventHub)(nil)

type TrackState struct {
	ID      string     `json:"id"`
	Kind    media.Kind `json:"kind"`
	Enabled bool       `json:"enabled"`
}

type LocalMedia struct {
	StreamID string       `json:"stream_id"`
	Tracks   []TrackState `json:"tracks"`
}

// Event is one message on the UI event stream.
type Event struct {
	Type    string               `json:"type"` // session, error, local_media, remote_track
	Session *calling.CallSession `json:"session,omitempty"`
	Message string               `json:"message,omitempty"`
	Local   *LocalMedia          `json:"local,omitempty"`
	Track   *TrackState          `json:"track,omitempty"`
}

// EventHub fans session changes out to WebSocket clients. Slow clients
// lose events rather than stall the call loop.
type EventHub struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

func NewEventHub(log *zap.SugaredLogger) *EventHub {
	return &EventHub{log: log, clients: make(map[chan Event]struct{})}
}

func (h *EventHub) subscribe() chan Event {
	ch := make(chan Event, eventBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *EventHub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.log.Warnf("event stream client too slow; dropped %s event", ev.Type)
		}
	}
}

func (h *EventHub) OnSession(s calling.CallSession) {
	h.broadcast(Event{Type: "session", Session: &s})
}

func (h *EventHub) OnError(message string) {
	h.broadcast(Event{Type: "error", Message: message})
}

func (h *EventHub) OnLocalStream(stream *media.LocalStream) {
	ev := Event{Type: "local_media"}
	if stream != nil {
		local := &LocalMedia{StreamID: stream.ID()}
		for _, t := range stream.Tracks() {
			local.Tracks = append(local.Tracks, TrackState{ID: t.ID(), Kind: t.Kind(), Enabled: t.Enabled()})
		}
		ev.Local = local
	}
	h.broadcast(ev)
}

func (h *EventHub) OnRemoteTrack(track *media.RemoteTrack, enabled bool) {
	h.broadcast(Event{Type: "remote_track", Track: &TrackState{ID: track.ID(), Kind: track.Kind(), Enabled: enabled}})
}

// Serve upgrades the request and streams events until the client leaves.
// The current session, if any, is sent first.
func (h *EventHub) Serve(calls CallController) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Errorf("upgrade websocket failed: %v", err)
			return
		}
		defer conn.Close()

		events := h.subscribe()
		defer h.unsubscribe(events)

		if session, ok := calls.Current(); ok {
			events <- Event{Type: "session", Session: &session}
		}

		// The reader only notices the client going away.
		closed := make(chan struct{})
		conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(eventPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case ev := <-events:
				conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					h.log.Debugf("event stream write failed: %v", err)
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
					return
				}
			}
		}
	}
}
