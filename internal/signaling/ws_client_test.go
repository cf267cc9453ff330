package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestClient_SendAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := ParseEnvelope(raw)
			if err != nil {
				continue
			}
			// Acknowledge every initiate the way the relay does.
			if env.Event == EventCallInitiate {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"call:initiated","data":{"callId":"c42"}}`))
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		}
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token: "secret",
	}, zap.NewNop().Sugar())

	connected := make(chan struct{}, 1)
	client.OnConnect(func() { connected <- struct{}{} })
	received := make(chan Envelope, 4)
	client.Subscribe(func(env Envelope) { received <- env })

	if err := client.Send(context.Background(), Envelope{Event: EventCallEnd}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before connect = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
	}
	if auth := <-gotAuth; auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}

	if err := Send(context.Background(), client, EventCallInitiate, InitiatePayload{TargetUserID: "bob"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-received:
		if env.Event != EventCallInitiated || CallIDOf(env) != "c42" {
			t.Errorf("received %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound envelope")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := reconnectDelay(time.Second, 30*time.Second, tt.attempt); got != tt.want {
			t.Errorf("reconnectDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestClient_BackoffResetsAfterSuccessfulDial(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dials := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials <- struct{}{}
		// Drop without a close frame so every session ends abnormally.
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectBase: 100 * time.Millisecond,
		ReconnectMax:  10 * time.Second,
	}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	// Growing backoff would need 100+200+400+800ms before the fifth dial.
	deadline := time.After(1200 * time.Millisecond)
	for i := 0; i < 5; i++ {
		select {
		case <-dials:
		case <-deadline:
			t.Fatalf("only %d dials before deadline; backoff kept growing after successful dials", i)
		}
	}
}
