package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var _ Relay = (*Client)(nil)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
)

type ClientConfig struct {
	URL   string
	Token string

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Client is the WebSocket connection to the signaling relay. It keeps
// reconnecting until its context is cancelled; Send fails fast with
// ErrNotConnected while the socket is down.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	log    *zap.SugaredLogger

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	subMu sync.Mutex
	subs  subscribers

	onConnect func()
}

func NewClient(cfg ClientConfig, log *zap.SugaredLogger) *Client {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		log: log,
	}
}

// OnConnect registers fn to run after every successful dial.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = fn
}

func (c *Client) Subscribe(h Handler) func() {
	c.subMu.Lock()
	id := c.subs.add(h)
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		c.subs.remove(id)
		c.subMu.Unlock()
	}
}

func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Run dials the relay and reads from it until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Backoff only grows across failed dials.
		if connected {
			attempt = 0
		}
		delay := reconnectDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)
		attempt++
		c.log.Warnf("relay connection lost: %v; reconnecting in %s", err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

// session reports whether the dial succeeded along with the reason the
// connection ended.
func (c *Client) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.log.Infof("relay connected: %s", c.cfg.URL)

	if c.onConnect != nil {
		c.onConnect()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return true, err
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			c.log.Debugf("dropping malformed relay frame: %v", err)
			continue
		}
		c.dispatch(*env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.subMu.Lock()
	handlers := c.subs.snapshot()
	c.subMu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (c *Client) Send(ctx context.Context, env Envelope) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(env); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrNotConnected
		}
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}
