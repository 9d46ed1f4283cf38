package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenSource yields the bearer token presented on each dial.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always presents token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

type ClientConfig struct {
	URL          string
	Token        TokenSource
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	Dial         retry.Config
}

func DefaultClientConfig(url string, token TokenSource) ClientConfig {
	dial := retry.DefaultConfig()
	dial.MaxAttempts = 5
	dial.InitialDelay = 500 * time.Millisecond
	dial.MaxDelay = 10 * time.Second
	return ClientConfig{
		URL:          url,
		Token:        token,
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
		Dial:         dial,
	}
}

type clientConn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Client is the endpoint side of the relay channel. It is a transport
// only: nothing is queued while the channel is down.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu   sync.Mutex
	conn *clientConn
}

var _ ports.Signaler = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger,
	}
}

// Send queues msg on the open channel. It never waits for a reconnect.
func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrSignalingClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	select {
	case <-conn.done:
		return domain.ErrSignalingClosed
	default:
	}
	select {
	case conn.send <- data:
		return nil
	case <-conn.done:
		return domain.ErrSignalingClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) dial(ctx context.Context) (*clientConn, error) {
	cfg := c.cfg.Dial
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warnw("relay dial failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	return retry.RetryWithResult(ctx, cfg, func() (*clientConn, error) {
		header := http.Header{}
		if c.cfg.Token != nil {
			token, err := c.cfg.Token(ctx)
			if err != nil {
				return nil, retry.Permanent(fmt.Errorf("obtain relay token: %w", err))
			}
			header.Set("Authorization", "Bearer "+token)
		}

		ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, retry.Permanent(fmt.Errorf("relay rejected credentials: %w", err))
			}
			return nil, err
		}
		return &clientConn{
			ws:   ws,
			send: make(chan []byte, c.cfg.SendBuffer),
			done: make(chan struct{}),
		}, nil
	})
}

// Run keeps a channel open until ctx is done, handing inbound messages to
// handler. Each loss is reported through HandleDisconnect before the
// reconnect is attempted.
func (c *Client) Run(ctx context.Context, handler ports.SignalHandler) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connect to relay: %w", err)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Infow("connected to relay", "url", c.cfg.URL)

		err = c.serve(ctx, conn, handler)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warnw("relay channel lost", "error", err)
		handler.HandleDisconnect(fmt.Errorf("%w: %v", domain.ErrSignalingClosed, err))
	}
}

func (c *Client) serve(ctx context.Context, conn *clientConn, handler ports.SignalHandler) error {
	defer conn.close()

	go c.writePump(conn)
	go func() {
		select {
		case <-ctx.Done():
			conn.close()
		case <-conn.done:
		}
	}()

	conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	conn.ws.SetPingHandler(func(data string) error {
		conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		err := conn.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return err
		}
		conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.logger.Warnw("dropping malformed relay message", "size", len(data))
			continue
		}
		handler.HandleSignal(msg)
	}
}

func (c *Client) writePump(conn *clientConn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case data := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warnw("relay write failed", "error", err)
				conn.close()
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}

		case <-conn.done:
			conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}
