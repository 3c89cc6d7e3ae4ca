package notebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/transport"
)

// WSClient keeps one authenticated websocket to the relay open, reconnecting
// with exponential backoff, and hands every inbound message to a dispatcher.
type WSClient struct {
	url       string
	self      transport.Source
	token     string
	dispatch  *transport.Dispatcher
	opts      transport.ConnOptions
	keepalive time.Duration
	onConnect func(ctx context.Context)
	log       *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu   sync.RWMutex
	conn *transport.Conn
}

// WSOptions tunes a WSClient.
type WSOptions struct {
	Transport transport.ConnOptions
	Keepalive time.Duration
	// OnConnect runs in its own goroutine after every successful
	// authentication.
	OnConnect      func(ctx context.Context)
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// WSURL turns the relay's HTTP base URL into its websocket endpoint.
func WSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("notebook: parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("notebook: relay url scheme %q: %w", u.Scheme, apperr.ErrInvalidInput)
	}
	u.Path += "/ws"
	return u.String(), nil
}

func NewWSClient(wsURL string, self transport.Source, token string, d *transport.Dispatcher, opts WSOptions) *WSClient {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	connOpts := opts.Transport
	connOpts.Source = self
	connOpts.Logger = opts.Logger
	return &WSClient{
		url:            wsURL,
		self:           self,
		token:          token,
		dispatch:       d,
		opts:           connOpts,
		keepalive:      opts.Keepalive,
		onConnect:      opts.OnConnect,
		log:            opts.Logger,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
	}
}

// Connected reports whether an authenticated session is open.
func (c *WSClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send writes msg on the current session.
func (c *WSClient) Send(ctx context.Context, msg transport.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("notebook: send %s: %w", msg.Operation, apperr.ErrClosed)
	}
	return conn.Send(ctx, msg)
}

// Run connects and serves sessions until ctx ends. Authentication failures
// are returned; every other disconnect is retried.
func (c *WSClient) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff

	for {
		authed, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, apperr.ErrUnauthorized) {
			return err
		}
		if authed {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.log.Info("relay connection lost, retrying",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection. authed reports whether the relay accepted
// the notebook before the session ended.
func (c *WSClient) session(ctx context.Context) (authed bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("notebook: dial: %w", apperr.ErrUnauthorized)
		}
		return false, fmt.Errorf("notebook: dial: %w", err)
	}
	conn := transport.NewConn(ws, c.opts)
	defer conn.Close()

	sessCtx, stop := context.WithCancel(ctx)
	defer stop()

	if err := conn.Emit(sessCtx, transport.OpAuthentication, transport.Authentication{
		NotebookUUID: c.self.NotebookUUID,
		Token:        c.token,
	}); err != nil {
		return false, err
	}
	go conn.Keepalive(sessCtx, c.keepalive)

	var authErr error
	readErr := conn.ReadLoop(sessCtx, func(ctx context.Context, msg transport.Message) {
		if !authed {
			authErr = c.authenticated(msg)
			if authErr != nil {
				stop()
				return
			}
			authed = true
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.log.Info("connected to relay", slog.String("notebook_uuid", c.self.NotebookUUID))
			if c.onConnect != nil {
				go c.onConnect(ctx)
			}
			return
		}
		if err := c.dispatch.Dispatch(ctx, msg); err != nil {
			c.log.Warn("handle message failed",
				slog.String("operation", string(msg.Operation)),
				slog.String("error", err.Error()))
		}
	})

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if authErr != nil {
		return false, authErr
	}
	return authed, readErr
}

func (c *WSClient) authenticated(msg transport.Message) error {
	if msg.Operation != transport.OpAuthentication {
		return fmt.Errorf("notebook: expected %s, got %s", transport.OpAuthentication, msg.Operation)
	}
	var auth transport.Authentication
	if err := msg.Decode(&auth); err != nil {
		return err
	}
	if !auth.Success {
		return fmt.Errorf("notebook: relay refused notebook: %s: %w", auth.Reason, apperr.ErrUnauthorized)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
