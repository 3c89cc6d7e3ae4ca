package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/metrics"
)

const (
	writeWait        = 10 * time.Second
	DefaultKeepalive = 30 * time.Second
)

// ConnOptions tunes a Conn. Zero values fall back to defaults.
type ConnOptions struct {
	Budget      int
	FragmentTTL time.Duration
	Source      Source
	Logger      *slog.Logger
}

// Conn is a websocket speaking chunked protocol messages. Writes are
// serialized; a single goroutine must run ReadLoop.
type Conn struct {
	ws      *websocket.Conn
	budget  int
	source  Source
	dec     *Decoder
	asm     *Assembler
	log     *slog.Logger
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewConn(ws *websocket.Conn, opts ConnOptions) *Conn {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	asm := NewAssembler(opts.FragmentTTL)
	return &Conn{
		ws:     ws,
		budget: opts.Budget,
		source: opts.Source,
		asm:    asm,
		dec:    NewDecoder(asm),
		log:    opts.Logger,
		closed: make(chan struct{}),
	}
}

// Send writes msg, chunked when it exceeds the budget.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	if msg.Source == (Source{}) {
		msg.Source = c.source
	}
	frames, err := Encode(msg, c.budget)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		select {
		case <-c.closed:
			return fmt.Errorf("transport: send %s: %w", msg.Operation, apperr.ErrClosed)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		deadline := time.Now().Add(writeWait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = c.ws.SetWriteDeadline(deadline)
		if err := c.ws.WriteMessage(websocket.TextMessage, f); err != nil {
			return fmt.Errorf("transport: write %s: %w", msg.Operation, err)
		}
		metrics.FramesSent.Inc()
	}
	return nil
}

// Emit builds and sends a message in one step.
func (c *Conn) Emit(ctx context.Context, op Operation, data any) error {
	msg, err := NewMessage(op, c.source, data)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// ReadLoop reads until the connection fails or ctx ends, answering PING with
// PONG and passing every other whole message to fn. Malformed frames are
// logged and skipped.
func (c *Conn) ReadLoop(ctx context.Context, fn func(context.Context, Message)) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		metrics.FramesReceived.Inc()
		msg, err := c.dec.Decode(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		if msg == nil {
			continue
		}
		switch msg.Operation {
		case OpPing:
			if err := c.Emit(ctx, OpPong, nil); err != nil {
				c.log.Warn("pong failed", slog.String("error", err.Error()))
			}
		case OpPong:
		default:
			fn(ctx, *msg)
		}
	}
}

// Keepalive sends PING every interval and sweeps stale fragments until ctx
// ends or the connection closes.
func (c *Conn) Keepalive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepalive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.asm.Sweep()
			if err := c.Emit(ctx, OpPing, nil); err != nil {
				c.log.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
