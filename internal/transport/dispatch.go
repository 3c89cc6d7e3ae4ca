package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/metrics"
)

// Handler processes one whole message.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Dispatcher routes messages to the handler registered for their operation.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Operation]Handler
	log      *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{handlers: make(map[Operation]Handler), log: log}
}

// Register installs h for op, replacing any previous handler.
func (d *Dispatcher) Register(op Operation, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = h
}

// Dispatch runs the handler for msg. Unknown operations fail with ErrNotFound.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	d.mu.RLock()
	h, ok := d.handlers[msg.Operation]
	d.mu.RUnlock()
	if !ok {
		metrics.MessagesDispatched.WithLabelValues(string(msg.Operation), "unknown").Inc()
		d.log.Warn("no handler for operation", slog.String("operation", string(msg.Operation)), slog.String("uuid", msg.UUID))
		return fmt.Errorf("transport: no handler for %s: %w", msg.Operation, apperr.ErrNotFound)
	}
	if err := h.Handle(ctx, msg); err != nil {
		metrics.MessagesDispatched.WithLabelValues(string(msg.Operation), "error").Inc()
		d.log.Error("handler failed",
			slog.String("operation", string(msg.Operation)),
			slog.String("uuid", msg.UUID),
			slog.String("error", err.Error()),
		)
		return err
	}
	metrics.MessagesDispatched.WithLabelValues(string(msg.Operation), "ok").Inc()
	return nil
}
