// Package request implements the notebook side of cross-notebook requests:
// asking another notebook for data, waiting a bounded time for its answer,
// and answering requests addressed to this notebook.
package request

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/transport"
)

// DefaultTimeout bounds the wait for a RESPONSE after the relay reported a
// request as pending.
const DefaultTimeout = 3 * time.Second

// Relay is the subset of relay methods the client needs.
type Relay interface {
	NotebookRequest(ctx context.Context, req models.NotebookRequestRequest) (models.NotebookRequestResponse, error)
	NotebookResponse(ctx context.Context, req models.NotebookResponseRequest) error
}

// Notifier surfaces incoming requests to the user.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// DataHandler answers REQUEST_DATA messages without asking the user.
type DataHandler func(ctx context.Context, from transport.Source, request json.RawMessage) (json.RawMessage, error)

// Result is the outcome of a request. Status is pending when no answer
// arrived in time.
type Result struct {
	Hash     string
	Status   string
	Response json.RawMessage
}

// Incoming is a request from another notebook waiting for the user.
type Incoming struct {
	Hash    string           `json:"hash"`
	From    transport.Source `json:"from"`
	Title   string           `json:"title"`
	Request json.RawMessage  `json:"request"`
	At      time.Time        `json:"at"`
}

// Client sends and answers requests for one notebook.
type Client struct {
	relay    Relay
	notifier Notifier
	data     DataHandler
	timeout  time.Duration
	log      *slog.Logger
	group    singleflight.Group

	mu       sync.Mutex
	waiters  map[string][]chan Result
	incoming map[string]Incoming
}

// Option configures a Client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

func WithDataHandler(h DataHandler) Option {
	return func(c *Client) { c.data = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func New(relay Relay, opts ...Option) *Client {
	c := &Client{
		relay:    relay,
		timeout:  DefaultTimeout,
		log:      slog.Default(),
		waiters:  make(map[string][]chan Result),
		incoming: make(map[string]Incoming),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register installs the request protocol handlers on d.
func (c *Client) Register(d *transport.Dispatcher) {
	d.Register(transport.OpRequest, transport.HandlerFunc(c.HandleRequest))
	d.Register(transport.OpRequestData, transport.HandlerFunc(c.HandleRequestData))
	d.Register(transport.OpResponse, transport.HandlerFunc(c.HandleResponse))
}

// Request asks target for payload, which the user of target has to approve.
// A request rejected before fails with apperr.ErrRejected; one answered
// before returns the stored answer.
func (c *Client) Request(ctx context.Context, target string, payload any, label string) (Result, error) {
	return c.send(ctx, target, payload, label, false)
}

// RequestData asks target for payload, answered by target's data handler.
func (c *Client) RequestData(ctx context.Context, target string, payload any, label string) (Result, error) {
	return c.send(ctx, target, payload, label, true)
}

func (c *Client) send(ctx context.Context, target string, payload any, label string, data bool) (Result, error) {
	raw, hash, err := checksum.Canonical(payload)
	if err != nil {
		return Result{}, fmt.Errorf("request: %v: %w", err, apperr.ErrInvalidInput)
	}
	// The shared round trip outlives any one caller; each caller stops
	// waiting on its own ctx.
	ch := c.group.DoChan(target+"/"+hash, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.timeout)
		defer cancel()
		return c.roundTrip(fctx, target, raw, hash, label, data)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Shared {
			c.log.Debug("joined in-flight request", slog.String("hash", hash), slog.String("target", target))
		}
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

func (c *Client) roundTrip(ctx context.Context, target string, raw []byte, hash, label string, data bool) (Result, error) {
	// Listen before asking: the answer may arrive before the relay replies.
	ch := c.wait(hash)
	defer c.unwait(hash, ch)

	resp, err := c.relay.NotebookRequest(ctx, models.NotebookRequestRequest{
		Target:  target,
		Request: raw,
		Label:   label,
		Data:    data,
	})
	if err != nil {
		return Result{}, fmt.Errorf("request: %s: %w", hash, err)
	}
	if resp.Status != models.RequestPending {
		return Result{Hash: hash, Status: resp.Status, Response: resp.Response}, nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Status == models.RequestRejected {
			return res, fmt.Errorf("request: %s: %w", hash, apperr.ErrRejected)
		}
		return res, nil
	case <-timer.C:
		c.log.Info("request still pending",
			slog.String("hash", hash),
			slog.String("target", target),
			slog.Duration("waited", c.timeout))
		return Result{Hash: hash, Status: models.RequestPending}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Client) wait(hash string) chan Result {
	ch := make(chan Result, 1)
	c.mu.Lock()
	c.waiters[hash] = append(c.waiters[hash], ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) unwait(hash string, ch chan Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[hash]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, hash)
		return
	}
	c.waiters[hash] = list
}

// HandleResponse resolves every waiter of the answered request.
func (c *Client) HandleResponse(_ context.Context, m transport.Message) error {
	var resp transport.Response
	if err := m.Decode(&resp); err != nil {
		return err
	}
	hash := resp.Hash
	if hash == "" {
		_, h, err := checksum.Canonical(resp.Request)
		if err != nil {
			return fmt.Errorf("request: response: %v: %w", err, apperr.ErrInvalidInput)
		}
		hash = h
	}
	res := Result{Hash: hash, Status: models.RequestAccepted, Response: resp.Response}
	if resp.Rejected {
		res.Status = models.RequestRejected
	}

	c.mu.Lock()
	list := c.waiters[hash]
	delete(c.waiters, hash)
	c.mu.Unlock()
	for _, ch := range list {
		select {
		case ch <- res:
		default:
		}
	}
	c.log.Debug("response received", slog.String("hash", hash), slog.Int("waiters", len(list)))
	return nil
}

// HandleRequest stores a request for the user to accept or reject.
func (c *Client) HandleRequest(ctx context.Context, m transport.Message) error {
	in, err := decodeIncoming(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.incoming[in.Hash] = in
	c.mu.Unlock()

	if c.notifier == nil {
		return nil
	}
	title := in.Title
	if title == "" {
		title = "Request"
	}
	if err := c.notifier.Notify(ctx, models.Notification{
		UUID:        "request:" + in.Hash,
		Title:       title,
		Description: fmt.Sprintf("Notebook %s/%s is requesting data.", in.From.App, in.From.Workspace),
		Buttons:     []string{"accept", "reject"},
		Operation:   string(transport.OpRequest),
		Data:        m.Data,
		CreatedAt:   in.At,
	}); err != nil {
		c.log.Warn("request notification failed", slog.String("error", err.Error()))
	}
	return nil
}

// HandleRequestData answers a request through the data handler, rejecting it
// when there is none or the handler fails.
func (c *Client) HandleRequestData(ctx context.Context, m transport.Message) error {
	in, err := decodeIncoming(m)
	if err != nil {
		return err
	}
	if c.data == nil {
		return c.answer(ctx, in, nil, true)
	}
	resp, err := c.data(ctx, in.From, in.Request)
	if err != nil {
		c.log.Warn("data handler failed",
			slog.String("hash", in.Hash),
			slog.String("error", err.Error()))
		return c.answer(ctx, in, nil, true)
	}
	return c.answer(ctx, in, resp, false)
}

func decodeIncoming(m transport.Message) (Incoming, error) {
	var req transport.Request
	if err := m.Decode(&req); err != nil {
		return Incoming{}, err
	}
	if m.Source.NotebookUUID == "" {
		return Incoming{}, fmt.Errorf("request: %s without source: %w", m.Operation, apperr.ErrInvalidInput)
	}
	hash := req.Hash
	if hash == "" {
		_, h, err := checksum.Canonical(req.Request)
		if err != nil {
			return Incoming{}, fmt.Errorf("request: %v: %w", err, apperr.ErrInvalidInput)
		}
		hash = h
	}
	return Incoming{Hash: hash, From: m.Source, Title: req.Title, Request: req.Request, At: time.Now()}, nil
}

// Pending lists incoming requests waiting for an answer, oldest first.
func (c *Client) Pending() []Incoming {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Incoming, 0, len(c.incoming))
	for _, in := range c.incoming {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Respond answers the incoming request identified by hash.
func (c *Client) Respond(ctx context.Context, hash string, response any) error {
	in, err := c.take(hash)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("request: marshal response: %w", err)
	}
	return c.answer(ctx, in, raw, false)
}

// Reject declines the incoming request identified by hash.
func (c *Client) Reject(ctx context.Context, hash string) error {
	in, err := c.take(hash)
	if err != nil {
		return err
	}
	return c.answer(ctx, in, nil, true)
}

func (c *Client) take(hash string) (Incoming, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.incoming[hash]
	if !ok {
		return Incoming{}, fmt.Errorf("request: %s: %w", hash, apperr.ErrNotFound)
	}
	delete(c.incoming, hash)
	return in, nil
}

func (c *Client) answer(ctx context.Context, in Incoming, resp json.RawMessage, rejected bool) error {
	err := c.relay.NotebookResponse(ctx, models.NotebookResponseRequest{
		Requester: in.From.NotebookUUID,
		Request:   in.Request,
		Response:  resp,
		Rejected:  rejected,
	})
	if err != nil {
		return fmt.Errorf("request: respond %s: %w", in.Hash, err)
	}
	return nil
}
