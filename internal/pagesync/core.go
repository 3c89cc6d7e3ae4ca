// Package pagesync is the notebook-side synchronization core. A Core owns the
// local replica of every shared page, serializes merges per page and speaks
// the page protocol with the relay: share, join, update, catch-up and force.
package pagesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/queue"
	"github.com/starford/pagelink/internal/transport"
)

// Status is the sync state of a page that has a local replica.
type Status string

const (
	StatusShared    Status = "shared"
	StatusCorrupted Status = "corrupted"
)

// Relay is the set of relay methods the core calls. The HTTP client in
// internal/notebook implements it, as does a registry bound to one notebook.
type Relay interface {
	InitSharedPage(ctx context.Context, req models.InitSharedPageRequest) (models.InitSharedPageResponse, error)
	JoinSharedPage(ctx context.Context, req models.JoinSharedPageRequest) (models.JoinSharedPageResponse, error)
	RevertPageJoin(ctx context.Context, req models.RevertPageJoinRequest) error
	UpdateSharedPage(ctx context.Context, req models.UpdateSharedPageRequest) (models.PageVersion, error)
	ForcePushPage(ctx context.Context, req models.ForcePushPageRequest) (models.PageVersion, error)
	RequestPageUpdate(ctx context.Context, req models.RequestPageUpdateRequest) error
	PageUpdateResponse(ctx context.Context, req models.PageUpdateResponseRequest) error
	InviteNotebookToPage(ctx context.Context, req models.InviteNotebookToPageRequest) error
	RemovePageInvite(ctx context.Context, req models.RemovePageInviteRequest) error
	ListPageNotebooks(ctx context.Context, req models.ListPageNotebooksRequest) (models.ListPageNotebooksResponse, error)
	DisconnectSharedPage(ctx context.Context, req models.DisconnectSharedPageRequest) error
	SavePageVersion(ctx context.Context, req models.SavePageVersionRequest) (models.PageVersion, error)
	GetSharedPage(ctx context.Context, req models.GetSharedPageRequest) (models.GetSharedPageResponse, error)
	LinkDifferentPage(ctx context.Context, req models.LinkDifferentPageRequest) error
	GetPageHistory(ctx context.Context, req models.GetPageHistoryRequest) (models.GetPageHistoryResponse, error)
}

// Host is the application that renders and edits pages.
type Host interface {
	// CalculateState reads the page as the host currently shows it.
	CalculateState(ctx context.Context, notebookPageID string) (crdt.State, error)
	// ApplyState makes the host show st, creating the page if needed.
	ApplyState(ctx context.Context, notebookPageID string, st crdt.State) error
}

// Notifier surfaces notifications to the host UI.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n models.Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n models.Notification) error { return f(ctx, n) }

// Core is one notebook's synchronization engine. Independent Cores share
// nothing, so several may run in one process.
type Core struct {
	engine   crdt.Engine
	self     transport.Source
	actor    string
	relay    Relay
	host     Host
	notifier Notifier
	store    Store
	queue    *queue.Serializer
	log      *slog.Logger

	catchUpEvery rate.Limit
	catchUpBurst int
	now          func() time.Time

	// gen is bumped by Close; work started under an older generation ends
	// without touching state.
	gen atomic.Uint64

	mu       sync.Mutex
	replicas map[string]*replica
	invites  map[string]transport.SharePage
	peers    map[string]string // actor -> notebook uuid
	limiters map[string]*rate.Limiter
}

// replica is immutable; updates swap the pointer held by the Core.
type replica struct {
	pageUUID string
	doc      crdt.Doc
	status   Status
}

func (r *replica) with(doc crdt.Doc) *replica {
	return &replica{pageUUID: r.pageUUID, doc: doc, status: r.status}
}

// Option configures a Core.
type Option func(*Core)

func WithLogger(l *slog.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.log = l
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Core) { c.notifier = n }
}

// WithStore persists replicas so a restarted notebook resumes where it stopped.
func WithStore(s Store) Option {
	return func(c *Core) { c.store = s }
}

// WithCatchUpRate limits REQUEST_PAGE_UPDATE emission per page.
func WithCatchUpRate(every time.Duration, burst int) Option {
	return func(c *Core) {
		if every > 0 {
			c.catchUpEvery = rate.Every(every)
		}
		if burst > 0 {
			c.catchUpBurst = burst
		}
	}
}

// New creates a Core acting as self. The actor id is derived from self's app
// and workspace.
func New(engine crdt.Engine, self transport.Source, relay Relay, host Host, opts ...Option) *Core {
	c := &Core{
		engine:       engine,
		self:         self,
		actor:        crdt.ActorID(self.App, self.Workspace),
		relay:        relay,
		host:         host,
		queue:        queue.NewSerializer(),
		log:          slog.Default(),
		catchUpEvery: rate.Every(time.Second),
		catchUpBurst: 8,
		now:          time.Now,
		replicas:     make(map[string]*replica),
		invites:      make(map[string]transport.SharePage),
		peers:        make(map[string]string),
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.notifier == nil {
		c.notifier = NotifierFunc(func(context.Context, models.Notification) error { return nil })
	}
	return c
}

// Actor returns the actor id stamped on local changes.
func (c *Core) Actor() string { return c.actor }

// Self returns the notebook identity of this core.
func (c *Core) Self() transport.Source { return c.self }

// Close drops every cached replica and queued task. Work already running
// completes without effect.
func (c *Core) Close() {
	c.gen.Add(1)
	c.queue.Clear()
	c.mu.Lock()
	c.replicas = make(map[string]*replica)
	c.peers = make(map[string]string)
	c.limiters = make(map[string]*rate.Limiter)
	c.mu.Unlock()
}

var errStale = errors.New("pagesync: stale completion")

// do runs fn in the page's lane. fn is skipped, and its result ignored, once
// the core has been closed since do was called.
func (c *Core) do(ctx context.Context, npid string, fn func(ctx context.Context, gen uint64) error) error {
	gen := c.gen.Load()
	err := c.queue.Do(ctx, npid, func(ctx context.Context) error {
		if c.gen.Load() != gen {
			return errStale
		}
		return fn(ctx, gen)
	})
	if errors.Is(err, errStale) {
		c.log.Debug("dropped work after close", slog.String("notebook_page_id", npid))
		return nil
	}
	return err
}

// replica returns the cached replica, loading it from the store on a miss.
func (c *Core) replica(ctx context.Context, npid string) (*replica, error) {
	c.mu.Lock()
	r, ok := c.replicas[npid]
	c.mu.Unlock()
	if ok {
		return r, nil
	}

	rec, err := c.store.GetReplica(ctx, npid)
	if err != nil {
		return nil, fmt.Errorf("pagesync: replica %s: %w", npid, err)
	}
	doc, err := c.engine.Load(rec.State, c.actor)
	if err != nil {
		return nil, fmt.Errorf("pagesync: load replica %s: %w", npid, err)
	}
	r = &replica{pageUUID: rec.PageUUID, doc: doc, status: rec.Status}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.replicas[npid]; ok {
		return existing, nil
	}
	c.replicas[npid] = r
	return r, nil
}

// commit persists r and installs it as the page's replica. It returns the
// saved snapshot.
func (c *Core) commit(ctx context.Context, gen uint64, npid string, r *replica) ([]byte, error) {
	if c.gen.Load() != gen {
		return nil, errStale
	}
	data, err := c.engine.Save(r.doc)
	if err != nil {
		return nil, fmt.Errorf("pagesync: save replica %s: %w", npid, err)
	}
	rec := Record{
		NotebookPageID: npid,
		PageUUID:       r.pageUUID,
		Status:         r.status,
		State:          data,
		UpdatedAt:      c.now(),
	}
	if err := c.store.PutReplica(ctx, rec); err != nil {
		return nil, fmt.Errorf("pagesync: persist replica %s: %w", npid, err)
	}
	c.mu.Lock()
	c.replicas[npid] = r
	c.mu.Unlock()
	return data, nil
}

func (c *Core) forget(ctx context.Context, npid string) error {
	c.mu.Lock()
	delete(c.replicas, npid)
	delete(c.limiters, npid)
	c.mu.Unlock()
	if err := c.store.DeleteReplica(ctx, npid); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("pagesync: delete replica %s: %w", npid, err)
	}
	return nil
}

// Replica returns the current document and status of a shared page.
func (c *Core) Replica(ctx context.Context, npid string) (crdt.Doc, Status, error) {
	r, err := c.replica(ctx, npid)
	if err != nil {
		return nil, "", err
	}
	return r.doc, r.status, nil
}

// Pages lists every page with a local replica.
func (c *Core) Pages(ctx context.Context) ([]models.SharedPage, error) {
	recs, err := c.store.ListReplicas(ctx)
	if err != nil {
		return nil, fmt.Errorf("pagesync: list replicas: %w", err)
	}
	out := make([]models.SharedPage, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	return out, nil
}

// Invites lists invitations received and not yet answered.
func (c *Core) Invites() []transport.SharePage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.SharePage, 0, len(c.invites))
	for _, inv := range c.invites {
		out = append(out, inv)
	}
	return out
}

func (c *Core) notify(ctx context.Context, n models.Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = c.now()
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.log.Warn("notification failed",
			slog.String("title", n.Title),
			slog.String("error", err.Error()))
	}
}
