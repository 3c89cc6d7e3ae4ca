package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/index"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/pagesync"
	"github.com/starford/pagelink/internal/request"
	"github.com/starford/pagelink/internal/sse"
	"github.com/starford/pagelink/internal/storage"
	"github.com/starford/pagelink/internal/transport"
)

// Config describes one notebook agent.
type Config struct {
	RelayURL     string
	NotebookUUID string
	Token        string
	App          string
	Workspace    string

	Engine         crdt.Engine
	Transport      transport.ConnOptions
	Keepalive      time.Duration
	RequestTimeout time.Duration
	Debounce       time.Duration
	CatchUpEvery   time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Agent wires a vault, its index and the relay into a running notebook.
type Agent struct {
	cfg      Config
	store    storage.Provider
	db       *index.DB
	broker   *sse.Broker
	host     *FileHost
	relay    *RelayClient
	core     *pagesync.Core
	requests *request.Client
	ws       *WSClient
	log      *slog.Logger

	updates sync.WaitGroup
}

// PageRequest is the payload of a data request for one page.
type PageRequest struct {
	NotebookPageID string `json:"notebookPageId"`
}

func NewAgent(cfg Config, store storage.Provider, db *index.DB, broker *sse.Broker) (*Agent, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("notebook: no document engine: %w", apperr.ErrInvalidInput)
	}
	wsURL, err := WSURL(cfg.RelayURL)
	if err != nil {
		return nil, err
	}
	self := transport.Source{NotebookUUID: cfg.NotebookUUID, App: cfg.App, Workspace: cfg.Workspace}
	log := cfg.Logger.With(slog.String("notebook_uuid", cfg.NotebookUUID))

	a := &Agent{
		cfg:    cfg,
		store:  store,
		db:     db,
		broker: broker,
		host:   NewFileHost(store, db),
		relay:  NewRelayClient(cfg.RelayURL, cfg.NotebookUUID, cfg.Token, cfg.HTTPClient),
		log:    log,
	}
	a.core = pagesync.New(cfg.Engine, self, a.relay, a.host,
		pagesync.WithLogger(log),
		pagesync.WithNotifier(a),
		pagesync.WithStore(db),
		pagesync.WithCatchUpRate(cfg.CatchUpEvery, 0),
	)
	reqOpts := []request.Option{
		request.WithNotifier(a),
		request.WithDataHandler(a.answerData),
		request.WithLogger(log),
	}
	if cfg.RequestTimeout > 0 {
		reqOpts = append(reqOpts, request.WithTimeout(cfg.RequestTimeout))
	}
	a.requests = request.New(a.relay, reqOpts...)

	d := transport.NewDispatcher(log)
	a.core.Register(d)
	a.requests.Register(d)
	a.ws = NewWSClient(wsURL, self, cfg.Token, d, WSOptions{
		Transport: cfg.Transport,
		Keepalive: cfg.Keepalive,
		OnConnect: a.connected,
		Logger:    log,
	})
	return a, nil
}

// Core returns the sync engine.
func (a *Agent) Core() *pagesync.Core { return a.core }

// Requests returns the cross-notebook request client.
func (a *Agent) Requests() *request.Client { return a.requests }

// Index returns the vault index, which is also the notification inbox.
func (a *Agent) Index() *index.DB { return a.db }

// Connected reports whether the relay session is up.
func (a *Agent) Connected() bool { return a.ws.Connected() }

// Run indexes the vault, then serves the relay session and the vault
// watcher until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	if err := index.Sync(ctx, a.db, a.store, a.log); err != nil {
		return fmt.Errorf("notebook: index vault: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.ws.Run(ctx) })
	if root, ok := a.store.(interface{ Root() string }); ok {
		g.Go(func() error {
			return index.Watch(ctx, a.db, a.store, root.Root(), a.log, a.cfg.Debounce, a.pageChanged(ctx))
		})
	}
	err := g.Wait()
	a.updates.Wait()
	a.core.Close()
	return err
}

// Notify stores n in the inbox and streams it to local clients.
func (a *Agent) Notify(ctx context.Context, n models.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := a.db.Notify(ctx, n); err != nil {
		return err
	}
	if a.broker != nil {
		_ = a.broker.Notify(ctx, n)
	}
	return nil
}

func (a *Agent) connected(ctx context.Context) {
	if a.broker != nil {
		a.broker.Publish(sse.Event{Type: sse.TypeConnectionChanged, Data: map[string]bool{"connected": true}})
	}
	if err := a.core.CatchUpAll(ctx); err != nil {
		a.log.Warn("catch-up after connect failed", slog.String("error", err.Error()))
	}
}

// pageChanged reports vault changes to local clients and sends edits of
// shared pages to the relay.
func (a *Agent) pageChanged(ctx context.Context) index.EventCallback {
	return func(kind, rel string) {
		if a.broker != nil {
			a.broker.PublishPageEvent(kind, rel)
		}
		if kind == "deleted" {
			return
		}
		npid, ok := PageID(rel)
		if !ok {
			return
		}
		if _, status, err := a.core.Replica(ctx, npid); err != nil || status != pagesync.StatusShared {
			return
		}
		a.updates.Add(1)
		go func() {
			defer a.updates.Done()
			if err := a.UpdatePage(ctx, npid); err != nil && ctx.Err() == nil {
				a.log.Warn("send page update failed",
					slog.String("notebook_page_id", npid),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// UpdatePage sends local edits of a shared page and reports the page as
// synced.
func (a *Agent) UpdatePage(ctx context.Context, npid string) error {
	if err := a.core.UpdatePage(ctx, npid, ""); err != nil {
		return err
	}
	if a.broker != nil {
		a.broker.Publish(sse.Event{Type: sse.TypePageSynced, Data: map[string]string{"notebookPageId": npid}})
	}
	return nil
}

// ReadPage returns the page as the vault shows it.
func (a *Agent) ReadPage(ctx context.Context, npid string) (crdt.State, error) {
	if _, err := a.store.Read(PagePath(npid)); err != nil {
		return crdt.State{}, fmt.Errorf("notebook: read %s: %w", npid, err)
	}
	return a.host.CalculateState(ctx, npid)
}

// answerData serves REQUEST_DATA: shared pages are returned without asking
// the user.
func (a *Agent) answerData(ctx context.Context, _ transport.Source, raw json.RawMessage) (json.RawMessage, error) {
	var req PageRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.NotebookPageID == "" {
		return nil, fmt.Errorf("notebook: data request: %w", apperr.ErrInvalidInput)
	}
	if _, status, err := a.core.Replica(ctx, req.NotebookPageID); err != nil || status != pagesync.StatusShared {
		return nil, fmt.Errorf("notebook: data request %s: %w", req.NotebookPageID, apperr.ErrForbidden)
	}
	return a.pageAnswer(ctx, req.NotebookPageID)
}

func (a *Agent) pageAnswer(ctx context.Context, npid string) (json.RawMessage, error) {
	st, err := a.ReadPage(ctx, npid)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// Act answers a notification with one of its buttons and removes it from
// the inbox. npid names the local page when accepting an invitation; empty
// uses the invitation's title.
func (a *Agent) Act(ctx context.Context, notificationUUID, action, npid string) error {
	n, err := a.db.Notification(ctx, notificationUUID)
	if err != nil {
		return err
	}
	if !hasButton(n, action) {
		return fmt.Errorf("notebook: action %q on %s: %w", action, n.Operation, apperr.ErrInvalidInput)
	}

	switch transport.Operation(n.Operation) {
	case transport.OpSharePage:
		var inv transport.SharePage
		if err := json.Unmarshal(n.Data, &inv); err != nil {
			return fmt.Errorf("notebook: decode invitation: %v: %w", err, apperr.ErrInvalidInput)
		}
		if action == pagesync.ActionAccept {
			if npid == "" {
				npid = inv.Title
			}
			if _, err := a.core.AcceptInvite(ctx, inv.PageUUID, npid); err != nil {
				return err
			}
		} else if err := a.core.RejectInvite(ctx, inv.PageUUID); err != nil {
			return err
		}

	case transport.OpSharePageUpdate:
		page := strings.TrimPrefix(n.UUID, "corrupted:")
		if action == pagesync.ActionForcePush {
			err = a.core.ForcePush(ctx, page)
		} else {
			err = a.core.Resync(ctx, page)
		}
		if err != nil {
			return err
		}

	case transport.OpRequest:
		hash := strings.TrimPrefix(n.UUID, "request:")
		if action == pagesync.ActionReject {
			err = a.requests.Reject(ctx, hash)
		} else {
			err = a.respond(ctx, hash)
		}
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}

	default:
		return fmt.Errorf("notebook: notification %s has no actions: %w", n.UUID, apperr.ErrInvalidInput)
	}
	return a.Dismiss(ctx, notificationUUID)
}

func (a *Agent) respond(ctx context.Context, hash string) error {
	for _, in := range a.requests.Pending() {
		if in.Hash != hash {
			continue
		}
		var req PageRequest
		if err := json.Unmarshal(in.Request, &req); err != nil || req.NotebookPageID == "" {
			return a.requests.Respond(ctx, hash, map[string]bool{"accepted": true})
		}
		answer, err := a.pageAnswer(ctx, req.NotebookPageID)
		if err != nil {
			return err
		}
		return a.requests.Respond(ctx, hash, answer)
	}
	return fmt.Errorf("notebook: request %s: %w", hash, apperr.ErrNotFound)
}

// Dismiss removes a notification without acting on it.
func (a *Agent) Dismiss(ctx context.Context, notificationUUID string) error {
	if err := a.db.Dismiss(ctx, notificationUUID); err != nil {
		return err
	}
	if a.broker != nil {
		a.broker.Publish(sse.Event{Type: sse.TypeNotificationGone, Data: map[string]string{"uuid": notificationUUID}})
	}
	return nil
}

func hasButton(n models.Notification, action string) bool {
	for _, b := range n.Buttons {
		if b == action {
			return true
		}
	}
	return false
}
