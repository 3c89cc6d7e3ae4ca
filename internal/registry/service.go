package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/blob"
	"github.com/starford/pagelink/internal/checksum"
	"github.com/starford/pagelink/internal/codec"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/transport"
)

// maxAdvanceAttempts bounds the retries of a merge that lost the race for
// the canonical pointer.
const maxAdvanceAttempts = 5

// Notifier delivers a message to a notebook, now or when it reconnects.
type Notifier interface {
	Deliver(ctx context.Context, target string, msg transport.Message) error
}

// Quotas reports how many pages a notebook may be joined to. A negative
// limit means unlimited.
type Quotas interface {
	PageLimit(ctx context.Context, notebookUUID string) (int, error)
}

// Service implements the relay methods. Every method acts on behalf of an
// already authenticated caller.
type Service struct {
	store    *Store
	blobs    blob.Store
	engine   crdt.Engine
	notifier Notifier
	quotas   Quotas
	log      *slog.Logger
	now      func() time.Time
	actor    string
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithQuotas(q Quotas) Option {
	return func(s *Service) { s.quotas = q }
}

// WithDefaultQuota limits every notebook without an override to n pages.
func WithDefaultQuota(n int) Option {
	return func(s *Service) { s.quotas = storeQuotas{store: s.store, def: n} }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService creates the registry service.
func NewService(store *Store, blobs blob.Store, engine crdt.Engine, opts ...Option) *Service {
	s := &Service{
		store:  store,
		blobs:  blobs,
		engine: engine,
		log:    slog.Default(),
		now:    time.Now,
		actor:  checksum.Short(16, "relay"),
	}
	s.quotas = storeQuotas{store: store, def: -1}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = discard{}
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() *Store { return s.store }

type discard struct{}

func (discard) Deliver(context.Context, string, transport.Message) error { return nil }

type storeQuotas struct {
	store *Store
	def   int
}

func (q storeQuotas) PageLimit(ctx context.Context, notebookUUID string) (int, error) {
	row, err := q.store.notebook(ctx, notebookUUID)
	if err != nil {
		return 0, err
	}
	if row.PageQuota.Valid {
		return int(row.PageQuota.Int64), nil
	}
	return q.def, nil
}

// pageLimit resolves the notebook's quota. The store enforces it inside the
// transaction that adds the joined link.
func (s *Service) pageLimit(ctx context.Context, notebookUUID string) (int, error) {
	limit, err := s.quotas.PageLimit(ctx, notebookUUID)
	if err != nil {
		return 0, fmt.Errorf("registry: quota: %w", err)
	}
	return limit, nil
}

type validatable interface {
	Validate() error
}

func validate(v validatable) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, apperr.ErrInvalidInput)
	}
	return nil
}

func source(nb models.Notebook) transport.Source {
	return transport.Source{NotebookUUID: nb.UUID, App: nb.App, Workspace: nb.Workspace}
}

// send delivers one message; delivery failures are logged, not returned,
// since the calling method has already committed.
func (s *Service) send(ctx context.Context, from models.Notebook, target string, op transport.Operation, data any) {
	msg, err := transport.NewMessage(op, source(from), data)
	if err != nil {
		s.log.Error("build message failed", slog.String("operation", string(op)), slog.String("error", err.Error()))
		return
	}
	if err := s.notifier.Deliver(ctx, target, msg); err != nil {
		s.log.Warn("deliver failed",
			slog.String("operation", string(op)),
			slog.String("target", target),
			slog.String("error", err.Error()))
	}
}

// fanout sends to every joined notebook of the page except the sender,
// building each payload for the target's own link.
func (s *Service) fanout(ctx context.Context, from models.Notebook, pageUUID string, op transport.Operation, payload func(models.PageLink) any) error {
	links, _, err := s.store.PageLinks(ctx, pageUUID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.Open || l.NotebookUUID == from.UUID {
			continue
		}
		s.send(ctx, from, l.NotebookUUID, op, payload(l))
	}
	return nil
}

// canonical loads the page's current snapshot.
func (s *Service) canonical(ctx context.Context, p Page) (crdt.Doc, []byte, error) {
	data, err := s.blobs.Get(ctx, p.CID)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: page %s: %w", p.UUID, err)
	}
	doc, err := s.engine.Load(data, s.actor)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: page %s: %w", p.UUID, err)
	}
	return doc, data, nil
}

// changesOf collects the changes carried by an update: the explicit ones and
// every change in the submitted snapshot.
func (s *Service) changesOf(state string, encoded []string) ([][]byte, error) {
	changes, err := codec.DecodeChanges(encoded)
	if err != nil {
		return nil, err
	}
	if state == "" {
		return changes, nil
	}
	data, err := codec.DecodeState(state)
	if err != nil {
		return nil, err
	}
	doc, err := s.engine.Load(data, s.actor)
	if err != nil {
		return nil, fmt.Errorf("registry: snapshot: %v: %w", err, apperr.ErrInvalidInput)
	}
	all, err := s.engine.AllChanges(doc)
	if err != nil {
		return nil, err
	}
	return append(changes, all...), nil
}

func (s *Service) decodeSnapshot(state string) ([]byte, error) {
	data, err := codec.DecodeState(state)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.Load(data, s.actor); err != nil {
		return nil, fmt.Errorf("registry: snapshot: %v: %w", err, apperr.ErrInvalidInput)
	}
	return data, nil
}

// merge applies changes to the canonical snapshot and advances the page
// pointer, retrying when another writer advanced it first.
func (s *Service) merge(ctx context.Context, link models.PageLink, changes [][]byte, method string) (models.PageVersion, error) {
	for attempt := 0; attempt < maxAdvanceAttempts; attempt++ {
		page, err := s.store.GetPage(ctx, link.PageUUID)
		if err != nil {
			return models.PageVersion{}, err
		}
		doc, _, err := s.canonical(ctx, page)
		if err != nil {
			return models.PageVersion{}, err
		}
		merged, _, err := s.engine.ApplyChanges(doc, changes)
		if err != nil {
			return models.PageVersion{}, fmt.Errorf("registry: merge: %v: %w", err, apperr.ErrInvalidInput)
		}
		data, err := s.engine.Save(merged)
		if err != nil {
			return models.PageVersion{}, fmt.Errorf("registry: merge: %w", err)
		}
		v, err := s.advance(ctx, page, link, data, method)
		if errors.Is(err, apperr.ErrConflict) {
			s.log.Debug("canonical pointer moved, retrying merge",
				slog.String("page_uuid", page.UUID),
				slog.Int("attempt", attempt+1))
			continue
		}
		return v, err
	}
	return models.PageVersion{}, fmt.Errorf("registry: merge page %s: %w", link.PageUUID, apperr.ErrConflict)
}

// advance stores data and moves the pointer to it. Unchanged content leaves
// the page as it is.
func (s *Service) advance(ctx context.Context, page Page, link models.PageLink, data []byte, method string) (models.PageVersion, error) {
	cid, err := s.blobs.Put(ctx, data)
	if err != nil {
		return models.PageVersion{}, fmt.Errorf("registry: store snapshot: %w", err)
	}
	if cid == page.CID {
		return models.PageVersion{Version: page.Version, CID: cid}, nil
	}
	version, err := s.store.AdvancePage(ctx, page.UUID, page.Version, cid, link.UUID, method, ksuid.New().String(), s.now())
	if err != nil {
		return models.PageVersion{}, err
	}
	return models.PageVersion{Version: version, CID: cid}, nil
}
