package pagesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
	"github.com/starford/pagelink/internal/models"
)

// Record is a persisted replica.
type Record struct {
	NotebookPageID string
	PageUUID       string
	Status         Status
	State          []byte
	UpdatedAt      time.Time
}

// Summary describes the record without its snapshot.
func (r Record) Summary() models.SharedPage {
	return models.SharedPage{
		NotebookPageID: r.NotebookPageID,
		PageUUID:       r.PageUUID,
		Status:         string(r.Status),
		Checksum:       checksum.Sum(r.State),
		UpdatedAt:      r.UpdatedAt,
	}
}

// Store persists replicas. GetReplica and DeleteReplica return
// apperr.ErrNotFound for unknown pages.
type Store interface {
	PutReplica(ctx context.Context, rec Record) error
	GetReplica(ctx context.Context, notebookPageID string) (Record, error)
	DeleteReplica(ctx context.Context, notebookPageID string) error
	ListReplicas(ctx context.Context) ([]Record, error)
}

// MemoryStore keeps replicas in memory only.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (m *MemoryStore) PutReplica(_ context.Context, rec Record) error {
	rec.State = append([]byte(nil), rec.State...)
	m.mu.Lock()
	m.recs[rec.NotebookPageID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetReplica(_ context.Context, npid string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[npid]
	if !ok {
		return Record{}, fmt.Errorf("replica %s: %w", npid, apperr.ErrNotFound)
	}
	return rec, nil
}

func (m *MemoryStore) DeleteReplica(_ context.Context, npid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[npid]; !ok {
		return fmt.Errorf("replica %s: %w", npid, apperr.ErrNotFound)
	}
	delete(m.recs, npid)
	return nil
}

func (m *MemoryStore) ListReplicas(context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotebookPageID < out[j].NotebookPageID })
	return out, nil
}
