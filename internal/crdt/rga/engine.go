// Package rga is the default document engine: a replicated growable array for
// text plus counter-backed annotations, replicated as a hash-linked change log.
package rga

import (
	"fmt"
	"sort"
	"time"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/codec"
	"github.com/starford/pagelink/internal/crdt"
)

const snapshotVersion = 1

type snapshot struct {
	Version int      `msgpack:"v"`
	Changes [][]byte `msgpack:"c"`
	Queued  [][]byte `msgpack:"q,omitempty"`
}

// Engine implements crdt.Engine.
type Engine struct {
	now func() time.Time
}

var _ crdt.Engine = (*Engine)(nil)

// New returns an engine stamping changes with the wall clock.
func New() *Engine {
	return &Engine{now: time.Now}
}

func (e *Engine) Name() string { return "rga" }

func (e *Engine) New(actor string) crdt.Doc {
	return newDoc(actor)
}

func (e *Engine) doc(doc crdt.Doc) (*Doc, error) {
	d, ok := doc.(*Doc)
	if !ok || d == nil {
		return nil, fmt.Errorf("rga: foreign document %T: %w", doc, apperr.ErrInvalidInput)
	}
	return d, nil
}

// Load replays a snapshot. Legacy documents are upgraded before returning.
func (e *Engine) Load(data []byte, actor string) (crdt.Doc, error) {
	var snap snapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("rga: load: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("rga: load: snapshot version %d: %w", snap.Version, apperr.ErrInvalidInput)
	}
	d := newDoc(actor)
	for _, raw := range snap.Changes {
		c, hash, err := decodeChange(raw)
		if err != nil {
			return nil, fmt.Errorf("rga: load: %w", err)
		}
		if r := d.readiness(hash, c); r != ready {
			return nil, fmt.Errorf("rga: load: change %s out of order: %w", hash, apperr.ErrInvalidInput)
		}
		if err := d.integrate(raw, hash, c); err != nil {
			return nil, fmt.Errorf("rga: load: %w", err)
		}
	}
	for _, raw := range snap.Queued {
		c, hash, err := decodeChange(raw)
		if err != nil {
			return nil, fmt.Errorf("rga: load: %w", err)
		}
		d.queue[hash] = entry{raw: raw, hash: hash, ch: c}
	}
	if d.contentType == crdt.LegacyContentType {
		if err := migrate(d); err != nil {
			return nil, fmt.Errorf("rga: load: %w", err)
		}
	}
	return d, nil
}

func (e *Engine) Save(doc crdt.Doc) ([]byte, error) {
	d, err := e.doc(doc)
	if err != nil {
		return nil, err
	}
	snap := snapshot{Version: snapshotVersion}
	for _, en := range d.sortedLog() {
		snap.Changes = append(snap.Changes, en.raw)
	}
	if len(d.queue) > 0 {
		hashes := make([]string, 0, len(d.queue))
		for h := range d.queue {
			hashes = append(hashes, h)
		}
		sort.Strings(hashes)
		for _, h := range hashes {
			snap.Queued = append(snap.Queued, d.queue[h].raw)
		}
	}
	out, err := codec.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("rga: save: %w", err)
	}
	return out, nil
}

func (e *Engine) Change(doc crdt.Doc, label string, fn func(crdt.Mutator) error) (crdt.Doc, [][]byte, error) {
	base, err := e.doc(doc)
	if err != nil {
		return nil, nil, err
	}
	d := base.clone()
	m := &mutator{doc: d, next: d.maxOp + 1}
	if err := fn(m); err != nil {
		return nil, nil, err
	}
	if len(m.ops) == 0 {
		return base, nil, nil
	}
	c := &change{
		Actor:   d.actor,
		Seq:     d.clock[d.actor] + 1,
		StartOp: base.maxOp + 1,
		Deps:    base.Heads(),
		Time:    e.now().UnixMilli(),
		Message: label,
		Ops:     m.ops,
	}
	raw, hash, err := encodeChange(c)
	if err != nil {
		return nil, nil, fmt.Errorf("rga: change: %w", err)
	}
	d.record(raw, hash, c)
	d.frozen = false
	return d, [][]byte{raw}, nil
}

func (e *Engine) ApplyChanges(doc crdt.Doc, changes [][]byte) (crdt.Doc, crdt.Patch, error) {
	base, err := e.doc(doc)
	if err != nil {
		return nil, crdt.Patch{}, err
	}
	d := base.clone()
	rejected := false
	for _, raw := range changes {
		c, hash, err := decodeChange(raw)
		if err != nil {
			return nil, crdt.Patch{}, err
		}
		switch d.readiness(hash, c) {
		case duplicate:
		case conflicting:
			rejected = true
		default:
			d.queue[hash] = entry{raw: raw, hash: hash, ch: c}
		}
	}
	remote, err := d.drain()
	if err != nil {
		return nil, crdt.Patch{}, fmt.Errorf("rga: apply: %w", err)
	}
	if remote {
		d.frozen = true
	}
	patch := crdt.Patch{
		PendingChanges: rejected || len(d.queue) > 0,
		Clock:          d.Clock(),
		ContentChanged: !base.State().Equal(d.State()),
	}
	return d, patch, nil
}

func (e *Engine) AllChanges(doc crdt.Doc) ([][]byte, error) {
	d, err := e.doc(doc)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(d.log))
	for i, en := range d.log {
		out[i] = en.raw
	}
	return out, nil
}

func (e *Engine) DecodeChange(raw []byte) (crdt.Change, error) {
	c, hash, err := decodeChange(raw)
	if err != nil {
		return crdt.Change{}, err
	}
	return crdt.Change{
		Actor:   c.Actor,
		Seq:     c.Seq,
		Hash:    hash,
		Deps:    append([]string(nil), c.Deps...),
		StartOp: c.StartOp,
		Time:    time.UnixMilli(c.Time),
		Message: c.Message,
	}, nil
}
