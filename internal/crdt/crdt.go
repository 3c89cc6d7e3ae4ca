// Package crdt defines the narrow document-engine interface the sync protocol
// is written against. Engines live in subpackages.
package crdt

import (
	"time"

	"github.com/starford/pagelink/internal/annotation"
	"github.com/starford/pagelink/internal/checksum"
)

// Content types stamped on documents. Legacy documents store plain numeric
// annotation bounds and are upgraded on load.
const (
	ContentType       = "application/vnd.atjson+samepage; version=2022-12-05"
	LegacyContentType = "application/vnd.atjson+samepage; version=2022-08-17"
)

// Clock maps an actor to the highest sequence number applied from it.
type Clock map[string]uint64

// Clone returns an independent copy.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Patch reports the outcome of ApplyChanges.
type Patch struct {
	// PendingChanges is true when some supplied change could not be applied,
	// either because its dependencies are missing or because it conflicts with
	// a recorded change.
	PendingChanges bool
	Clock          Clock
	ContentChanged bool
}

// State is the materialized view of a document.
type State struct {
	Content     string                  `json:"content"`
	Annotations []annotation.Annotation `json:"annotations"`
	ContentType string                  `json:"contentType"`
}

// Equal compares content, content type and annotations in order.
func (s State) Equal(o State) bool {
	if s.Content != o.Content || s.ContentType != o.ContentType || len(s.Annotations) != len(o.Annotations) {
		return false
	}
	for i := range s.Annotations {
		if !s.Annotations[i].Equal(o.Annotations[i]) {
			return false
		}
	}
	return true
}

// Change is the decoded header of an encoded change.
type Change struct {
	Actor   string
	Seq     uint64
	Hash    string
	Deps    []string
	StartOp uint64
	Time    time.Time
	Message string
}

// Doc is an immutable document replica. Engines return a new Doc from every
// mutating call.
type Doc interface {
	ActorID() string
	State() State
	Clock() Clock
	Heads() []string
	// Frozen reports whether a change authored elsewhere has been merged since
	// the last local change.
	Frozen() bool
}

// Mutator edits a document inside Engine.Change. Positions count runes.
type Mutator interface {
	Insert(pos int, text string) error
	Delete(pos, n int) error
	SetAnnotations(anns []annotation.Annotation) error
	SetContentType(contentType string) error
}

// Engine is the swappable CRDT implementation.
type Engine interface {
	Name() string
	New(actor string) Doc
	Load(data []byte, actor string) (Doc, error)
	Save(doc Doc) ([]byte, error)
	// Change runs fn against a copy of doc and returns the copy with the encoded
	// changes produced. No changes are produced when fn makes no edits.
	Change(doc Doc, label string, fn func(Mutator) error) (Doc, [][]byte, error)
	ApplyChanges(doc Doc, changes [][]byte) (Doc, Patch, error)
	// AllChanges returns every applied change in an order that respects causality.
	AllChanges(doc Doc) ([][]byte, error)
	DecodeChange(raw []byte) (Change, error)
}

// ActorID derives the stable actor identity of a notebook from its app and workspace.
func ActorID(app, workspace string) string {
	return checksum.Short(16, app, workspace)
}
