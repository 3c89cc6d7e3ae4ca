// Package amdoc adapts automerge-go to the crdt.Engine interface. The page is
// stored as a root map: "content" text, "annotations" list of maps with counter
// bounds, and a "contentType" string.
package amdoc

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
	"github.com/starford/pagelink/internal/annotation"
	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/crdt"
)

const (
	keyContent     = "content"
	keyAnnotations = "annotations"
	keyContentType = "contentType"
)

// Doc wraps an automerge document.
type Doc struct {
	am     *automerge.Doc
	frozen bool
}

var _ crdt.Doc = (*Doc)(nil)

func (d *Doc) ActorID() string { return d.am.ActorID() }

func (d *Doc) Frozen() bool { return d.frozen }

func (d *Doc) Heads() []string {
	heads := d.am.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

func (d *Doc) Clock() crdt.Clock {
	clock := make(crdt.Clock)
	changes, err := d.am.Changes()
	if err != nil {
		return clock
	}
	for _, c := range changes {
		if seq := c.ActorSeq(); seq > clock[c.ActorID()] {
			clock[c.ActorID()] = seq
		}
	}
	return clock
}

func (d *Doc) State() crdt.State {
	st := crdt.State{ContentType: crdt.ContentType, Annotations: []annotation.Annotation{}}
	if text, err := d.am.Path(keyContent).Text().Get(); err == nil {
		st.Content = text
	}
	if v, err := d.am.Path(keyContentType).Get(); err == nil {
		if s, ok := v.Interface().(string); ok {
			st.ContentType = s
		}
	}
	anns, err := readAnnotations(d.am)
	if err == nil {
		for _, a := range anns {
			if !a.Collapsed() {
				st.Annotations = append(st.Annotations, a.Annotation)
			}
		}
	}
	annotation.Sort(st.Annotations)
	return st
}

type storedAnnotation struct {
	annotation.Annotation
	index int
	plain bool
}

type attrs struct {
	Attributes    map[string]string            `json:"attributes,omitempty"`
	AppAttributes map[string]map[string]string `json:"appAttributes,omitempty"`
}

func readAnnotations(am *automerge.Doc) ([]storedAnnotation, error) {
	list := am.Path(keyAnnotations).List()
	n := list.Len()
	out := make([]storedAnnotation, 0, n)
	for i := 0; i < n; i++ {
		a := storedAnnotation{index: i}
		v, err := am.Path(keyAnnotations, i, "type").Get()
		if err != nil {
			return nil, fmt.Errorf("amdoc: annotation %d: %w", i, err)
		}
		a.Type, _ = v.Interface().(string)
		var plainStart, plainEnd bool
		if a.Start, plainStart, err = bound(am, i, "start"); err != nil {
			return nil, err
		}
		if a.End, plainEnd, err = bound(am, i, "end"); err != nil {
			return nil, err
		}
		a.plain = plainStart || plainEnd
		if v, err := am.Path(keyAnnotations, i, "attrs").Get(); err == nil {
			if raw, ok := v.Interface().(string); ok && raw != "" {
				var at attrs
				if err := json.Unmarshal([]byte(raw), &at); err == nil {
					a.Attributes, a.AppAttributes = at.Attributes, at.AppAttributes
				}
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// bound reads a counter bound, falling back to the plain integers legacy
// documents store.
func bound(am *automerge.Doc, i int, key string) (int64, bool, error) {
	v, err := am.Path(keyAnnotations, i, key).Get()
	if err != nil {
		return 0, false, fmt.Errorf("amdoc: annotation %d %s: %w", i, key, err)
	}
	switch x := v.Interface().(type) {
	case int64:
		return x, true, nil
	case uint64:
		return int64(x), true, nil
	case float64:
		return int64(x), true, nil
	}
	n, err := am.Path(keyAnnotations, i, key).Counter().Get()
	if err != nil {
		return 0, false, fmt.Errorf("amdoc: annotation %d %s: %w", i, key, err)
	}
	return n, false, nil
}

func appendAnnotation(am *automerge.Doc, a annotation.Annotation) error {
	encoded, err := json.Marshal(attrs{Attributes: a.Attributes, AppAttributes: a.AppAttributes})
	if err != nil {
		return err
	}
	return am.Path(keyAnnotations).List().Append(map[string]any{
		"type":  a.Type,
		"start": automerge.NewCounter(a.Start),
		"end":   automerge.NewCounter(a.End),
		"attrs": string(encoded),
	})
}

// Engine implements crdt.Engine on automerge.
type Engine struct{}

var _ crdt.Engine = Engine{}

func New() Engine { return Engine{} }

func (Engine) Name() string { return "automerge" }

func (Engine) New(actor string) crdt.Doc {
	am := automerge.New()
	if err := am.SetActorID(actor); err != nil {
		panic(fmt.Sprintf("amdoc: actor %q: %v", actor, err))
	}
	_ = am.Path(keyContent).Set(automerge.NewText(""))
	_ = am.Path(keyAnnotations).Set([]any{})
	_ = am.Path(keyContentType).Set(crdt.ContentType)
	if _, err := am.Commit("init", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		panic(fmt.Sprintf("amdoc: init: %v", err))
	}
	return &Doc{am: am}
}

func (Engine) doc(doc crdt.Doc) (*Doc, error) {
	d, ok := doc.(*Doc)
	if !ok || d == nil {
		return nil, fmt.Errorf("amdoc: foreign document %T: %w", doc, apperr.ErrInvalidInput)
	}
	return d, nil
}

func (e Engine) fork(d *Doc) (*automerge.Doc, error) {
	am, err := d.am.Fork()
	if err != nil {
		return nil, fmt.Errorf("amdoc: fork: %w", err)
	}
	if err := am.SetActorID(d.am.ActorID()); err != nil {
		return nil, fmt.Errorf("amdoc: fork: %w", err)
	}
	return am, nil
}

func (e Engine) Load(data []byte, actor string) (crdt.Doc, error) {
	am, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("amdoc: load: %v: %w", err, apperr.ErrInvalidInput)
	}
	if err := am.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("amdoc: load: %w", err)
	}
	d := &Doc{am: am}
	if d.State().ContentType == crdt.LegacyContentType {
		if err := migrate(am); err != nil {
			return nil, fmt.Errorf("amdoc: load: %w", err)
		}
	}
	return d, nil
}

// migrate rewrites plain annotation bounds as counters.
func migrate(am *automerge.Doc) error {
	anns, err := readAnnotations(am)
	if err != nil {
		return err
	}
	for i := len(anns) - 1; i >= 0; i-- {
		if !anns[i].plain {
			continue
		}
		if err := am.Path(keyAnnotations).List().Delete(anns[i].index); err != nil {
			return err
		}
	}
	for _, a := range anns {
		if a.plain {
			if err := appendAnnotation(am, a.Annotation); err != nil {
				return err
			}
		}
	}
	if err := am.Path(keyContentType).Set(crdt.ContentType); err != nil {
		return err
	}
	_, err = am.Commit("migrate annotations to counters", automerge.CommitOptions{})
	return err
}

func (e Engine) Save(doc crdt.Doc) ([]byte, error) {
	d, err := e.doc(doc)
	if err != nil {
		return nil, err
	}
	return d.am.Save(), nil
}

func (e Engine) Change(doc crdt.Doc, label string, fn func(crdt.Mutator) error) (crdt.Doc, [][]byte, error) {
	base, err := e.doc(doc)
	if err != nil {
		return nil, nil, err
	}
	am, err := e.fork(base)
	if err != nil {
		return nil, nil, err
	}
	m := &mutator{am: am}
	if err := fn(m); err != nil {
		return nil, nil, err
	}
	if m.edits == 0 {
		return base, nil, nil
	}
	if _, err := am.Commit(label, automerge.CommitOptions{}); err != nil {
		return nil, nil, fmt.Errorf("amdoc: commit: %w", err)
	}
	changes, err := am.Changes(base.am.Heads()...)
	if err != nil {
		return nil, nil, fmt.Errorf("amdoc: changes: %w", err)
	}
	out := make([][]byte, len(changes))
	for i, c := range changes {
		out[i] = c.Save()
	}
	return &Doc{am: am}, out, nil
}

func (e Engine) ApplyChanges(doc crdt.Doc, changes [][]byte) (crdt.Doc, crdt.Patch, error) {
	base, err := e.doc(doc)
	if err != nil {
		return nil, crdt.Patch{}, err
	}
	am, err := e.fork(base)
	if err != nil {
		return nil, crdt.Patch{}, err
	}
	before := known(base.am)
	want := make(map[string]string)
	rejected := false
	for _, raw := range changes {
		loaded, err := automerge.LoadChanges(raw)
		if err != nil {
			return nil, crdt.Patch{}, fmt.Errorf("amdoc: apply: %v: %w", err, apperr.ErrInvalidInput)
		}
		for _, c := range loaded {
			want[c.Hash().String()] = c.ActorID()
		}
		if err := am.Apply(loaded...); err != nil {
			rejected = true
		}
	}
	after := known(am)
	out := &Doc{am: am, frozen: base.frozen}
	pending := rejected
	for hash, actor := range want {
		if _, ok := after[hash]; !ok {
			pending = true
			continue
		}
		if _, ok := before[hash]; !ok && actor != am.ActorID() {
			out.frozen = true
		}
	}
	return out, crdt.Patch{
		PendingChanges: pending,
		Clock:          out.Clock(),
		ContentChanged: !base.State().Equal(out.State()),
	}, nil
}

func known(am *automerge.Doc) map[string]struct{} {
	out := make(map[string]struct{})
	changes, err := am.Changes()
	if err != nil {
		return out
	}
	for _, c := range changes {
		out[c.Hash().String()] = struct{}{}
	}
	return out
}

func (e Engine) AllChanges(doc crdt.Doc) ([][]byte, error) {
	d, err := e.doc(doc)
	if err != nil {
		return nil, err
	}
	changes, err := d.am.Changes()
	if err != nil {
		return nil, fmt.Errorf("amdoc: changes: %w", err)
	}
	out := make([][]byte, len(changes))
	for i, c := range changes {
		out[i] = c.Save()
	}
	return out, nil
}

func (e Engine) DecodeChange(raw []byte) (crdt.Change, error) {
	loaded, err := automerge.LoadChanges(raw)
	if err != nil || len(loaded) != 1 {
		return crdt.Change{}, fmt.Errorf("amdoc: decode change: %w", apperr.ErrInvalidInput)
	}
	c := loaded[0]
	deps := c.Dependencies()
	out := crdt.Change{
		Actor: c.ActorID(),
		Seq:   c.ActorSeq(),
		Hash:  c.Hash().String(),
		Deps:  make([]string, len(deps)),
	}
	for i, h := range deps {
		out.Deps[i] = h.String()
	}
	return out, nil
}

type mutator struct {
	am    *automerge.Doc
	edits int
}

func (m *mutator) shift(fn func(annotation.Annotation) annotation.Shift) error {
	anns, err := readAnnotations(m.am)
	if err != nil {
		return err
	}
	for i := len(anns) - 1; i >= 0; i-- {
		a := anns[i]
		if a.Collapsed() {
			continue
		}
		s := fn(a.Annotation)
		if s.Zero() {
			continue
		}
		m.edits++
		if a.Apply(s).Collapsed() {
			if err := m.am.Path(keyAnnotations).List().Delete(a.index); err != nil {
				return err
			}
			continue
		}
		if s.StartDelta != 0 {
			if err := m.am.Path(keyAnnotations, a.index, "start").Counter().Inc(s.StartDelta); err != nil {
				return err
			}
		}
		if s.EndDelta != 0 {
			if err := m.am.Path(keyAnnotations, a.index, "end").Counter().Inc(s.EndDelta); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *mutator) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	t := m.am.Path(keyContent).Text()
	if pos < 0 || pos > t.Len() {
		return fmt.Errorf("amdoc: insert at %d of %d: %w", pos, t.Len(), apperr.ErrInvalidInput)
	}
	n := int64(len([]rune(text)))
	if err := m.shift(func(a annotation.Annotation) annotation.Shift {
		return annotation.InsertShift(a, int64(pos), n)
	}); err != nil {
		return err
	}
	m.edits++
	return t.Insert(pos, text)
}

func (m *mutator) Delete(pos, n int) error {
	if n == 0 {
		return nil
	}
	t := m.am.Path(keyContent).Text()
	if pos < 0 || n < 0 || pos+n > t.Len() {
		return fmt.Errorf("amdoc: delete [%d,%d) of %d: %w", pos, pos+n, t.Len(), apperr.ErrInvalidInput)
	}
	if err := m.shift(func(a annotation.Annotation) annotation.Shift {
		return annotation.DeleteShift(a, int64(pos), int64(n))
	}); err != nil {
		return err
	}
	m.edits++
	return t.Delete(pos, n)
}

func (m *mutator) SetAnnotations(anns []annotation.Annotation) error {
	for _, a := range anns {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	stored, err := readAnnotations(m.am)
	if err != nil {
		return err
	}
	live := make([]storedAnnotation, 0, len(stored))
	for _, a := range stored {
		if !a.Collapsed() {
			live = append(live, a)
		}
	}
	current := make([]annotation.Annotation, len(live))
	for i, a := range live {
		current[i] = a.Annotation
	}
	removed, added := annotation.Reconcile(current, anns)
	for i := len(removed) - 1; i >= 0; i-- {
		m.edits++
		if err := m.am.Path(keyAnnotations).List().Delete(live[removed[i]].index); err != nil {
			return err
		}
	}
	for _, a := range added {
		m.edits++
		if err := appendAnnotation(m.am, a); err != nil {
			return err
		}
	}
	return nil
}

func (m *mutator) SetContentType(contentType string) error {
	if contentType == "" {
		return fmt.Errorf("amdoc: empty content type: %w", apperr.ErrInvalidInput)
	}
	m.edits++
	return m.am.Path(keyContentType).Set(contentType)
}
