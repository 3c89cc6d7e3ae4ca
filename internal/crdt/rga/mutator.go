package rga

import (
	"fmt"
	"unicode/utf8"

	"github.com/starford/pagelink/internal/annotation"
	"github.com/starford/pagelink/internal/apperr"
)

// mutator records ops while applying them to the working copy, so later
// calls inside the same change see earlier edits.
type mutator struct {
	doc  *Doc
	next uint64
	ops  []op
}

func (m *mutator) emit(o op) error {
	id := opID{Counter: m.next, Actor: m.doc.actor}
	if err := m.doc.applyOp(o, id); err != nil {
		return err
	}
	m.next += o.width()
	m.ops = append(m.ops, o)
	return nil
}

// shiftAnnotations emits increments for every live annotation affected by an
// edit. shift returns the delta for one annotation.
func (m *mutator) shiftAnnotations(shift func(annotation.Annotation) annotation.Shift) error {
	for _, a := range m.doc.liveAnns() {
		s := shift(a.value())
		if s.Zero() {
			continue
		}
		next := a.value().Apply(s)
		var o op
		switch {
		case next.Collapsed():
			o = op{Kind: kindAnnRemove, Ref: a.id}
		case a.plain:
			o = op{Kind: kindAnnSet, Ref: a.id, Start: next.Start, End: next.End}
		default:
			o = op{Kind: kindAnnInc, Ref: a.id, Start: s.StartDelta, End: s.EndDelta}
		}
		if err := m.emit(o); err != nil {
			return err
		}
	}
	return nil
}

func (m *mutator) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("rga: insert: invalid utf-8: %w", apperr.ErrInvalidInput)
	}
	if pos < 0 || pos > m.doc.visibleLen() {
		return fmt.Errorf("rga: insert at %d of %d: %w", pos, m.doc.visibleLen(), apperr.ErrInvalidInput)
	}
	var parent opID
	if pos > 0 {
		parent = m.doc.elems[m.doc.visibleIndex(pos-1)].id
	}
	n := int64(utf8.RuneCountInString(text))
	if err := m.shiftAnnotations(func(a annotation.Annotation) annotation.Shift {
		return annotation.InsertShift(a, int64(pos), n)
	}); err != nil {
		return err
	}
	return m.emit(op{Kind: kindInsert, Ref: parent, Text: text})
}

func (m *mutator) Delete(pos, n int) error {
	if n == 0 {
		return nil
	}
	if pos < 0 || n < 0 || pos+n > m.doc.visibleLen() {
		return fmt.Errorf("rga: delete [%d,%d) of %d: %w", pos, pos+n, m.doc.visibleLen(), apperr.ErrInvalidInput)
	}
	targets := make([]opID, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, m.doc.elems[m.doc.visibleIndex(pos+i)].id)
	}
	if err := m.shiftAnnotations(func(a annotation.Annotation) annotation.Shift {
		return annotation.DeleteShift(a, int64(pos), int64(n))
	}); err != nil {
		return err
	}
	for _, id := range targets {
		if err := m.emit(op{Kind: kindDelete, Ref: id}); err != nil {
			return err
		}
	}
	return nil
}

func (m *mutator) SetAnnotations(anns []annotation.Annotation) error {
	for _, a := range anns {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	live := m.doc.liveAnns()
	current := make([]annotation.Annotation, len(live))
	for i, a := range live {
		current[i] = a.value()
	}
	removed, added := annotation.Reconcile(current, anns)
	for _, i := range removed {
		if err := m.emit(op{Kind: kindAnnRemove, Ref: live[i].id}); err != nil {
			return err
		}
	}
	for _, a := range added {
		body := annBody{Type: a.Type, Attributes: a.Attributes, AppAttributes: a.AppAttributes}
		if err := m.emit(op{Kind: kindAnnAdd, Start: a.Start, End: a.End, Ann: &body}); err != nil {
			return err
		}
	}
	return nil
}

func (m *mutator) SetContentType(contentType string) error {
	if contentType == "" {
		return fmt.Errorf("rga: empty content type: %w", apperr.ErrInvalidInput)
	}
	if contentType == m.doc.contentType {
		return nil
	}
	return m.emit(op{Kind: kindSetType, Text: contentType})
}
