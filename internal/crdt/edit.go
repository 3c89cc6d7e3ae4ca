package crdt

import (
	"fmt"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Edit drives m from the current state to the desired one: a character diff
// of the content becomes inserts and deletes, then annotations and content
// type are replaced wholesale.
func Edit(m Mutator, current, desired State) error {
	if current.Content != desired.Content {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(current.Content, desired.Content, false)
		pos := 0
		for _, d := range diffs {
			n := utf8.RuneCountInString(d.Text)
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				pos += n
			case diffmatchpatch.DiffInsert:
				if err := m.Insert(pos, d.Text); err != nil {
					return fmt.Errorf("crdt: edit: %w", err)
				}
				pos += n
			case diffmatchpatch.DiffDelete:
				if err := m.Delete(pos, n); err != nil {
					return fmt.Errorf("crdt: edit: %w", err)
				}
			}
		}
	}
	if err := m.SetAnnotations(desired.Annotations); err != nil {
		return fmt.Errorf("crdt: edit: %w", err)
	}
	if desired.ContentType != "" && desired.ContentType != current.ContentType {
		if err := m.SetContentType(desired.ContentType); err != nil {
			return fmt.Errorf("crdt: edit: %w", err)
		}
	}
	return nil
}

// ApplyState records the edits turning doc into desired as one local change.
func ApplyState(e Engine, doc Doc, label string, desired State) (Doc, [][]byte, error) {
	return e.Change(doc, label, func(m Mutator) error {
		return Edit(m, doc.State(), desired)
	})
}
