// Package annotation models range annotations over page text. Bounds are rune
// offsets. The shift functions are pure so replicas can turn a local edit into
// counter deltas that commute with concurrent edits elsewhere in the text.
package annotation

import (
	"fmt"
	"maps"
	"sort"

	"github.com/starford/pagelink/internal/apperr"
)

// Annotation is a typed range [Start, End) over page content.
type Annotation struct {
	Type          string                       `json:"type" msgpack:"type"`
	Start         int64                        `json:"start" msgpack:"start"`
	End           int64                        `json:"end" msgpack:"end"`
	Attributes    map[string]string            `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
	AppAttributes map[string]map[string]string `json:"appAttributes,omitempty" msgpack:"appAttributes,omitempty"`
}

// Validate enforces End > Start >= 0 and a non-empty type.
func (a Annotation) Validate() error {
	if a.Type == "" {
		return fmt.Errorf("annotation: empty type: %w", apperr.ErrInvalidInput)
	}
	if a.Start < 0 || a.End <= a.Start {
		return fmt.Errorf("annotation: %s [%d,%d): end must exceed start: %w", a.Type, a.Start, a.End, apperr.ErrInvalidInput)
	}
	return nil
}

// Equal reports whether a and b describe the same range with the same attributes.
func (a Annotation) Equal(b Annotation) bool {
	if a.Type != b.Type || a.Start != b.Start || a.End != b.End {
		return false
	}
	if !maps.Equal(a.Attributes, b.Attributes) || len(a.AppAttributes) != len(b.AppAttributes) {
		return false
	}
	for app, attrs := range a.AppAttributes {
		other, ok := b.AppAttributes[app]
		if !ok || !maps.Equal(attrs, other) {
			return false
		}
	}
	return true
}

// Shift is the change to an annotation's bounds caused by one edit.
type Shift struct {
	StartDelta int64
	EndDelta   int64
}

// Zero reports whether the shift leaves the bounds untouched.
func (s Shift) Zero() bool { return s.StartDelta == 0 && s.EndDelta == 0 }

// Apply returns a copy of a with s applied.
func (a Annotation) Apply(s Shift) Annotation {
	a.Start += s.StartDelta
	a.End += s.EndDelta
	return a
}

// Collapsed reports whether the bounds no longer describe a non-empty range.
func (a Annotation) Collapsed() bool { return a.End <= a.Start }

// InsertShift computes the shift for n runes inserted at pos. Text inserted at
// the start boundary lands before the annotation; text inserted at the end
// boundary lands after it.
func InsertShift(a Annotation, pos, n int64) Shift {
	var s Shift
	if n <= 0 {
		return s
	}
	if pos <= a.Start {
		s.StartDelta = n
	}
	if pos < a.End {
		s.EndDelta = n
	}
	return s
}

// DeleteShift computes the shift for n runes removed starting at pos.
func DeleteShift(a Annotation, pos, n int64) Shift {
	return Shift{
		StartDelta: -removedBefore(a.Start, pos, n),
		EndDelta:   -removedBefore(a.End, pos, n),
	}
}

// removedBefore counts deleted offsets in [pos, pos+n) lying below bound.
func removedBefore(bound, pos, n int64) int64 {
	d := bound - pos
	if d <= 0 {
		return 0
	}
	if d > n {
		return n
	}
	return d
}

// Sort orders annotations by start, end, then type.
func Sort(anns []Annotation) {
	sort.SliceStable(anns, func(i, j int) bool {
		if anns[i].Start != anns[j].Start {
			return anns[i].Start < anns[j].Start
		}
		if anns[i].End != anns[j].End {
			return anns[i].End < anns[j].End
		}
		return anns[i].Type < anns[j].Type
	})
}

// Reconcile compares current with desired as multisets. It returns the indexes
// of current that have no counterpart in desired and the desired entries that
// have no counterpart in current.
func Reconcile(current, desired []Annotation) (removed []int, added []Annotation) {
	used := make([]bool, len(current))
	for _, d := range desired {
		found := false
		for i, c := range current {
			if !used[i] && c.Equal(d) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			added = append(added, d)
		}
	}
	for i, u := range used {
		if !u {
			removed = append(removed, i)
		}
	}
	return removed, added
}
