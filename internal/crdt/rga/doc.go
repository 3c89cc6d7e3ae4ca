package rga

import (
	"fmt"
	"sort"
	"strings"

	"github.com/starford/pagelink/internal/annotation"
	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/crdt"
)

type elem struct {
	id      opID
	r       rune
	deleted bool
}

type ann struct {
	id      opID
	body    annBody
	start   int64
	end     int64
	plain   bool
	removed bool
	// setID is the op that last set plain bounds; the greatest id wins.
	setID opID
}

func (a *ann) value() annotation.Annotation {
	return annotation.Annotation{
		Type:          a.body.Type,
		Start:         a.start,
		End:           a.end,
		Attributes:    a.body.Attributes,
		AppAttributes: a.body.AppAttributes,
	}
}

type entry struct {
	raw  []byte
	hash string
	ch   *change
}

// Doc is an RGA replica. Values handed out by the engine are never mutated;
// every mutation works on a clone.
type Doc struct {
	actor       string
	elems       []elem
	anns        map[opID]*ann
	contentType string
	typeID      opID

	log    []entry
	byHash map[string]int
	clock  crdt.Clock
	heads  map[string]struct{}
	maxOp  uint64
	queue  map[string]entry
	frozen bool
}

var _ crdt.Doc = (*Doc)(nil)

func newDoc(actor string) *Doc {
	return &Doc{
		actor:       actor,
		contentType: crdt.ContentType,
		anns:        make(map[opID]*ann),
		byHash:      make(map[string]int),
		clock:       make(crdt.Clock),
		heads:       make(map[string]struct{}),
		queue:       make(map[string]entry),
	}
}

func (d *Doc) clone() *Doc {
	c := &Doc{
		actor:       d.actor,
		elems:       append([]elem(nil), d.elems...),
		anns:        make(map[opID]*ann, len(d.anns)),
		contentType: d.contentType,
		typeID:      d.typeID,
		log:         append([]entry(nil), d.log...),
		byHash:      make(map[string]int, len(d.byHash)),
		clock:       d.clock.Clone(),
		heads:       make(map[string]struct{}, len(d.heads)),
		maxOp:       d.maxOp,
		queue:       make(map[string]entry, len(d.queue)),
		frozen:      d.frozen,
	}
	for k, v := range d.anns {
		cp := *v
		c.anns[k] = &cp
	}
	for k, v := range d.byHash {
		c.byHash[k] = v
	}
	for k := range d.heads {
		c.heads[k] = struct{}{}
	}
	for k, v := range d.queue {
		c.queue[k] = v
	}
	return c
}

func (d *Doc) ActorID() string { return d.actor }

func (d *Doc) Frozen() bool { return d.frozen }

func (d *Doc) Clock() crdt.Clock { return d.clock.Clone() }

// Heads returns the hashes of changes nothing else depends on, sorted.
func (d *Doc) Heads() []string {
	out := make([]string, 0, len(d.heads))
	for h := range d.heads {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (d *Doc) State() crdt.State {
	var sb strings.Builder
	for _, e := range d.elems {
		if !e.deleted {
			sb.WriteRune(e.r)
		}
	}
	return crdt.State{
		Content:     sb.String(),
		Annotations: d.visibleAnnotations(),
		ContentType: d.contentType,
	}
}

// liveAnns returns annotations that are not removed and not collapsed, in
// presentation order with op id as the final tie break.
func (d *Doc) liveAnns() []*ann {
	out := make([]*ann, 0, len(d.anns))
	for _, a := range d.anns {
		if a.removed || a.end <= a.start {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.start != b.start {
			return a.start < b.start
		}
		if a.end != b.end {
			return a.end < b.end
		}
		if a.body.Type != b.body.Type {
			return a.body.Type < b.body.Type
		}
		return a.id.less(b.id)
	})
	return out
}

func (d *Doc) visibleAnnotations() []annotation.Annotation {
	live := d.liveAnns()
	out := make([]annotation.Annotation, len(live))
	for i, a := range live {
		out[i] = a.value()
	}
	return out
}

func (d *Doc) visibleLen() int {
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// visibleIndex maps a visible position to its slice index, or -1.
func (d *Doc) visibleIndex(pos int) int {
	seen := 0
	for i, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return -1
}

func (d *Doc) indexOf(id opID) int {
	for i := range d.elems {
		if d.elems[i].id == id {
			return i
		}
	}
	return -1
}

// applyOp integrates a single op whose first id is id.
func (d *Doc) applyOp(o op, id opID) error {
	switch o.Kind {
	case kindInsert:
		idx := -1
		if !o.Ref.isZero() {
			if idx = d.indexOf(o.Ref); idx < 0 {
				return fmt.Errorf("rga: insert after unknown element %v: %w", o.Ref, apperr.ErrCausalGap)
			}
		}
		next := id
		for _, r := range o.Text {
			i := idx + 1
			for i < len(d.elems) && next.less(d.elems[i].id) {
				i++
			}
			d.elems = append(d.elems, elem{})
			copy(d.elems[i+1:], d.elems[i:])
			d.elems[i] = elem{id: next, r: r}
			idx = i
			next.Counter++
		}
	case kindDelete:
		idx := d.indexOf(o.Ref)
		if idx < 0 {
			return fmt.Errorf("rga: delete of unknown element %v: %w", o.Ref, apperr.ErrCausalGap)
		}
		d.elems[idx].deleted = true
	case kindAnnAdd:
		if o.Ann == nil {
			return fmt.Errorf("rga: annotation without body: %w", apperr.ErrInvalidInput)
		}
		d.anns[id] = &ann{id: id, body: *o.Ann, start: o.Start, end: o.End, plain: o.Plain}
	case kindAnnInc, kindAnnSet, kindAnnRemove:
		a, ok := d.anns[o.Ref]
		if !ok {
			return fmt.Errorf("rga: unknown annotation %v: %w", o.Ref, apperr.ErrCausalGap)
		}
		switch o.Kind {
		case kindAnnInc:
			a.start += o.Start
			a.end += o.End
		case kindAnnSet:
			if a.setID.less(id) {
				a.start, a.end = o.Start, o.End
				a.setID = id
			}
		default:
			a.removed = true
		}
	case kindSetType:
		if d.typeID.less(id) {
			d.contentType = o.Text
			d.typeID = id
		}
	default:
		return fmt.Errorf("rga: unknown op kind %d: %w", o.Kind, apperr.ErrInvalidInput)
	}
	return nil
}

// integrate applies every op of c and records it in the log. The caller has
// checked causal readiness.
func (d *Doc) integrate(raw []byte, hash string, c *change) error {
	id := opID{Counter: c.StartOp, Actor: c.Actor}
	for _, o := range c.Ops {
		if err := d.applyOp(o, id); err != nil {
			return err
		}
		id.Counter += o.width()
	}
	d.record(raw, hash, c)
	return nil
}

func (d *Doc) record(raw []byte, hash string, c *change) {
	d.byHash[hash] = len(d.log)
	d.log = append(d.log, entry{raw: raw, hash: hash, ch: c})
	d.clock[c.Actor] = c.Seq
	for _, dep := range c.Deps {
		delete(d.heads, dep)
	}
	d.heads[hash] = struct{}{}
	if last := c.StartOp + c.width() - 1; last > d.maxOp {
		d.maxOp = last
	}
}

type readiness int

const (
	ready readiness = iota
	waiting
	duplicate
	conflicting
)

func (d *Doc) readiness(hash string, c *change) readiness {
	if _, ok := d.byHash[hash]; ok {
		return duplicate
	}
	if c.Seq <= d.clock[c.Actor] {
		return conflicting
	}
	if c.Seq != d.clock[c.Actor]+1 {
		return waiting
	}
	for _, dep := range c.Deps {
		if _, ok := d.byHash[dep]; !ok {
			return waiting
		}
	}
	return ready
}

// drain applies queued changes until none is ready. It reports whether a
// change authored by another actor was applied.
func (d *Doc) drain() (remote bool, err error) {
	for {
		hashes := make([]string, 0, len(d.queue))
		for h := range d.queue {
			hashes = append(hashes, h)
		}
		sort.Strings(hashes)
		progressed := false
		for _, h := range hashes {
			e := d.queue[h]
			switch d.readiness(h, e.ch) {
			case ready:
				delete(d.queue, h)
				if err := d.integrate(e.raw, h, e.ch); err != nil {
					return remote, err
				}
				if e.ch.Actor != d.actor {
					remote = true
				}
				progressed = true
			case duplicate, conflicting:
				delete(d.queue, h)
			}
		}
		if !progressed {
			return remote, nil
		}
	}
}

// sortedLog returns the log in a canonical causal order: Kahn's algorithm
// with ready changes taken in hash order.
func (d *Doc) sortedLog() []entry {
	indegree := make(map[string]int, len(d.log))
	dependents := make(map[string][]string, len(d.log))
	for _, e := range d.log {
		indegree[e.hash] = len(e.ch.Deps)
		for _, dep := range e.ch.Deps {
			dependents[dep] = append(dependents[dep], e.hash)
		}
	}
	var frontier []string
	for h, n := range indegree {
		if n == 0 {
			frontier = append(frontier, h)
		}
	}
	out := make([]entry, 0, len(d.log))
	for len(frontier) > 0 {
		sort.Strings(frontier)
		h := frontier[0]
		frontier = frontier[1:]
		out = append(out, d.log[d.byHash[h]])
		for _, next := range dependents[h] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	return out
}
