package rga

import (
	"sort"

	"github.com/starford/pagelink/internal/checksum"
	"github.com/starford/pagelink/internal/crdt"
)

// migrate upgrades a legacy document: plain annotation bounds are replaced by
// counter bounds and the content type is bumped. The change is authored by an
// actor derived from the current heads, so replicas migrating the same state
// produce byte-identical changes that deduplicate on merge.
func migrate(d *Doc) error {
	heads := d.Heads()
	actor := checksum.Short(16, append([]string{"migrate"}, heads...)...)

	plain := make([]*ann, 0)
	for _, a := range d.anns {
		if a.plain && !a.removed {
			plain = append(plain, a)
		}
	}
	sort.Slice(plain, func(i, j int) bool { return plain[i].id.less(plain[j].id) })

	var ops []op
	for _, a := range plain {
		body := a.body
		ops = append(ops,
			op{Kind: kindAnnRemove, Ref: a.id},
			op{Kind: kindAnnAdd, Start: a.start, End: a.end, Ann: &body},
		)
	}
	ops = append(ops, op{Kind: kindSetType, Text: crdt.ContentType})

	c := &change{
		Actor:   actor,
		Seq:     d.clock[actor] + 1,
		StartOp: d.maxOp + 1,
		Deps:    heads,
		Message: "migrate annotations to counters",
		Ops:     ops,
	}
	raw, hash, err := encodeChange(c)
	if err != nil {
		return err
	}
	return d.integrate(raw, hash, c)
}
