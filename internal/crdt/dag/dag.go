// Package dag renders the causal history of a replica with graphviz.
package dag

import (
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
	"github.com/starford/pagelink/internal/crdt"
)

// Render draws one node per change and one edge per dependency, in the given
// format (graphviz.SVG, graphviz.XDOT, ...).
func Render(e crdt.Engine, doc crdt.Doc, format graphviz.Format, w io.Writer) error {
	raws, err := e.AllChanges(doc)
	if err != nil {
		return fmt.Errorf("dag: changes: %w", err)
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("dag: setup graph: %w", err)
	}
	defer graph.Close()

	nodes := make(map[string]*cgraph.Node, len(raws))
	edges := 0
	for _, raw := range raws {
		c, err := e.DecodeChange(raw)
		if err != nil {
			return fmt.Errorf("dag: %w", err)
		}
		n, err := graph.CreateNode(c.Hash)
		if err != nil {
			return fmt.Errorf("dag: create node: %w", err)
		}
		n.SetLabel(label(c))
		nodes[c.Hash] = n

		for _, dep := range c.Deps {
			parent, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("dag: create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("dag: render: %w", err)
	}
	return nil
}

func label(c crdt.Change) string {
	actor := c.Actor
	if len(actor) > 8 {
		actor = actor[:8]
	}
	l := fmt.Sprintf("%s %s@%d", c.Hash[:8], actor, c.Seq)
	if c.Message != "" {
		l += " " + c.Message
	}
	return l
}
