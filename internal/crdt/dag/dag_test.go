package dag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-graphviz"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/crdt/rga"
)

func TestRenderSVG(t *testing.T) {
	e := rga.New()
	d, _, err := e.Change(e.New("aaaa"), "first", func(m crdt.Mutator) error { return m.Insert(0, "a") })
	if err != nil {
		t.Fatal(err)
	}
	d, _, err = e.Change(d, "second", func(m crdt.Mutator) error { return m.Insert(1, "b") })
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Render(e, d, graphviz.SVG, &buf); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "<svg") {
		t.Fatalf("expected svg output, got %q", out)
	}
	if !strings.Contains(out, "aaaa@2 second") {
		t.Errorf("missing label for second change")
	}
}
