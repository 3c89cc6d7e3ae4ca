package parser

import (
	"slices"
	"testing"
)

func TestParse_FrontmatterAndBody(t *testing.T) {
	r, err := Parse([]byte("---\ntitle: Hello\ntags:\n  - go\n  - sync\nstatus: draft\n---\n# Other\nBody text.\n"))
	if err != nil {
		t.Fatal(err)
	}
	if r.Frontmatter == nil {
		t.Fatal("expected frontmatter")
	}
	if r.Title != "Hello" {
		t.Errorf("title = %q, want Hello", r.Title)
	}
	if !slices.Equal(r.Tags, []string{"go", "sync"}) {
		t.Errorf("tags = %v", r.Tags)
	}
	if r.Frontmatter.Extra["status"] != "draft" {
		t.Errorf("extra status = %v", r.Frontmatter.Extra["status"])
	}
	if r.Body != "# Other\nBody text.\n" {
		t.Errorf("body = %q", r.Body)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	in := "# Just a heading\nSome text.\n"
	r, err := Parse([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %+v", r.Frontmatter)
	}
	if r.Title != "Just a heading" {
		t.Errorf("title = %q", r.Title)
	}
	if r.Body != in {
		t.Errorf("body = %q", r.Body)
	}
}

func TestParse_UnclosedFenceIsBody(t *testing.T) {
	in := "---\ntitle: Open\nno closing fence\n"
	r, err := Parse([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if r.Frontmatter != nil {
		t.Error("expected nil frontmatter")
	}
	if r.Body != in {
		t.Errorf("body = %q", r.Body)
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	in := "---\n: invalid: yaml: {{{\n---\nBody\n"
	r, err := Parse([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if r.Frontmatter != nil {
		t.Error("expected nil frontmatter for invalid YAML")
	}
	if r.Body != in {
		t.Errorf("body = %q, want whole input", r.Body)
	}
}

func TestParse_TagsAsString(t *testing.T) {
	r, err := Parse([]byte("---\ntags: \"alpha, #beta ,\"\n---\ntext #gamma and #alpha\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"alpha", "beta", "gamma"}; !slices.Equal(r.Tags, want) {
		t.Errorf("tags = %v, want %v", r.Tags, want)
	}
}

func TestParse_Links(t *testing.T) {
	r, err := Parse([]byte("See [[Note A]] and [[Note B|alias]].\nAlso [[Note A]] again, not [[ ]] or [[|x]]."))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"Note A", "Note B"}; !slices.Equal(r.Links, want) {
		t.Errorf("links = %v, want %v", r.Links, want)
	}
}

func TestParse_TitlePrecedence(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"frontmatter wins": {"---\ntitle: FM Title\n---\n# H1 Title\n", "FM Title"},
		"empty fm title":   {"---\ntitle: \"\"\n---\n# H1 Title\n", "H1 Title"},
		"first h1":         {"some text\n# My Heading  \r\n# Later\n", "My Heading"},
		"h2 ignored":       {"## Sub\n#tag\n", ""},
		"none":             {"plain", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r, err := Parse([]byte(tc.in))
			if err != nil {
				t.Fatal(err)
			}
			if r.Title != tc.want {
				t.Errorf("title = %q, want %q", r.Title, tc.want)
			}
		})
	}
}

func TestAnnotate_RuneOffsets(t *testing.T) {
	got := Annotate("é [[Page|alias]] #todo")
	if len(got) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(got))
	}

	ref, tag := got[0], got[1]
	if ref.Type != TypeReference || ref.Start != 2 || ref.End != 16 {
		t.Errorf("reference = %s [%d,%d), want reference [2,16)", ref.Type, ref.Start, ref.End)
	}
	if ref.Attributes["target"] != "Page" {
		t.Errorf("target = %q", ref.Attributes["target"])
	}
	if tag.Type != TypeTag || tag.Start != 17 || tag.End != 22 {
		t.Errorf("tag = %s [%d,%d), want tag [17,22)", tag.Type, tag.Start, tag.End)
	}
	if tag.Attributes["tag"] != "todo" {
		t.Errorf("tag attr = %q", tag.Attributes["tag"])
	}

	for _, a := range got {
		if err := a.Validate(); err != nil {
			t.Errorf("validate %s: %v", a.Type, err)
		}
	}
}

func TestAnnotate_OrderedByStart(t *testing.T) {
	got := Annotate("#first then [[Mid]] then #last")
	if len(got) != 3 {
		t.Fatalf("expected 3 annotations, got %d", len(got))
	}
	types := []string{got[0].Type, got[1].Type, got[2].Type}
	if want := []string{TypeTag, TypeReference, TypeTag}; !slices.Equal(types, want) {
		t.Errorf("types = %v, want %v", types, want)
	}
	if !(got[0].Start < got[1].Start && got[1].Start < got[2].Start) {
		t.Errorf("not ordered by start: %d %d %d", got[0].Start, got[1].Start, got[2].Start)
	}
}

func TestAnnotate_SkipsEmptyLinks(t *testing.T) {
	if got := Annotate("[[ ]] plain text"); len(got) != 0 {
		t.Errorf("expected no annotations, got %v", got)
	}
}

func TestParse_AnnotationsIncludeFrontmatterOffset(t *testing.T) {
	r, err := Parse([]byte("---\ntitle: T\n---\nsee [[Other]]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Annotations) != 1 {
		t.Fatalf("expected 1 annotation, got %d", len(r.Annotations))
	}
	if want := int64(len("---\ntitle: T\n---\nsee ")); r.Annotations[0].Start != want {
		t.Errorf("start = %d, want %d", r.Annotations[0].Start, want)
	}
}
