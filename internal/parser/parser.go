// Package parser reads Markdown pages: frontmatter, title, and the wikilinks
// and tags that become annotations on a shared page.
package parser

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/starford/pagelink/internal/annotation"
)

// Annotation types derived from Markdown syntax.
const (
	TypeReference = "reference"
	TypeTag       = "tag"
)

const fence = "---"

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)(#[A-Za-z][A-Za-z0-9_/-]*)`)
	headingRe  = regexp.MustCompile(`(?m)^[ \t]*#[ \t]+(.+?)[ \t\r]*$`)
)

// Frontmatter is the YAML header of a page. Keys other than title and tags
// are kept in Extra.
type Frontmatter struct {
	Title string         `yaml:"title"`
	Tags  TagList        `yaml:"tags"`
	Extra map[string]any `yaml:",inline"`
}

// TagList accepts either a YAML sequence or a comma separated string.
type TagList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *TagList) UnmarshalYAML(n *yaml.Node) error {
	var raw []string
	switch n.Kind {
	case yaml.ScalarNode:
		raw = strings.Split(n.Value, ",")
	case yaml.SequenceNode:
		if err := n.Decode(&raw); err != nil {
			return err
		}
	}
	*l = (*l)[:0]
	for _, t := range raw {
		if t = strings.TrimPrefix(strings.TrimSpace(t), "#"); t != "" {
			*l = append(*l, t)
		}
	}
	return nil
}

// Result holds the output of parsing a Markdown page.
type Result struct {
	// Frontmatter is nil when the page has none or it is not valid YAML.
	Frontmatter *Frontmatter
	Body        string
	Links       []string
	Tags        []string
	Title       string
	// Annotations cover the whole input with rune offsets.
	Annotations []annotation.Annotation
}

// Parse extracts frontmatter, body, wikilinks, tags and annotations from raw
// Markdown bytes.
func Parse(data []byte) (*Result, error) {
	content := string(data)
	fm, body := splitFrontmatter(content)

	res := &Result{
		Frontmatter: fm,
		Body:        body,
		Links:       extractLinks(body),
		Annotations: Annotate(content),
	}
	var fmTags []string
	if fm != nil {
		res.Title = fm.Title
		fmTags = slices.Clone(fm.Tags)
	}
	if res.Title == "" {
		res.Title = firstHeading(body)
	}
	res.Tags = unique(append(fmTags, inlineTags(body)...))
	return res, nil
}

// splitFrontmatter separates a leading YAML block between --- fences from
// the body.
// Pages without a closed fence or with invalid YAML are all body.
func splitFrontmatter(content string) (*Frontmatter, string) {
	head := strings.TrimLeft(content, "\r\n")
	rest, ok := strings.CutPrefix(head, fence)
	if !ok {
		return nil, content
	}
	block, after, ok := strings.Cut(rest, "\n"+fence)
	if !ok {
		return nil, content
	}
	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return nil, content
	}
	return &fm, strings.TrimLeft(after, "\r\n")
}

// linkTarget normalizes [[Target|Alias]] to Target.
func linkTarget(raw string) string {
	target, _, _ := strings.Cut(raw, "|")
	return strings.TrimSpace(target)
}

func extractLinks(body string) []string {
	var out []string
	for _, m := range wikilinkRe.FindAllStringSubmatch(body, -1) {
		if t := linkTarget(m[1]); t != "" {
			out = append(out, t)
		}
	}
	return unique(out)
}

func inlineTags(body string) []string {
	var out []string
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1][1:])
	}
	return out
}

func firstHeading(body string) string {
	if m := headingRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// unique drops repeats, keeping first occurrences in order.
func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Annotate marks every wikilink and tag in content. Offsets count runes,
// matching document positions. The result is ordered by start.
func Annotate(content string) []annotation.Annotation {
	var out []annotation.Annotation
	for _, loc := range wikilinkRe.FindAllStringSubmatchIndex(content, -1) {
		target := linkTarget(content[loc[2]:loc[3]])
		if target == "" {
			continue
		}
		out = append(out, span(content, TypeReference, loc[0], loc[1], "target", target))
	}
	for _, loc := range tagRe.FindAllStringSubmatchIndex(content, -1) {
		out = append(out, span(content, TypeTag, loc[2], loc[3], "tag", content[loc[2]+1:loc[3]]))
	}
	slices.SortStableFunc(out, func(a, b annotation.Annotation) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.Type, b.Type))
	})
	return out
}

// span builds an annotation over the byte range [from, to) of content.
func span(content, typ string, from, to int, key, value string) annotation.Annotation {
	return annotation.Annotation{
		Type:       typ,
		Start:      int64(utf8.RuneCountInString(content[:from])),
		End:        int64(utf8.RuneCountInString(content[:to])),
		Attributes: map[string]string{key: value},
	}
}
