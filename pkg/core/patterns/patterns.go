// Package patterns holds the compiled regex catalogue used by the rule pass
// of log analysis. The registry is built once at process start and is
// read-only afterwards.
package patterns

import (
	"regexp"
	"sort"
	"sync"

	"pipeline-copilot/pkg/domain"
)

// Pattern is one compiled rule. Patterns are ordered within a category;
// earlier patterns win when two match overlapping text.
type Pattern struct {
	Name string
	// Category assigned to errors this pattern produces.
	Category domain.Category
	// TemplateFamily hints which patch template can remediate the error.
	TemplateFamily string
	expr           *regexp.Regexp
}

// Expr exposes the compiled expression for slot re-extraction.
func (p *Pattern) Expr() *regexp.Regexp { return p.expr }

// Match is one rule hit: the span in the input, the matched text, and the
// captured groups.
type Match struct {
	Pattern  *Pattern
	Category domain.Category
	// Start and End are byte offsets into the scanned text.
	Start int
	End   int
	Text  string
	// Groups holds positional captures (1..n); Named holds named captures.
	Groups []string
	Named  map[string]string
}

// Registry is the process-wide pattern catalogue.
type Registry struct {
	byCategory map[domain.Category][]*Pattern
	// category iteration order, fixed at construction
	order []domain.Category
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the shared registry with the builtin catalogue. It is
// created on first use and never mutated afterwards.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(builtinCatalogue())
	})
	return defaultRegistry
}

// NewRegistry compiles a catalogue into a registry. Specs with invalid
// expressions panic: the catalogue is static data and a bad entry is a
// programming error.
func NewRegistry(specs []Spec) *Registry {
	r := &Registry{byCategory: make(map[domain.Category][]*Pattern)}
	for _, spec := range specs {
		p := &Pattern{
			Name:           spec.Name,
			Category:       spec.Category,
			TemplateFamily: spec.TemplateFamily,
			expr:           regexp.MustCompile(spec.Expr),
		}
		if _, seen := r.byCategory[p.Category]; !seen {
			r.order = append(r.order, p.Category)
		}
		r.byCategory[p.Category] = append(r.byCategory[p.Category], p)
	}
	return r
}

// Spec is the source form of a pattern before compilation.
type Spec struct {
	Name           string
	Category       domain.Category
	TemplateFamily string
	Expr           string
}

// Categories lists the categories with at least one pattern, in catalogue
// order.
func (r *Registry) Categories() []domain.Category {
	out := make([]domain.Category, len(r.order))
	copy(out, r.order)
	return out
}

// PatternCount reports the total number of compiled patterns.
func (r *Registry) PatternCount() int {
	n := 0
	for _, ps := range r.byCategory {
		n += len(ps)
	}
	return n
}

// Match scans text with every pattern. Within a category, a span claimed by
// an earlier pattern suppresses later patterns' overlapping hits. Results
// are ordered by position in the text.
func (r *Registry) Match(text string) []Match {
	if text == "" {
		return nil
	}

	var out []Match
	for _, cat := range r.order {
		var claimed [][2]int
		for _, p := range r.byCategory[cat] {
			for _, idx := range p.expr.FindAllStringSubmatchIndex(text, -1) {
				start, end := idx[0], idx[1]
				if overlapsAny(claimed, start, end) {
					continue
				}
				claimed = append(claimed, [2]int{start, end})
				out = append(out, buildMatch(p, text, idx))
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End > out[j].End
	})
	return out
}

// MatchCategory returns the first hit for one category, or nil. "First"
// follows pattern priority, then position.
func (r *Registry) MatchCategory(text string, category domain.Category) *Match {
	if text == "" {
		return nil
	}
	for _, p := range r.byCategory[category] {
		if idx := p.expr.FindStringSubmatchIndex(text); idx != nil {
			m := buildMatch(p, text, idx)
			return &m
		}
	}
	return nil
}

func buildMatch(p *Pattern, text string, idx []int) Match {
	m := Match{
		Pattern:  p,
		Category: p.Category,
		Start:    idx[0],
		End:      idx[1],
		Text:     text[idx[0]:idx[1]],
	}
	names := p.expr.SubexpNames()
	for gi := 1; gi*2+1 < len(idx); gi++ {
		var group string
		if idx[gi*2] >= 0 {
			group = text[idx[gi*2]:idx[gi*2+1]]
		}
		m.Groups = append(m.Groups, group)
		if gi < len(names) && names[gi] != "" && group != "" {
			if m.Named == nil {
				m.Named = make(map[string]string)
			}
			m.Named[names[gi]] = group
		}
	}
	return m
}

func overlapsAny(claimed [][2]int, start, end int) bool {
	for _, span := range claimed {
		if start < span[1] && end > span[0] {
			return true
		}
	}
	return false
}
