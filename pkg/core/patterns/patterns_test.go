package patterns

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
)

func TestDefaultRegistryIsShared(t *testing.T) {
	a := Default()
	b := Default()
	assert.Same(t, a, b)
	assert.Greater(t, a.PatternCount(), 20)
}

func TestMatchEmptyText(t *testing.T) {
	assert.Nil(t, Default().Match(""))
	assert.Nil(t, Default().MatchCategory("", domain.CategoryDependency))
}

func TestMatchCapturesGroups(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		category domain.Category
		named    map[string]string
	}{
		{
			name:     "python missing module",
			text:     "ModuleNotFoundError: No module named 'requests'",
			category: domain.CategoryDependency,
			named:    map[string]string{"package": "requests"},
		},
		{
			name:     "node missing module",
			text:     "Error: Cannot find module 'express'",
			category: domain.CategoryDependency,
			named:    map[string]string{"package": "express"},
		},
		{
			name:     "permission denied path",
			text:     "EACCES: permission denied, access '/var/log/app.log'",
			category: domain.CategoryPermission,
			named:    map[string]string{"path": "/var/log/app.log"},
		},
		{
			name:     "missing env var",
			text:     "Missing required environment variable: 'DATABASE_URL'",
			category: domain.CategoryConfiguration,
			named:    map[string]string{"variable": "DATABASE_URL"},
		},
		{
			name:     "dns failure",
			text:     "getaddrinfo ENOTFOUND registry.internal.example",
			category: domain.CategoryNetwork,
			named:    map[string]string{"host": "registry.internal.example"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := Default().Match(tt.text)
			require.NotEmpty(t, matches)

			var hit *Match
			for i := range matches {
				if matches[i].Category == tt.category {
					hit = &matches[i]
					break
				}
			}
			require.NotNil(t, hit, "no %s match in %v", tt.category, matches)
			for k, v := range tt.named {
				assert.Equal(t, v, hit.Named[k])
			}
		})
	}
}

func TestMatchSpans(t *testing.T) {
	log := "step one ok\nModuleNotFoundError: No module named 'flask'\nstep three ok\n"
	matches := Default().Match(log)
	require.NotEmpty(t, matches)

	m := matches[0]
	assert.Equal(t, "ModuleNotFoundError: No module named 'flask'", log[m.Start:m.End])
	assert.Equal(t, m.Text, log[m.Start:m.End])
}

func TestPriorityWithinCategory(t *testing.T) {
	// Both the specific module-not-found pattern and the broader import
	// pattern could hit this line; the catalogue lists the specific one
	// first so it must claim the span.
	reg := NewRegistry([]Spec{
		{Name: "specific", Category: domain.CategoryDependency, TemplateFamily: "python_dependency",
			Expr: `ModuleNotFoundError: No module named '(?P<package>[^']+)'`},
		{Name: "broad", Category: domain.CategoryDependency, TemplateFamily: "python_dependency",
			Expr: `ModuleNotFoundError[^\n]*`},
	})

	matches := reg.Match("ModuleNotFoundError: No module named 'requests'")
	require.Len(t, matches, 1)
	assert.Equal(t, "specific", matches[0].Pattern.Name)
}

func TestMatchOrderedByPosition(t *testing.T) {
	log := strings.Join([]string{
		"getaddrinfo ENOTFOUND internal.host",
		"ModuleNotFoundError: No module named 'requests'",
		"ENOSPC: no space left on device",
	}, "\n")

	matches := Default().Match(log)
	require.GreaterOrEqual(t, len(matches), 3)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i].Start, matches[i-1].Start)
	}
}

func TestMatchCategoryFirstWins(t *testing.T) {
	text := "npm ERR! 404 Not Found\nError: Cannot find module 'left-pad'"
	m := Default().MatchCategory(text, domain.CategoryDependency)
	require.NotNil(t, m)
	// node_module_not_found precedes npm_404 in catalogue order.
	assert.Equal(t, "node_module_not_found", m.Pattern.Name)
}

func TestTemplateFamilies(t *testing.T) {
	m := Default().MatchCategory("ModuleNotFoundError: No module named 'requests'", domain.CategoryDependency)
	require.NotNil(t, m)
	assert.Equal(t, "python_dependency", m.Pattern.TemplateFamily)

	m = Default().MatchCategory("test timed out after 300 seconds", domain.CategoryTest)
	require.NotNil(t, m)
	assert.Equal(t, "test_timeout", m.Pattern.TemplateFamily)
}
