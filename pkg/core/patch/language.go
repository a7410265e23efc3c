package patch

import (
	"strings"

	"pipeline-copilot/pkg/domain"
)

// languageMarkers score the probable ecosystem of an error. Checked in this
// order; the highest hit count wins and earlier entries win ties.
var languageMarkers = []struct {
	language string
	words    []string
}{
	{"python", []string{"traceback", "modulenotfounderror", "importerror", "pip install", "pip3", ".py", "pytest", "python"}},
	{"javascript", []string{"npm", "node", "cannot find module", ".js", "yarn", "jest", "javascript"}},
	{"java", []string{"mvn", "maven", "gradle", ".java", "classnotfound", "nullpointerexception", "jvm"}},
	{"go", []string{"go.mod", "go build", ".go:", "goroutine", "golang"}},
	{"ruby", []string{"gem install", "gemfile", "bundler", ".rb", "rails", "rake"}},
	{"c++", []string{"g++", "clang", ".cpp", "undefined reference", "segmentation fault"}},
	{"bash", []string{".sh", "command not found", "syntax error near", "/bin/bash", "/bin/sh"}},
	{"docker", []string{"dockerfile", "docker build", "docker daemon", "image pull", "container"}},
}

// inferLanguage guesses the language an LLM-generated fix should target,
// from the error text and its context. Defaults to python.
func inferLanguage(rec *domain.PipelineError) string {
	var sb strings.Builder
	sb.WriteString(rec.Message)
	sb.WriteString("\n")
	sb.WriteString(rec.StackTrace)
	if window, ok := rec.Context.GetString("surrounding_context"); ok {
		sb.WriteString("\n")
		sb.WriteString(window)
	}
	text := strings.ToLower(sb.String())

	best, bestScore := "python", 0
	for _, group := range languageMarkers {
		score := 0
		for _, word := range group.words {
			score += strings.Count(text, word)
		}
		if score > bestScore {
			best, bestScore = group.language, score
		}
	}
	return best
}
