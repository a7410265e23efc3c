package features

import "strings"

// patternFamilies are the 20 recognized error shapes encoded one-hot in the
// feature vector. Order is part of the persisted layout; append only.
var patternFamilies = []struct {
	name    string
	markers []string
}{
	{"module_not_found", []string{"modulenotfounderror", "no module named", "cannot find module"}},
	{"import_error", []string{"importerror", "cannot import"}},
	{"syntax_error", []string{"syntaxerror", "unexpected token", "parse error"}},
	{"type_error", []string{"typeerror", "type mismatch"}},
	{"name_error", []string{"nameerror", "is not defined", "undefined variable"}},
	{"attribute_error", []string{"attributeerror", "has no attribute"}},
	{"index_error", []string{"indexerror", "index out of range", "out of bounds"}},
	{"key_error", []string{"keyerror"}},
	{"value_error", []string{"valueerror", "invalid value", "invalid literal"}},
	{"assertion_error", []string{"assertionerror", "assertion failed"}},
	{"permission_denied", []string{"permission denied", "eacces", "errno 13", "operation not permitted"}},
	{"connection_error", []string{"connection refused", "econnrefused", "enotfound", "could not resolve"}},
	{"timeout_error", []string{"timed out", "timeout", "etimedout", "deadline exceeded"}},
	{"memory_error", []string{"out of memory", "oomkilled", "memoryerror", "cannot allocate"}},
	{"disk_error", []string{"no space left", "enospc", "disk quota"}},
	{"build_failure", []string{"build failed", "compilation failed", "cannot find symbol", "undefined reference"}},
	{"test_failure", []string{"test failed", "tests failed", "failing", "assertion"}},
	{"deployment_failure", []string{"deployment failed", "imagepullbackoff", "crashloopbackoff", "rollout"}},
	{"security_issue", []string{"vulnerability", "cve-", "unauthorized", "forbidden", "secret"}},
	{"file_not_found", []string{"filenotfounderror", "no such file", "enoent", "not found"}},
}

// libraryFamilies flag which ecosystem a message mentions.
var libraryFamilies = []struct {
	name    string
	markers []string
}{
	{"web", []string{"django", "flask", "fastapi", "express", "react", "vue", "spring", "rails", "axios", "http"}},
	{"data_science", []string{"pandas", "numpy", "scipy", "sklearn", "tensorflow", "torch", "keras", "matplotlib", "dataframe"}},
	{"devops", []string{"docker", "kubernetes", "kubectl", "terraform", "ansible", "helm", "jenkins", "pipeline", "container"}},
}

// PatternFamilyCount is the width of the one-hot block.
func PatternFamilyCount() int { return len(patternFamilies) }

// PatternFamilyNames lists the family names in column order.
func PatternFamilyNames() []string {
	out := make([]string, len(patternFamilies))
	for i, f := range patternFamilies {
		out[i] = f.name
	}
	return out
}

func matchFamilies(lowerMessage string) []float64 {
	out := make([]float64, len(patternFamilies))
	for i, f := range patternFamilies {
		for _, marker := range f.markers {
			if strings.Contains(lowerMessage, marker) {
				out[i] = 1
				break
			}
		}
	}
	return out
}

func matchLibraries(lowerMessage string) []float64 {
	out := make([]float64, len(libraryFamilies))
	for i, f := range libraryFamilies {
		for _, marker := range f.markers {
			if strings.Contains(lowerMessage, marker) {
				out[i] = 1
				break
			}
		}
	}
	return out
}
