package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain/errors"
)

func TestParseDependency(t *testing.T) {
	tests := []struct {
		raw     string
		manager string
		name    string
	}{
		{"pip:requests", "pip", "requests"},
		{"npm:left-pad", "npm", "left-pad"},
		{"PIP: flask ", "pip", "flask"},
		{"curl", "", "curl"},
		{"apt:jq", "", "apt:jq"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			dep := parseDependency(tt.raw)
			assert.Equal(t, tt.manager, dep.manager)
			assert.Equal(t, tt.name, dep.name)
		})
	}
}

func TestDependencyValidate(t *testing.T) {
	assert.NoError(t, parseDependency("pip:requests[socks]==2.31.0").validate())
	assert.NoError(t, parseDependency("npm:@scope/pkg").validate())
	assert.NoError(t, parseDependency("curl").validate())

	tests := []string{
		"pip:requests'; touch /tmp/pwned",
		"npm:left pad",
		"pip:",
		"",
		"apt:jq",
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			err := parseDependency(raw).validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
		})
	}
}

func TestDependencyScripts(t *testing.T) {
	pip := parseDependency("pip:requests")
	assert.Equal(t, "python3 -m pip index versions 'requests'", pip.resolveScript())
	assert.Equal(t, "pip install 'requests'", pip.installScript())

	npm := parseDependency("npm:left-pad")
	assert.Equal(t, "npm view 'left-pad' version", npm.resolveScript())
	assert.Equal(t, "npm install 'left-pad'", npm.installScript())

	bin := parseDependency("curl")
	assert.Equal(t, "command -v 'curl'", bin.resolveScript())
	assert.Equal(t, "command -v 'curl'", bin.installScript())
}
