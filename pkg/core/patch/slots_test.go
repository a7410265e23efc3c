package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/core/patterns"
	"pipeline-copilot/pkg/domain"
)

func TestBuildSlots(t *testing.T) {
	m := patterns.Default().MatchCategory(
		"EACCES: permission denied, access '/var/log/app.log'", domain.CategoryPermission)
	require.NotNil(t, m)

	slots := buildSlots(m, nil)
	assert.Equal(t, "/var/log/app.log", slots["path"])
	assert.Equal(t, "", slots["flags"])

	// Caller context overrides the extraction and feeds the derivation;
	// non-string values are ignored.
	slots = buildSlots(m, domain.Context{
		"path":    domain.Str("/var/data"),
		"retries": domain.Int(3),
	})
	assert.Equal(t, "/var/data", slots["path"])
	assert.Equal(t, "-R ", slots["flags"])
	assert.NotContains(t, slots, "retries")
}

func TestDeriveSlotsPermissionFlags(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"file keeps plain chmod", "/var/log/app.log", ""},
		{"directory gets recursive", "/var/data", "-R "},
		{"trailing slash gets recursive", "/var/data/", "-R "},
		{"missing path still sets the slot", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots := map[string]string{}
			if tt.path != "" {
				slots["path"] = tt.path
			}
			deriveSlots("posix_permission", slots)
			got, ok := slots["flags"]
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveSlotsProxySplitsHostPort(t *testing.T) {
	slots := map[string]string{"host": "10.0.0.5:6379"}
	deriveSlots("proxy_network", slots)
	assert.Equal(t, "10.0.0.5", slots["hostname"])
	assert.Equal(t, "6379", slots["port"])

	slots = map[string]string{"host": "db.internal"}
	deriveSlots("proxy_network", slots)
	assert.NotContains(t, slots, "hostname")
	assert.NotContains(t, slots, "port")
}

func TestDeriveSlotsTimeoutDoubles(t *testing.T) {
	slots := map[string]string{"seconds": "30"}
	deriveSlots("test_timeout", slots)
	assert.Equal(t, "60", slots["timeout"])

	slots = map[string]string{"seconds": "not-a-number"}
	deriveSlots("test_timeout", slots)
	assert.NotContains(t, slots, "timeout")
}
