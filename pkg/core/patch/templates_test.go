package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

func TestInstantiatePythonDependency(t *testing.T) {
	tpl := templateTable["python_dependency"]
	sol, err := tpl.instantiate("python_dependency", map[string]string{"package": "requests"})
	require.NoError(t, err)

	assert.Equal(t, domain.PatchTypeDependency, sol.PatchType)
	assert.Equal(t, "pip install 'requests'", sol.PatchScript)
	assert.Equal(t, "pip uninstall -y 'requests'", sol.RollbackScript)
	assert.Equal(t, []string{"pip show 'requests'"}, sol.ValidationSteps)
	assert.True(t, sol.IsReversible)
	assert.False(t, sol.RequiresApproval)
	assert.InDelta(t, 0.9, sol.EstimatedSuccessRate, 1e-9)
}

func TestInstantiateMissingSlot(t *testing.T) {
	tpl := templateTable["python_dependency"]
	_, err := tpl.instantiate("python_dependency", map[string]string{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter))
	assert.Contains(t, err.Error(), "package")
}

// Every template in the table must render with a full slot map and clear the
// safety denylist, and reversible templates must ship a rollback.
func TestTemplateTableRendersAndPassesSafety(t *testing.T) {
	slots := map[string]string{
		"package":  "requests",
		"path":     "/workspace/cache",
		"flags":    "-R ",
		"variable": "API_TOKEN",
		"file":     "config/app.json",
		"key":      "database.host",
		"value":    "db.internal",
		"hostname": "proxy.internal",
		"port":     "3128",
		"host":     "registry.internal",
		"timeout":  "120",
		"test":     "tests/test_api.py::test_login",
	}
	for family, tpl := range templateTable {
		t.Run(family, func(t *testing.T) {
			sol, err := tpl.instantiate(family, slots)
			require.NoError(t, err)

			assert.NoError(t, CheckSolutionScripts(sol.PatchScript, sol.RollbackScript))
			assert.NotEmpty(t, sol.PatchScript)
			assert.True(t, sol.PatchType.IsValid())
			assert.Greater(t, sol.EstimatedSuccessRate, 0.0)
			assert.LessOrEqual(t, sol.EstimatedSuccessRate, 1.0)
			if sol.IsReversible {
				assert.NotEmpty(t, sol.RollbackScript)
			}
		})
	}
}

func TestFamiliesWithoutTemplates(t *testing.T) {
	for _, family := range []string{"build_generic", "deployment_generic", "secret_rotation"} {
		_, ok := templateTable[family]
		assert.False(t, ok, family)
	}
}

func TestRenderMissingKeyFails(t *testing.T) {
	_, err := render("python_dependency", "pip install '{{.package}}'", map[string]string{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
}
