package patch

import (
	"bytes"
	"fmt"
	"text/template"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// patchTemplate is one family of pre-built remediations. Scripts are
// text/template bodies over the extracted slot map; a family whose required
// slots cannot be filled falls through to the LLM path.
type patchTemplate struct {
	patchType        domain.PatchType
	requiredSlots    []string
	script           string
	rollback         string
	validation       []string
	reversible       bool
	requiresApproval bool
	successRate      float64
}

// templateTable maps a pattern's TemplateFamily to its remediation.
// build_generic, deployment_generic, and secret_rotation have no entry;
// those failures carry no mechanical fix and go to the LLM.
var templateTable = map[string]patchTemplate{
	"python_dependency": {
		patchType:     domain.PatchTypeDependency,
		requiredSlots: []string{"package"},
		script:        "pip install '{{.package}}'",
		rollback:      "pip uninstall -y '{{.package}}'",
		validation:    []string{"pip show '{{.package}}'"},
		reversible:    true,
		successRate:   0.9,
	},
	"node_dependency": {
		patchType:     domain.PatchTypeDependency,
		requiredSlots: []string{"package"},
		script:        "npm install '{{.package}}'",
		rollback:      "npm uninstall '{{.package}}'",
		validation:    []string{"npm ls '{{.package}}'"},
		reversible:    true,
		successRate:   0.9,
	},
	"go_dependency": {
		patchType:     domain.PatchTypeDependency,
		requiredSlots: []string{"package"},
		script:        "go get '{{.package}}'\ngo mod tidy",
		rollback:      "git checkout -- go.mod go.sum",
		validation:    []string{"go build ./..."},
		reversible:    true,
		successRate:   0.85,
	},
	"java_dependency": {
		patchType:   domain.PatchTypeDependency,
		script:      "mvn -q -U dependency:resolve",
		validation:  []string{"mvn -q compile"},
		successRate: 0.5,
	},
	"ruby_dependency": {
		patchType:     domain.PatchTypeDependency,
		requiredSlots: []string{"package"},
		script:        "gem install '{{.package}}'",
		rollback:      "gem uninstall -I '{{.package}}'",
		validation:    []string{"gem list -i '{{.package}}'"},
		reversible:    true,
		successRate:   0.85,
	},

	"posix_permission": {
		patchType:        domain.PatchTypePermission,
		requiredSlots:    []string{"path"},
		script:           "chmod {{.flags}}u+rwX '{{.path}}'",
		validation:       []string{"test -w '{{.path}}'"},
		requiresApproval: true,
		successRate:      0.8,
	},
	"docker_group": {
		patchType:        domain.PatchTypePermission,
		script:           `setfacl -m "u:$(id -un):rw" /var/run/docker.sock`,
		rollback:         `setfacl -x "u:$(id -un)" /var/run/docker.sock`,
		validation:       []string{"test -w /var/run/docker.sock"},
		reversible:       true,
		requiresApproval: true,
		successRate:      0.75,
	},

	"env_config": {
		patchType:        domain.PatchTypeConfiguration,
		requiredSlots:    []string{"variable"},
		script:           "touch .env\ncp .env .env.bak\necho '{{.variable}}=CHANGE_ME' >> .env",
		rollback:         "mv .env.bak .env",
		validation:       []string{"grep -q '^{{.variable}}=' .env"},
		reversible:       true,
		requiresApproval: true,
		successRate:      0.7,
	},
	"json_config": {
		patchType:     domain.PatchTypeConfiguration,
		requiredSlots: []string{"file", "key", "value"},
		script: `cp '{{.file}}' '{{.file}}.bak'
python3 - '{{.file}}' '{{.key}}' '{{.value}}' <<'PY'
import json, sys
path, dotted, value = sys.argv[1], sys.argv[2], sys.argv[3]
with open(path) as fh:
    data = json.load(fh)
node = data
keys = dotted.split(".")
for key in keys[:-1]:
    node = node.setdefault(key, {})
node[keys[-1]] = value
with open(path, "w") as fh:
    json.dump(data, fh, indent=2)
    fh.write("\n")
PY`,
		rollback:         "mv '{{.file}}.bak' '{{.file}}'",
		validation:       []string{`python3 -c 'import json; json.load(open("{{.file}}"))'`},
		reversible:       true,
		requiresApproval: true,
		successRate:      0.75,
	},
	"yaml_config": {
		patchType:     domain.PatchTypeConfiguration,
		requiredSlots: []string{"file", "key", "value"},
		script: `cp '{{.file}}' '{{.file}}.bak'
python3 - '{{.file}}' '{{.key}}' '{{.value}}' <<'PY'
import sys
import yaml
path, dotted, value = sys.argv[1], sys.argv[2], sys.argv[3]
with open(path) as fh:
    data = yaml.safe_load(fh) or {}
node = data
keys = dotted.split(".")
for key in keys[:-1]:
    node = node.setdefault(key, {})
node[keys[-1]] = value
with open(path, "w") as fh:
    yaml.safe_dump(data, fh, sort_keys=False)
PY`,
		rollback:         "mv '{{.file}}.bak' '{{.file}}'",
		validation:       []string{`python3 -c 'import yaml; yaml.safe_load(open("{{.file}}"))'`},
		reversible:       true,
		requiresApproval: true,
		successRate:      0.75,
	},

	"proxy_network": {
		patchType:     domain.PatchTypeNetwork,
		requiredSlots: []string{"hostname", "port"},
		script: `for attempt in $(seq 1 30); do
  if nc -z '{{.hostname}}' '{{.port}}'; then
    echo "endpoint reachable"
    break
  fi
  sleep 2
done`,
		validation:  []string{"nc -z '{{.hostname}}' '{{.port}}'"},
		successRate: 0.6,
	},
	"dns_network": {
		patchType:        domain.PatchTypeNetwork,
		requiredSlots:    []string{"host"},
		script:           "cp /etc/resolv.conf /etc/resolv.conf.bak\necho 'nameserver 8.8.8.8' >> /etc/resolv.conf",
		rollback:         "mv /etc/resolv.conf.bak /etc/resolv.conf",
		validation:       []string{"getent hosts '{{.host}}'"},
		reversible:       true,
		requiresApproval: true,
		successRate:      0.65,
	},
	"ssl_network": {
		patchType:        domain.PatchTypeNetwork,
		script:           "update-ca-certificates 2>/dev/null || pip install --upgrade certifi",
		validation:       []string{`python3 -c "import ssl; print(ssl.OPENSSL_VERSION)"`},
		requiresApproval: true,
		successRate:      0.55,
	},

	"memory_limit": {
		patchType:   domain.PatchTypeResource,
		script:      "echo 'NODE_OPTIONS=--max-old-space-size=4096' >> .env\necho 'JAVA_TOOL_OPTIONS=-Xmx4g' >> .env",
		rollback:    "sed -i '/max-old-space-size/d;/JAVA_TOOL_OPTIONS/d' .env",
		validation:  []string{"grep -q 'max-old-space-size' .env"},
		reversible:  true,
		successRate: 0.6,
	},
	"disk_cleanup": {
		patchType: domain.PatchTypeResource,
		script: `docker system prune -f 2>/dev/null || true
pip cache purge 2>/dev/null || true
npm cache clean --force 2>/dev/null || true
find /tmp -mindepth 1 -mtime +1 -delete 2>/dev/null || true`,
		validation:       []string{"df -h ."},
		requiresApproval: true,
		successRate:      0.7,
	},

	"test_timeout": {
		patchType:     domain.PatchTypeTest,
		requiredSlots: []string{"timeout"},
		script:        "echo 'PYTEST_ADDOPTS=--timeout={{.timeout}}' >> .env",
		rollback:      "sed -i '/PYTEST_ADDOPTS=--timeout/d' .env",
		validation:    []string{"grep -q 'timeout={{.timeout}}' .env"},
		reversible:    true,
		successRate:   0.65,
	},
	"test_skip": {
		patchType:        domain.PatchTypeTest,
		requiredSlots:    []string{"test"},
		script:           "echo 'PYTEST_ADDOPTS=--deselect {{.test}}' >> .env",
		rollback:         "sed -i '/PYTEST_ADDOPTS=--deselect/d' .env",
		validation:       []string{"grep -q 'deselect' .env"},
		reversible:       true,
		requiresApproval: true,
		successRate:      0.5,
	},

	"pip_upgrade": {
		patchType:        domain.PatchTypeSecurity,
		requiredSlots:    []string{"package"},
		script:           "pip install --upgrade '{{.package}}'",
		validation:       []string{"pip show '{{.package}}'"},
		requiresApproval: true,
		successRate:      0.7,
	},
	"npm_audit": {
		patchType:        domain.PatchTypeSecurity,
		script:           "npm audit fix",
		rollback:         "git checkout -- package.json package-lock.json",
		validation:       []string{"npm audit --audit-level=high"},
		reversible:       true,
		requiresApproval: true,
		successRate:      0.7,
	},
}

// render executes one template body against the slot map. Missing keys fail
// the execution, which sends the caller to the LLM path.
func render(family, body string, slots map[string]string) (string, error) {
	t, err := template.New(family).Option("missingkey=error").Parse(body)
	if err != nil {
		return "", errors.New(errors.CodeInternal, "patch",
			fmt.Sprintf("template %s does not parse", family), err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, slots); err != nil {
		return "", errors.New(errors.CodeInvalidParameter, "patch",
			fmt.Sprintf("template %s: slot substitution failed", family), err)
	}
	return buf.String(), nil
}

// instantiate renders every templated part of the family into a solution
// skeleton. The caller stamps ids and timestamps.
func (t patchTemplate) instantiate(family string, slots map[string]string) (*domain.PatchSolution, error) {
	for _, slot := range t.requiredSlots {
		if slots[slot] == "" {
			return nil, errors.New(errors.CodeMissingParameter, "patch",
				fmt.Sprintf("template %s: slot %q not extracted", family, slot), nil)
		}
	}
	script, err := render(family, t.script, slots)
	if err != nil {
		return nil, err
	}
	sol := &domain.PatchSolution{
		PatchType:            t.patchType,
		PatchScript:          script,
		IsReversible:         t.reversible,
		RequiresApproval:     t.requiresApproval,
		EstimatedSuccessRate: t.successRate,
	}
	if t.rollback != "" {
		if sol.RollbackScript, err = render(family+"_rollback", t.rollback, slots); err != nil {
			return nil, err
		}
	}
	for _, step := range t.validation {
		rendered, err := render(family+"_validation", step, slots)
		if err != nil {
			return nil, err
		}
		sol.ValidationSteps = append(sol.ValidationSteps, rendered)
	}
	return sol, nil
}
