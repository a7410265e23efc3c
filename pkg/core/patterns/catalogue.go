package patterns

import "pipeline-copilot/pkg/domain"

// builtinCatalogue is the static rule set. Order within a category is
// priority order: put the most specific expressions first.
func builtinCatalogue() []Spec {
	return []Spec{
		// dependency
		{
			Name:           "python_module_not_found",
			Category:       domain.CategoryDependency,
			TemplateFamily: "python_dependency",
			Expr:           `ModuleNotFoundError: No module named '(?P<package>[^']+)'`,
		},
		{
			Name:           "python_import_error",
			Category:       domain.CategoryDependency,
			TemplateFamily: "python_dependency",
			Expr:           `ImportError: (?:cannot import name '(?P<symbol>[^']+)'|No module named '?(?P<package>[\w.\-]+)'?)`,
		},
		{
			Name:           "python_no_matching_distribution",
			Category:       domain.CategoryDependency,
			TemplateFamily: "python_dependency",
			Expr:           `(?:Could not find a version that satisfies the requirement|No matching distribution found for) (?P<package>[\w\-.\[\]=<>!,]+)`,
		},
		{
			Name:           "node_module_not_found",
			Category:       domain.CategoryDependency,
			TemplateFamily: "node_dependency",
			Expr:           `(?:Error: )?Cannot find module '(?P<package>[^']+)'`,
		},
		{
			Name:           "npm_404",
			Category:       domain.CategoryDependency,
			TemplateFamily: "node_dependency",
			Expr:           `npm ERR! 404\s+(?:Not Found|'?(?P<package>@?[\w\-/.]+)'? is not in)`,
		},
		{
			Name:           "go_missing_package",
			Category:       domain.CategoryDependency,
			TemplateFamily: "go_dependency",
			Expr:           `(?:no required module provides package|cannot find package) "?(?P<package>[\w./\-]+)"?`,
		},
		{
			Name:           "java_missing_package",
			Category:       domain.CategoryDependency,
			TemplateFamily: "java_dependency",
			Expr:           `(?:error: )?package (?P<package>[\w.]+) does not exist`,
		},
		{
			Name:           "ruby_missing_gem",
			Category:       domain.CategoryDependency,
			TemplateFamily: "ruby_dependency",
			Expr:           `Could not find gem '(?P<package>[^']+)'`,
		},

		// permission
		{
			Name:           "eacces_path",
			Category:       domain.CategoryPermission,
			TemplateFamily: "posix_permission",
			Expr:           `EACCES: permission denied,?\s*(?:access|open|mkdir|unlink|scandir|rmdir)?\s*'(?P<path>[^']+)'`,
		},
		{
			Name:           "python_errno13",
			Category:       domain.CategoryPermission,
			TemplateFamily: "posix_permission",
			Expr:           `PermissionError: \[Errno 13\] Permission denied: '(?P<path>[^']+)'`,
		},
		{
			Name:           "docker_socket_denied",
			Category:       domain.CategoryPermission,
			TemplateFamily: "docker_group",
			Expr:           `permission denied while trying to connect to the Docker daemon socket`,
		},
		{
			Name:           "chmod_not_permitted",
			Category:       domain.CategoryPermission,
			TemplateFamily: "posix_permission",
			Expr:           `chmod: changing permissions of '(?P<path>[^']+)': Operation not permitted`,
		},

		// configuration
		{
			Name:           "missing_env_var",
			Category:       domain.CategoryConfiguration,
			TemplateFamily: "env_config",
			Expr:           `(?i)missing (?:required )?environment variable:?\s*'?(?P<variable>[A-Z][A-Z0-9_]+)'?`,
		},
		{
			Name:           "python_key_error",
			Category:       domain.CategoryConfiguration,
			TemplateFamily: "env_config",
			Expr:           `KeyError: '(?P<key>[^']+)'`,
		},
		{
			Name:           "yaml_parse_error",
			Category:       domain.CategoryConfiguration,
			TemplateFamily: "yaml_config",
			Expr:           `yaml: (?:line (?P<line>\d+): )?(?P<detail>(?:did not find|mapping values|could not find)[^\n]*)`,
		},
		{
			Name:           "json_decode_error",
			Category:       domain.CategoryConfiguration,
			TemplateFamily: "json_config",
			Expr:           `json\.decoder\.JSONDecodeError: (?P<detail>[^\n]+)`,
		},
		{
			Name:           "generic_config_invalid",
			Category:       domain.CategoryConfiguration,
			TemplateFamily: "env_config",
			Expr:           `(?i)(?:invalid|malformed) configuration(?: file)?:?\s*(?P<detail>[^\n]*)`,
		},

		// network
		{
			Name:           "connection_refused",
			Category:       domain.CategoryNetwork,
			TemplateFamily: "proxy_network",
			Expr:           `(?:ECONNREFUSED|[Cc]onnection refused)(?:.*?(?P<host>[\w.\-]+:\d+))?`,
		},
		{
			Name:           "dns_resolution",
			Category:       domain.CategoryNetwork,
			TemplateFamily: "dns_network",
			Expr:           `(?:[Cc]ould not resolve host:?\s*|getaddrinfo ENOTFOUND\s+|Name or service not known.*?)(?P<host>[\w.\-]+)`,
		},
		{
			Name:           "ssl_verification",
			Category:       domain.CategoryNetwork,
			TemplateFamily: "ssl_network",
			Expr:           `(?i)ssl(?:\s+certificate)?\s+(?:problem|verify failed|error)[^\n]*`,
		},
		{
			Name:           "network_timeout",
			Category:       domain.CategoryNetwork,
			TemplateFamily: "proxy_network",
			Expr:           `(?:ETIMEDOUT|TLS handshake timeout|connection timed out)`,
		},

		// resource
		{
			Name:           "out_of_memory",
			Category:       domain.CategoryResource,
			TemplateFamily: "memory_limit",
			Expr:           `(?i)(?:out of memory|OOMKilled|Cannot allocate memory|java\.lang\.OutOfMemoryError[^\n]*)`,
		},
		{
			Name:           "disk_full",
			Category:       domain.CategoryResource,
			TemplateFamily: "disk_cleanup",
			Expr:           `(?:ENOSPC|[Nn]o space left on device|disk quota exceeded)`,
		},
		{
			Name:           "process_killed",
			Category:       domain.CategoryResource,
			TemplateFamily: "memory_limit",
			Expr:           `(?i)process (?:\d+ )?killed(?: \(oom\))?|signal: killed`,
		},

		// build
		{
			Name:           "python_syntax_error",
			Category:       domain.CategoryBuild,
			TemplateFamily: "build_generic",
			Expr:           `SyntaxError: (?P<detail>[^\n]+)`,
		},
		{
			Name:           "undefined_reference",
			Category:       domain.CategoryBuild,
			TemplateFamily: "build_generic",
			Expr:           "undefined reference to `(?P<symbol>[^']+)'",
		},
		{
			Name:           "java_cannot_find_symbol",
			Category:       domain.CategoryBuild,
			TemplateFamily: "build_generic",
			Expr:           `error: cannot find symbol[^\n]*`,
		},
		{
			Name:           "compilation_failed",
			Category:       domain.CategoryBuild,
			TemplateFamily: "build_generic",
			Expr:           `(?i)(?:compilation|build) (?:failed|error)[^\n]*`,
		},

		// test
		{
			Name:           "assertion_error",
			Category:       domain.CategoryTest,
			TemplateFamily: "test_skip",
			Expr:           `(?i)assertionerror:?\s*(?P<detail>[^\n]*)`,
		},
		{
			Name:           "test_timeout",
			Category:       domain.CategoryTest,
			TemplateFamily: "test_timeout",
			Expr:           `(?i)(?:test(?:s)?|spec) timed? ?out after (?P<seconds>\d+)`,
		},
		{
			Name:           "tests_failing",
			Category:       domain.CategoryTest,
			TemplateFamily: "test_skip",
			Expr:           `(?:(?P<count>\d+) (?:failing|tests? failed)|Tests run: \d+, Failures: [1-9]\d*|FAIL(?:ED)?[:\s]+\S*(?:_test|test_)\S*)`,
		},

		// deployment
		{
			Name:           "image_pull_failure",
			Category:       domain.CategoryDeployment,
			TemplateFamily: "deployment_generic",
			Expr:           `(?:ImagePullBackOff|ErrImagePull|pull access denied for (?P<image>[\w./\-]+))`,
		},
		{
			Name:           "crash_loop",
			Category:       domain.CategoryDeployment,
			TemplateFamily: "deployment_generic",
			Expr:           `CrashLoopBackOff`,
		},
		{
			Name:           "docker_daemon_error",
			Category:       domain.CategoryDeployment,
			TemplateFamily: "deployment_generic",
			Expr:           `Error response from daemon: (?P<detail>[^\n]+)`,
		},
		{
			Name:           "deployment_failed",
			Category:       domain.CategoryDeployment,
			TemplateFamily: "deployment_generic",
			Expr:           `(?i)(?:deployment|rollout|helm (?:install|upgrade)) failed[^\n]*`,
		},

		// security
		{
			Name:           "cve_reference",
			Category:       domain.CategorySecurity,
			TemplateFamily: "pip_upgrade",
			Expr:           `CVE-\d{4}-\d{4,}`,
		},
		{
			Name:           "npm_audit_findings",
			Category:       domain.CategorySecurity,
			TemplateFamily: "npm_audit",
			Expr:           `(?i)(?:npm audit|found) (?P<count>\d+) (?:high|critical|moderate)?\s*(?:severity )?vulnerabilit(?:y|ies)`,
		},
		{
			Name:           "secret_detected",
			Category:       domain.CategorySecurity,
			TemplateFamily: "secret_rotation",
			Expr:           `(?i)(?:(?:secret|credential|private key) (?:detected|leaked|found in)|hardcoded (?:secret|password|credential))[^\n]*`,
		},
		{
			Name:           "auth_failure",
			Category:       domain.CategorySecurity,
			TemplateFamily: "secret_rotation",
			Expr:           `(?i)(?:authentication failed|401 unauthorized|403 forbidden)[^\n]*`,
		},
	}
}
