package gateway

import (
	"fmt"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain/errors"
)

// Authorize checks a principal against a route's policy. A route that does
// not require auth and names no roles or permissions admits anonymous
// requests; every other route needs a verified principal carrying all of the
// route's required roles and all of its required permissions.
func Authorize(user *UserInfo, route config.RouteDescriptor) error {
	needsPrincipal := route.AuthRequired || len(route.RequiredRoles) > 0 || len(route.RequiredPermissions) > 0
	if user == nil {
		if needsPrincipal {
			return errors.New(errors.CodeUnauthenticated, "gateway", "authentication required", nil)
		}
		return nil
	}

	if missing := missingAll(user.Roles, route.RequiredRoles); missing != "" {
		return errors.New(errors.CodePermissionDenied, "gateway",
			fmt.Sprintf("missing required role %q", missing), nil)
	}
	if missing := missingAll(user.Permissions, route.RequiredPermissions); missing != "" {
		return errors.New(errors.CodePermissionDenied, "gateway",
			fmt.Sprintf("missing required permission %q", missing), nil)
	}
	return nil
}

// missingAll returns the first required entry not present in held, or "".
func missingAll(held, required []string) string {
	for _, want := range required {
		if !contains(held, want) {
			return want
		}
	}
	return ""
}
