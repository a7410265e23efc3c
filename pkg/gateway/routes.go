package gateway

import (
	"fmt"
	"strings"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain/errors"
)

// RouteTable resolves (service, endpoint, method) to its policy descriptor.
// Descriptors come from the policy file and are read-only after construction.
type RouteTable struct {
	routes map[string]config.RouteDescriptor
}

// NewRouteTable indexes the configured route descriptors.
func NewRouteTable(routes []config.RouteDescriptor) *RouteTable {
	table := &RouteTable{routes: make(map[string]config.RouteDescriptor, len(routes))}
	for _, route := range routes {
		table.routes[routeKey(route.Service, route.Endpoint, route.Method)] = route
	}
	return table
}

func routeKey(service, endpoint, method string) string {
	return fmt.Sprintf("%s %s %s", strings.ToUpper(method), service, endpoint)
}

// Lookup returns the descriptor for one request. Unknown (service, endpoint,
// method) combinations are a not-found error; the gateway does not
// distinguish a wrong method from a missing endpoint.
func (t *RouteTable) Lookup(service, endpoint, method string) (config.RouteDescriptor, error) {
	route, ok := t.routes[routeKey(service, endpoint, method)]
	if !ok {
		return config.RouteDescriptor{}, errors.New(errors.CodeNotFound, "gateway",
			fmt.Sprintf("no route for %s %s%s", strings.ToUpper(method), service, endpoint), nil)
	}
	return route, nil
}

// Len reports how many descriptors are loaded.
func (t *RouteTable) Len() int { return len(t.routes) }
