package authz

import (
	"strings"
)

// Route declares the authorization requirements for one path prefix.
type Route struct {
	// Name identifies the route in logs.
	Name string

	// Method restricts the route to one HTTP method. Empty matches
	// any method. Lookups without a method, such as gRPC full method
	// names matched as paths, ignore the restriction.
	Method string

	// Prefix is the path prefix this route covers. The longest
	// matching prefix wins.
	Prefix string

	// Privileges lists privilege names the caller must hold, all of
	// them. Empty means authentication alone suffices.
	Privileges []string

	// AllowLongTerm permits user-requested long-term tokens. Long-term
	// tokens are rejected everywhere else.
	AllowLongTerm bool

	// ApplicationOnly restricts the route to application tokens.
	// Application tokens are rejected everywhere else.
	ApplicationOnly bool

	// SkipTOSGate exempts the route from the terms of service gate,
	// so users can reach the acceptance endpoints themselves.
	SkipTOSGate bool
}

// RouteTable matches request paths to their authorization requirements.
//
// Paths on the anonymous allow-list bypass the filter entirely: the
// health endpoint, anything ending in "authentication" (the login
// callbacks), and the swagger documentation.
type RouteTable struct {
	routes []Route
}

// NewRouteTable builds a table from the given routes.
func NewRouteTable(routes ...Route) *RouteTable {
	copied := make([]Route, len(routes))
	copy(copied, routes)
	return &RouteTable{routes: copied}
}

// Match returns the route covering the given method and path. The
// longest matching prefix wins; method-specific routes take precedence
// over method-agnostic ones at equal prefix length. An empty method
// matches every route regardless of its Method, for callers without an
// HTTP method such as the gRPC interceptors. When no route matches, a
// zero route is returned: authenticated, no privilege requirement.
func (t *RouteTable) Match(method, path string) Route {
	var best Route
	bestLen := -1
	for _, r := range t.routes {
		if method != "" && r.Method != "" && r.Method != method {
			continue
		}
		if !strings.HasPrefix(path, r.Prefix) {
			continue
		}
		if len(r.Prefix) > bestLen || (len(r.Prefix) == bestLen && r.Method != "" && best.Method == "") {
			best = r
			bestLen = len(r.Prefix)
		}
	}
	if pathSkipsTOSGate(path) {
		best.SkipTOSGate = true
	}
	return best
}

// AllowAnonymous reports whether the path may be served without any
// token: the health endpoint, login callbacks, and API documentation.
func (t *RouteTable) AllowAnonymous(path string) bool {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "/health" {
		return true
	}
	if strings.HasSuffix(trimmed, "authentication") {
		return true
	}
	return strings.Contains(path, "swagger")
}

// pathSkipsTOSGate reports whether the path belongs to the terms of
// service endpoints, which must stay reachable before acceptance. Only
// whole "/tos" path segments qualify.
func pathSkipsTOSGate(path string) bool {
	trimmed := strings.TrimRight(path, "/")
	return strings.HasSuffix(trimmed, "/tos") || strings.Contains(path, "/tos/")
}
