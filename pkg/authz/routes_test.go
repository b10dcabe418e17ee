package authz

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteTable_Match(t *testing.T) {
	t.Parallel()

	table := NewRouteTable(
		Route{Name: "profile", Method: http.MethodGet, Prefix: "/user/me", AllowLongTerm: true},
		Route{Name: "users", Prefix: "/user", Privileges: []string{"PRIV_ADMIN"}},
		Route{Name: "introspect", Method: http.MethodPost, Prefix: "/token/inspect", ApplicationOnly: true},
		Route{Name: "query", Prefix: "/query", Privileges: []string{"PRIV_QUERY"}},
	)

	t.Run("longest prefix wins", func(t *testing.T) {
		route := table.Match(http.MethodGet, "/user/me")
		assert.Equal(t, "profile", route.Name)
		assert.True(t, route.AllowLongTerm)

		route = table.Match(http.MethodGet, "/user/f3a1")
		assert.Equal(t, "users", route.Name)
	})

	t.Run("method restriction", func(t *testing.T) {
		route := table.Match(http.MethodPost, "/user/me")
		assert.Equal(t, "users", route.Name, "POST does not match the GET-only profile route")

		route = table.Match(http.MethodPost, "/token/inspect")
		assert.True(t, route.ApplicationOnly)
	})

	t.Run("unmatched path yields zero route", func(t *testing.T) {
		route := table.Match(http.MethodGet, "/something/else")
		assert.Empty(t, route.Name)
		assert.Empty(t, route.Privileges)
		assert.False(t, route.AllowLongTerm)
	})

	t.Run("empty method matches method-bearing routes", func(t *testing.T) {
		route := table.Match("", "/user/me")
		assert.Equal(t, "profile", route.Name)
	})

	t.Run("tos paths skip the gate", func(t *testing.T) {
		route := table.Match(http.MethodGet, "/user/tos/latest")
		assert.Equal(t, "users", route.Name)
		assert.True(t, route.SkipTOSGate)

		route = table.Match(http.MethodGet, "/user/tos")
		assert.True(t, route.SkipTOSGate)

		route = table.Match(http.MethodGet, "/query/sync")
		assert.False(t, route.SkipTOSGate)
	})

	t.Run("tos exemption needs a whole segment", func(t *testing.T) {
		route := table.Match(http.MethodGet, "/user/tostada")
		assert.False(t, route.SkipTOSGate)
	})
}

func TestRouteTable_AllowAnonymous(t *testing.T) {
	t.Parallel()

	table := NewRouteTable()

	tests := []struct {
		path string
		want bool
	}{
		{path: "/health", want: true},
		{path: "/health/", want: true},
		{path: "/okta/authentication", want: true},
		{path: "/fence/authentication/", want: true},
		{path: "/swagger/index.html", want: true},
		{path: "/api-docs/swagger.json", want: true},
		{path: "/user/me", want: false},
		{path: "/healthcheck", want: false},
		{path: "/authentication/admin", want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, table.AllowAnonymous(tt.path), "path %s", tt.path)
	}
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "standard", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "lowercase scheme", header: "bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "empty", header: "", want: ""},
		{name: "no scheme", header: "abc.def.ghi", want: ""},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", want: ""},
		{name: "scheme only", header: "Bearer", want: ""},
		{name: "extra whitespace", header: "Bearer   abc.def.ghi", want: "abc.def.ghi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExtractBearerToken(tt.header))
		})
	}
}
