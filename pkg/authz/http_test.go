package authz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/helixmed/authgate/pkg/errors"
)

func newMiddlewareFixture(t *testing.T) (*filterFixture, http.Handler, *Principal) {
	t.Helper()

	f := newFilterFixture(t)
	table := NewRouteTable(
		Route{Name: "query", Prefix: "/query", Privileges: []string{"PRIV_FENCE_phs000001_c1"}},
		Route{Name: "profile", Method: http.MethodGet, Prefix: "/user/me", AllowLongTerm: true},
	)

	var seen Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFromContext(r.Context()); ok {
			seen = p
		}
		w.WriteHeader(http.StatusOK)
	})

	return f, HTTPMiddleware(f.filter, table)(inner), &seen
}

func TestHTTPMiddleware_AuthorizedRequest(t *testing.T) {
	t.Parallel()

	f, handler, seen := newMiddlewareFixture(t)
	user := testDirectoryUser("fence|42", "alice@example.org", "PRIV_FENCE_phs000001_c1")
	f.dir.users[user.Subject] = user

	req := httptest.NewRequest(http.MethodPost, "/query/sync", nil)
	req.Header.Set(HeaderAuthorization, "Bearer "+f.issue(t, "fence|42", "alice@example.org"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, *seen)
	assert.Equal(t, user.ID.String(), (*seen).ID())
}

func TestHTTPMiddleware_AllowListBypassesFilter(t *testing.T) {
	t.Parallel()

	_, handler, seen := newMiddlewareFixture(t)

	for _, path := range []string{"/health", "/fence/authentication", "/swagger/index.html"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
		assert.Nil(t, *seen, "no principal expected for %s", path)
	}
}

func TestHTTPMiddleware_MissingToken(t *testing.T) {
	t.Parallel()

	_, handler, _ := newMiddlewareFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/query/sync", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AUTH_001", body["error"])
}

func TestHTTPMiddleware_ForbiddenWithoutPrivilege(t *testing.T) {
	t.Parallel()

	f, handler, _ := newMiddlewareFixture(t)
	user := testDirectoryUser("fence|42", "alice@example.org", "PRIV_OTHER")
	f.dir.users[user.Subject] = user

	req := httptest.NewRequest(http.MethodPost, "/query/sync", nil)
	req.Header.Set(HeaderAuthorization, "Bearer "+f.issue(t, "fence|42", "alice@example.org"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AUTHZ_002", body["error"])
}

func TestHTTPMiddleware_TermsOfServiceGate(t *testing.T) {
	t.Parallel()

	f, handler, _ := newMiddlewareFixture(t)
	user := testDirectoryUser("fence|42", "alice@example.org", "PRIV_FENCE_phs000001_c1")
	user.AcceptedTOS = nil
	f.dir.users[user.Subject] = user

	req := httptest.NewRequest(http.MethodPost, "/query/sync", nil)
	req.Header.Set(HeaderAuthorization, "Bearer "+f.issue(t, "fence|42", "alice@example.org"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AUTHZ_003", body["error"])
}

func TestHTTPMiddleware_InternalErrorIsOpaque(t *testing.T) {
	t.Parallel()

	f, handler, _ := newMiddlewareFixture(t)
	f.dir.userErr = sserr.New(sserr.CodeInternalDatabase, "database scan failed")

	req := httptest.NewRequest(http.MethodPost, "/query/sync", nil)
	req.Header.Set(HeaderAuthorization, "Bearer "+f.issue(t, "fence|42", "alice@example.org"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "authorization failed", body["message"])
	assert.NotContains(t, rec.Body.String(), "database")
}
