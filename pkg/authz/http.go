package authz

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	sserr "github.com/helixmed/authgate/pkg/errors"
)

// HeaderAuthorization is the HTTP header carrying the bearer token.
const HeaderAuthorization = "Authorization"

// ExtractBearerToken returns the token portion of a bearer
// authorization header, or an empty string when the header is missing
// or not a bearer scheme. The scheme is matched case-insensitively.
func ExtractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	scheme, tok, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// HTTPMiddleware returns middleware that authorizes every request
// through the filter.
//
// The middleware performs the following steps:
//  1. Passes allow-listed paths (health, login callbacks, swagger)
//     through untouched
//  2. Extracts the bearer token from the Authorization header
//  3. Matches the request against the route table
//  4. Authorizes the token through the [Filter]
//  5. Stores the resulting [Principal] in the request context
//
// Authorization failures are written as JSON error responses with the
// status mapped from the error code.
func HTTPMiddleware(filter *Filter, table *RouteTable) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if table.AllowAnonymous(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			tok := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
			if tok == "" {
				writeError(w, http.StatusUnauthorized, string(sserr.CodeAuthentication), "missing or invalid authorization header")
				return
			}

			route := table.Match(r.Method, r.URL.Path)
			principal, err := filter.Authorize(r.Context(), tok, route)
			if err != nil {
				status, code, msg := responseFor(err)
				if status >= http.StatusInternalServerError {
					slog.ErrorContext(r.Context(), "authorization filter failed",
						"path", r.URL.Path, "error", err)
					msg = "authorization failed"
				}
				writeError(w, status, code, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// responseFor maps an authorization error onto an HTTP status, error
// code, and client-safe message.
func responseFor(err error) (status int, code, msg string) {
	if structured, ok := sserr.AsError(err); ok {
		return structured.HTTPStatus(), string(structured.Code), structured.Message
	}
	return http.StatusInternalServerError, string(sserr.CodeInternal), "authorization failed"
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}
