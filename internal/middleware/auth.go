package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/northstar-lms/custodian/internal/auth"
)

// Authenticator validates bearer tokens.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's identity in the request context. metrics may be nil.
func RequireAuth(authn Authenticator, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				metrics.IncAuthFailures("auth_required")
				writeAuthError(w, r, "auth_required", "Missing bearer token")
				return
			}
			id, err := authn.Authenticate(token)
			if err != nil {
				code, msg := "invalid_token", "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					code, msg = "token_expired", "Token has expired"
				}
				metrics.IncAuthFailures(code)
				writeAuthError(w, r, code, msg)
				return
			}

			SetSubject(r.Context(), id.Subject, id.Role)
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code, message string) {
	SetErrorCode(r.Context(), code)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="custodian"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}` + "\n"))
}
