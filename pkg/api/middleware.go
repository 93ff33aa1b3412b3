package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const tokenContextKey contextKey = "token"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireToken checks the Bearer token against the configured bcrypt hashes
// and injects the matching token name into the request context.
func (s *server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.Auth.Tokens) == 0 {
			writeJSON(w, http.StatusForbidden,
				errorResponse{"appending is disabled: no tokens configured"})

			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		name, ok := s.matchToken(authHeader[7:])
		if !ok {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid token"})

			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// matchToken returns the name of the configured token whose hash matches.
func (s *server) matchToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}

	for _, t := range s.cfg.Auth.Tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(token)) == nil {
			return t.Name, true
		}
	}

	return "", false
}

// tokenFromContext returns the authenticated token name.
func tokenFromContext(ctx context.Context) string {
	name, _ := ctx.Value(tokenContextKey).(string)

	return name
}
