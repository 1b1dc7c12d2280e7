package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ayush/bookshelf/internal/auth"
	"github.com/ayush/bookshelf/internal/httpx"
)

// RevocationChecker reports whether a token id was revoked by logout.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RequireAuth is middleware that validates the bearer token and injects
// its claims into the request context. revocations may be nil.
func RequireAuth(tokens *auth.TokenIssuer, revocations RevocationChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				httpx.Unauthorized(w, "missing or malformed bearer token")
				return
			}

			claims, err := tokens.Verify(raw)
			if err != nil {
				httpx.Unauthorized(w, "invalid or expired token")
				return
			}

			if revocations != nil {
				revoked, err := revocations.IsRevoked(r.Context(), claims.ID)
				if err != nil {
					httpx.ServerError(w, r, err)
					return
				}
				if revoked {
					httpx.Unauthorized(w, "token has been revoked")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
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
