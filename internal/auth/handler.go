package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/ayush/bookshelf/internal/httpx"
	"github.com/ayush/bookshelf/internal/models"
)

type claimsKey struct{}

// WithClaims returns a context carrying the verified token claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims stored by WithClaims, or nil.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// UserIDFrom returns the authenticated user id, or "".
func UserIDFrom(ctx context.Context) string {
	if c := ClaimsFrom(ctx); c != nil {
		return c.UserID
	}
	return ""
}

// Revoker invalidates a token before its natural expiry.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
}

// Handler holds auth-related HTTP handlers.
type Handler struct {
	svc         *Service
	revocations Revoker
}

// NewHandler builds the auth handlers. revocations may be nil, in which
// case logout only tells the client to discard its token.
func NewHandler(svc *Service, revocations Revoker) *Handler {
	return &Handler{svc: svc, revocations: revocations}
}

// Register creates a new user.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.BadRequest(w, err)
		return
	}

	user, err := h.svc.Register(r.Context(), req)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"user": user.Public()})
}

// Login authenticates a user and returns a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.BadRequest(w, err)
		return
	}

	resp, err := h.svc.Login(r.Context(), req)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Logout revokes the presented token.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	if claims == nil {
		httpx.Unauthorized(w, "not authenticated")
		return
	}

	if h.revocations != nil && claims.ExpiresAt != nil {
		if err := h.revocations.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
			httpx.ServerError(w, r, err)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Me returns the currently authenticated user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())
	if userID == "" {
		httpx.Unauthorized(w, "not authenticated")
		return
	}

	user, err := h.svc.Me(r.Context(), userID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": user.Public()})
}
