package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/service"
	"github.com/subsubl/gate-control/internal/session"
	"github.com/subsubl/gate-control/internal/util"
)

type contextKey string

const claimsKey contextKey = "session_claims"

type AuthHandler struct {
	responder
	auth *service.AuthService
}

func NewAuthHandler(auth *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		responder: responder{logger: logger},
		auth:      auth,
	}
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Status    string    `json:"status"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Post("/auth/login", h.Login)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	token, expires, err := h.auth.Login(r.Context(), req.Password)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, loginResponse{Status: "ok", Token: token, ExpiresAt: expires})
}

// RequireAdmin accepts a bearer token, or a token query parameter for websocket
// clients that cannot set headers.
func (h *AuthHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			h.respondWithError(w, http.StatusUnauthorized, session.ErrInvalidToken, "Authentication required")
			return
		}

		claims, err := h.auth.ValidateToken(token)
		if err != nil {
			h.respondWithError(w, http.StatusUnauthorized, err, "Invalid session")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// ClaimsFromContext returns the session claims stored by RequireAdmin.
func ClaimsFromContext(ctx context.Context) (*session.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*session.Claims)
	return claims, ok
}

func subjectFrom(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.Subject
	}
	util.Debug("No session claims on request context")
	return ""
}
