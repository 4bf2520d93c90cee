package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nexfleet/linkd/internal/audit"
	"github.com/nexfleet/linkd/internal/model"
	"github.com/nexfleet/linkd/internal/repository"
	"github.com/nexfleet/linkd/internal/util"
)

type contextKey string

const AccountContextKey contextKey = "account"

func GetAccount(ctx context.Context) *model.Account {
	if account, ok := ctx.Value(AccountContextKey).(*model.Account); ok {
		return account
	}
	return nil
}

// AuthMiddleware resolves a session bearer token to its account. Primary
// user authentication (how sessions come to exist outside device linking)
// is an upstream concern; requests without a valid session are refused.
type AuthMiddleware struct {
	sessionRepo     repository.SessionRepository
	accountRepo     repository.AccountRepository
	tokenHashSecret string
}

func NewAuthMiddleware(sessionRepo repository.SessionRepository, accountRepo repository.AccountRepository, tokenHashSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		sessionRepo:     sessionRepo,
		accountRepo:     accountRepo,
		tokenHashSecret: tokenHashSecret,
	}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		tokenHash := util.HashToken(m.tokenHashSecret, token)
		session, err := m.sessionRepo.FindByTokenHash(r.Context(), tokenHash)
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: database error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Authentication failed",
			})
			return
		}

		if session == nil {
			audit.Log(r.Context(), audit.Event{
				Type: audit.EventAuthFailure,
				IP:   r.RemoteAddr,
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		account, err := m.accountRepo.FindByID(r.Context(), session.AccountID)
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: database error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Authentication failed",
			})
			return
		}

		if account == nil {
			log.Warn().Str("sessionId", session.ID).Msg("auth middleware: session for deleted account")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		ctx := context.WithValue(r.Context(), AccountContextKey, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractToken reads a bearer token from the Authorization header or the
// token query parameter (used by streaming clients that cannot set headers).
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
