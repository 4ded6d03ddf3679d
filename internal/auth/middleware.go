package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/common"
)

// Middleware gates the admin API behind operator tokens.
type Middleware struct {
	Tokens Tokens
}

// RequireOperator answers 503 while no signing secret is configured and 401
// for a missing or bad token. Accepted requests carry the operator subject
// on the context and as the "operator" field of the request logger.
func (m Middleware) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := m.Tokens.Verify(bearerToken(r.Header.Get("Authorization")))
		switch {
		case errors.Is(err, ErrNotConfigured):
			common.JSONError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "admin api not configured", nil)
			return
		case err != nil:
			zerolog.Ctx(r.Context()).Debug().Err(err).Msg("operator_token_rejected")
			challenge := `Bearer realm="admin"`
			if !errors.Is(err, ErrNoToken) {
				challenge += `, error="invalid_token"`
			}
			w.Header().Set("WWW-Authenticate", challenge)
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}

		ctx := common.WithSubject(r.Context(), subject)
		logger := zerolog.Ctx(ctx).With().Str("operator", subject).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
