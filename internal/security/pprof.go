package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/rs/zerolog"
)

// PprofGuard protects the profiling endpoints with basic auth. PasswordHash is
// an argon2id hash as produced by argon2id.CreateHash.
type PprofGuard struct {
	User         string
	PasswordHash string
}

// Enabled reports whether credentials are configured.
func (g PprofGuard) Enabled() bool {
	return strings.TrimSpace(g.User) != "" && strings.TrimSpace(g.PasswordHash) != ""
}

// Middleware answers 404 when disabled and 401 on bad credentials.
func (g PprofGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(g.User)) != 1 {
			g.challenge(w)
			return
		}
		match, err := argon2id.ComparePasswordAndHash(pass, g.PasswordHash)
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("pprof_password_hash_invalid")
		}
		if !match {
			g.challenge(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (PprofGuard) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="pprof"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
