package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexedwards/argon2id"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestHeadersSetsNoStore(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://ops.example.com/admin/webhook-events/stale", nil)
	req.TLS = &tls.ConnectionState{}
	rr := httptest.NewRecorder()
	Headers(ok).ServeHTTP(rr, req)

	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.NotEmpty(t, rr.Header().Get("Strict-Transport-Security"))
}

func TestPprofGuard(t *testing.T) {
	hash, err := argon2id.CreateHash("profile-me", &argon2id.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	guard := PprofGuard{User: "ops", PasswordHash: hash}.Middleware(ok)

	cases := []struct {
		name       string
		user, pass string
		want       int
	}{
		{"valid", "ops", "profile-me", http.StatusOK},
		{"wrong password", "ops", "nope", http.StatusUnauthorized},
		{"wrong user", "root", "profile-me", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
			req.SetBasicAuth(tc.user, tc.pass)
			rr := httptest.NewRecorder()
			guard.ServeHTTP(rr, req)
			require.Equal(t, tc.want, rr.Code)
		})
	}

	rr := httptest.NewRecorder()
	PprofGuard{}.Middleware(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
