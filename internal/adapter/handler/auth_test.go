package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stall-market/internal/core/domain"
)

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	token, err := auth.Issue("alice", "Alice", time.Hour)
	require.NoError(t, err)

	id, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.PersonaID("alice"), id.Persona)
	assert.Equal(t, "Alice", id.Name)
}

func TestAuthenticator_Rejects(t *testing.T) {
	auth := NewAuthenticator(testSecret)

	forged, err := NewAuthenticator("other-secret").Issue("alice", "", time.Hour)
	require.NoError(t, err)
	_, err = auth.ValidateToken(forged)
	assert.Error(t, err)

	expired, err := auth.Issue("alice", "", -time.Minute)
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	assert.Error(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = auth.ValidateToken(noExpiry)
	assert.Error(t, err)

	anonymous, err := auth.Issue("", "", time.Hour)
	require.NoError(t, err)
	_, err = auth.ValidateToken(anonymous)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ValidateToken(none)
	assert.Error(t, err)
}

func TestAuthenticator_Middleware(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	token, err := auth.Issue("alice", "Alice", time.Hour)
	require.NoError(t, err)

	var seen domain.PersonaID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		seen = id.Persona
		w.WriteHeader(http.StatusNoContent)
	})
	h := auth.Middleware(next)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no token", "/api/x", "", http.StatusUnauthorized},
		{"not bearer", "/api/x", "Basic abc", http.StatusUnauthorized},
		{"garbage", "/api/x", "Bearer abc", http.StatusUnauthorized},
		{"header", "/api/x", "Bearer " + token, http.StatusNoContent},
		{"query", "/api/x?access_token=" + token, "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, domain.PersonaID("alice"), seen)
			}
		})
	}
}
