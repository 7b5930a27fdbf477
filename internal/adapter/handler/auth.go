package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rl1809/stall-market/internal/core/domain"
)

var ErrMissingToken = errors.New("bearer token required")

// Identity is the authenticated caller. Persona comes from the token subject.
type Identity struct {
	Persona domain.PersonaID
	Name    string
}

type personaClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for persona. Used by operators and tests.
func (a *Authenticator) Issue(persona domain.PersonaID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := personaClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(persona),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) ValidateToken(tokenString string) (Identity, error) {
	claims := &personaClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, errors.New("invalid token or claims")
	}
	return Identity{Persona: domain.PersonaID(claims.Subject), Name: claims.Name}, nil
}

// Middleware authenticates requests from the Authorization header, or the
// access_token query parameter for websocket upgrades.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			tokenString = r.URL.Query().Get("access_token")
		}
		if tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, Response{Message: ErrMissingToken.Error()})
			return
		}
		id, err := a.ValidateToken(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, Response{Message: "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(header string) (string, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
