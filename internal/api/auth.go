package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "radar"

// Claims is the JWT payload accepted by the API.
type Claims struct {
	// Scope is informational; every valid token may read the whole API
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// ClaimsFromContext returns the claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for the shared secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// GenerateToken issues a signed token for subject, valid for ttl.
func (a *Authenticator) GenerateToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Scope: "dashboard",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ParseToken validates a token and extracts its claims.
func (a *Authenticator) ParseToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

var errMissingToken = errors.New("missing bearer token")

// bearerToken reads the token from the Authorization header. With
// allowQuery a token query parameter is accepted when the header is absent.
func bearerToken(r *http.Request, allowQuery bool) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", errors.New("malformed authorization header")
		}
		return token, nil
	}
	if allowQuery {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	return "", errMissingToken
}

// Middleware rejects requests without a valid Authorization header.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return a.authenticate(next, false)
}

// WebsocketMiddleware is Middleware for websocket upgrades. Browsers cannot
// set headers on the handshake, so a token query parameter is accepted too.
func (a *Authenticator) WebsocketMiddleware(next http.Handler) http.Handler {
	return a.authenticate(next, true)
}

func (a *Authenticator) authenticate(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r, allowQuery)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="radar"`)
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.ParseToken(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="radar", error="invalid_token"`)
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}
