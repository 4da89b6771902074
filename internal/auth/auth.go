package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/dreamware/coedit/internal/access"
)

// ErrNoToken is returned when a request carries no bearer token
var ErrNoToken = errors.New("no access token")

// Claims is the JWT payload accepted by the Authenticator
type Claims struct {
	Role  string `json:"role,omitempty"`
	Share string `json:"share,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	gojwt.RegisteredClaims
}

// Authenticator verifies HS256 tokens
type Authenticator struct {
	secret []byte
	parser *gojwt.Parser
}

// NewAuthenticator creates an Authenticator for the shared secret
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: gojwt.NewParser(
			gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
			gojwt.WithLeeway(5*time.Second),
		),
	}
}

// Verify parses token and returns the accountability it asserts
func (a *Authenticator) Verify(token string) (access.Accountability, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return access.Accountability{}, fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return access.Accountability{}, errors.New("verify token: missing subject")
	}
	return access.Accountability{
		User:  claims.Subject,
		Role:  claims.Role,
		Share: claims.Share,
		Admin: claims.Admin,
	}, nil
}

// Authenticate extracts the token from the Authorization header or the
// access_token query parameter and verifies it.
func (a *Authenticator) Authenticate(r *http.Request) (access.Accountability, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return access.Accountability{}, ErrNoToken
	}
	return a.Verify(token)
}

// Issue signs a token for acct valid for ttl
func (a *Authenticator) Issue(acct access.Accountability, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:  acct.Role,
		Share: acct.Share,
		Admin: acct.Admin,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   acct.User,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest returns the bearer token of r, or ""
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}
