package session

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// Claims are the bearer token claims the service reads.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	// RoleID is the default organization role.
	RoleID string `json:"roleId,omitempty"`
	// OrgRoles maps organization id to the user's role there.
	OrgRoles map[string]string `json:"orgRoles,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	Token    string
	UserID   string
	Email    string
	RoleID   string
	OrgRoles map[string]string
}

// RoleFor returns the caller's role in orgID.
func (i Identity) RoleFor(orgID string) string {
	if r, ok := i.OrgRoles[orgID]; ok {
		return r
	}
	return i.RoleID
}

// TokenParser extracts identities from bearer tokens. With a secret it
// verifies HS256 signatures; without one it only decodes the claims and leaves
// verification to the remote API, which receives the same token.
type TokenParser struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenParser creates a parser. secret may be empty.
func NewTokenParser(secret string) *TokenParser {
	return &TokenParser{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Parse validates token and returns the identity it carries.
func (p *TokenParser) Parse(token string) (Identity, error) {
	claims := &Claims{}
	var err error
	if len(p.secret) > 0 {
		_, err = p.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return p.secret, nil
		})
	} else {
		_, _, err = p.parser.ParseUnverified(token, claims)
	}
	if err != nil {
		return Identity{}, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid bearer token")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return Identity{}, errors.New(errors.ErrCodeUnauthorized, "bearer token has no subject")
	}

	return Identity{
		Token:    token,
		UserID:   sub,
		Email:    claims.Email,
		RoleID:   claims.RoleID,
		OrgRoles: claims.OrgRoles,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// Middleware authenticates requests and stores the Identity in the context.
// onError writes the failure response.
func Middleware(p *TokenParser, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				onError(w, r, errors.New(errors.ErrCodeUnauthorized, "missing bearer token"))
				return
			}
			id, err := p.Parse(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
