package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognised by the API.
const (
	// RoleAuditor may read and verify every client's ledger entries.
	RoleAuditor = "auditor"
	// RoleOperator may also write checkpoints and act on any job.
	RoleOperator = "operator"
)

// Identity is the already-authenticated caller. The hub does not log users
// in; it reads the subject an upstream gateway or token issuer vouched for.
type Identity struct {
	Subject  string
	ClientID string
	Roles    []string
}

// Has reports whether the identity carries role. Operators hold every role.
func (id *Identity) Has(role string) bool {
	return slices.Contains(id.Roles, role) || slices.Contains(id.Roles, RoleOperator)
}

// CanActFor reports whether the identity may act on clientID's records.
func (id *Identity) CanActFor(clientID string) bool {
	return id.ClientID == clientID || id.Has(RoleOperator)
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by the auth middleware.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// Claims are the JWT claims the hub reads.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Roles    []string `json:"roles"`
}

// Authenticator extracts the caller identity from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a validator for tokens signed with secret.
// Empty issuer or audience are not checked.
func NewJWTAuthenticator(secret []byte, issuer, audience string) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTAuthenticator{secret: secret, parser: jwt.NewParser(opts...)}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.New("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, errors.New("invalid Authorization header format (expected 'Bearer <token>')")
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	client := claims.ClientID
	if client == "" {
		client = claims.Subject
	}
	return &Identity{Subject: claims.Subject, ClientID: client, Roles: claims.Roles}, nil
}

// HeaderAuthenticator trusts a client id header. Development only.
type HeaderAuthenticator struct {
	Header string
}

// Authenticate implements Authenticator. Roles come from a comma separated
// X-Client-Roles header.
func (a HeaderAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	client := strings.TrimSpace(r.Header.Get(a.Header))
	if client == "" {
		return nil, fmt.Errorf("missing %s header", a.Header)
	}
	var roles []string
	for _, role := range strings.Split(r.Header.Get("X-Client-Roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return &Identity{Subject: client, ClientID: client, Roles: roles}, nil
}

var publicPaths = []string{"/health"}

// AuthMiddleware attaches the caller identity. A nil authenticator rejects
// every non-public request.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(publicPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if auth == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}
			id, err := auth.Authenticate(r)
			if err != nil {
				WriteUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
