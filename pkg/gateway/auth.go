package gateway

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// operatorRole is the role required on mutating routes.
const operatorRole = "operator"

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity represents the authenticated caller of a request.
type Identity struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the identity carries the given role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// operatorClaims is the claim set expected on operator bearer tokens.
type operatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Authenticator resolves a caller identity from a request. With a public
// key configured it verifies an EdDSA bearer token; without one it trusts
// the X-Remote-User and X-Remote-Role headers set by the fronting proxy.
type Authenticator struct {
	publicKey ed25519.PublicKey
}

// NewAuthenticator creates an authenticator. A nil key enables
// trusted-proxy mode.
func NewAuthenticator(publicKey ed25519.PublicKey) *Authenticator {
	return &Authenticator{publicKey: publicKey}
}

// Authenticate resolves the caller identity.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.publicKey == nil {
		return identityFromHeaders(r), nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, fmt.Errorf("missing Authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Identity{}, fmt.Errorf("Authorization header is not a bearer token")
	}

	var claims operatorClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.publicKey, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("invalid bearer token: %w", err)
	}

	return Identity{Subject: claims.Subject, Roles: claims.Roles}, nil
}

func identityFromHeaders(r *http.Request) Identity {
	user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
	if user == "" {
		user = "anonymous"
	}

	var roles []string
	roleHeader := strings.TrimSpace(r.Header.Get("X-Remote-Role"))
	if roleHeader != "" {
		for _, role := range strings.Split(roleHeader, ",") {
			role = strings.TrimSpace(role)
			if role != "" {
				roles = append(roles, role)
			}
		}
	}

	return Identity{Subject: user, Roles: roles}
}

// identityMiddleware resolves the caller identity on every request and
// stores it in the request context. Resolution failures pass through as an
// anonymous identity; enforcement happens on the routes that need a role.
func (a *Authenticator) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			id = Identity{Subject: "anonymous"}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// requireOperator gates a handler behind the operator role. With a public
// key configured an unverifiable bearer token is a 401; a verified caller
// without the role is a 403.
func (a *Authenticator) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.publicKey != nil {
			if _, err := a.Authenticate(r); err != nil {
				writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", err.Error())
				return
			}
		}
		id, _ := IdentityFromContext(r.Context())
		if !id.HasRole(operatorRole) {
			writeError(w, http.StatusForbidden, "OPERATOR_REQUIRED",
				fmt.Sprintf("user %q lacks the %s role", id.Subject, operatorRole))
			return
		}
		next(w, r)
	}
}
