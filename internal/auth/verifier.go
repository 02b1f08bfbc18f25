package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"slipgate.org/internal/keyset"
	"slipgate.org/internal/obs"
)

// Claim names checked for roles, in priority order. Directory services emit
// the role set as a single string or a list under any of these.
var roleClaims = []string{
	"roles",
	"role",
	"http://schemas.microsoft.com/ws/2008/06/identity/claims/role",
}

// Verifier validates bearer tokens against the remote key set and extracts
// the caller identity. Every failure surfaces as ErrUnauthorized; the cause
// is logged internally and never leaked to the caller.
type Verifier struct {
	keys     *keyset.Provider
	issuer   string
	audience string
}

// NewVerifier builds a Verifier expecting tokens for the given issuer and
// audience, resolving signing keys through keys.
func NewVerifier(keys *keyset.Provider, issuer, audience string) *Verifier {
	return &Verifier{
		keys:     keys,
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
	}
}

// Verify checks the token signature, validity window, issuer and audience,
// and returns the identity carried in the claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrUnauthorized
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodRS256 {
			return nil, ErrUnauthorized
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.SigningKey(ctx, kid)
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		// Key resolution faults (including rate limiting) are indistinguishable
		// from a bogus token for the caller, but the reason matters for ops.
		obs.LogEvent(map[string]any{
			"type":  "auth",
			"event": "token.rejected",
			"error": err.Error(),
		})
		return Identity{}, ErrUnauthorized
	}

	return identityFromClaims(claims), nil
}

func identityFromClaims(claims jwt.MapClaims) Identity {
	id := Identity{}
	if sub, _ := claims["sub"].(string); sub != "" {
		id.Subject = sub
	}
	// Azure-style tokens carry the stable principal id in "oid".
	if id.Subject == "" {
		if oid, _ := claims["oid"].(string); oid != "" {
			id.Subject = oid
		}
	}
	if email, _ := claims["email"].(string); email != "" {
		id.Email = email
	} else if upn, _ := claims["preferred_username"].(string); upn != "" {
		id.Email = upn
	}
	id.Roles = normalizeRoles(extractRoles(claims))
	return id
}

// extractRoles accepts the roles claim as either a single string or a list
// of strings; the ambiguity stops here.
func extractRoles(claims jwt.MapClaims) []string {
	for _, name := range roleClaims {
		raw, ok := claims[name]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			return []string{v}
		case []any:
			var roles []string
			for _, entry := range v {
				if role, ok := entry.(string); ok {
					roles = append(roles, role)
				}
			}
			return roles
		case []string:
			return v
		}
	}
	return nil
}
