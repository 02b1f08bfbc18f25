package auth

import "strings"

// UnknownActor is the sentinel recorded when no identity field is usable.
const UnknownActor = "unknown"

// Identity is the authenticated caller derived from a verified token. It is
// built fresh per request and never persisted.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// HasRole reports whether the identity carries the role (case-insensitive;
// Roles are normalized at verification time).
func (id Identity) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ActorID is the identity recorded against a redeemed slip. The subject
// claim is canonical; email is only a fallback for tokens that omit a stable
// subject, and UnknownActor closes the chain.
func (id Identity) ActorID() string {
	if s := strings.TrimSpace(id.Subject); s != "" {
		return s
	}
	if e := strings.TrimSpace(id.Email); e != "" {
		return e
	}
	return UnknownActor
}

// normalizeRoles lower-cases, trims and deduplicates role strings.
func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
