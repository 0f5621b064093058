package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Policy maps a role to the permissions it grants. A permission is "action:resource" where either
// side may contain "*" wildcards, e.g. "read:*" or "*:documents/*".
type Policy map[string][]string

// DefaultPolicy grants admins everything and users read access.
func DefaultPolicy() Policy {
	return Policy{
		"admin": {"*:*"},
		"user":  {"read:*"},
	}
}

// Validate rejects empty role names and malformed permissions.
func (p Policy) Validate() error {
	for role, perms := range p {
		if strings.TrimSpace(role) == "" {
			return errors.New("policy: empty role name")
		}

		for _, perm := range perms {
			action, resource, ok := strings.Cut(perm, ":")
			if !ok || action == "" || resource == "" {
				return fmt.Errorf("policy: role %s: permission %q is not action:resource", role, perm)
			}
		}
	}

	return nil
}

// Has reports whether role is defined.
func (p Policy) Has(role string) bool {
	_, ok := p[role]
	return ok
}

// Decide evaluates action on resource for a subject holding roles. Roles are checked in name order so
// the reason is stable.
func (p Policy) Decide(roles []string, action, resource string) (bool, string) {
	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)

	for _, role := range sorted {
		for _, perm := range p[role] {
			pa, pr, _ := strings.Cut(perm, ":")
			if wildcard(pa, action) && wildcard(pr, resource) {
				return true, fmt.Sprintf("role %s grants %s", role, perm)
			}
		}
	}

	if len(roles) == 0 {
		return false, "subject has no roles"
	}

	return false, fmt.Sprintf("no permission for %s:%s in roles %s", action, resource, strings.Join(sorted, ","))
}

// wildcard matches s against pattern where "*" matches any run of characters.
func wildcard(pattern, s string) bool {
	if pattern == "*" {
		return true
	}

	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}

	s = s[len(parts[0]):]

	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(s, mid)
		if i < 0 {
			return false
		}

		s = s[i+len(mid):]
	}

	return strings.HasSuffix(s, parts[len(parts)-1])
}
