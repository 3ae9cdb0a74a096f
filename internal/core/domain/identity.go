package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentifier indicates the caller supplied no client IP for a rate-limit check.
var ErrInvalidIdentifier = errors.New("rate limit: client ip is required")

// Scope is the dimension a limit applies to.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
)

// Scopes lists every scope in evaluation order.
var Scopes = []Scope{ScopeIP, ScopeTenant, ScopeUser}

// ParseScope normalises textual input into a known scope.
func ParseScope(value string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(value))) {
	case ScopeIP:
		return ScopeIP, nil
	case ScopeTenant:
		return ScopeTenant, nil
	case ScopeUser:
		return ScopeUser, nil
	default:
		return "", fmt.Errorf("unknown scope %q", value)
	}
}

// Identifiers carries the request attributes the engine keys counters on.
// IP is mandatory; tenant and user are present only for identified callers.
type Identifiers struct {
	IP         string
	TenantID   string
	TenantTier string
	UserID     string
}

// Normalize trims whitespace from every field.
func (ids Identifiers) Normalize() Identifiers {
	return Identifiers{
		IP:         strings.TrimSpace(ids.IP),
		TenantID:   strings.TrimSpace(ids.TenantID),
		TenantTier: strings.TrimSpace(ids.TenantTier),
		UserID:     strings.TrimSpace(ids.UserID),
	}
}

// Validate reports ErrInvalidIdentifier when no client IP is present.
func (ids Identifiers) Validate() error {
	if strings.TrimSpace(ids.IP) == "" {
		return ErrInvalidIdentifier
	}
	return nil
}

// Has reports whether a value exists for the scope.
func (ids Identifiers) Has(scope Scope) bool {
	return ids.value(scope) != ""
}

// For returns the composite identifier for the scope, e.g. "tenant:acme".
// The boolean is false when the request carries no value for that scope.
func (ids Identifiers) For(scope Scope) (string, bool) {
	value := ids.value(scope)
	if value == "" {
		return "", false
	}
	return string(scope) + ":" + value, true
}

func (ids Identifiers) value(scope Scope) string {
	switch scope {
	case ScopeIP:
		return strings.TrimSpace(ids.IP)
	case ScopeTenant:
		return strings.TrimSpace(ids.TenantID)
	case ScopeUser:
		return strings.TrimSpace(ids.UserID)
	default:
		return ""
	}
}
