package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role represents the RBAC role carried by an authenticated caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleReader   Role = "reader"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return RoleRank(r) > 0
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters. RoleAtLeast uses >= comparison.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleOperator:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Principal is an API identity: an actor inside a tenant with a role and an
// API key that can be exchanged for a JWT.
type Principal struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Actor      string    `json:"actor"`
	Role       Role      `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidateIdentifier checks that a tenant, workspace, or actor identifier
// conforms to the allowed format: 1-255 ASCII characters, alphanumeric, dots,
// hyphens, underscores, and @ signs.
func ValidateIdentifier(field, id string) error {
	if len(id) == 0 {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(id) > 255 {
		return &ValidationError{Field: field, Message: "must be at most 255 characters"}
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return &ValidationError{Field: field, Message: fmt.Sprintf("contains invalid character at position %d: %q", i, c)}
		}
	}
	return nil
}
