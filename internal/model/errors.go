package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below unwraps to one of these so callers
// can branch with errors.Is without knowing the concrete type.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrPermission        = errors.New("permission denied")
	ErrPromotionBlocked  = errors.New("promotion blocked")
)

// ValidationError reports malformed input. Field may be empty for errors that
// are not tied to a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing resource. Cross-tenant lookups return the
// same error as genuinely absent rows.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a uniqueness violation or a lost conditional write.
type ConflictError struct {
	Resource string
	ID       string
	Message  string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Message)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidTransitionError reports a skill state change outside the lifecycle
// graph, including the transitions that would have been accepted.
type InvalidTransitionError struct {
	Resource string
	From     SkillState
	To       SkillState
	Allowed  []SkillState
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	if len(allowed) == 0 {
		return fmt.Sprintf("%s: cannot transition from %s to %s (%s is terminal)", e.Resource, e.From, e.To, e.From)
	}
	return fmt.Sprintf("%s: cannot transition from %s to %s (allowed: %s)",
		e.Resource, e.From, e.To, strings.Join(allowed, ", "))
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// BudgetExceededError reports a spend that would cross the tenant's hard limit.
type BudgetExceededError struct {
	TenantID  string
	Requested float64
	Spent     float64
	HardLimit float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for tenant %s: spent %.4f + requested %.4f > hard limit %.4f",
		e.TenantID, e.Spent, e.Requested, e.HardLimit)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// PermissionError reports a missing permission and the roles that hold it.
type PermissionError struct {
	Permission Permission
	Role       Role
	Allowed    []Role
}

func (e *PermissionError) Error() string {
	roles := make([]string, len(e.Allowed))
	for i, r := range e.Allowed {
		roles[i] = string(r)
	}
	return fmt.Sprintf("role %q lacks permission %s (granted to: %s)", e.Role, e.Permission, strings.Join(roles, ", "))
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// PromotionBlockedError reports a promotion stopped by failed pre-flight checks.
type PromotionBlockedError struct {
	FailedChecks []string
}

func (e *PromotionBlockedError) Error() string {
	return "promotion blocked by failed checks: " + strings.Join(e.FailedChecks, ", ")
}

func (e *PromotionBlockedError) Unwrap() error { return ErrPromotionBlocked }
