package assignments

import (
	"fmt"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/permissions"
	"github.com/meridian-erp/meridian-erp/internal/roles"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/users"
)

// MaxBulkSize bounds a single bulk-assign batch.
const MaxBulkSize = 100

// Context tags the business reason behind an assignment.
type Context string

const (
	ContextOnboarding     Context = "onboarding"
	ContextPromotion      Context = "promotion"
	ContextTransfer       Context = "transfer"
	ContextProject        Context = "project"
	ContextTemporary      Context = "temporary"
	ContextAdministrative Context = "administrative"
)

// ValidContext reports whether the tag is one of the known business reasons.
func ValidContext(c Context) bool {
	switch c {
	case ContextOnboarding, ContextPromotion, ContextTransfer, ContextProject, ContextTemporary, ContextAdministrative:
		return true
	}
	return false
}

// allowedConditionKeys is the fixed allow-list for the conditions bag. The
// engine carries the values opaquely and never interprets them.
var allowedConditionKeys = map[string]struct{}{
	"department":   {},
	"project":      {},
	"time_window":  {},
	"ip_range":     {},
	"feature_flag": {},
	"data_access":  {},
}

// ValidateConditions rejects condition keys outside the allow-list.
func ValidateConditions(conditions map[string]any) error {
	for key := range conditions {
		if _, ok := allowedConditionKeys[key]; !ok {
			return fmt.Errorf("assignments: unknown condition key %q: %w", key, shared.ErrValidation)
		}
	}
	return nil
}

// Assignment links a user to a role.
//
// A user may be re-assigned a role after a prior revocation; this produces a
// new row rather than reviving the old one. An assignment past ExpiresAt is
// treated as inactive by every read path even while IsActive is still true.
type Assignment struct {
	ID               int64
	UserID           int64
	RoleID           int64
	IsActive         bool
	IsPrimary        bool
	ExpiresAt        *time.Time
	Context          Context
	AssignmentReason string
	Conditions       map[string]any
	AssignedBy       int64
	AssignedAt       time.Time
	RevokedBy        *int64
	RevokedAt        *time.Time
	RevocationReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the assignment is past its expiry at the given time.
func (a Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Effective reports whether the assignment counts for authorization.
func (a Assignment) Effective(now time.Time) bool {
	return a.IsActive && !a.Expired(now)
}

// UserRole pairs an assignment with its role for user-centric listings.
type UserRole struct {
	Assignment  Assignment
	Role        roles.Role
	Permissions []permissions.Permission
}

// RoleUser pairs an assignment with its user for role-centric listings.
type RoleUser struct {
	Assignment Assignment
	User       users.User
}

// ListOptions steer the query helpers.
type ListOptions struct {
	IncludeInactive    bool
	IncludeExpired     bool
	IncludePermissions bool
	Query              string
	Page               int
	PerPage            int
}

// FailedItem reports one item of a batch that could not be processed.
type FailedItem struct {
	UserID int64  `json:"user_id"`
	RoleID int64  `json:"role_id"`
	Reason string `json:"reason"`
}

// BulkResult aggregates per-item outcomes of a bulk assignment. The batch
// never rolls back as a whole; partial failure is expected and reported.
type BulkResult struct {
	BatchID    string       `json:"batch_id"`
	Successful []Assignment `json:"successful"`
	Failed     []FailedItem `json:"failed"`
}

// TransferOutcome reports one role moved between users.
type TransferOutcome struct {
	RoleID    int64 `json:"role_id"`
	IsPrimary bool  `json:"is_primary"`
}

// TransferResult aggregates per-role outcomes of a transfer.
type TransferResult struct {
	BatchID    string            `json:"batch_id"`
	Successful []TransferOutcome `json:"successful"`
	Failed     []FailedItem      `json:"failed"`
}
