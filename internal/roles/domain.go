package roles

import "time"

// MaxHierarchyDepth bounds every ancestor walk. It is a defensive cap that
// guarantees termination even if a cycle somehow reaches storage, not a
// declared maximum hierarchy depth.
const MaxHierarchyDepth = 10

// Role represents a named, hierarchical grouping of permissions.
//
// UserCount is a derived cache of the role's active assignments,
// recomputed after every assignment mutation and never written directly.
type Role struct {
	ID           int64
	Name         string
	DisplayName  string
	Description  string
	ParentRoleID *int64
	IsSystem     bool
	IsActive     bool
	IsDefault    bool
	Priority     int
	Color        string
	Icon         string
	MaxUsers     *int
	UserCount    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Grant ties a permission to a role. A role's permission set is the set of
// its currently-active grants.
type Grant struct {
	RoleID       int64
	PermissionID int64
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeleteOptions steer role deletion.
type DeleteOptions struct {
	// ReplacementRoleID moves the role's active assignments to another role
	// before the tombstone is written.
	ReplacementRoleID *int64
	// Force overrides the system-role and users-still-assigned guards.
	Force bool
}
