package permissions

import (
	"regexp"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// AccessLevel grades how sensitive a permission is.
type AccessLevel string

const (
	AccessBasic        AccessLevel = "basic"
	AccessIntermediate AccessLevel = "intermediate"
	AccessAdvanced     AccessLevel = "advanced"
	AccessAdmin        AccessLevel = "admin"
)

// Scope bounds the data a permission reaches.
type Scope string

const (
	ScopeOwn          Scope = "own"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "organization"
	ScopeGlobal       Scope = "global"
)

// namePattern constrains permission names to module.action form.
var namePattern = regexp.MustCompile(`^([a-z][a-z0-9_]*)\.([a-z][a-z0-9_]*)$`)

// SplitName returns the module and action halves of a permission name.
// ok is false when the name does not match the module.action pattern.
func SplitName(name string) (module, action string, ok bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// ValidAccessLevel reports whether the given level is one of the known grades.
func ValidAccessLevel(level AccessLevel) bool {
	switch level {
	case AccessBasic, AccessIntermediate, AccessAdvanced, AccessAdmin:
		return true
	}
	return false
}

// ValidScope reports whether the given scope is one of the known bounds.
func ValidScope(scope Scope) bool {
	switch scope {
	case ScopeOwn, ScopeTeam, ScopeOrganization, ScopeGlobal:
		return true
	}
	return false
}

// Permission represents an atomic module.action grant.
//
// Module and Action are denormalised copies of the two halves of Name and
// must always match it. UsageCount is a derived cache of active grants
// referencing this permission; it is recomputed after every grant flip and
// never written directly. Requires lists permission ids this permission
// declares as prerequisites; the engine stores but does not enforce them.
type Permission struct {
	ID          int64
	Name        string
	DisplayName string
	Description string
	Module      string
	Action      string
	Resource    string
	AccessLevel AccessLevel
	Scope       Scope
	Group       string
	Requires    []int64
	IsSystem    bool
	IsActive    bool
	UsageCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// GroupBy selects the grouping applied to search results.
type GroupBy string

const (
	GroupByNone   GroupBy = ""
	GroupByModule GroupBy = "module"
	GroupByGroup  GroupBy = "group"
)

// SearchFilter combines free-text and exact filters with AND semantics.
type SearchFilter struct {
	Query       string
	Module      string
	Action      string
	AccessLevel AccessLevel
	Scope       Scope
	Group       string
	IsActive    *bool
	IsSystem    *bool
	InUse       *bool
	GroupBy     GroupBy
	Page        int
	PerPage     int
}

// SearchResult carries one page of matches, optionally grouped.
type SearchResult struct {
	Items      []Permission
	Groups     map[string][]Permission
	Pagination shared.Pagination
}
