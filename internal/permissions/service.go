package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetByID(ctx context.Context, id int64) (Permission, error)
	GetByName(ctx context.Context, name string) (Permission, error)
	Create(ctx context.Context, perm Permission) (Permission, error)
	Update(ctx context.Context, perm Permission) error
	Search(ctx context.Context, filter SearchFilter, page shared.Pagination) ([]Permission, int, error)
}

// ResolverCache invalidates cached permission resolutions after mutations.
type ResolverCache interface {
	Bump(ctx context.Context) error
}

// Service orchestrates the permission catalog.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditPort
	cache ResolverCache
}

// NewService constructs the catalog service.
func NewService(repo RepositoryPort, audit shared.AuditPort, cache ResolverCache) *Service {
	return &Service{repo: repo, audit: audit, cache: cache}
}

// CreateInput describes a new permission.
type CreateInput struct {
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
}

// Create validates and stores a new permission definition.
func (s *Service) Create(ctx context.Context, input CreateInput) (Permission, error) {
	name := strings.TrimSpace(strings.ToLower(input.Name))
	module, action, ok := SplitName(name)
	if !ok {
		return Permission{}, fmt.Errorf("permissions: name %q must be module.action: %w", input.Name, shared.ErrValidation)
	}
	if input.Module != "" && input.Module != module {
		return Permission{}, fmt.Errorf("permissions: module %q does not match name: %w", input.Module, shared.ErrValidation)
	}
	if input.Action != "" && input.Action != action {
		return Permission{}, fmt.Errorf("permissions: action %q does not match name: %w", input.Action, shared.ErrValidation)
	}
	level := input.AccessLevel
	if level == "" {
		level = AccessBasic
	}
	if !ValidAccessLevel(level) {
		return Permission{}, fmt.Errorf("permissions: unknown access level %q: %w", level, shared.ErrValidation)
	}
	scope := input.Scope
	if scope == "" {
		scope = ScopeOwn
	}
	if !ValidScope(scope) {
		return Permission{}, fmt.Errorf("permissions: unknown scope %q: %w", scope, shared.ErrValidation)
	}
	if _, err := s.repo.GetByName(ctx, name); err == nil {
		return Permission{}, fmt.Errorf("permissions: %s already exists: %w", name, shared.ErrConflict)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Permission{}, err
	}

	display := strings.TrimSpace(input.DisplayName)
	if display == "" {
		display = name
	}
	perm := Permission{
		Name:        name,
		DisplayName: display,
		Description: strings.TrimSpace(input.Description),
		Module:      module,
		Action:      action,
		Resource:    strings.TrimSpace(input.Resource),
		AccessLevel: level,
		Scope:       scope,
		Group:       strings.TrimSpace(input.Group),
		Requires:    input.Requires,
		IsSystem:    input.IsSystem,
		IsActive:    true,
	}
	created, err := s.repo.Create(ctx, perm)
	if err != nil {
		return Permission{}, err
	}
	s.recordAudit(ctx, "permission.create", created.ID, map[string]any{"name": created.Name})
	return created, nil
}

// UpdateInput carries mutable permission fields. Nil pointers leave the
// current value untouched.
type UpdateInput struct {
	Name        *string
	DisplayName *string
	Description *string
	Resource    *string
	AccessLevel *AccessLevel
	Scope       *Scope
	Group       *string
	Requires    []int64
	IsActive    *bool
}

// Update applies the given fields. System permissions are rename-protected.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (Permission, error) {
	perm, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Permission{}, err
	}
	if input.Name != nil {
		name := strings.TrimSpace(strings.ToLower(*input.Name))
		if name != perm.Name {
			if perm.IsSystem {
				return Permission{}, fmt.Errorf("permissions: %s is a system permission: %w", perm.Name, shared.ErrProtected)
			}
			module, action, ok := SplitName(name)
			if !ok {
				return Permission{}, fmt.Errorf("permissions: name %q must be module.action: %w", name, shared.ErrValidation)
			}
			if _, err := s.repo.GetByName(ctx, name); err == nil {
				return Permission{}, fmt.Errorf("permissions: %s already exists: %w", name, shared.ErrConflict)
			} else if !errors.Is(err, shared.ErrNotFound) {
				return Permission{}, err
			}
			perm.Name = name
			perm.Module = module
			perm.Action = action
		}
	}
	if input.DisplayName != nil {
		perm.DisplayName = strings.TrimSpace(*input.DisplayName)
	}
	if input.Description != nil {
		perm.Description = strings.TrimSpace(*input.Description)
	}
	if input.Resource != nil {
		perm.Resource = strings.TrimSpace(*input.Resource)
	}
	if input.AccessLevel != nil {
		if !ValidAccessLevel(*input.AccessLevel) {
			return Permission{}, fmt.Errorf("permissions: unknown access level %q: %w", *input.AccessLevel, shared.ErrValidation)
		}
		perm.AccessLevel = *input.AccessLevel
	}
	if input.Scope != nil {
		if !ValidScope(*input.Scope) {
			return Permission{}, fmt.Errorf("permissions: unknown scope %q: %w", *input.Scope, shared.ErrValidation)
		}
		perm.Scope = *input.Scope
	}
	if input.Group != nil {
		perm.Group = strings.TrimSpace(*input.Group)
	}
	if input.Requires != nil {
		perm.Requires = input.Requires
	}
	if input.IsActive != nil {
		perm.IsActive = *input.IsActive
	}
	if err := s.repo.Update(ctx, perm); err != nil {
		return Permission{}, err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "permission.update", perm.ID, map[string]any{"name": perm.Name})
	return s.repo.GetByID(ctx, id)
}

// Delete tombstones a permission. Without force the delete is rejected while
// any active grant references it; with force every grant is revoked first.
// System permissions can never be deleted.
func (s *Service) Delete(ctx context.Context, id int64, force bool) error {
	var revoked int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		perm, err := tx.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if perm.IsSystem {
			return fmt.Errorf("permissions: %s is a system permission: %w", perm.Name, shared.ErrProtected)
		}
		grants, err := tx.CountActiveGrants(ctx, id)
		if err != nil {
			return err
		}
		if grants > 0 {
			if !force {
				return fmt.Errorf("permissions: %s has %d active grants: %w", perm.Name, grants, shared.ErrInUse)
			}
			revoked, err = tx.RevokeGrants(ctx, id)
			if err != nil {
				return err
			}
			if err := tx.RecomputeUsage(ctx, id); err != nil {
				return err
			}
		}
		return tx.Tombstone(ctx, id, mangleName(perm.Name))
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "permission.delete", id, map[string]any{"force": force, "revoked_grants": revoked})
	return nil
}

// Get fetches a permission by id.
func (s *Service) Get(ctx context.Context, id int64) (Permission, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByName fetches a permission by its module.action name.
func (s *Service) GetByName(ctx context.Context, name string) (Permission, error) {
	return s.repo.GetByName(ctx, strings.TrimSpace(strings.ToLower(name)))
}

// Search runs a combined free-text and exact-filter query.
func (s *Service) Search(ctx context.Context, filter SearchFilter) (SearchResult, error) {
	filter.Query = cases.Fold().String(strings.TrimSpace(filter.Query))
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	items, total, err := s.repo.Search(ctx, filter, page)
	if err != nil {
		return SearchResult{}, err
	}
	result := SearchResult{
		Items:      items,
		Pagination: shared.NewPagination(filter.Page, filter.PerPage, total),
	}
	switch filter.GroupBy {
	case GroupByModule:
		result.Groups = groupPermissions(items, func(p Permission) string { return p.Module })
	case GroupByGroup:
		result.Groups = groupPermissions(items, func(p Permission) string { return p.Group })
	}
	return result, nil
}

func groupPermissions(items []Permission, key func(Permission) string) map[string][]Permission {
	groups := make(map[string][]Permission)
	for _, p := range items {
		k := key(p)
		groups[k] = append(groups[k], p)
	}
	return groups
}

func mangleName(name string) string {
	return fmt.Sprintf("%s:deleted:%d", name, time.Now().UnixNano())
}

func (s *Service) bump(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	actor, _ := shared.ActorFromContext(ctx)
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "permission",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	})
}
