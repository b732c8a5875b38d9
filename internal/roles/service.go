package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/permissions"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetByID(ctx context.Context, id int64) (Role, error)
	GetByName(ctx context.Context, name string) (Role, error)
	List(ctx context.Context) ([]Role, error)
	Children(ctx context.Context, roleID int64) ([]Role, error)
	DefaultRole(ctx context.Context) (Role, error)
	Permissions(ctx context.Context, roleID int64) ([]permissions.Permission, error)
}

// ResolverCache invalidates cached permission resolutions after mutations.
type ResolverCache interface {
	Bump(ctx context.Context) error
}

// Service orchestrates the role hierarchy.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditPort
	cache ResolverCache
}

// NewService constructs the hierarchy service.
func NewService(repo RepositoryPort, audit shared.AuditPort, cache ResolverCache) *Service {
	return &Service{repo: repo, audit: audit, cache: cache}
}

// CreateInput describes a new role.
type CreateInput struct {
	Name         string
	DisplayName  string
	Description  string
	ParentRoleID *int64
	IsSystem     bool
	IsDefault    bool
	Priority     int
	Color        string
	Icon         string
	MaxUsers     *int
}

// Create validates and stores a new role. When IsDefault is set the default
// flag is cleared from every other role within the same transaction.
func (s *Service) Create(ctx context.Context, input CreateInput) (Role, error) {
	name := strings.TrimSpace(strings.ToLower(input.Name))
	if name == "" {
		return Role{}, fmt.Errorf("roles: name required: %w", shared.ErrValidation)
	}
	if input.MaxUsers != nil && *input.MaxUsers < 0 {
		return Role{}, fmt.Errorf("roles: max users must not be negative: %w", shared.ErrValidation)
	}
	display := strings.TrimSpace(input.DisplayName)
	if display == "" {
		display = name
	}

	var created Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetByName(ctx, name); err == nil {
			return fmt.Errorf("roles: %s already exists: %w", name, shared.ErrConflict)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		if input.ParentRoleID != nil {
			parent, err := tx.GetByID(ctx, *input.ParentRoleID)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					return fmt.Errorf("roles: parent %d: %w", *input.ParentRoleID, shared.ErrNotFound)
				}
				return err
			}
			// A new role has no id yet so the walk cannot find it; this is
			// the symmetric half of the update-time cycle check and also
			// rejects chains that already exceed the depth cap.
			if _, err := walkAncestors(ctx, tx, parent.ID, 0); err != nil {
				return err
			}
		}
		role := Role{
			Name:         name,
			DisplayName:  display,
			Description:  strings.TrimSpace(input.Description),
			ParentRoleID: input.ParentRoleID,
			IsSystem:     input.IsSystem,
			IsActive:     true,
			IsDefault:    input.IsDefault,
			Priority:     input.Priority,
			Color:        input.Color,
			Icon:         input.Icon,
			MaxUsers:     input.MaxUsers,
		}
		id, err := tx.Insert(ctx, role)
		if err != nil {
			return err
		}
		if input.IsDefault {
			if err := tx.ClearDefault(ctx, id); err != nil {
				return err
			}
		}
		created, err = tx.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "role.create", created.ID, map[string]any{"name": created.Name})
	return created, nil
}

// UpdateInput carries mutable role fields. Nil pointers leave the current
// value untouched; the Clear flags reset the corresponding optional field.
type UpdateInput struct {
	Name          *string
	DisplayName   *string
	Description   *string
	ParentRoleID  *int64
	ClearParent   bool
	IsActive      *bool
	IsDefault     *bool
	Priority      *int
	Color         *string
	Icon          *string
	MaxUsers      *int
	ClearMaxUsers bool
}

// Update applies the given fields under the same validations as Create.
// Re-parenting that would make the role its own ancestor is rejected, as is
// lowering MaxUsers below the current user count.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (Role, error) {
	var updated Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if input.Name != nil {
			name := strings.TrimSpace(strings.ToLower(*input.Name))
			if name == "" {
				return fmt.Errorf("roles: name required: %w", shared.ErrValidation)
			}
			if name != role.Name {
				if role.IsSystem {
					return fmt.Errorf("roles: %s is a system role: %w", role.Name, shared.ErrProtected)
				}
				if _, err := tx.GetByName(ctx, name); err == nil {
					return fmt.Errorf("roles: %s already exists: %w", name, shared.ErrConflict)
				} else if !errors.Is(err, shared.ErrNotFound) {
					return err
				}
				role.Name = name
			}
		}
		if input.ClearParent {
			role.ParentRoleID = nil
		} else if input.ParentRoleID != nil {
			newParent := *input.ParentRoleID
			if newParent == id {
				return fmt.Errorf("roles: role cannot be its own parent: %w", shared.ErrCycle)
			}
			if _, err := tx.GetByID(ctx, newParent); err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					return fmt.Errorf("roles: parent %d: %w", newParent, shared.ErrNotFound)
				}
				return err
			}
			if _, err := walkAncestors(ctx, tx, newParent, id); err != nil {
				return err
			}
			role.ParentRoleID = &newParent
		}
		if input.DisplayName != nil {
			role.DisplayName = strings.TrimSpace(*input.DisplayName)
		}
		if input.Description != nil {
			role.Description = strings.TrimSpace(*input.Description)
		}
		if input.IsActive != nil {
			role.IsActive = *input.IsActive
		}
		if input.Priority != nil {
			role.Priority = *input.Priority
		}
		if input.Color != nil {
			role.Color = *input.Color
		}
		if input.Icon != nil {
			role.Icon = *input.Icon
		}
		if input.ClearMaxUsers {
			role.MaxUsers = nil
		} else if input.MaxUsers != nil {
			if *input.MaxUsers < role.UserCount {
				return fmt.Errorf("roles: max users %d below current user count %d: %w", *input.MaxUsers, role.UserCount, shared.ErrCapacityExceeded)
			}
			role.MaxUsers = input.MaxUsers
		}
		if input.IsDefault != nil {
			role.IsDefault = *input.IsDefault
			if role.IsDefault {
				if err := tx.ClearDefault(ctx, id); err != nil {
					return err
				}
			}
		}
		if err := tx.Update(ctx, role); err != nil {
			return err
		}
		updated, err = tx.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "role.update", id, map[string]any{"name": updated.Name})
	return updated, nil
}

// Delete tombstones a role.
//
// The operation runs as one atomic unit: system-role and in-use guards,
// optional reassignment of active users to a replacement role, detaching of
// children, then the tombstone. A failure at any step aborts the whole
// operation.
func (s *Service) Delete(ctx context.Context, id int64, opts DeleteOptions) error {
	var meta map[string]any
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem && !opts.Force {
			return fmt.Errorf("roles: %s is a system role: %w", role.Name, shared.ErrProtected)
		}
		count, err := tx.CountActiveAssignments(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 && opts.ReplacementRoleID == nil && !opts.Force {
			return fmt.Errorf("roles: %s still has %d users: %w", role.Name, count, shared.ErrInUse)
		}
		meta = map[string]any{"name": role.Name, "users": count, "force": opts.Force}
		if count > 0 {
			if opts.ReplacementRoleID != nil {
				replID := *opts.ReplacementRoleID
				if replID == id {
					return fmt.Errorf("roles: replacement must differ from deleted role: %w", shared.ErrValidation)
				}
				if _, err := tx.GetByID(ctx, replID); err != nil {
					if errors.Is(err, shared.ErrNotFound) {
						return fmt.Errorf("roles: replacement %d: %w", replID, shared.ErrNotFound)
					}
					return err
				}
				moved, err := tx.ReassignActiveAssignments(ctx, id, replID)
				if err != nil {
					return err
				}
				if err := tx.RecomputeUserCount(ctx, replID); err != nil {
					return err
				}
				meta["reassigned_to"] = replID
				meta["reassigned"] = moved
			} else {
				revoked, err := tx.DeactivateAssignments(ctx, id)
				if err != nil {
					return err
				}
				meta["revoked"] = revoked
			}
		}
		if err := tx.DetachChildren(ctx, id); err != nil {
			return err
		}
		if err := tx.Tombstone(ctx, id, mangleName(role.Name)); err != nil {
			return err
		}
		return tx.RecomputeUserCount(ctx, id)
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "role.delete", id, meta)
	return nil
}

// Get fetches a role by id.
func (s *Service) Get(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByName fetches a role by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (Role, error) {
	return s.repo.GetByName(ctx, strings.TrimSpace(strings.ToLower(name)))
}

// List returns all live roles.
func (s *Service) List(ctx context.Context) ([]Role, error) {
	return s.repo.List(ctx)
}

// Children returns the direct children of a role.
func (s *Service) Children(ctx context.Context, id int64) ([]Role, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Children(ctx, id)
}

// GetHierarchy returns the ordered chain [role, parent, grandparent, ...]
// capped at MaxHierarchyDepth.
func (s *Service) GetHierarchy(ctx context.Context, id int64) ([]Role, error) {
	role, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []Role{role}
	seen := map[int64]struct{}{role.ID: {}}
	current := role
	for current.ParentRoleID != nil && len(chain) < MaxHierarchyDepth {
		parent, err := s.repo.GetByID(ctx, *current.ParentRoleID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				break
			}
			return nil, err
		}
		if _, ok := seen[parent.ID]; ok {
			break
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

// DefaultRole returns the role currently flagged as default.
func (s *Service) DefaultRole(ctx context.Context) (Role, error) {
	return s.repo.DefaultRole(ctx)
}

// Permissions returns the role's directly granted active permissions.
func (s *Service) Permissions(ctx context.Context, roleID int64) ([]permissions.Permission, error) {
	if _, err := s.repo.GetByID(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.Permissions(ctx, roleID)
}

// SetPermissions replaces the role's grant set with the given permission ids,
// recomputing each touched permission's usage counter.
func (s *Service) SetPermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetByID(ctx, roleID); err != nil {
			return err
		}
		existingIDs, err := tx.ListGrantIDs(ctx, roleID)
		if err != nil {
			return err
		}
		existing := make(map[int64]struct{}, len(existingIDs))
		for _, id := range existingIDs {
			existing[id] = struct{}{}
		}
		keep := make(map[int64]struct{}, len(permissionIDs))
		for _, id := range permissionIDs {
			keep[id] = struct{}{}
			if _, ok := existing[id]; !ok {
				if err := tx.AttachPermission(ctx, roleID, id); err != nil {
					return err
				}
				if err := tx.RecomputePermissionUsage(ctx, id); err != nil {
					return err
				}
			}
		}
		for id := range existing {
			if _, ok := keep[id]; !ok {
				if err := tx.DetachPermission(ctx, roleID, id); err != nil {
					return err
				}
				if err := tx.RecomputePermissionUsage(ctx, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "role.set_permissions", roleID, map[string]any{"permissions": len(permissionIDs)})
	return nil
}

// AttachPermission activates a single grant.
func (s *Service) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetByID(ctx, roleID); err != nil {
			return err
		}
		if err := tx.AttachPermission(ctx, roleID, permissionID); err != nil {
			return err
		}
		return tx.RecomputePermissionUsage(ctx, permissionID)
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "role.attach_permission", roleID, map[string]any{"permission_id": permissionID})
	return nil
}

// DetachPermission deactivates a single grant.
func (s *Service) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetByID(ctx, roleID); err != nil {
			return err
		}
		if err := tx.DetachPermission(ctx, roleID, permissionID); err != nil {
			return err
		}
		return tx.RecomputePermissionUsage(ctx, permissionID)
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "role.detach_permission", roleID, map[string]any{"permission_id": permissionID})
	return nil
}

// walkAncestors follows parent pointers from startID. It fails with ErrCycle
// when forbiddenID appears in the chain or the walk exceeds the depth cap.
// Pass 0 as forbiddenID to only verify the chain terminates.
func walkAncestors(ctx context.Context, tx TxRepository, startID, forbiddenID int64) ([]int64, error) {
	var chain []int64
	currentID := startID
	for depth := 0; ; depth++ {
		if depth >= MaxHierarchyDepth {
			return nil, fmt.Errorf("roles: ancestor chain exceeds depth %d: %w", MaxHierarchyDepth, shared.ErrCycle)
		}
		if currentID == forbiddenID {
			return nil, fmt.Errorf("roles: role %d found in its own ancestor chain: %w", forbiddenID, shared.ErrCycle)
		}
		chain = append(chain, currentID)
		role, err := tx.GetByID(ctx, currentID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return chain, nil
			}
			return nil, err
		}
		if role.ParentRoleID == nil {
			return chain, nil
		}
		currentID = *role.ParentRoleID
	}
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
		Entity:   "role",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	})
}
