package assignments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/permissions"
	"github.com/meridian-erp/meridian-erp/internal/roles"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetActive(ctx context.Context, userID, roleID int64) (Assignment, error)
	ListForUser(ctx context.Context, userID int64, opts ListOptions) ([]UserRole, error)
	ListForRole(ctx context.Context, roleID int64, opts ListOptions, page shared.Pagination) ([]RoleUser, int, error)
	ListExpiredActive(ctx context.Context, limit int) ([]Assignment, error)
}

// IdentityPort checks user existence before any assignment mutation.
type IdentityPort interface {
	Exists(ctx context.Context, userID int64) (bool, error)
}

// RolesPort exposes the role hierarchy reads the engine needs.
type RolesPort interface {
	Get(ctx context.Context, id int64) (roles.Role, error)
	DefaultRole(ctx context.Context) (roles.Role, error)
	Permissions(ctx context.Context, roleID int64) ([]permissions.Permission, error)
}

// ResolverCache invalidates cached permission resolutions after mutations.
type ResolverCache interface {
	Bump(ctx context.Context) error
}

// Service is the assignment engine.
type Service struct {
	repo     RepositoryPort
	identity IdentityPort
	roles    RolesPort
	audit    shared.AuditPort
	cache    ResolverCache
}

// NewService constructs the assignment engine.
func NewService(repo RepositoryPort, identity IdentityPort, rolesPort RolesPort, audit shared.AuditPort, cache ResolverCache) *Service {
	return &Service{repo: repo, identity: identity, roles: rolesPort, audit: audit, cache: cache}
}

// AssignInput describes one role attachment.
type AssignInput struct {
	UserID           int64
	RoleID           int64
	AssignedBy       int64
	Context          Context
	AssignmentReason string
	Conditions       map[string]any
	ExpiresAt        *time.Time
	IsPrimary        bool
}

func (s *Service) validateAssignInput(input AssignInput) error {
	if input.UserID <= 0 || input.RoleID <= 0 {
		return fmt.Errorf("assignments: user and role ids required: %w", shared.ErrValidation)
	}
	if input.Context != "" && !ValidContext(input.Context) {
		return fmt.Errorf("assignments: unknown context %q: %w", input.Context, shared.ErrValidation)
	}
	if err := ValidateConditions(input.Conditions); err != nil {
		return err
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("assignments: expiry must lie in the future: %w", shared.ErrValidation)
	}
	return nil
}

// AssignRole attaches a role to a user.
//
// A second active assignment for the same pair is a reported no-op failure,
// not a second row. When IsPrimary is set, any other active primary of the
// user is demoted within the same transaction. The role's capacity is
// checked against its user count before any mutation; the role row is locked
// so concurrent assigns on the same role serialize.
func (s *Service) AssignRole(ctx context.Context, input AssignInput) (Assignment, error) {
	if err := s.validateAssignInput(input); err != nil {
		return Assignment{}, err
	}
	exists, err := s.identity.Exists(ctx, input.UserID)
	if err != nil {
		return Assignment{}, err
	}
	if !exists {
		return Assignment{}, fmt.Errorf("assignments: user %d: %w", input.UserID, shared.ErrNotFound)
	}

	var created Assignment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRoleForUpdate(ctx, input.RoleID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("assignments: role %d: %w", input.RoleID, shared.ErrNotFound)
			}
			return err
		}
		if !role.IsActive {
			return fmt.Errorf("assignments: role %s is inactive: %w", role.Name, shared.ErrValidation)
		}
		if role.MaxUsers != nil && role.UserCount >= *role.MaxUsers {
			return fmt.Errorf("assignments: role %s is full (%d/%d): %w", role.Name, role.UserCount, *role.MaxUsers, shared.ErrCapacityExceeded)
		}
		existing, err := tx.GetActive(ctx, input.UserID, input.RoleID)
		switch {
		case err == nil:
			if !existing.Expired(time.Now()) {
				return fmt.Errorf("assignments: user %d already holds role %s: %w", input.UserID, role.Name, shared.ErrConflict)
			}
			// Lapsed but not yet swept; retire the stale row so the new
			// grant starts fresh.
			if err := tx.Revoke(ctx, existing.ID, input.AssignedBy, "expired"); err != nil {
				return err
			}
			if existing.IsPrimary && !input.IsPrimary {
				if _, err := tx.PromoteOldest(ctx, input.UserID); err != nil {
					return err
				}
			}
		case errors.Is(err, shared.ErrNotFound):
		default:
			return err
		}
		if input.IsPrimary {
			if err := tx.DemotePrimary(ctx, input.UserID); err != nil {
				return err
			}
		}
		if _, err := tx.Insert(ctx, Assignment{
			UserID:           input.UserID,
			RoleID:           input.RoleID,
			IsPrimary:        input.IsPrimary,
			ExpiresAt:        input.ExpiresAt,
			Context:          input.Context,
			AssignmentReason: strings.TrimSpace(input.AssignmentReason),
			Conditions:       input.Conditions,
			AssignedBy:       input.AssignedBy,
		}); err != nil {
			return err
		}
		if err := tx.RecomputeUserCount(ctx, input.RoleID); err != nil {
			return err
		}
		created, err = tx.GetActive(ctx, input.UserID, input.RoleID)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "assignment.create", created.ID, map[string]any{
		"user_id": input.UserID, "role_id": input.RoleID, "primary": input.IsPrimary,
	})
	return created, nil
}

// RevokeInput describes one role detachment.
type RevokeInput struct {
	UserID    int64
	RoleID    int64
	RevokedBy int64
	Reason    string
}

// RevokeRole detaches a role from a user. Revoking the primary assignment
// promotes the user's oldest remaining active assignment, if any.
func (s *Service) RevokeRole(ctx context.Context, input RevokeInput) error {
	var wasPrimary bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.GetActive(ctx, input.UserID, input.RoleID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("assignments: no active assignment for user %d role %d: %w", input.UserID, input.RoleID, shared.ErrNotFound)
			}
			return err
		}
		wasPrimary = a.IsPrimary
		if err := tx.Revoke(ctx, a.ID, input.RevokedBy, strings.TrimSpace(input.Reason)); err != nil {
			return err
		}
		if wasPrimary {
			if _, err := tx.PromoteOldest(ctx, input.UserID); err != nil {
				return err
			}
		}
		return tx.RecomputeUserCount(ctx, input.RoleID)
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "assignment.revoke", input.RoleID, map[string]any{
		"user_id": input.UserID, "role_id": input.RoleID, "was_primary": wasPrimary,
	})
	return nil
}

// SetPrimaryRole makes the given role the user's primary one. The user's
// current primary, if different, is demoted within the same transaction.
func (s *Service) SetPrimaryRole(ctx context.Context, userID, roleID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		a, err := tx.GetActive(ctx, userID, roleID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("assignments: no active assignment for user %d role %d: %w", userID, roleID, shared.ErrNotFound)
			}
			return err
		}
		if a.Expired(time.Now()) {
			return fmt.Errorf("assignments: assignment for role %d expired: %w", roleID, shared.ErrNotFound)
		}
		if a.IsPrimary {
			return nil
		}
		if err := tx.DemotePrimary(ctx, userID); err != nil {
			return err
		}
		return tx.SetPrimary(ctx, a.ID)
	})
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.recordAudit(ctx, "assignment.set_primary", roleID, map[string]any{"user_id": userID, "role_id": roleID})
	return nil
}

// TransferRoles moves every active role of the source user to the target,
// preserving the primary flag. Each role transfers independently; a failed
// role is reported and does not block the rest.
func (s *Service) TransferRoles(ctx context.Context, fromUserID, toUserID int64, reason string) (TransferResult, error) {
	result := TransferResult{BatchID: uuid.NewString()}
	if fromUserID == toUserID {
		return result, fmt.Errorf("assignments: transfer requires two distinct users: %w", shared.ErrValidation)
	}
	exists, err := s.identity.Exists(ctx, toUserID)
	if err != nil {
		return result, err
	}
	if !exists {
		return result, fmt.Errorf("assignments: user %d: %w", toUserID, shared.ErrNotFound)
	}

	var source []Assignment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err = tx.ListActiveForUser(ctx, fromUserID)
		return err
	})
	if err != nil {
		return result, err
	}

	for _, a := range source {
		if err := s.transferOne(ctx, a, toUserID, reason); err != nil {
			result.Failed = append(result.Failed, FailedItem{UserID: toUserID, RoleID: a.RoleID, Reason: err.Error()})
			continue
		}
		result.Successful = append(result.Successful, TransferOutcome{RoleID: a.RoleID, IsPrimary: a.IsPrimary})
	}
	s.bump(ctx)
	s.recordAudit(ctx, "assignment.transfer", fromUserID, map[string]any{
		"batch_id": result.BatchID, "to_user_id": toUserID,
		"successful": len(result.Successful), "failed": len(result.Failed),
	})
	return result, nil
}

// transferOne revokes the source assignment and re-creates it on the target
// as one atomic unit.
func (s *Service) transferOne(ctx context.Context, a Assignment, toUserID int64, reason string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRoleForUpdate(ctx, a.RoleID)
		if err != nil {
			return err
		}
		if _, err := tx.GetActive(ctx, toUserID, a.RoleID); err == nil {
			return fmt.Errorf("assignments: user %d already holds role %s: %w", toUserID, role.Name, shared.ErrConflict)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		// The source slot frees up within this transaction, so capacity is
		// measured against user_count minus one.
		if role.MaxUsers != nil && role.UserCount-1 >= *role.MaxUsers {
			return fmt.Errorf("assignments: role %s is full (%d/%d): %w", role.Name, role.UserCount, *role.MaxUsers, shared.ErrCapacityExceeded)
		}
		if err := tx.Revoke(ctx, a.ID, 0, reason); err != nil {
			return err
		}
		if a.IsPrimary {
			if err := tx.DemotePrimary(ctx, toUserID); err != nil {
				return err
			}
		}
		if _, err := tx.Insert(ctx, Assignment{
			UserID:           toUserID,
			RoleID:           a.RoleID,
			IsPrimary:        a.IsPrimary,
			ExpiresAt:        a.ExpiresAt,
			Context:          ContextTransfer,
			AssignmentReason: reason,
			Conditions:       a.Conditions,
			AssignedBy:       a.AssignedBy,
		}); err != nil {
			return err
		}
		return tx.RecomputeUserCount(ctx, a.RoleID)
	})
}

// BulkAssignRoles processes up to MaxBulkSize assignment tuples, each one
// independently through AssignRole. The batch never rolls back as a whole.
func (s *Service) BulkAssignRoles(ctx context.Context, inputs []AssignInput) (BulkResult, error) {
	result := BulkResult{BatchID: uuid.NewString()}
	if len(inputs) == 0 {
		return result, fmt.Errorf("assignments: empty batch: %w", shared.ErrValidation)
	}
	if len(inputs) > MaxBulkSize {
		return result, fmt.Errorf("assignments: batch of %d exceeds limit %d: %w", len(inputs), MaxBulkSize, shared.ErrValidation)
	}
	for _, input := range inputs {
		a, err := s.AssignRole(ctx, input)
		if err != nil {
			result.Failed = append(result.Failed, FailedItem{UserID: input.UserID, RoleID: input.RoleID, Reason: err.Error()})
			continue
		}
		result.Successful = append(result.Successful, a)
	}
	s.recordAudit(ctx, "assignment.bulk", 0, map[string]any{
		"batch_id": result.BatchID, "successful": len(result.Successful), "failed": len(result.Failed),
	})
	return result, nil
}

// AssignDefaultRole attaches the system-wide default role to a user, as
// primary. Used by the user-provisioning collaborator at account creation.
func (s *Service) AssignDefaultRole(ctx context.Context, userID, assignedBy int64) (Assignment, error) {
	role, err := s.roles.DefaultRole(ctx)
	if err != nil {
		return Assignment{}, err
	}
	return s.AssignRole(ctx, AssignInput{
		UserID:           userID,
		RoleID:           role.ID,
		AssignedBy:       assignedBy,
		Context:          ContextOnboarding,
		AssignmentReason: "default role",
		IsPrimary:        true,
	})
}

// GetUserRoles returns the user's role assignments. The expiry filter applies
// at read time even when IncludeInactive is false.
func (s *Service) GetUserRoles(ctx context.Context, userID int64, opts ListOptions) ([]UserRole, error) {
	exists, err := s.identity.Exists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("assignments: user %d: %w", userID, shared.ErrNotFound)
	}
	userRoles, err := s.repo.ListForUser(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	if opts.IncludePermissions {
		for i := range userRoles {
			perms, err := s.roles.Permissions(ctx, userRoles[i].Role.ID)
			if err != nil {
				return nil, err
			}
			userRoles[i].Permissions = perms
		}
	}
	return userRoles, nil
}

// GetRoleUsers returns one page of the role's assigned users.
func (s *Service) GetRoleUsers(ctx context.Context, roleID int64, opts ListOptions) ([]RoleUser, shared.Pagination, error) {
	if _, err := s.roles.Get(ctx, roleID); err != nil {
		return nil, shared.Pagination{}, err
	}
	page := shared.NewPagination(opts.Page, opts.PerPage, 0)
	items, total, err := s.repo.ListForRole(ctx, roleID, opts, page)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(opts.Page, opts.PerPage, total), nil
}

// SweepExpired durably revokes assignments whose expiry has passed while the
// active flag is still set. Read paths never depend on this; it exists to
// keep storage and counters tidy.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	expired, err := s.repo.ListExpiredActive(ctx, limit)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, a := range expired {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.Revoke(ctx, a.ID, 0, "expired"); err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					return nil
				}
				return err
			}
			if a.IsPrimary {
				if _, err := tx.PromoteOldest(ctx, a.UserID); err != nil {
					return err
				}
			}
			return tx.RecomputeUserCount(ctx, a.RoleID)
		})
		if err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		s.bump(ctx)
	}
	return swept, nil
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
		Entity:   "assignment",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	})
}
