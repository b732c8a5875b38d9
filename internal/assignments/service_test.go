package assignments

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/permissions"
	"github.com/meridian-erp/meridian-erp/internal/roles"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryAssignRepo struct {
	assignments map[int64]Assignment
	roles       map[int64]roles.Role
	nextID      int64
	bumps       int
	now         time.Time
}

type memoryAssignTx struct {
	repo *memoryAssignRepo
}

func newMemoryAssignRepo() *memoryAssignRepo {
	return &memoryAssignRepo{
		assignments: make(map[int64]Assignment),
		roles:       make(map[int64]roles.Role),
		now:         time.Now(),
	}
}

func (r *memoryAssignRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryAssignTx{repo: r})
}

func (r *memoryAssignRepo) GetActive(ctx context.Context, userID, roleID int64) (Assignment, error) {
	for _, a := range r.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.IsActive {
			return a, nil
		}
	}
	return Assignment{}, shared.ErrNotFound
}

func (r *memoryAssignRepo) ListForUser(ctx context.Context, userID int64, opts ListOptions) ([]UserRole, error) {
	var out []UserRole
	for _, a := range r.activeSorted() {
		if a.UserID != userID {
			continue
		}
		if !opts.IncludeExpired && a.Expired(r.now) {
			continue
		}
		out = append(out, UserRole{Assignment: a, Role: r.roles[a.RoleID]})
	}
	return out, nil
}

func (r *memoryAssignRepo) ListForRole(ctx context.Context, roleID int64, opts ListOptions, page shared.Pagination) ([]RoleUser, int, error) {
	var out []RoleUser
	for _, a := range r.activeSorted() {
		if a.RoleID != roleID {
			continue
		}
		if !opts.IncludeExpired && a.Expired(r.now) {
			continue
		}
		out = append(out, RoleUser{Assignment: a})
	}
	return out, len(out), nil
}

func (r *memoryAssignRepo) ListExpiredActive(ctx context.Context, limit int) ([]Assignment, error) {
	var out []Assignment
	for _, a := range r.activeSorted() {
		if a.Expired(r.now) {
			out = append(out, a)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryAssignRepo) activeSorted() []Assignment {
	out := make([]Assignment, 0, len(r.assignments))
	for _, a := range r.assignments {
		if a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out
}

func (tx *memoryAssignTx) GetRoleForUpdate(ctx context.Context, roleID int64) (roles.Role, error) {
	role, ok := tx.repo.roles[roleID]
	if !ok {
		return roles.Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (tx *memoryAssignTx) GetActive(ctx context.Context, userID, roleID int64) (Assignment, error) {
	return tx.repo.GetActive(ctx, userID, roleID)
}

func (tx *memoryAssignTx) Insert(ctx context.Context, a Assignment) (int64, error) {
	tx.repo.nextID++
	a.ID = tx.repo.nextID
	a.IsActive = true
	if a.AssignedAt.IsZero() {
		a.AssignedAt = tx.repo.now.Add(time.Duration(a.ID) * time.Millisecond)
	}
	tx.repo.assignments[a.ID] = a
	return a.ID, nil
}

func (tx *memoryAssignTx) DemotePrimary(ctx context.Context, userID int64) error {
	for id, a := range tx.repo.assignments {
		if a.UserID == userID && a.IsActive && a.IsPrimary {
			a.IsPrimary = false
			tx.repo.assignments[id] = a
		}
	}
	return nil
}

func (tx *memoryAssignTx) PromoteOldest(ctx context.Context, userID int64) (int64, error) {
	for _, a := range tx.repo.activeSorted() {
		if a.UserID == userID && !a.Expired(tx.repo.now) {
			a.IsPrimary = true
			tx.repo.assignments[a.ID] = a
			return a.ID, nil
		}
	}
	return 0, nil
}

func (tx *memoryAssignTx) SetPrimary(ctx context.Context, assignmentID int64) error {
	a, ok := tx.repo.assignments[assignmentID]
	if !ok {
		return shared.ErrNotFound
	}
	a.IsPrimary = true
	tx.repo.assignments[assignmentID] = a
	return nil
}

func (tx *memoryAssignTx) Revoke(ctx context.Context, assignmentID, revokedBy int64, reason string) error {
	a, ok := tx.repo.assignments[assignmentID]
	if !ok || !a.IsActive {
		return shared.ErrNotFound
	}
	now := tx.repo.now
	a.IsActive = false
	a.IsPrimary = false
	a.RevokedBy = &revokedBy
	a.RevokedAt = &now
	a.RevocationReason = reason
	tx.repo.assignments[assignmentID] = a
	return nil
}

func (tx *memoryAssignTx) RecomputeUserCount(ctx context.Context, roleID int64) error {
	role, ok := tx.repo.roles[roleID]
	if !ok {
		return nil
	}
	count := 0
	for _, a := range tx.repo.assignments {
		if a.RoleID == roleID && a.IsActive && !a.Expired(tx.repo.now) {
			count++
		}
	}
	role.UserCount = count
	tx.repo.roles[roleID] = role
	return nil
}

func (tx *memoryAssignTx) ListActiveForUser(ctx context.Context, userID int64) ([]Assignment, error) {
	var out []Assignment
	for _, a := range tx.repo.activeSorted() {
		if a.UserID == userID && !a.Expired(tx.repo.now) {
			out = append(out, a)
		}
	}
	return out, nil
}

type staticIdentity struct {
	users map[int64]bool
}

func (s staticIdentity) Exists(ctx context.Context, userID int64) (bool, error) {
	return s.users[userID], nil
}

type fakeRolesPort struct {
	repo *memoryAssignRepo
}

func (p fakeRolesPort) Get(ctx context.Context, id int64) (roles.Role, error) {
	role, ok := p.repo.roles[id]
	if !ok {
		return roles.Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (p fakeRolesPort) DefaultRole(ctx context.Context) (roles.Role, error) {
	for _, role := range p.repo.roles {
		if role.IsDefault {
			return role, nil
		}
	}
	return roles.Role{}, shared.ErrNotFound
}

func (p fakeRolesPort) Permissions(ctx context.Context, roleID int64) ([]permissions.Permission, error) {
	return []permissions.Permission{{ID: roleID, Name: "stub.view"}}, nil
}

type assignBumpCounter struct {
	repo *memoryAssignRepo
}

func (c assignBumpCounter) Bump(ctx context.Context) error {
	c.repo.bumps++
	return nil
}

func newTestAssignService(repo *memoryAssignRepo, userIDs ...int64) *Service {
	identity := staticIdentity{users: make(map[int64]bool)}
	for _, id := range userIDs {
		identity.users[id] = true
	}
	return NewService(repo, identity, fakeRolesPort{repo: repo}, nil, assignBumpCounter{repo: repo})
}

func seedAssignRole(repo *memoryAssignRepo, role roles.Role) roles.Role {
	if role.ID == 0 {
		role.ID = int64(len(repo.roles) + 1)
	}
	repo.roles[role.ID] = role
	return role
}

func TestAssignRoleCreatesActiveAssignment(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	a, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: role.ID, Context: ContextOnboarding})
	require.NoError(t, err)
	require.True(t, a.IsActive)
	require.Equal(t, ContextOnboarding, a.Context)
	require.Equal(t, 1, repo.roles[role.ID].UserCount)
	require.Positive(t, repo.bumps)
}

func TestAssignRoleUnknownUser(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 42, RoleID: role.ID})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAssignRoleDuplicateIsConflict(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: role.ID})
	require.NoError(t, err)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: role.ID})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Equal(t, 1, repo.roles[role.ID].UserCount)
}

func TestAssignRoleAfterExpiryStartsNewRow(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{ID: 1, Name: "temp", IsActive: true})
	svc := newTestAssignService(repo, 1)

	// Seed a row whose expiry already passed but whose active flag was
	// never cleared, as it looks between sweeper runs.
	past := time.Now().Add(-time.Hour)
	repo.nextID++
	stale := repo.nextID
	repo.assignments[stale] = Assignment{
		ID: stale, UserID: 1, RoleID: role.ID,
		IsActive: true, IsPrimary: true, ExpiresAt: &past, AssignedAt: repo.now,
	}

	a, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: role.ID})
	require.NoError(t, err)
	require.NotEqual(t, stale, a.ID)
	require.True(t, a.IsActive)
	require.Nil(t, a.ExpiresAt)

	require.False(t, repo.assignments[stale].IsActive)
	require.False(t, repo.assignments[stale].IsPrimary)
	require.Equal(t, 1, repo.roles[role.ID].UserCount)
}

func TestAssignRoleCapacityEnforced(t *testing.T) {
	repo := newMemoryAssignRepo()
	limit := 1
	role := seedAssignRole(repo, roles.Role{Name: "lead", IsActive: true, MaxUsers: &limit})
	svc := newTestAssignService(repo, 1, 2)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: role.ID})
	require.NoError(t, err)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 2, RoleID: role.ID})
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)
}

func TestAssignRoleRejectsInactiveRole(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{Name: "frozen", IsActive: false})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: role.ID})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAssignRoleRejectsPastExpiry(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	past := time.Now().Add(-time.Hour)
	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: role.ID, ExpiresAt: &past})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAssignRoleRejectsUnknownConditionKey(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{
		UserID: 1, RoleID: role.ID,
		Conditions: map[string]any{"shoe_size": 44},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAssignPrimaryDemotesExistingPrimary(t *testing.T) {
	repo := newMemoryAssignRepo()
	first := seedAssignRole(repo, roles.Role{ID: 1, Name: "analyst", IsActive: true})
	second := seedAssignRole(repo, roles.Role{ID: 2, Name: "reviewer", IsActive: true})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: first.ID, IsPrimary: true})
	require.NoError(t, err)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: second.ID, IsPrimary: true})
	require.NoError(t, err)

	a1, err := repo.GetActive(context.Background(), 1, first.ID)
	require.NoError(t, err)
	a2, err := repo.GetActive(context.Background(), 1, second.ID)
	require.NoError(t, err)
	require.False(t, a1.IsPrimary)
	require.True(t, a2.IsPrimary)
}

func TestRevokePrimaryPromotesOldestRemaining(t *testing.T) {
	repo := newMemoryAssignRepo()
	first := seedAssignRole(repo, roles.Role{ID: 1, Name: "analyst", IsActive: true})
	second := seedAssignRole(repo, roles.Role{ID: 2, Name: "reviewer", IsActive: true})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: first.ID})
	require.NoError(t, err)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: second.ID, IsPrimary: true})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeRole(context.Background(), RevokeInput{UserID: 1, RoleID: second.ID, Reason: "rotation"}))

	remaining, err := repo.GetActive(context.Background(), 1, first.ID)
	require.NoError(t, err)
	require.True(t, remaining.IsPrimary)

	_, err = repo.GetActive(context.Background(), 1, second.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, 0, repo.roles[second.ID].UserCount)
}

func TestRevokeWithoutActiveAssignment(t *testing.T) {
	repo := newMemoryAssignRepo()
	seedAssignRole(repo, roles.Role{ID: 1, Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	err := svc.RevokeRole(context.Background(), RevokeInput{UserID: 1, RoleID: 1})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSetPrimaryRoleSwitchesFlag(t *testing.T) {
	repo := newMemoryAssignRepo()
	first := seedAssignRole(repo, roles.Role{ID: 1, Name: "analyst", IsActive: true})
	second := seedAssignRole(repo, roles.Role{ID: 2, Name: "reviewer", IsActive: true})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: first.ID, IsPrimary: true})
	require.NoError(t, err)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: second.ID})
	require.NoError(t, err)

	require.NoError(t, svc.SetPrimaryRole(context.Background(), 1, second.ID))

	a1, _ := repo.GetActive(context.Background(), 1, first.ID)
	a2, _ := repo.GetActive(context.Background(), 1, second.ID)
	require.False(t, a1.IsPrimary)
	require.True(t, a2.IsPrimary)
}

func TestSetPrimaryOnExpiredAssignment(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{ID: 1, Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	// Seed a row whose expiry already passed but whose active flag was
	// never cleared, as it looks between sweeper runs.
	past := time.Now().Add(-time.Hour)
	repo.nextID++
	repo.assignments[repo.nextID] = Assignment{
		ID: repo.nextID, UserID: 1, RoleID: role.ID,
		IsActive: true, ExpiresAt: &past, AssignedAt: repo.now,
	}

	err := svc.SetPrimaryRole(context.Background(), 1, role.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestTransferMovesRolesAndReportsPartialFailure(t *testing.T) {
	repo := newMemoryAssignRepo()
	shared1 := seedAssignRole(repo, roles.Role{ID: 1, Name: "analyst", IsActive: true})
	solo := seedAssignRole(repo, roles.Role{ID: 2, Name: "reviewer", IsActive: true})
	svc := newTestAssignService(repo, 1, 2)

	// Target already holds the first role, so that transfer must fail.
	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 2, RoleID: shared1.ID})
	require.NoError(t, err)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: shared1.ID})
	require.NoError(t, err)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: solo.ID, IsPrimary: true})
	require.NoError(t, err)

	result, err := svc.TransferRoles(context.Background(), 1, 2, "restructure")
	require.NoError(t, err)
	require.NotEmpty(t, result.BatchID)
	require.Len(t, result.Successful, 1)
	require.Len(t, result.Failed, 1)
	require.Equal(t, solo.ID, result.Successful[0].RoleID)
	require.True(t, result.Successful[0].IsPrimary)

	moved, err := repo.GetActive(context.Background(), 2, solo.ID)
	require.NoError(t, err)
	require.True(t, moved.IsPrimary)
	require.Equal(t, ContextTransfer, moved.Context)

	// The failed role stays with the source user.
	_, err = repo.GetActive(context.Background(), 1, shared1.ID)
	require.NoError(t, err)
}

func TestTransferRequiresDistinctUsers(t *testing.T) {
	repo := newMemoryAssignRepo()
	svc := newTestAssignService(repo, 1)

	_, err := svc.TransferRoles(context.Background(), 1, 1, "")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestBulkAssignPartialFailure(t *testing.T) {
	repo := newMemoryAssignRepo()
	limit := 1
	capped := seedAssignRole(repo, roles.Role{ID: 1, Name: "lead", IsActive: true, MaxUsers: &limit})
	open := seedAssignRole(repo, roles.Role{ID: 2, Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1, 2, 3)

	result, err := svc.BulkAssignRoles(context.Background(), []AssignInput{
		{UserID: 1, RoleID: capped.ID},
		{UserID: 2, RoleID: capped.ID},
		{UserID: 3, RoleID: open.ID},
	})
	require.NoError(t, err)
	require.Len(t, result.Successful, 2)
	require.Len(t, result.Failed, 1)
	require.Equal(t, int64(2), result.Failed[0].UserID)
	require.NotEmpty(t, result.BatchID)
}

func TestBulkAssignRejectsOversizedBatch(t *testing.T) {
	repo := newMemoryAssignRepo()
	svc := newTestAssignService(repo)

	inputs := make([]AssignInput, MaxBulkSize+1)
	for i := range inputs {
		inputs[i] = AssignInput{UserID: int64(i + 1), RoleID: 1}
	}
	_, err := svc.BulkAssignRoles(context.Background(), inputs)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.BulkAssignRoles(context.Background(), nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAssignDefaultRole(t *testing.T) {
	repo := newMemoryAssignRepo()
	def := seedAssignRole(repo, roles.Role{ID: 1, Name: "staff", IsActive: true, IsDefault: true})
	svc := newTestAssignService(repo, 7)

	a, err := svc.AssignDefaultRole(context.Background(), 7, 1)
	require.NoError(t, err)
	require.Equal(t, def.ID, a.RoleID)
	require.True(t, a.IsPrimary)
	require.Equal(t, ContextOnboarding, a.Context)
}

func TestGetUserRolesFiltersExpired(t *testing.T) {
	repo := newMemoryAssignRepo()
	keep := seedAssignRole(repo, roles.Role{ID: 1, Name: "analyst", IsActive: true})
	expiring := seedAssignRole(repo, roles.Role{ID: 2, Name: "temp", IsActive: true})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: keep.ID})
	require.NoError(t, err)
	future := time.Now().Add(time.Minute)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: expiring.ID, ExpiresAt: &future})
	require.NoError(t, err)

	repo.now = repo.now.Add(2 * time.Minute)

	userRoles, err := svc.GetUserRoles(context.Background(), 1, ListOptions{})
	require.NoError(t, err)
	require.Len(t, userRoles, 1)
	require.Equal(t, keep.ID, userRoles[0].Role.ID)

	withExpired, err := svc.GetUserRoles(context.Background(), 1, ListOptions{IncludeExpired: true})
	require.NoError(t, err)
	require.Len(t, withExpired, 2)
}

func TestGetUserRolesIncludePermissions(t *testing.T) {
	repo := newMemoryAssignRepo()
	role := seedAssignRole(repo, roles.Role{ID: 1, Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: role.ID})
	require.NoError(t, err)

	userRoles, err := svc.GetUserRoles(context.Background(), 1, ListOptions{IncludePermissions: true})
	require.NoError(t, err)
	require.Len(t, userRoles, 1)
	require.NotEmpty(t, userRoles[0].Permissions)
}

func TestSweepExpiredRevokesAndPromotes(t *testing.T) {
	repo := newMemoryAssignRepo()
	expiring := seedAssignRole(repo, roles.Role{ID: 1, Name: "temp", IsActive: true})
	stable := seedAssignRole(repo, roles.Role{ID: 2, Name: "analyst", IsActive: true})
	svc := newTestAssignService(repo, 1)

	future := time.Now().Add(time.Minute)
	_, err := svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: expiring.ID, ExpiresAt: &future, IsPrimary: true})
	require.NoError(t, err)
	_, err = svc.AssignRole(context.Background(), AssignInput{UserID: 1, RoleID: stable.ID})
	require.NoError(t, err)

	repo.now = repo.now.Add(2 * time.Minute)

	swept, err := svc.SweepExpired(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	_, err = repo.GetActive(context.Background(), 1, expiring.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	promoted, err := repo.GetActive(context.Background(), 1, stable.ID)
	require.NoError(t, err)
	require.True(t, promoted.IsPrimary)
	require.Equal(t, 0, repo.roles[expiring.ID].UserCount)
}
