package roles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/permissions"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type roleAssignment struct {
	UserID  int64
	RoleID  int64
	Active  bool
	Primary bool
}

type memoryRoleRepo struct {
	roles       map[int64]Role
	grants      map[int64]map[int64]bool
	assignments []roleAssignment
	nextID      int64
	bumps       int
}

type memoryRoleTx struct {
	repo *memoryRoleRepo
}

func newMemoryRoleRepo() *memoryRoleRepo {
	return &memoryRoleRepo{
		roles:  make(map[int64]Role),
		grants: make(map[int64]map[int64]bool),
	}
}

func (r *memoryRoleRepo) countActive(roleID int64) int {
	n := 0
	for _, a := range r.assignments {
		if a.RoleID == roleID && a.Active {
			n++
		}
	}
	return n
}

func (r *memoryRoleRepo) holdsActive(userID, roleID int64) bool {
	for _, a := range r.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.Active {
			return true
		}
	}
	return false
}

func (r *memoryRoleRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryRoleTx{repo: r})
}

func (r *memoryRoleRepo) GetByID(ctx context.Context, id int64) (Role, error) {
	role, ok := r.roles[id]
	if !ok || role.DeletedAt != nil {
		return Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (r *memoryRoleRepo) GetByName(ctx context.Context, name string) (Role, error) {
	for _, role := range r.roles {
		if role.Name == name && role.DeletedAt == nil {
			return role, nil
		}
	}
	return Role{}, shared.ErrNotFound
}

func (r *memoryRoleRepo) List(ctx context.Context) ([]Role, error) {
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		if role.DeletedAt == nil {
			out = append(out, role)
		}
	}
	return out, nil
}

func (r *memoryRoleRepo) Children(ctx context.Context, roleID int64) ([]Role, error) {
	var out []Role
	for _, role := range r.roles {
		if role.DeletedAt == nil && role.ParentRoleID != nil && *role.ParentRoleID == roleID {
			out = append(out, role)
		}
	}
	return out, nil
}

func (r *memoryRoleRepo) DefaultRole(ctx context.Context) (Role, error) {
	for _, role := range r.roles {
		if role.IsDefault && role.IsActive && role.DeletedAt == nil {
			return role, nil
		}
	}
	return Role{}, shared.ErrNotFound
}

func (r *memoryRoleRepo) Permissions(ctx context.Context, roleID int64) ([]permissions.Permission, error) {
	var out []permissions.Permission
	for permID, active := range r.grants[roleID] {
		if active {
			out = append(out, permissions.Permission{ID: permID})
		}
	}
	return out, nil
}

func (tx *memoryRoleTx) GetByID(ctx context.Context, id int64) (Role, error) {
	return tx.repo.GetByID(ctx, id)
}

func (tx *memoryRoleTx) GetByName(ctx context.Context, name string) (Role, error) {
	return tx.repo.GetByName(ctx, name)
}

func (tx *memoryRoleTx) Insert(ctx context.Context, role Role) (int64, error) {
	tx.repo.nextID++
	role.ID = tx.repo.nextID
	tx.repo.roles[role.ID] = role
	return role.ID, nil
}

func (tx *memoryRoleTx) Update(ctx context.Context, role Role) error {
	if _, ok := tx.repo.roles[role.ID]; !ok {
		return shared.ErrNotFound
	}
	tx.repo.roles[role.ID] = role
	return nil
}

func (tx *memoryRoleTx) ClearDefault(ctx context.Context, exceptID int64) error {
	for id, role := range tx.repo.roles {
		if id != exceptID && role.IsDefault {
			role.IsDefault = false
			tx.repo.roles[id] = role
		}
	}
	return nil
}

func (tx *memoryRoleTx) CountActiveAssignments(ctx context.Context, roleID int64) (int, error) {
	return tx.repo.countActive(roleID), nil
}

func (tx *memoryRoleTx) ReassignActiveAssignments(ctx context.Context, fromRoleID, toRoleID int64) (int, error) {
	moved := 0
	for i, a := range tx.repo.assignments {
		if a.RoleID != fromRoleID || !a.Active || tx.repo.holdsActive(a.UserID, toRoleID) {
			continue
		}
		tx.repo.assignments[i].RoleID = toRoleID
		moved++
	}
	if _, err := tx.DeactivateAssignments(ctx, fromRoleID); err != nil {
		return 0, err
	}
	return moved, nil
}

func (tx *memoryRoleTx) DeactivateAssignments(ctx context.Context, roleID int64) (int, error) {
	revoked := 0
	var demoted []int64
	for i, a := range tx.repo.assignments {
		if a.RoleID != roleID || !a.Active {
			continue
		}
		if a.Primary {
			demoted = append(demoted, a.UserID)
		}
		tx.repo.assignments[i].Active = false
		tx.repo.assignments[i].Primary = false
		revoked++
	}
	for _, userID := range demoted {
		for i, a := range tx.repo.assignments {
			if a.UserID == userID && a.Active {
				tx.repo.assignments[i].Primary = true
				break
			}
		}
	}
	return revoked, nil
}

func (tx *memoryRoleTx) DetachChildren(ctx context.Context, roleID int64) error {
	for id, role := range tx.repo.roles {
		if role.ParentRoleID != nil && *role.ParentRoleID == roleID {
			role.ParentRoleID = nil
			tx.repo.roles[id] = role
		}
	}
	return nil
}

func (tx *memoryRoleTx) Tombstone(ctx context.Context, id int64, mangledName string) error {
	role, ok := tx.repo.roles[id]
	if !ok {
		return shared.ErrNotFound
	}
	now := time.Now()
	role.Name = mangledName
	role.IsActive = false
	role.IsDefault = false
	role.DeletedAt = &now
	tx.repo.roles[id] = role
	return nil
}

func (tx *memoryRoleTx) RecomputeUserCount(ctx context.Context, roleID int64) error {
	role, ok := tx.repo.roles[roleID]
	if !ok {
		return nil
	}
	role.UserCount = tx.repo.countActive(roleID)
	tx.repo.roles[roleID] = role
	return nil
}

func (tx *memoryRoleTx) ListGrantIDs(ctx context.Context, roleID int64) ([]int64, error) {
	var out []int64
	for permID, active := range tx.repo.grants[roleID] {
		if active {
			out = append(out, permID)
		}
	}
	return out, nil
}

func (tx *memoryRoleTx) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	if tx.repo.grants[roleID] == nil {
		tx.repo.grants[roleID] = make(map[int64]bool)
	}
	tx.repo.grants[roleID][permissionID] = true
	return nil
}

func (tx *memoryRoleTx) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	if tx.repo.grants[roleID] != nil {
		tx.repo.grants[roleID][permissionID] = false
	}
	return nil
}

func (tx *memoryRoleTx) RecomputePermissionUsage(ctx context.Context, permissionID int64) error {
	return nil
}

type countingCache struct {
	repo *memoryRoleRepo
}

func (c countingCache) Bump(ctx context.Context) error {
	c.repo.bumps++
	return nil
}

func newTestRoleService(repo *memoryRoleRepo) *Service {
	return NewService(repo, nil, countingCache{repo: repo})
}

func seedRole(repo *memoryRoleRepo, role Role) Role {
	repo.nextID++
	role.ID = repo.nextID
	if role.DisplayName == "" {
		role.DisplayName = role.Name
	}
	repo.roles[role.ID] = role
	return role
}

func seedRoleAssignment(repo *memoryRoleRepo, userID, roleID int64, primary bool) {
	repo.assignments = append(repo.assignments, roleAssignment{UserID: userID, RoleID: roleID, Active: true, Primary: primary})
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	repo := newMemoryRoleRepo()
	seedRole(repo, Role{Name: "manager", IsActive: true})
	svc := newTestRoleService(repo)

	_, err := svc.Create(context.Background(), CreateInput{Name: "Manager"})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestCreateDefaultClearsPreviousDefault(t *testing.T) {
	repo := newMemoryRoleRepo()
	old := seedRole(repo, Role{Name: "staff", IsActive: true, IsDefault: true})
	svc := newTestRoleService(repo)

	created, err := svc.Create(context.Background(), CreateInput{Name: "member", IsDefault: true})
	require.NoError(t, err)
	require.True(t, created.IsDefault)
	require.False(t, repo.roles[old.ID].IsDefault)

	def, err := svc.DefaultRole(context.Background())
	require.NoError(t, err)
	require.Equal(t, created.ID, def.ID)
}

func TestCreateRejectsMissingParent(t *testing.T) {
	repo := newMemoryRoleRepo()
	svc := newTestRoleService(repo)

	missing := int64(99)
	_, err := svc.Create(context.Background(), CreateInput{Name: "junior", ParentRoleID: &missing})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdateRejectsSelfParent(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "lead", IsActive: true})
	svc := newTestRoleService(repo)

	_, err := svc.Update(context.Background(), role.ID, UpdateInput{ParentRoleID: &role.ID})
	require.ErrorIs(t, err, shared.ErrCycle)
}

func TestUpdateRejectsAncestorCycle(t *testing.T) {
	repo := newMemoryRoleRepo()
	top := seedRole(repo, Role{Name: "top", IsActive: true})
	mid := seedRole(repo, Role{Name: "mid", IsActive: true, ParentRoleID: &top.ID})
	leaf := seedRole(repo, Role{Name: "leaf", IsActive: true, ParentRoleID: &mid.ID})
	svc := newTestRoleService(repo)

	// Re-parenting top under leaf would make top its own ancestor.
	_, err := svc.Update(context.Background(), top.ID, UpdateInput{ParentRoleID: &leaf.ID})
	require.ErrorIs(t, err, shared.ErrCycle)
}

func TestUpdateSystemRoleRenameProtected(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "superadmin", IsSystem: true, IsActive: true})
	svc := newTestRoleService(repo)

	name := "root"
	_, err := svc.Update(context.Background(), role.ID, UpdateInput{Name: &name})
	require.ErrorIs(t, err, shared.ErrProtected)

	// Non-name fields stay editable on system roles.
	display := "Super Administrator"
	updated, err := svc.Update(context.Background(), role.ID, UpdateInput{DisplayName: &display})
	require.NoError(t, err)
	require.Equal(t, display, updated.DisplayName)
}

func TestUpdateRejectsMaxUsersBelowCurrentCount(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "analyst", IsActive: true, UserCount: 5})
	svc := newTestRoleService(repo)

	limit := 3
	_, err := svc.Update(context.Background(), role.ID, UpdateInput{MaxUsers: &limit})
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)
}

func TestDeleteSystemRoleProtected(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "superadmin", IsSystem: true, IsActive: true})
	svc := newTestRoleService(repo)

	err := svc.Delete(context.Background(), role.ID, DeleteOptions{})
	require.ErrorIs(t, err, shared.ErrProtected)
}

func TestDeleteInUseWithoutReplacementFails(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "analyst", IsActive: true})
	seedRoleAssignment(repo, 1, role.ID, false)
	seedRoleAssignment(repo, 2, role.ID, false)
	svc := newTestRoleService(repo)

	err := svc.Delete(context.Background(), role.ID, DeleteOptions{})
	require.ErrorIs(t, err, shared.ErrInUse)
}

func TestDeleteReassignsUsersToReplacement(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "analyst", IsActive: true})
	repl := seedRole(repo, Role{Name: "associate", IsActive: true})
	child := seedRole(repo, Role{Name: "junior", IsActive: true, ParentRoleID: &role.ID})
	seedRoleAssignment(repo, 1, role.ID, false)
	seedRoleAssignment(repo, 2, role.ID, false)
	seedRoleAssignment(repo, 3, role.ID, false)
	svc := newTestRoleService(repo)

	err := svc.Delete(context.Background(), role.ID, DeleteOptions{ReplacementRoleID: &repl.ID})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), role.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, 3, repo.roles[repl.ID].UserCount)
	require.Nil(t, repo.roles[child.ID].ParentRoleID)
	require.Positive(t, repo.bumps)
}

func TestDeleteReassignSkipsUsersAlreadyOnReplacement(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "analyst", IsActive: true})
	repl := seedRole(repo, Role{Name: "associate", IsActive: true})
	seedRoleAssignment(repo, 1, repl.ID, false)
	seedRoleAssignment(repo, 1, role.ID, true)
	seedRoleAssignment(repo, 2, role.ID, false)
	svc := newTestRoleService(repo)

	err := svc.Delete(context.Background(), role.ID, DeleteOptions{ReplacementRoleID: &repl.ID})
	require.NoError(t, err)

	// User 1 keeps a single active row on the replacement; the stale row is
	// revoked and the surviving row inherits the primary flag.
	active := 0
	for _, a := range repo.assignments {
		if a.UserID == 1 && a.Active {
			active++
			require.Equal(t, repl.ID, a.RoleID)
			require.True(t, a.Primary)
		}
	}
	require.Equal(t, 1, active)
	require.True(t, repo.holdsActive(2, repl.ID))
	require.Equal(t, 2, repo.roles[repl.ID].UserCount)
}

func TestDeleteForceRevokesAndPromotesPrimary(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "contractor", IsActive: true})
	other := seedRole(repo, Role{Name: "staff", IsActive: true})
	seedRoleAssignment(repo, 1, role.ID, true)
	seedRoleAssignment(repo, 1, other.ID, false)
	svc := newTestRoleService(repo)

	err := svc.Delete(context.Background(), role.ID, DeleteOptions{Force: true})
	require.NoError(t, err)

	require.False(t, repo.holdsActive(1, role.ID))
	for _, a := range repo.assignments {
		if a.UserID == 1 && a.Active {
			require.Equal(t, other.ID, a.RoleID)
			require.True(t, a.Primary)
		}
	}
}

func TestDeleteTombstoneFreesName(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "analyst", IsActive: true})
	svc := newTestRoleService(repo)

	require.NoError(t, svc.Delete(context.Background(), role.ID, DeleteOptions{}))

	created, err := svc.Create(context.Background(), CreateInput{Name: "analyst"})
	require.NoError(t, err)
	require.Equal(t, "analyst", created.Name)
}

func TestGetHierarchyReturnsChain(t *testing.T) {
	repo := newMemoryRoleRepo()
	top := seedRole(repo, Role{Name: "top", IsActive: true})
	mid := seedRole(repo, Role{Name: "mid", IsActive: true, ParentRoleID: &top.ID})
	leaf := seedRole(repo, Role{Name: "leaf", IsActive: true, ParentRoleID: &mid.ID})
	svc := newTestRoleService(repo)

	chain, err := svc.GetHierarchy(context.Background(), leaf.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, leaf.ID, chain[0].ID)
	require.Equal(t, mid.ID, chain[1].ID)
	require.Equal(t, top.ID, chain[2].ID)
}

func TestSetPermissionsReplacesGrantSet(t *testing.T) {
	repo := newMemoryRoleRepo()
	role := seedRole(repo, Role{Name: "analyst", IsActive: true})
	repo.grants[role.ID] = map[int64]bool{1: true, 2: true}
	svc := newTestRoleService(repo)

	require.NoError(t, svc.SetPermissions(context.Background(), role.ID, []int64{2, 3}))

	perms, err := svc.Permissions(context.Background(), role.ID)
	require.NoError(t, err)
	ids := make([]int64, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	require.ElementsMatch(t, []int64{2, 3}, ids)
}
