package rbac

import (
	"context"
	"sort"

	"github.com/meridian-erp/meridian-erp/internal/assignments"
	"github.com/meridian-erp/meridian-erp/internal/permissions"
	"github.com/meridian-erp/meridian-erp/internal/roles"
)

// AssignmentsPort loads a user's effective role assignments.
type AssignmentsPort interface {
	GetUserRoles(ctx context.Context, userID int64, opts assignments.ListOptions) ([]assignments.UserRole, error)
}

// RolesPort exposes the hierarchy reads resolution needs.
type RolesPort interface {
	GetHierarchy(ctx context.Context, roleID int64) ([]roles.Role, error)
	Permissions(ctx context.Context, roleID int64) ([]permissions.Permission, error)
}

// Service resolves effective permissions.
type Service struct {
	assignments AssignmentsPort
	roles       RolesPort
	cache       *Cache
}

// NewService constructs the resolver.
func NewService(assignmentsPort AssignmentsPort, rolesPort RolesPort, cache *Cache) *Service {
	return &Service{assignments: assignmentsPort, roles: rolesPort, cache: cache}
}

// Resolve computes the effective permission set of a user: the de-duplicated
// union of the direct grants of every active, non-expired role assignment,
// optionally extended with each role's ancestor grants.
//
// Declared permission dependencies are metadata only; the resolver never
// auto-grants them.
func (s *Service) Resolve(ctx context.Context, userID int64, opts ResolveOptions) (Resolution, error) {
	return s.cache.Fetch(ctx, userID, opts, func(ctx context.Context) (Resolution, error) {
		return s.resolve(ctx, userID, opts)
	})
}

func (s *Service) resolve(ctx context.Context, userID int64, opts ResolveOptions) (Resolution, error) {
	userRoles, err := s.assignments.GetUserRoles(ctx, userID, assignments.ListOptions{})
	if err != nil {
		return Resolution{}, err
	}

	type grant struct {
		module    string
		grantedBy map[string]struct{}
	}
	union := make(map[string]*grant)
	add := func(perms []permissions.Permission, roleName string) {
		for _, p := range perms {
			g, ok := union[p.Name]
			if !ok {
				g = &grant{module: p.Module, grantedBy: make(map[string]struct{})}
				union[p.Name] = g
			}
			g.grantedBy[roleName] = struct{}{}
		}
	}

	for _, ur := range userRoles {
		direct, err := s.roles.Permissions(ctx, ur.Role.ID)
		if err != nil {
			return Resolution{}, err
		}
		add(direct, ur.Role.Name)

		if !opts.IncludeInherited {
			continue
		}
		chain, err := s.roles.GetHierarchy(ctx, ur.Role.ID)
		if err != nil {
			return Resolution{}, err
		}
		for _, ancestor := range chain[1:] {
			if !ancestor.IsActive {
				continue
			}
			inherited, err := s.roles.Permissions(ctx, ancestor.ID)
			if err != nil {
				return Resolution{}, err
			}
			add(inherited, ancestor.Name)
		}
	}

	resolution := Resolution{Permissions: make([]EffectivePermission, 0, len(union))}
	for name, g := range union {
		grantedBy := make([]string, 0, len(g.grantedBy))
		for role := range g.grantedBy {
			grantedBy = append(grantedBy, role)
		}
		sort.Strings(grantedBy)
		resolution.Permissions = append(resolution.Permissions, EffectivePermission{
			Name:      name,
			Module:    g.module,
			GrantedBy: grantedBy,
		})
	}
	sort.Slice(resolution.Permissions, func(i, j int) bool {
		return resolution.Permissions[i].Name < resolution.Permissions[j].Name
	})

	if opts.GroupByModule {
		resolution.ByModule = make(map[string][]EffectivePermission)
		for _, p := range resolution.Permissions {
			resolution.ByModule[p.Module] = append(resolution.ByModule[p.Module], p)
		}
	}
	return resolution, nil
}

// EffectivePermissions returns deduplicated permission names for a user,
// inherited grants included. This is the authorization-check entrypoint.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	resolution, err := s.Resolve(ctx, userID, ResolveOptions{IncludeInherited: true})
	if err != nil {
		return nil, err
	}
	return resolution.Names(), nil
}
