package rbac

// EffectivePermission is one resolved grant, annotated with every role that
// contributed it.
type EffectivePermission struct {
	Name      string   `json:"name"`
	Module    string   `json:"module"`
	GrantedBy []string `json:"granted_by,omitempty"`
}

// ResolveOptions steer permission resolution.
type ResolveOptions struct {
	// IncludeInherited additionally walks each assigned role's ancestor
	// chain and unions in the ancestors' direct grants.
	IncludeInherited bool
	// GroupByModule populates Resolution.ByModule.
	GroupByModule bool
}

// Resolution is the de-duplicated union of a user's effective permissions.
// There is no precedence model: a permission granted by any applicable role
// cannot be revoked by another role in the same resolution.
type Resolution struct {
	Permissions []EffectivePermission            `json:"permissions"`
	ByModule    map[string][]EffectivePermission `json:"by_module,omitempty"`
}

// Names returns the bare permission names of the resolution.
func (r Resolution) Names() []string {
	names := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		names[i] = p.Name
	}
	return names
}

// Has reports whether the resolution contains the given permission name.
func (r Resolution) Has(name string) bool {
	for _, p := range r.Permissions {
		if p.Name == name {
			return true
		}
	}
	return false
}
