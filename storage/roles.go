package storage

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"medgate/util"

	"gopkg.in/yaml.v3"
)

var permissionPattern = regexp.MustCompile(`^(\*|[a-z][a-z_]*:(\*|[a-z][a-z_-]*))$`)

// RoleTable maps role names to permissions. It is read once at startup
// and immutable afterwards, so lookups take no lock.
type RoleTable struct {
	roles map[string]Role
}

type roleFile struct {
	Roles []Role `yaml:"roles"`
}

// NewRoleTable validates roles and builds the table
func NewRoleTable(roles []Role) (*RoleTable, error) {
	t := &RoleTable{roles: make(map[string]Role, len(roles))}
	for _, r := range roles {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		if name == "" {
			return nil, fmt.Errorf("role without a name")
		}
		if _, dup := t.roles[name]; dup {
			return nil, fmt.Errorf("duplicate role %q", name)
		}
		for _, p := range r.Permissions {
			if !permissionPattern.MatchString(string(p)) {
				return nil, fmt.Errorf("role %q: invalid permission %q", name, p)
			}
		}
		r.Name = name
		t.roles[name] = r
	}
	return t, nil
}

// LoadRoleTable reads a YAML role file. An empty path yields the built-in
// defaults.
func LoadRoleTable(path string) (*RoleTable, error) {
	if path == "" {
		return NewRoleTable(GetDefaultRoles())
	}
	clean, err := util.CleanFilePath(path, true)
	if err != nil {
		return nil, fmt.Errorf("invalid roles file path: %w", err)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}
	if err := validateDocument("roles", data); err != nil {
		return nil, err
	}
	var f roleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roles file: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("roles file %s defines no roles", path)
	}
	return NewRoleTable(f.Roles)
}

// Permissions implements authz.PermissionTable
func (t *RoleTable) Permissions(role string) []string {
	r, ok := t.roles[strings.ToLower(role)]
	if !ok {
		return nil
	}
	out := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		out[i] = string(p)
	}
	return out
}

// PHICapable implements authz.PermissionTable
func (t *RoleTable) PHICapable(role string) bool {
	return t.roles[strings.ToLower(role)].PHI
}

// GetRole returns one role by name
func (t *RoleTable) GetRole(name string) (Role, error) {
	r, ok := t.roles[strings.ToLower(name)]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return r, nil
}

// ListRoles returns all roles sorted by name
func (t *RoleTable) ListRoles() []Role {
	out := make([]Role, 0, len(t.roles))
	for _, r := range t.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarshalYAML renders the table in the roles file format
func (t *RoleTable) MarshalYAML() (interface{}, error) {
	return roleFile{Roles: t.ListRoles()}, nil
}
