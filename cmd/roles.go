package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"medgate/api"
	"medgate/authz"
	"medgate/core"
	"medgate/storage"

	"github.com/spf13/cobra"
)

func newRolesCmd(opts *options) *cobra.Command {
	rolesCmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect the role table and the permissions each route requires",
	}
	rolesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles and their permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadRoles(opts)
			if err != nil {
				return err
			}
			return renderRoles(cmd.OutOrStdout(), table.ListRoles(), opts.outputJSON)
		},
	})
	rolesCmd.AddCommand(newRoutesCmd(opts))
	rolesCmd.AddCommand(&cobra.Command{
		Use:   "check <role> <permission>",
		Short: "Report whether a role grants a permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadRoles(opts)
			if err != nil {
				return err
			}
			role, err := table.GetRole(args[0])
			if err != nil {
				return fmt.Errorf("role %q: %w", args[0], err)
			}
			w := cmd.OutOrStdout()
			if grants(table, role.Name, args[1]) {
				printSuccess(w, "%s grants %s", role.Name, args[1])
				return nil
			}
			printError(w, "%s does not grant %s", role.Name, args[1])
			return fmt.Errorf("permission not granted")
		},
	})
	return rolesCmd
}

func newRoutesCmd(opts *options) *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List every route with its class, permission and the roles that satisfy it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var only core.RouteClass
			if class != "" {
				c, ok := core.ParseRouteClass(class)
				if !ok {
					return fmt.Errorf("unknown route class %q (public, auth, sensitive, standard, emergency)", class)
				}
				only = c
			}
			table, err := loadRoles(opts)
			if err != nil {
				return err
			}
			return renderRoutes(cmd.OutOrStdout(), table, only, opts.outputJSON)
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "Only routes of this class")
	return cmd
}

func loadRoles(opts *options) (*storage.RoleTable, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	return storage.LoadRoleTable(cfg.Authorization.RolesFile)
}

func grants(table *storage.RoleTable, role, permission string) bool {
	if permission == "" {
		return true
	}
	for _, p := range table.Permissions(role) {
		if authz.MatchPermission(p, permission) {
			return true
		}
	}
	return false
}

func renderRoles(w io.Writer, roles []storage.Role, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(roles)
	}
	headerColor.Fprintln(w, "ROLES")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-14s %-5s %s\n", "Role", "PHI", "Permissions")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, r := range roles {
		perms := make([]string, 0, len(r.Permissions))
		for _, p := range r.Permissions {
			perms = append(perms, string(p))
		}
		phi := "no"
		if r.PHI {
			phi = "yes"
		}
		fmt.Fprintf(w, "%-14s %-5s %s\n", r.Name, phi, strings.Join(perms, ", "))
	}
	fmt.Fprintln(w, strings.Repeat("=", 100))
	infoColor.Fprintf(w, "Total: %d roles\n", len(roles))
	return nil
}

type routeRow struct {
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	Class      string   `json:"class"`
	Permission string   `json:"permission,omitempty"`
	Sensitive  bool     `json:"sensitive"`
	Roles      []string `json:"roles"`
}

func renderRoutes(w io.Writer, table *storage.RoleTable, only core.RouteClass, asJSON bool) error {
	roles := table.ListRoles()
	rows := make([]routeRow, 0, len(api.Routes()))
	for _, rt := range api.Routes() {
		if only != "" && rt.Class != only {
			continue
		}
		row := routeRow{
			Method:     rt.Method,
			Path:       rt.Path,
			Class:      string(rt.Class),
			Permission: rt.Permission,
			Sensitive:  rt.Sensitive,
			Roles:      []string{},
		}
		if rt.Class.RequiresIdentity() {
			for _, r := range roles {
				if grants(table, r.Name, rt.Permission) && (!rt.Sensitive || r.PHI) {
					row.Roles = append(row.Roles, r.Name)
				}
			}
		}
		rows = append(rows, row)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	headerColor.Fprintln(w, "ROUTES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-7s %-26s %-10s %-20s %-4s %s\n", "Method", "Path", "Class", "Permission", "PHI", "Roles")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, row := range rows {
		phi := ""
		if row.Sensitive {
			phi = "yes"
		}
		who := strings.Join(row.Roles, ", ")
		if len(row.Roles) == 0 {
			who = "(anyone)"
		}
		fmt.Fprintf(w, "%-7s %-26s %-10s %-20s %-4s %s\n", row.Method, row.Path, row.Class, row.Permission, phi, who)
	}
	fmt.Fprintln(w, strings.Repeat("=", 110))
	return nil
}
