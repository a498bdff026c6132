package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"medgate/auth"
	"medgate/config"
	"medgate/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newTokenCmd mints a bearer token for an existing account without a
// password. It exists for local testing and refuses to run in production.
func newTokenCmd(opts *options) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Mint a token for a configured user (development only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to mint tokens in a production environment")
			}
			if cfg.Auth.UsersFile == "" {
				return fmt.Errorf("auth.users_file is not set")
			}
			users, err := storage.LoadUsers(cfg.Auth.UsersFile, cfg.Auth.BcryptCost, zap.NewNop().Sugar())
			if err != nil {
				return err
			}
			user, err := users.GetUserByUsername(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("user %q: %w", args[0], err)
			}
			if !user.Active {
				return fmt.Errorf("user %q is inactive", user.Username)
			}

			if ttl <= 0 {
				ttl = cfg.Auth.JWTExpiry
			}
			issuer, err := newIssuer(cfg, ttl)
			if err != nil {
				return err
			}
			token, claims, err := issuer.Issue(auth.Subject{
				ID:         user.Username,
				Roles:      user.Roles,
				TenantID:   user.TenantID,
				BranchID:   user.BranchID,
				SystemWide: user.SystemWide,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.outputJSON {
				return json.NewEncoder(w).Encode(map[string]interface{}{
					"token":      token,
					"token_type": "Bearer",
					"expires_at": claims.ExpiresAt.Time.UTC(),
				})
			}
			fmt.Fprintln(w, token)
			printWarning(cmd.ErrOrStderr(), "Token for %s expires at %s", user.Username, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.jwt_expiry)")
	return cmd
}

func newIssuer(cfg *config.Config, ttl time.Duration) (*auth.Issuer, error) {
	manager, err := config.NewSecretManager(cfg)
	if err != nil {
		return nil, err
	}
	keys, err := config.LoadSigningKeys(cfg, manager)
	if err != nil {
		return nil, err
	}
	primary := cfg.Auth.JWTKeyID
	if primary == "" {
		primary = "primary"
	}
	keySet, err := auth.NewKeySet(keys, primary)
	if err != nil {
		return nil, err
	}
	return auth.NewIssuer(keySet, cfg.Auth.JWTIssuer, ttl), nil
}
