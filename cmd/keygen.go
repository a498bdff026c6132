package cmd

import (
	"encoding/json"
	"fmt"

	"medgate/bootstrap"
	"medgate/config"

	"github.com/spf13/cobra"
)

// maxKeygenAttempts bounds the retries when a random secret happens to
// contain a placeholder fragment
const maxKeygenAttempts = 16

func newKeygenCmd(opts *options) *cobra.Command {
	var length int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a token signing secret",
		Long: `Generate a random secret suitable for auth.jwt_secret or the
MEDGATE_AUTH_JWT_SECRET environment variable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for i := 0; i < maxKeygenAttempts; i++ {
				secret, err := bootstrap.GenerateSecret(length)
				if err != nil {
					return err
				}
				if config.ValidateJWTSecret(secret) != nil {
					continue
				}
				if opts.outputJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"secret": secret})
				}
				fmt.Fprintln(cmd.OutOrStdout(), secret)
				return nil
			}
			return fmt.Errorf("failed to generate a valid secret")
		},
	}
	cmd.Flags().IntVar(&length, "length", 48, "Secret length (minimum 32)")
	return cmd
}
