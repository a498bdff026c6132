// Package cmd provides the medgate command-line interface.
package cmd

import (
	"fmt"
	"io"
	"time"

	"medgate/bootstrap"
	"medgate/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// defaultTimeout bounds one-shot store operations
const defaultTimeout = 2 * time.Minute

// options are the persistent flags shared by every command
type options struct {
	configFile string
	outputJSON bool
	noColor    bool
}

// NewRootCmd creates the medgate command tree
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "medgate",
		Short: "Admission gateway for clinical APIs",
		Long: `medgate screens every API request before it reaches a handler: injection
scanning, token validation, tiered rate limiting with account lockout,
role and branch authorization with break-the-glass, and an audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newRolesCmd(opts))
	root.AddCommand(newAuditCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newKeygenCmd(opts))
	return root
}

func (o *options) loadConfig() (*config.Config, error) {
	return bootstrap.InitConfig(o.configFile)
}

func printSuccess(w io.Writer, format string, args ...interface{}) {
	successColor.Fprint(w, "✓ ")
	fmt.Fprintf(w, format+"\n", args...)
}

func printWarning(w io.Writer, format string, args ...interface{}) {
	warningColor.Fprint(w, "! ")
	fmt.Fprintf(w, format+"\n", args...)
}

func printError(w io.Writer, format string, args ...interface{}) {
	errorColor.Fprint(w, "✗ ")
	fmt.Fprintf(w, format+"\n", args...)
}
