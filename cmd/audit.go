package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"medgate/audit"
	"medgate/config"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// auditStore is what the audit commands need from a sink
type auditStore interface {
	audit.Sink
	Query(ctx context.Context, f audit.Filter) ([]audit.Record, error)
	audit.Purger
}

func newAuditCmd(opts *options) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and maintain the audit trail",
	}
	auditCmd.AddCommand(newAuditTailCmd(opts))
	auditCmd.AddCommand(newAuditPurgeCmd(opts))
	return auditCmd
}

func newAuditTailCmd(opts *options) *cobra.Command {
	var (
		limit     int
		eventType string
		actor     string
		review    bool
		since     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := openAuditStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			f := audit.Filter{
				EventType:  audit.EventType(strings.ToUpper(eventType)),
				Actor:      actor,
				ReviewOnly: review,
				Limit:      limit,
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			ctx, cancel := context.WithTimeout(cmdContext(cmd), defaultTimeout)
			defer cancel()
			records, err := store.Query(ctx, f)
			if err != nil {
				return fmt.Errorf("failed to query audit trail: %w", err)
			}
			return renderRecords(cmd.OutOrStdout(), records, opts.outputJSON)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum records to show")
	cmd.Flags().StringVar(&eventType, "event-type", "", "Only records of this type (e.g. LOGIN_FAILED)")
	cmd.Flags().StringVar(&actor, "actor", "", "Only records for this actor")
	cmd.Flags().BoolVar(&review, "review", false, "Only records flagged for compliance review")
	cmd.Flags().DurationVar(&since, "since", 0, "Only records newer than this (e.g. 24h)")
	return cmd
}

func newAuditPurgeCmd(opts *options) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete records older than the retention period now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.Audit.RetentionDays
			}
			store, err := openAuditStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
			s.Suffix = fmt.Sprintf(" Purging audit records older than %d days...", days)
			if !opts.outputJSON {
				s.Start()
			}
			ctx, cancel := context.WithTimeout(cmdContext(cmd), defaultTimeout)
			defer cancel()
			n, err := store.Purge(ctx, time.Now().Add(-time.Duration(days)*24*time.Hour))
			s.Stop()
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}

			if opts.outputJSON {
				return json.NewEncoder(w).Encode(map[string]interface{}{"purged": n, "retention_days": days})
			}
			printSuccess(w, "Purged %d records older than %d days", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention period in days (default: audit.retention_days)")
	return cmd
}

// openAuditStore opens the configured sink for reading. Only sinks that
// support queries qualify.
func openAuditStore(cfg *config.Config) (auditStore, error) {
	sink, err := audit.OpenSink(cfg.Audit, zap.NewNop().Sugar())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	store, ok := sink.(auditStore)
	if !ok {
		_ = sink.Close()
		return nil, fmt.Errorf("audit sink %q cannot be queried from the CLI", sink.Name())
	}
	return store, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func renderRecords(w io.Writer, records []audit.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		printWarning(w, "No audit records found")
		return nil
	}
	headerColor.Fprintln(w, "AUDIT TRAIL")
	headerColor.Fprintln(w, strings.Repeat("=", 120))
	fmt.Fprintf(w, "%-20s %-19s %-16s %-8s %-26s %s\n", "Time", "Event", "Actor", "Outcome", "Resource", "Reason")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, r := range records {
		event := string(r.EventType)
		if r.ReviewRequired {
			event += "*"
		}
		fmt.Fprintf(w, "%-20s %-19s %-16s %-8s %-26s %s\n",
			r.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			event,
			truncate(r.Actor, 16),
			outcomeLabel(r.Outcome),
			truncate(r.Resource, 26),
			r.Reason)
	}
	fmt.Fprintln(w, strings.Repeat("=", 120))
	infoColor.Fprintf(w, "Showing %d records (* = flagged for review)\n", len(records))
	return nil
}

func outcomeLabel(o audit.Outcome) string {
	switch o {
	case audit.OutcomeSuccess:
		return successColor.Sprintf("%-8s", o)
	case audit.OutcomeDenied, audit.OutcomeBlocked, audit.OutcomeFailure:
		return warningColor.Sprintf("%-8s", o)
	default:
		return errorColor.Sprintf("%-8s", o)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
