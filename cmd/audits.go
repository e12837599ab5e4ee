package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-cli/internal/audit"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

var auditsCmd = &cobra.Command{
	Use:   "audits",
	Short: "Inspect and manage audit history",
	Long:  "Commands for listing, viewing, retrying, stopping, and deleting audits.",
}

// lifecycleRunner opens the store and builds a runner with only the
// lifecycle operations wired, enough for retry and resume without
// provider credentials.
func lifecycleRunner(cmd *cobra.Command) (store.Store, *audit.Runner, error) {
	st, err := initStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(cmd.Context()); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, audit.New(st, nil, nil, nil, nil, audit.ConfigFrom(cfg)), nil
}

// -- audits list --

var auditsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		company, _ := cmd.Flags().GetString("company")
		active, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")

		audits, err := st.ListAudits(ctx, store.AuditFilter{
			Status:    model.AuditStatus(status),
			CompanyID: company,
			Active:    active,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "audits list")
		}

		if len(audits) == 0 {
			fmt.Fprintln(os.Stderr, "No audits found.")
			return nil
		}

		formatAuditsList(os.Stdout, audits, cfg.Audit.StaleThreshold())
		return nil
	},
}

// -- audits show --

var auditsShowCmd = &cobra.Command{
	Use:   "show <audit-id>",
	Short: "Show full details of an audit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		a, err := st.GetAudit(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits show")
		}
		progress, err := st.GetAuditProgress(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits show progress")
		}
		events, err := st.ListEvents(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits show events")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"audit":    a,
			"health":   a.Health(time.Now().UTC(), cfg.Audit.StaleThreshold()),
			"progress": progress,
			"events":   events,
		})
	},
}

// -- audits retry --

var auditsRetryCmd = &cobra.Command{
	Use:   "retry <audit-id>",
	Short: "Requeue a failed or stopped audit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, runner, err := lifecycleRunner(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reason, _ := cmd.Flags().GetString("reason")
		if err := runner.Reprocess(cmd.Context(), args[0], model.TriggerManual, reason); err != nil {
			return err
		}
		fmt.Printf("Audit %s requeued.\n", args[0])
		return nil
	},
}

// -- audits stop --

var auditsStopCmd = &cobra.Command{
	Use:   "stop <audit-id>",
	Short: "Request a cooperative stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, err := st.StopAudit(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits stop")
		}
		if status == "" {
			return eris.Errorf("audit %s is not in a stoppable state", args[0])
		}
		fmt.Printf("Audit %s is now %s.\n", args[0], status)
		return nil
	},
}

// -- audits delete / delete-failed --

var auditsDeleteCmd = &cobra.Command{
	Use:   "delete <audit-id>",
	Short: "Delete an audit and all its rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		a, err := st.GetAudit(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits delete")
		}
		if a.Status == model.AuditStatusProcessing {
			return eris.Errorf("stop audit %s before deleting it", args[0])
		}
		if err := st.DeleteAudit(ctx, args[0]); err != nil {
			return eris.Wrap(err, "audits delete")
		}
		fmt.Printf("Audit %s deleted.\n", args[0])
		return nil
	},
}

var auditsDeleteFailedCmd = &cobra.Command{
	Use:   "delete-failed",
	Short: "Delete all failed audits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.DeleteFailedAudits(ctx)
		if err != nil {
			return eris.Wrap(err, "audits delete-failed")
		}
		fmt.Printf("Deleted %d failed audit(s).\n", n)
		return nil
	},
}

// formatAuditsList renders the audit table.
func formatAuditsList(w io.Writer, audits []model.Audit, stale time.Duration) {
	now := time.Now().UTC()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMPANY\tSTATUS\tPHASE\tHEALTH\tATTEMPTS\tCREATED")
	for i := range audits {
		a := &audits[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID,
			a.CompanyID,
			a.Status,
			a.Phase,
			a.Health(now, stale),
			a.Attempts,
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush()
}

func init() {
	auditsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, stopped, cancelled)")
	auditsListCmd.Flags().String("company", "", "filter by company ID")
	auditsListCmd.Flags().Bool("active", false, "only pending or processing audits")
	auditsListCmd.Flags().Int("limit", 50, "max number of audits to display")

	auditsRetryCmd.Flags().String("reason", "manual retry", "reason recorded in the reprocess log")

	auditsCmd.AddCommand(auditsListCmd)
	auditsCmd.AddCommand(auditsShowCmd)
	auditsCmd.AddCommand(auditsRetryCmd)
	auditsCmd.AddCommand(auditsStopCmd)
	auditsCmd.AddCommand(auditsDeleteCmd)
	auditsCmd.AddCommand(auditsDeleteFailedCmd)
	rootCmd.AddCommand(auditsCmd)
}
