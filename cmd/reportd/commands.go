package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reportd/internal/app"
	"reportd/internal/cadence"
	"reportd/internal/config"
	"reportd/internal/report"
	"reportd/internal/storage"
	"reportd/pkg/logx"
)

const shutdownTimeout = 15 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			cancel()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
			}
			return stopErr
		},
	}
}

// openStore loads config and opens storage for the one-shot commands.
func openStore(cmd *cobra.Command) (*config.Config, storage.Store, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	_, log := logx.New(logx.Config{Level: "warn", Console: true}, nil)
	st, err := app.OpenStore(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Printf("storage migrated (%s)\n", cfg.Storage.Driver)
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release claims whose lease has expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.SweepClaims(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no stale claims")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newNextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Preview upcoming run times for a cadence",
		Example: `  reportd next --frequency weekly --day-of-week 1 --time 08:30 --tz Europe/Berlin
  reportd next --frequency monthly --day-of-month 31 -n 6`,
		RunE: func(cmd *cobra.Command, args []string) error {
			freq, _ := cmd.Flags().GetString("frequency")
			tod, _ := cmd.Flags().GetString("time")
			tz, _ := cmd.Flags().GetString("tz")
			anchor, _ := cmd.Flags().GetInt("anchor-month")
			n, _ := cmd.Flags().GetInt("count")
			from, _ := cmd.Flags().GetString("from")

			c := report.Cadence{
				Frequency:   report.Frequency(strings.ToLower(freq)),
				TimeOfDay:   tod,
				Timezone:    tz,
				AnchorMonth: anchor,
			}
			switch c.Frequency {
			case report.Weekly:
				v, _ := cmd.Flags().GetInt("day-of-week")
				c.DayOfWeek = &v
			case report.Monthly, report.Quarterly:
				v, _ := cmd.Flags().GetInt("day-of-month")
				c.DayOfMonth = &v
			}
			if err := cadence.Validate(c); err != nil {
				return err
			}

			ref := time.Now().UTC()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				ref = t
			}
			ticks, err := cadence.Preview(c, ref, n)
			if err != nil {
				return err
			}
			loc, _ := cadence.Location(c)
			for _, t := range ticks {
				fmt.Printf("%s\t%s\n", t.UTC().Format(time.RFC3339), t.In(loc).Format("Mon 2006-01-02 15:04 MST"))
			}
			return nil
		},
	}
	cmd.Flags().String("frequency", "daily", "daily, weekly, monthly or quarterly")
	cmd.Flags().String("time", "", "time of day HH:MM (default 09:00)")
	cmd.Flags().String("tz", "", "IANA timezone (default UTC)")
	cmd.Flags().Int("day-of-week", 0, "0=Sunday .. 6=Saturday")
	cmd.Flags().Int("day-of-month", 1, "1..31, clamped to month length")
	cmd.Flags().Int("anchor-month", 0, "quarterly anchor month (1..12)")
	cmd.Flags().IntP("count", "n", 5, "number of ticks to show")
	cmd.Flags().String("from", "", "reference time (RFC3339, default now)")
	return cmd
}

func newVersionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <report-id>",
		Short: "List stored versions of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			_, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			versions, err := st.ListVersions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
			fmt.Fprintln(w, "VERSION\tID\tCHANGE\tCOMPLIANCE\tBY\tCREATED\t")
			for _, v := range versions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t\n",
					v.Version, v.ID, v.ChangeType, v.ComplianceStatus, v.CreatedBy, v.CreatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "max versions to list")
	return cmd
}

func newComplianceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Summarize audit events and version compliance over a date range",
		Example: `  reportd compliance --from 2026-01-01 --to 2026-03-31
  reportd compliance --from 2026-03-01T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fromRaw, _ := cmd.Flags().GetString("from")
			toRaw, _ := cmd.Flags().GetString("to")
			from, to, err := report.ParseSummaryRange(fromRaw, toRaw, time.Now().UTC())
			if err != nil {
				return err
			}
			_, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := st.ComplianceSummary(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			fmt.Printf("%s .. %s: %d versions\n\n", sum.From.Format(time.RFC3339), sum.To.Format(time.RFC3339), sum.Versions)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
			fmt.Fprintln(w, "COMPLIANCE\tVERSIONS\t")
			for _, k := range sortedKeys(sum.Statuses) {
				fmt.Fprintf(w, "%s\t%d\t\n", k, sum.Statuses[k])
			}
			fmt.Fprintln(w, "\t\t")
			fmt.Fprintln(w, "SENSITIVITY\tVERSIONS\t")
			for _, k := range sortedKeys(sum.Sensitivity) {
				fmt.Fprintf(w, "%s\t%d\t\n", k, sum.Sensitivity[k])
			}
			fmt.Fprintln(w, "\t\t")
			fmt.Fprintln(w, "EVENT\tCOUNT\t")
			for _, k := range sortedKeys(sum.Events) {
				fmt.Fprintf(w, "%s\t%d\t\n", k, sum.Events[k])
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(sum.NonCompliant) == 0 {
				return nil
			}

			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
			fmt.Fprintln(w, "REPORT\tVERSION\tID\tCOMPLIANCE\tISSUES\tCREATED\t")
			for _, v := range sum.NonCompliant {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t\n",
					v.ReportID, v.Version, v.ID, v.Status, v.Issues, v.CreatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("from", "", "range start, RFC3339 or YYYY-MM-DD (default 30 days before --to)")
	cmd.Flags().String("to", "", "range end, exclusive; a bare date includes that day (default now)")
	return cmd
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func newPruneAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune-audit",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			raw, _ := cmd.Flags().GetString("older-than")
			if raw == "" {
				raw = cfg.Scheduler.AuditRetention
			}
			retention, err := config.ParseDurationField("older-than", raw)
			if err != nil {
				return err
			}
			if retention <= 0 {
				return fmt.Errorf("%w: no retention: pass --older-than or set scheduler.audit_retention", report.ErrConfiguration)
			}
			before := time.Now().UTC().Add(-retention)
			n, err := st.PruneAudit(cmd.Context(), before)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d audit entries before %s\n", n, before.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("older-than", "", "retention such as 2555d or 720h (default scheduler.audit_retention)")
	return cmd
}
