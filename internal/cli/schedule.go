package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tickflow/internal/domain"
	"tickflow/internal/recurrence"
	"tickflow/internal/scheduler"
)

func (r *root) scheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedules",
	}
	cmd.AddCommand(
		r.scheduleAddCommand(),
		r.scheduleListCommand(),
		r.scheduleStateCommand("pause", "Stop firing, keeping the pending slot", (*scheduler.Service).Pause),
		r.scheduleStateCommand("resume", "Resume from the next slot after now", (*scheduler.Service).Resume),
		r.scheduleStateCommand("cancel", "Stop the schedule permanently", (*scheduler.Service).Cancel),
		r.scheduleDeleteCommand(),
	)
	return cmd
}

func (r *root) scheduleAddCommand() *cobra.Command {
	var (
		req     scheduler.NewSchedule
		kind    string
		at      string
		payload string
	)
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Create a schedule",
		Example: `  tickflow schedule add --name nightly --command shell --kind daily_at --value 02:30 --tz Europe/Berlin \
    --payload '{"command":"/usr/local/bin/backup"}'
  tickflow schedule add --command http --kind one_off --at 2025-01-01T00:00:00Z --payload '{"url":"https://example.com/hook"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RecurrenceKind = domain.RecurrenceKind(kind)
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				req.RunAt = &t
			}
			if payload != "" {
				req.Payload = json.RawMessage(payload)
			}

			a, err := newApp(cmd.Context(), r.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			sch, err := a.svc.CreateSchedule(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, sch)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "display name")
	f.StringVar(&req.Command, "command", "", "handler to run: shell, http or redis")
	f.StringVar(&kind, "kind", "", "one_off, daily_at, weekly_at or cron_expr")
	f.StringVar(&req.RecurrenceValue, "value", "", `recurrence value, e.g. "09:00", "MON,FRI:18:00" or "*/15 * * * *"`)
	f.StringVar(&req.Timezone, "tz", "UTC", "IANA time zone the recurrence is evaluated in")
	f.StringVar(&at, "at", "", "RFC3339 instant for one_off schedules")
	f.StringVar(&payload, "payload", "", "JSON payload passed to the handler")
	f.IntVar(&req.MaxRuns, "max-runs", 0, "complete after this many runs (0 for no limit)")
	_ = cmd.MarkFlagRequired("command")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (r *root) scheduleListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), r.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			schedules, err := a.svc.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tVALUE\tTZ\tSTATUS\tRUNS\tNEXT RUN")
			for _, s := range schedules {
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Name, s.RecurrenceKind, s.RecurrenceValue, s.Timezone, s.Status, s.RunCount, next)
			}
			return tw.Flush()
		},
	}
}

type stateFunc func(*scheduler.Service, context.Context, string) (domain.Schedule, error)

func (r *root) scheduleStateCommand(use, short string, fn stateFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), r.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			sch, err := fn(a.svc, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, sch)
		},
	}
}

func (r *root) scheduleDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), r.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.svc.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (r *root) runsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <schedule-id>",
		Short: "Show a schedule's run history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), r.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			runs, err := a.svc.Runs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLANNED\tSTATUS\tERROR")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", run.ID, run.PlannedRunAt.Format(time.RFC3339), run.Status, run.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func (r *root) nextCommand() *cobra.Command {
	var (
		kind, value, tz, from string
		count                 int
	)
	cmd := &cobra.Command{
		Use:     "next",
		Short:   "Preview the next instants of a recurrence",
		Example: `  tickflow next --kind cron_expr --value "0 */4 * * *" --tz America/Chicago --count 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := time.Now()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from must be RFC3339: %w", err)
				}
				ref = t
			}
			times, err := recurrence.Preview(domain.RecurrenceKind(kind), value, tz, ref, count)
			if err != nil {
				return err
			}
			loc, err := recurrence.LoadLocation(tz)
			if err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), t.In(loc).Format(time.RFC3339))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "daily_at, weekly_at or cron_expr")
	f.StringVar(&value, "value", "", "recurrence value")
	f.StringVar(&tz, "tz", "UTC", "IANA time zone")
	f.StringVar(&from, "from", "", "RFC3339 reference instant (default now)")
	f.IntVar(&count, "count", 5, "number of instants")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
