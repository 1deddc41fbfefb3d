package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage unattended runs of the stored stage program",
		Long: `Manage unattended runs of the stored stage program.

The schedule command can be used in multiple ways:
  deltarun schedule 'minute hour day month weekday' Set schedule with cron expression
  deltarun schedule disable                         Disable the schedule
  deltarun schedule postpone [duration]             Postpone next run
  deltarun schedule skip                            Skip next run
  deltarun schedule show                            Show current schedule

A scheduled run is skipped if another job holds the instruments when it is due.`,
		Example: `  deltarun schedule '0 22 * * *'   (At 22:00 every day)
  deltarun schedule '0 20 * * 5'   (At 20:00 on Friday)
  deltarun schedule '@weekly'      (At midnight on Sunday)`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable unattended runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.SetSchedule(""); err != nil {
				return err
			}
			cmd.Println("Schedule disabled.")
			return nil
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next unattended run",
		Example: `  deltarun schedule postpone      (Postpone by 1 hour)
  deltarun schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next unattended run by a duration. If no duration is
provided, defaults to 1 hour. The run cannot be postponed past the one after it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			st, err := apiClient.PostponeSchedule(d)
			if err != nil {
				return err
			}
			cmd.Printf("Next run postponed by %s.\n", d)
			if st.NextRun != nil {
				cmd.Printf("It is now due at %s.\n", st.NextRun.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next unattended run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.SkipSchedule()
			if err != nil {
				return err
			}
			cmd.Println("Next scheduled run skipped.")
			if st.NextRun != nil {
				cmd.Printf("The following run is due at %s.\n", st.NextRun.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the schedule of unattended runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	st, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Println("Schedule set.")
	printSchedule(cmd, *st)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetStatus()
	if err != nil {
		return err
	}
	printSchedule(cmd, st.Schedule)
	return nil
}
