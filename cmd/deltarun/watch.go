package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cryolab/deltarun/pkg/events"
)

func NewWatchCommand() *cobra.Command {
	var (
		samplesOnly bool
		until       bool
	)

	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Follow the events of the daemon",
		GroupID: gBasic,
		Long: `Follow what the daemon is doing: phase changes, samples, calibration
points and schedule notices are printed as they happen. Press Ctrl-C to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return apiClient.Events(ctx, func(ev events.Event) bool {
				if samplesOnly && ev.Name != events.RunSample {
					return true
				}
				if err := printEvent(cmd, ev); err != nil {
					logrus.WithError(err).WithField("event", ev.Name).Warn("failed to decode event")
				}
				if until && ev.Name == events.RunPhase {
					p, err := events.DecodeAs[events.RunPhaseEvent](ev)
					return err != nil || !p.To.Done()
				}
				if until && ev.Name == events.CalibrationResult {
					return false
				}
				return true
			})
		},
	}

	f := cmd.Flags()
	f.BoolVar(&samplesOnly, "samples", false, "Print samples only")
	f.BoolVar(&until, "until-done", false, "Exit when the active job finishes")

	return cmd
}

func printEvent(cmd *cobra.Command, ev events.Event) error {
	now := time.Now().Format(time.TimeOnly)

	switch ev.Name {
	case events.RunPhase:
		p, err := events.DecodeAs[events.RunPhaseEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s %s %s: %s -> %s", now, p.Kind, p.RunID, p.From, phaseText(p.To))
		if p.Message != "" {
			cmd.Printf(" (%s)", p.Message)
		}
		cmd.Println()
	case events.RunSample:
		s, err := events.DecodeAs[events.RunSampleEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s %s sample: T = %.3f K, R = %s ± %s\n", now, s.Kind, s.Sample.SampleTemperature,
			bold("%s", formatSI(s.Sample.SampleResistance, "Ω")), formatSI(s.Sample.ResistanceStdDev, "Ω"))
	case events.RunProgress:
		// Printed by 'deltarun status'.
	case events.CalibrationPoint:
		p, err := events.DecodeAs[events.CalibrationPointEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s calibration point: %s -> %s, R = %s\n", now,
			formatSI(p.Point.Setpoint, "V"), formatCurrent(p.Point.SourceCurrent), formatSI(p.Point.SampleResistance, "Ω"))
	case events.CalibrationResult:
		r, err := events.DecodeAs[events.CalibrationResultEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s calibration %s", now, bold("%s", r.Phase))
		switch {
		case r.Recommendation != nil:
			cmd.Printf(": %s", formatCurrent(r.Recommendation.Current))
		case r.Current > 0:
			cmd.Printf(": %s", formatCurrent(r.Current))
		}
		if r.Applied {
			cmd.Print(" (applied)")
		}
		if r.Message != "" {
			cmd.Printf(" %s", r.Message)
		}
		cmd.Println()
	case events.MeasureClamp:
		c, err := events.DecodeAs[events.ClampEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s %s current %s clamped to %s\n", now, color.YellowString("warning:"),
			formatCurrent(c.Requested), formatCurrent(c.Applied))
	case events.ScheduleUpcoming:
		s, err := events.DecodeAs[events.ScheduleEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s scheduled run at %s\n", now, time.Unix(s.RunAt, 0).Format(time.DateTime))
	case events.ScheduleError:
		s, err := events.DecodeAs[events.ScheduleEvent](ev)
		if err != nil {
			return err
		}
		cmd.Printf("%s %s %s\n", now, color.RedString("scheduled run failed:"), s.Message)
	default:
		cmd.Printf("%s %s %s\n", now, ev.Name, string(ev.Data))
	}
	return nil
}
