package main

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cryolab/deltarun/pkg/sequence"
	"github.com/cryolab/deltarun/pkg/types"
)

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		GroupID: gBasic,
		Use:     "status",
		Short:   "Get the current status of deltarun",
		Long:    `Get the active job, the instruments and the schedule of deltarun.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			if asJSON {
				b, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			printStatus(cmd, st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output status in JSON format")

	return cmd
}

func printStatus(cmd *cobra.Command, st *types.Status) {
	worker := "idle"
	if st.Worker != types.WorkerNone {
		worker = color.New(color.Bold, color.FgGreen).Sprint(string(st.Worker))
	}
	cmd.Printf("Active job: %s\n", worker)
	if st.Simulated {
		cmd.Println(color.YellowString("  The daemon is driving simulated instruments."))
	}
	cmd.Println()

	if p := st.Run; p != nil {
		cmd.Println(bold("Run:"))
		cmd.Printf("  ID: %s\n", p.ID)
		cmd.Printf("  Phase: %s\n", phaseText(p.Phase))
		if p.StepCount > 0 {
			cmd.Printf("  Step: %s (%s, target %s)\n",
				bold("%d/%d", min(p.StepIndex+1, p.StepCount), p.StepCount), p.StepPhase, bold("%.2f K", p.Target))
		}
		cmd.Printf("  Samples: %d\n", p.Samples)
		cmd.Printf("  Elapsed: %s\n", p.Elapsed.Round(time.Second))
		if !p.Phase.Done() {
			cmd.Printf("  Remaining: ~%s\n", p.Remaining.Round(time.Minute))
		}
		if p.Error != "" {
			cmd.Printf("  Error: %s\n", color.RedString(p.Error))
		}
		if st.RunLog != "" {
			cmd.Printf("  Log: %s\n", st.RunLog)
		}
		cmd.Println()
	}

	if c := st.Continuous; c != nil {
		cmd.Println(bold("Continuous measurement:"))
		cmd.Printf("  Phase: %s\n", phaseText(c.Phase))
		if c.Count > 0 {
			cmd.Printf("  Samples: %d/%d\n", c.Taken, c.Count)
		} else {
			cmd.Printf("  Samples: %d (until stopped)\n", c.Taken)
		}
		if c.Error != "" {
			cmd.Printf("  Error: %s\n", color.RedString(c.Error))
		}
		cmd.Println()
	}

	if c := st.Calibration; c != nil {
		cmd.Println(bold("Calibration:"))
		printCalibration(cmd, c)
		cmd.Println()
	}

	cmd.Println(bold("Instruments:"))
	cmd.Printf("  Current: %s (ceiling %s)\n", bold("%s", formatCurrent(st.Current)), formatCurrent(st.CurrentCeiling))
	if d := st.Device; d != nil {
		cmd.Printf("  Cryostat: %s, sample %s, actuator %.2f K\n", d.Phase, bold("%.2f K", d.SampleTemperature), d.ActuatorTemperature)
		cmd.Printf("  Alarm: %s\n", alarmText(d.AlarmLevel, d.AlarmMessage))
	}
	if st.DeviceError != "" {
		cmd.Printf("  Cryostat: %s\n", color.RedString(st.DeviceError))
	}
	if s := st.Latest; s != nil {
		cmd.Printf("  Latest sample: %s ± %s at %.2f K (%s)\n",
			bold("%s", formatSI(s.SampleResistance, "Ω")), formatSI(s.ResistanceStdDev, "Ω"),
			s.SampleTemperature, s.Time.Local().Format(time.DateTime))
	}
	cmd.Println()

	cmd.Println(bold("Schedule:"))
	printSchedule(cmd, st.Schedule)
}

func printSchedule(cmd *cobra.Command, s types.ScheduleStatus) {
	if s.Cron == "" {
		cmd.Println("  Unattended runs are not scheduled.")
		return
	}
	cmd.Printf("  Cron: %s\n", s.Cron)
	if s.NextRun != nil {
		cmd.Printf("  Next run: %s\n", bold("%s", s.NextRun.Local().Format(time.DateTime)))
	}
}

func phaseText(p sequence.Phase) string {
	switch p {
	case sequence.PhaseRunning:
		return color.New(color.Bold, color.FgGreen).Sprint(string(p))
	case sequence.PhaseFaulted:
		return color.New(color.Bold, color.FgRed).Sprint(string(p))
	case sequence.PhaseStopped:
		return color.New(color.Bold, color.FgYellow).Sprint(string(p))
	}
	return bold("%s", p)
}

func alarmText(level int, msg string) string {
	text := fmt.Sprintf("level %d", level)
	if msg != "" {
		text += ": " + msg
	}
	switch {
	case level >= 2:
		return color.New(color.Bold, color.FgRed).Sprint(text)
	case level == 1:
		return color.New(color.Bold, color.FgYellow).Sprint(text)
	}
	return color.New(color.Bold, color.FgGreen).Sprint("none")
}

var siPrefixes = []struct {
	exp    int
	prefix string
}{
	{9, "G"}, {6, "M"}, {3, "k"}, {0, ""}, {-3, "m"}, {-6, "µ"}, {-9, "n"}, {-12, "p"},
}

// formatSI prints v with the largest SI prefix that keeps it at or above 1.
func formatSI(v float64, unit string) string {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprintf("%g %s", v, unit)
	}
	abs := math.Abs(v)
	for _, p := range siPrefixes {
		scale := math.Pow10(p.exp)
		if abs >= scale*(1-1e-9) {
			return fmt.Sprintf("%.4g %s%s", v/scale, p.prefix, unit)
		}
	}
	last := siPrefixes[len(siPrefixes)-1]
	return fmt.Sprintf("%.4g %s%s", v/math.Pow10(last.exp), last.prefix, unit)
}

func formatCurrent(amps float64) string {
	return formatSI(amps, "A")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
