package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/types"
)

func NewCalibrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Aliases: []string{"calibrate", "cali"},
		Short:   "Find a measurement current for the mounted sample",
		Long: `Find a measurement current for the mounted sample.

The default (merit) calibration sweeps the source voltage in both polarities
and scores every point by the nonlinearity, noise and self-heating of the I-V
curve. The point with the best merit becomes the recommended current.

The spread calibration raises the current from a small value until the relative
spread of the resistance readings is small enough.`,
		GroupID: gMeasurement,
	}

	cmd.AddCommand(newCalibrationStartCommand(), newCalibrationStopCommand(), newCalibrationStatusCommand())
	return cmd
}

func newCalibrationStartCommand() *cobra.Command {
	var (
		spread    bool
		apply     bool
		vMin      float64
		vMax      float64
		samples   int
		iMax      float64
		maxSpread float64
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a calibration",
		Example: `  deltarun calibration start --apply
  deltarun calibration start --voltage-max 0.5
  deltarun calibration start --spread --max-spread 0.0005`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := types.CalibrationRequest{Mode: types.CalibrationMerit, Apply: apply}
			f := cmd.Flags()

			if spread {
				req.Mode = types.CalibrationSpread
				if f.Changed("current-max") || f.Changed("max-spread") || f.Changed("samples") {
					p := calibration.DefaultSpreadParams()
					if f.Changed("current-max") {
						p.CurrentMax = iMax
					}
					if f.Changed("max-spread") {
						p.MaxRelativeSpread = maxSpread
					}
					if f.Changed("samples") {
						p.SamplesPerPoint = samples
					}
					req.Spread = &p
				}
			} else if f.Changed("voltage-min") || f.Changed("voltage-max") || f.Changed("samples") {
				conf, err := apiClient.GetConfig()
				if err != nil {
					return fmt.Errorf("failed to get calibration defaults: %w", err)
				}
				p := calibration.DefaultParams()
				if conf.Calibration != nil {
					p = *conf.Calibration
				}
				if f.Changed("voltage-min") {
					p.VoltageMin = vMin
				}
				if f.Changed("voltage-max") {
					p.VoltageMax = vMax
				}
				if f.Changed("samples") {
					p.SamplesPerPoint = samples
				}
				req.Params = &p
			}

			st, err := apiClient.StartCalibration(req)
			if err != nil {
				return fmt.Errorf("failed to start calibration: %w", err)
			}

			cmd.Printf("%s calibration started.\n", st.Mode)
			if st.LogFile != "" {
				cmd.Printf("Sweep points are logged to %s\n", st.LogFile)
			}
			cmd.Println("Use 'deltarun calibration status' or 'deltarun watch' to follow it.")
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&spread, "spread", false, "Search for a current by reading spread instead of sweeping the voltage")
	f.BoolVar(&apply, "apply", false, "Use the recommended current as the measurement current")
	f.Float64Var(&vMin, "voltage-min", 0, "Smallest sweep voltage (V)")
	f.Float64Var(&vMax, "voltage-max", 0, "Largest sweep voltage (V)")
	f.IntVar(&samples, "samples", 0, "Readings per point")
	f.Float64Var(&iMax, "current-max", 0, "Largest current the spread search may try (A)")
	f.Float64Var(&maxSpread, "max-spread", 0, "Accepted relative spread of the resistance readings")

	return cmd
}

func newCalibrationStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Aliases: []string{"cancel"},
		Short:   "Stop the calibration in progress",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ret, err := apiClient.StopCalibration()
			if err != nil {
				return fmt.Errorf("failed to stop calibration: %w", err)
			}
			logResponse(ret)
			cmd.Println("Calibration stopped.")
			return nil
		},
	}
}

func newCalibrationStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"show"},
		Short:   "Show the last calibration",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetCalibration()
			if err != nil {
				return fmt.Errorf("failed to fetch calibration status: %w", err)
			}
			printCalibration(cmd, st)
			return nil
		},
	}
}

func printCalibration(cmd *cobra.Command, st *calibration.Status) {
	cmd.Printf("  Mode: %s\n", st.Mode)
	cmd.Printf("  Phase: %s\n", bold("%s", st.Phase))
	if !st.StartedAt.IsZero() {
		cmd.Printf("  Started: %s\n", st.StartedAt.Local().Format(time.DateTime))
	}
	cmd.Printf("  Points: %d\n", st.Points)
	if st.Message != "" {
		cmd.Printf("  Message: %s\n", st.Message)
	}
	if st.LastError != "" {
		cmd.Printf("  Error: %s\n", st.LastError)
	}

	if st.Result != nil && st.Result.Recommendation != nil {
		rec := st.Result.Recommendation
		cmd.Printf("  Recommended: %s at %s (R = %s, merit %.3g)\n",
			bold("%s", formatCurrent(rec.Current)), formatSI(rec.Voltage, "V"), formatSI(rec.Resistance, "Ω"), rec.Merit)
	}
	if st.Spread != nil {
		for _, s := range st.Spread.Steps {
			cmd.Printf("    %s: R = %s, spread %.2e\n", formatCurrent(s.Current), formatSI(s.Resistance, "Ω"), s.RelativeSpread)
		}
		if st.Spread.Current > 0 {
			cmd.Printf("  Recommended: %s\n", bold("%s", formatCurrent(st.Spread.Current)))
		}
	}
	if st.Applied {
		cmd.Println("  The recommended current is now the measurement current.")
	}
}
