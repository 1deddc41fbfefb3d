package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cryolab/deltarun/pkg/sequence"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Start or stop a stage run",
		GroupID: gMeasurement,
		Long: `Start or stop a stage run.

A run walks the cryostat through a stage program and measures the sample
resistance at every step. Every sample is written to a new run log.`,
	}

	cmd.AddCommand(newRunStartCommand(), newRunStopCommand())

	return cmd
}

func newRunStartCommand() *cobra.Command {
	stagesFile := ""

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a stage run",
		Long: `Start a stage run. The stored stage program runs unless a YAML
program is given with --stages. See 'deltarun stages --help' for its format.`,
		Example: `  deltarun run start
  deltarun run start --stages cooldown.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stages []sequence.Stage
			if stagesFile != "" {
				var err error
				stages, err = loadStages(stagesFile)
				if err != nil {
					return err
				}
			}

			p, err := apiClient.StartRun(stages)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}

			logrus.WithField("id", p.ID).Info("run started")
			cmd.Printf("Run %s started with %d step(s), about %s to go.\n", p.ID, p.StepCount, p.Remaining.Round(time.Minute))
			cmd.Println("Use 'deltarun watch' to follow it.")
			return nil
		},
	}

	cmd.Flags().StringVar(&stagesFile, "stages", "", "YAML stage program to run instead of the stored one")

	return cmd
}

func newRunStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active run",
		Long:  "Stop the active run. Samples taken so far stay in its run log.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.StopRun()
			if err != nil {
				return fmt.Errorf("failed to stop run: %w", err)
			}
			logResponse(ret)
			logrus.Info("run stopped")
			return nil
		},
	}
}
