package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewMeasureCommand() *cobra.Command {
	count := 0

	cmd := &cobra.Command{
		Use:     "measure",
		Short:   "Measure at the current temperature",
		GroupID: gMeasurement,
		Long: `Measure the sample resistance repeatedly without moving the cryostat.

With --count the measurement ends after that many samples, otherwise it runs
until 'deltarun measure stop'. Samples are written to a new run log.`,
		Example: `  deltarun measure --count 20
  deltarun measure
  deltarun measure stop`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 0 {
				return fmt.Errorf("invalid count: %d", count)
			}
			st, err := apiClient.StartMeasure(count)
			if err != nil {
				return fmt.Errorf("failed to start measurement: %w", err)
			}
			if st.Count > 0 {
				cmd.Printf("Measuring %d sample(s).\n", st.Count)
			} else {
				cmd.Println("Measuring until stopped.")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Number of samples to take, 0 to measure until stopped")

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the continuous measurement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ret, err := apiClient.StopMeasure()
			if err != nil {
				return fmt.Errorf("failed to stop measurement: %w", err)
			}
			logResponse(ret)
			cmd.Println("Measurement stopped.")
			return nil
		},
	})

	return cmd
}
