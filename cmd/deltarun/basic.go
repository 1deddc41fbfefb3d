package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cryolab/deltarun/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewCurrentCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "current [amps]",
		Short:   "Show or set the measurement current",
		GroupID: gBasic,
		Long: `Show or set the measurement current.

The current is given in amperes, e.g. 1e-6 for 1 µA. It must be positive and
not above the configured current ceiling. The new current is used by the next
measurement and is saved to the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				amps, err := apiClient.GetCurrent()
				if err != nil {
					return err
				}
				cmd.Printf("%s\n", formatCurrent(amps))
				return nil
			}

			amps, err := parseFloatArg(args, "current")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetCurrent(amps)
			if err != nil {
				return fmt.Errorf("failed to set current: %v", err)
			}
			logResponse(ret)

			logrus.Infof("successfully set measurement current to %s", formatCurrent(amps))

			return nil
		},
	}
}
