package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cryolab/deltarun/pkg/daemon"
	"github.com/cryolab/deltarun/pkg/version"
)

// NewDaemonCommand runs the daemon that owns the instruments.
func NewDaemonCommand() *cobra.Command {
	var (
		opts        daemon.RunOptions
		checkConfig bool
	)

	cmd := &cobra.Command{
		Use:     "daemon",
		Hidden:  true,
		Short:   "Run deltarun daemon in the foreground",
		GroupID: gAdvanced,
		Long: `Run the deltarun daemon in the foreground.

The daemon owns the current source, the voltmeter and the temperature
controller. Every other command talks to it over the unix socket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.ConfigPath = configPath
			opts.SocketPath = unixSocketPath

			if checkConfig {
				conf, err := daemon.LoadConfig(opts.ConfigPath, opts.Simulate)
				if err != nil {
					return err
				}
				logrus.WithFields(conf.LogrusFields()).Debug("config checked")
				fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", opts.ConfigPath)
				return nil
			}

			logrus.WithFields(logrus.Fields{
				"version":  version.Version,
				"commit":   version.GitCommit,
				"pid":      os.Getpid(),
				"config":   opts.ConfigPath,
				"socket":   opts.SocketPath,
				"simulate": opts.Simulate,
				"archive":  opts.ArchivePath,
			}).Info("deltarun daemon starting")
			return daemon.Run(opts)
		},
	}

	f := cmd.Flags()

	f.BoolVar(&opts.AllowNonRoot, "always-allow-non-root-access", false,
		"Always allow non-root users to access the daemon.")
	f.BoolVar(&opts.Simulate, "simulate", false,
		"Drive the simulated resistor and cryostat instead of the configured ports.")
	f.StringVar(&opts.ArchivePath, "archive", "",
		"SQLite run archive, overriding archivePath from the config.")
	f.BoolVar(&checkConfig, "check-config", false,
		"Validate the config file and exit without starting the daemon.")

	return cmd
}
