package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cryolab/deltarun/pkg/config"
	daemonutils "github.com/cryolab/deltarun/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install deltarun (system-wide)",
		GroupID: gInstallation,
		Long: `Install deltarun daemon as a systemd service (system-wide).

This makes deltarun run in the background and automatically start on boot. You must run this command as root.

By default, only root user is allowed to access the deltarun daemon. As a result, you will need to run the deltarun client as root to start runs or change the current. If you want to allow non-root users, i.e., you, to access the daemon, you can use the --allow-non-root-access flag, so you don't have to use sudo every time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the deltarun daemon.")
			} else {
				logrus.Info("only root user is allowed to access the deltarun daemon.")
			}

			// Saved first so the daemon reads the new setting when systemd starts it.
			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(configPath, unixSocketPath)
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("`systemd' will use current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run ``deltarun install'' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access deltarun daemon.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Uninstall deltarun (system-wide)",
		GroupID: gInstallation,
		Long: `Uninstall deltarun daemon from systemd (system-wide).

This stops deltarun and removes its unit. Run logs are left in place.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			cmd.Println("successfully uninstalled")

			cmd.Printf("Your config is kept in %s, in case you want to use `deltarun' again. If you want a complete uninstall, you can remove both config file and deltarun itself manually.\n", configPath)

			return nil
		},
	}
}
