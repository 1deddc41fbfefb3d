package daemon

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Uninstall stops and disables the service and removes its unit.
func Uninstall() error {
	logrus.Infof("stopping deltarun")

	if err := runSystemctl("disable", "--now", unitName); err != nil {
		return fmt.Errorf("%w. Are you root?", err)
	}

	logrus.Infof("removing systemd unit")
	if err := removeUnit(unitPath); err != nil {
		return err
	}
	return runSystemctl("daemon-reload")
}

func removeUnit(path string) error {
	// if the file doesn't exist, we don't need to remove it
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	err = os.Remove(path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w. Are you root?", path, err)
	}
	return nil
}
