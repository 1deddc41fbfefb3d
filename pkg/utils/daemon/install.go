// Package daemon installs deltarun as a systemd service.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const unitName = "deltarun.service"

var (
	unitPath  = "/etc/systemd/system/" + unitName
	systemctl = "/usr/bin/systemctl"
)

const unitTemplate = `[Unit]
Description=deltarun measurement daemon
After=network.target

[Service]
Type=simple
ExecStart=/path/to/deltarun daemon --config=@CONFIG@ --daemon-socket=@SOCKET@
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// Unit renders the systemd unit running exePath with the given config and
// socket paths.
func Unit(exePath, configPath, socketPath string) string {
	return strings.NewReplacer(
		"/path/to/deltarun", exePath,
		"@CONFIG@", configPath,
		"@SOCKET@", socketPath,
	).Replace(unitTemplate)
}

// Install writes the unit for the running executable, then enables and
// starts it.
func Install(configPath, socketPath string) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	err = os.Chmod(exePath, 0755)
	if err != nil {
		return fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	if err := writeUnit(unitPath, Unit(exePath, configPath, socketPath)); err != nil {
		return err
	}

	logrus.Infof("starting deltarun")

	if err := runSystemctl("daemon-reload"); err != nil {
		return err
	}
	return runSystemctl("enable", "--now", unitName)
}

func writeUnit(path, unit string) error {
	logrus.Infof("writing systemd unit to %s", path)

	// mkdir -p
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	// warn if the file already exists
	_, err = os.Stat(path)
	if err == nil {
		logrus.Warnf("%s already exists, overwriting", path)
	}

	err = os.WriteFile(path, []byte(unit), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func runSystemctl(args ...string) error {
	out, err := exec.Command(systemctl, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
