package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnit(t *testing.T) {
	u := Unit("/usr/local/bin/deltarun", "/etc/deltarun.json", "/run/deltarun.sock")
	assert.Contains(t, u, "ExecStart=/usr/local/bin/deltarun daemon --config=/etc/deltarun.json --daemon-socket=/run/deltarun.sock\n")
	assert.Contains(t, u, "ExecReload=/bin/kill -HUP $MAINPID")
	assert.False(t, strings.Contains(u, "@"), "unreplaced placeholder in %q", u)
}

func TestWriteAndRemoveUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system", unitName)

	require.NoError(t, writeUnit(path, "unit"))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "unit", string(b))

	// overwriting is allowed
	require.NoError(t, writeUnit(path, "unit v2"))

	require.NoError(t, removeUnit(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// already gone
	assert.NoError(t, removeUnit(path))
}

func TestSystemctlFailure(t *testing.T) {
	old := systemctl
	systemctl = filepath.Join(t.TempDir(), "no-systemctl")
	defer func() { systemctl = old }()

	err := runSystemctl("daemon-reload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "systemctl daemon-reload failed")
}
