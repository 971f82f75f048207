package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playok/fleetmon/internal/config"
)

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetmon.pid")
	require.NoError(t, writePidFile(path, 4242))

	pid, err := readPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = readPidFile(path)
	assert.Error(t, err)
}

func TestRemoveOwnPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetmon.pid")

	require.NoError(t, writePidFile(path, os.Getpid()+1))
	removeOwnPidFile(path)
	assert.FileExists(t, path)

	require.NoError(t, writePidFile(path, os.Getpid()))
	removeOwnPidFile(path)
	assert.NoFileExists(t, path)
}

func TestLockoutPolicyFromConfig(t *testing.T) {
	p := lockoutPolicy(config.LockoutConfig{MaxAttempts: 5, Periods: []time.Duration{time.Second}})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Second}, p.Periods)
}

func TestPrintNginx(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasePath = "/mon"

	var buf bytes.Buffer
	printNginx(&buf, cfg)
	out := buf.String()
	assert.Contains(t, out, "location /mon/ {")
	assert.Contains(t, out, "proxy_pass         http://127.0.0.1:9923/mon/;")
	assert.Contains(t, out, `base_path: "/mon"`)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "fleetmon dev\n", buf.String())
}
