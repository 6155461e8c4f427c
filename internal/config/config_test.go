package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, NetworkMainnet, cfg.NetworkType)
	require.Equal(t, dir, cfg.Storage.DataDir)

	require.FileExists(t, filepath.Join(dir, ConfigFileName))
}

func TestLoadConfigRoundTripsEdits(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	cfg.RPC.ListenAddr = "0.0.0.0:9999"
	cfg.Logging.Level = "debug"
	require.NoError(t, cfg.Save(ConfigPath(dir)))

	reloaded, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", reloaded.RPC.ListenAddr)
	require.Equal(t, "debug", reloaded.Logging.Level)
}

func TestParentChainPasswordRoundTrip(t *testing.T) {
	pc := &ParentChainConfig{URL: "http://127.0.0.1:8332"}

	require.NoError(t, pc.SetPassword("hunter2", "passphrase"))
	require.NotNil(t, pc.Password)

	got, err := pc.DecryptPassword("passphrase")
	require.NoError(t, err)
	require.Equal(t, "hunter2", got)

	_, err = pc.DecryptPassword("wrong-passphrase")
	require.Error(t, err)
}

func TestParentChainPasswordUnset(t *testing.T) {
	pc := &ParentChainConfig{URL: "http://127.0.0.1:18443"}
	got, err := pc.DecryptPassword("anything")
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestExpandPathHome(t *testing.T) {
	expanded := ExpandPath("~/coinshift-data")
	require.NotEqual(t, "~/coinshift-data", expanded)
}
