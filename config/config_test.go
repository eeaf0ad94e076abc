package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.Equal(t, 12912, c.DiscoveryPort)
	require.Equal(t, "shares", c.ShareDir)
	require.True(t, c.ControlAPI.Enabled)
	require.Contains(t, c.VLan.MonitoredPorts, 27015)
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 12912, c.DiscoveryPort)
}

func TestLoadEmptyFileFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 12912, c.DiscoveryPort)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	c, err := Default()
	require.NoError(t, err)
	c.PrivateKey = "deadbeef"
	c.Listen = []string{"0.0.0.0:9000"}
	c.SeedList = append(c.SeedList, PeerSeed{PublicKey: "abcd", Address: []string{"1.2.3.4:9000"}})

	require.NoError(t, Save(path, c))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", loaded.PrivateKey)
	require.Equal(t, []string{"0.0.0.0:9000"}, loaded.Listen)
	require.Len(t, loaded.SeedList, 1)
	require.Equal(t, "abcd", loaded.SeedList[0].PublicKey)
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
