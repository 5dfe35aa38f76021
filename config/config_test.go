package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
utracker:
  metrics_addr: "0.0.0.0:6880"
  tracker:
    bind: "0.0.0.0:6969"
    threads: 4
    announce_interval: 2m
    cleanup_interval: 4m
    allow_remotes: true
    allow_iana_ips: false
  storage:
    name: memory
    config:
      shard_count: 1024
      prometheus_reporting_interval: 1s
      is_dynamic: true
`

func TestDecodeConfigFile(t *testing.T) {
	cfgFile, err := DecodeConfigFile(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:6880", cfgFile.Utracker.MetricsAddr)
	require.Equal(t, "0.0.0.0:6969", cfgFile.Utracker.Tracker.Addr)
	require.Equal(t, 4, cfgFile.Utracker.Tracker.ThreadCount)
	require.Equal(t, "memory", cfgFile.Utracker.Storage.Name)
	require.True(t, cfgFile.Utracker.Tracker.AllowRemotes)
	require.False(t, cfgFile.Utracker.Tracker.AllowIANAIPs)
}

func TestDecodeConfigFileFillsDefaults(t *testing.T) {
	cfgFile, err := DecodeConfigFile(strings.NewReader("utracker:\n"))
	require.NoError(t, err)
	require.Equal(t, defaultMetricsAddr, cfgFile.Utracker.MetricsAddr)
	require.Equal(t, "memory", cfgFile.Utracker.Storage.Name)
	require.NotZero(t, cfgFile.Utracker.Tracker.Addr)
}

func TestOpenConfigFileMissing(t *testing.T) {
	_, err := OpenConfigFile("/nonexistent/utracker.yaml")
	require.Error(t, err)
}
