package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestDefaults(t *testing.T) {
	conf, err := NewConfig("", nil)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig.ServerURL, conf.ServerURL)
	require.Equal(t, 4*time.Second, conf.Session.LivenessCheckInterval)
	require.Equal(t, 10, conf.Session.InviteChunkSize)
}

func TestYAMLOverrides(t *testing.T) {
	conf, err := NewConfig(`
server_url: ws://calls.example.com/rt
session:
  liveness_check_interval: 2s
  invite_chunk_size: 5
logging:
  level: warn
`, nil)
	require.NoError(t, err)
	require.Equal(t, "ws://calls.example.com/rt", conf.ServerURL)
	require.Equal(t, 2*time.Second, conf.Session.LivenessCheckInterval)
	require.Equal(t, 5, conf.Session.InviteChunkSize)
	require.Equal(t, "warn", conf.Logging.Level)
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := NewConfig("not_a_real_key: true\n", nil)
	require.Error(t, err)
}

func TestCLIOverridesConfig(t *testing.T) {
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String("url", "", "")
	set.String("log-level", "", "")
	c := cli.NewContext(nil, set, nil)
	require.NoError(t, set.Set("url", "ws://override/rt"))
	require.NoError(t, set.Set("log-level", "debug"))

	conf, err := NewConfig("server_url: ws://fromfile/rt\n", c)
	require.NoError(t, err)
	require.Equal(t, "ws://override/rt", conf.ServerURL)
	require.Equal(t, "debug", conf.Logging.Level)
}

func TestDevelopmentImpliesDebug(t *testing.T) {
	conf, err := NewConfig("development: true\n", nil)
	require.NoError(t, err)
	require.Equal(t, "debug", conf.Logging.Level)
}
