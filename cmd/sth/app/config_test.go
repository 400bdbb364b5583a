package app

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/fiware/sth/modules/ingester"
	"github.com/fiware/sth/pkg/api"
)

func defaultConfig(t *testing.T) *Config {
	cfg := &Config{}
	cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	require.Equal(t, 8666, cfg.Server.HTTPListenPort)
	require.Equal(t, api.DefaultCorrelatorHeader, cfg.CorrelatorHeader)
	require.Equal(t, ingester.StoreBoth, cfg.Ingester.ShouldStore)
	require.Equal(t, "local:///var/lib/sth", cfg.Storage.Historic.URI)
	require.True(t, cfg.Querier.FilterOutEmpty)
	require.Equal(t, time.Minute, cfg.KPI.FlushInterval)
}

func TestConfigYAMLOverlay(t *testing.T) {
	cfg := defaultConfig(t)

	overlay := `
server:
  http_listen_port: 9999
ingester:
  should_store: only-raw
storage:
  historic:
    uri: local:///tmp/sth-test
    naming:
      mode: hash
`
	require.NoError(t, yaml.UnmarshalStrict([]byte(overlay), cfg))
	require.Equal(t, 9999, cfg.Server.HTTPListenPort)
	require.Equal(t, "only-raw", cfg.Ingester.ShouldStore)
	require.Equal(t, "local:///tmp/sth-test", cfg.Storage.Historic.URI)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Server.HTTPListenPort = -1
	require.Error(t, cfg.Validate())

	cfg = defaultConfig(t)
	cfg.Ingester.ShouldStore = "sometimes"
	require.Error(t, cfg.Validate())

	cfg = defaultConfig(t)
	cfg.Storage.Historic.URI = "mongodb://localhost"
	require.Error(t, cfg.Validate())
}
