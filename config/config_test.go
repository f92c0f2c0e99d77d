package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewatch/gatewatch/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
platform:
  id: test
gateways:
  - id: gw1
    name: home
    kind: stream
    url: ws://127.0.0.1:9090/connections
    token: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Platform.ID)
	require.Len(t, cfg.Gateways, 1)
	assert.Equal(t, types.GatewayStream, cfg.Gateways[0].Kind)

	// Omitted sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Batch.FlushInterval)
	assert.Equal(t, 200000, cfg.WriteQueue.MaxPendingRows)
	assert.Equal(t, 30*time.Minute, cfg.GeoIP.FailureCooldown)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoad_EnvOverridesToken(t *testing.T) {
	path := writeConfig(t, `
platform:
  id: test
`)
	t.Setenv("GATEWATCH_INGEST_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Ingest.Token)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing platform id", func(c *Config) { c.Platform.ID = "" }},
		{"gateway without url", func(c *Config) {
			c.Gateways = []types.Gateway{{ID: "a", Kind: types.GatewayPoll}}
		}},
		{"unknown gateway kind", func(c *Config) {
			c.Gateways = []types.Gateway{{ID: "a", Kind: "carrier-pigeon", URL: "http://x"}}
		}},
		{"duplicate gateway id", func(c *Config) {
			c.Gateways = []types.Gateway{
				{ID: "a", Kind: types.GatewayPoll, URL: "http://x"},
				{ID: "a", Kind: types.GatewayPoll, URL: "http://y"},
			}
		}},
		{"bad geoip mode", func(c *Config) { c.GeoIP.Mode = "satellite" }},
		{"zero row budget", func(c *Config) { c.WriteQueue.MaxPendingRows = 0 }},
		{"unsupported storage driver", func(c *Config) { c.Storage.Driver = "clickhouse" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSafeConfig_GetReturnsCopy(t *testing.T) {
	sc := NewSafeConfig(Default())

	got := sc.Get()
	got.Platform.ID = "mutated"

	assert.Equal(t, "gatewatch", sc.Get().Platform.ID)
}

func TestSafeConfig_UpdateValidates(t *testing.T) {
	sc := NewSafeConfig(Default())

	bad := Default()
	bad.Platform.ID = ""
	assert.Error(t, sc.Update(bad))

	good := Default()
	good.Platform.ID = "next"
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "next", sc.Get().Platform.ID)
}
