package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "matchingcore", cfg.ServiceName)
	assert.Equal(t, "memory", cfg.Persistence.Driver)
	assert.Equal(t, 4, cfg.Matching.Preprocessors)
	assert.Equal(t, 1000, cfg.Matching.MaxCascadeSteps)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
service_name = "me-test"

[matching]
preprocessors = 2
trusted_clients = ["mm-1", "mm-2"]

[persistence]
driver = "pebble"
dir = "/tmp/me"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "me-test", cfg.ServiceName)
	assert.Equal(t, 2, cfg.Matching.Preprocessors)
	assert.Equal(t, []string{"mm-1", "mm-2"}, cfg.Matching.TrustedClients)
	assert.Equal(t, "pebble", cfg.Persistence.Driver)
}

func TestValidate_RejectsMysqlWithoutDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[persistence]\ndriver = \"mysql\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn")
}

func TestLoad_StaticMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[metadata]
source = "config"

[[metadata.assets]]
id = "BTC"
accuracy = 8

[[metadata.assets]]
id = "USD"
accuracy = 2

[[metadata.asset_pairs]]
id = "BTCUSD"
base_asset_id = "BTC"
quote_asset_id = "USD"
accuracy = 2
min_volume = "0.0001"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Metadata.Assets, 2)
	assert.Equal(t, int32(8), cfg.Metadata.Assets[0].Accuracy)
	require.Len(t, cfg.Metadata.AssetPairs, 1)
	assert.Equal(t, "0.0001", cfg.Metadata.AssetPairs[0].MinVolume)
}

func TestValidate_RejectsUnknownMetadataSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[metadata]\nsource = \"etcd\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata")
}

func TestLoad_RateLimitGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[http.rate_limit]
enabled = true

[http.rate_limit.commands]
qps = 5
burst = 10

[redis]
enabled = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RateRule{QPS: 5, Burst: 10}, cfg.HTTP.RateLimit.Commands)
	assert.Equal(t, RateRule{QPS: 200, Burst: 400}, cfg.HTTP.RateLimit.Queries)

	cfg.HTTP.RateLimit.Queries.Burst = 0
	require.ErrorContains(t, cfg.Validate(), "queries")

	cfg.Redis.Enabled = false
	require.ErrorContains(t, cfg.Validate(), "redis")
}
