package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/needlestack/needlestack/testutil"
)

const clusterYAML = `
cluster:
  directory_urls:
    - "http://localhost:5001"
    - "http://localhost:5002"
    - "http://localhost:5003"
    - "http://localhost:5004"
    - "http://localhost:5005"
  cache_urls:
    - "http://localhost:6001"
    - "http://localhost:6002"
    - "http://localhost:6003"
  machine_urls:
    - "http://localhost:7000"
    - "http://localhost:7001"
`

func TestLoadStoreConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":7000"
data_dir: "/srv/needlestack"
max_payload: "16MB"
`
	configPath := testutil.TempFile(t, dir, "store.yaml", content)

	cfg, err := LoadStoreConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "/srv/needlestack", cfg.DataDir)

	assert.Equal(t, int64(16*1024*1024), cfg.MaxPayload.Bytes())
	require.NoError(t, cfg.Validate())
}

func TestLoadStoreConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "store.yaml", "{}\n")

	cfg, err := LoadStoreConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "/var/lib/needlestack", cfg.DataDir)

	assert.Equal(t, int64(0), cfg.MaxPayload.Bytes(), "unset max_payload means unlimited")
}

func TestLoadStoreConfig_FileNotFound(t *testing.T) {
	_, err := LoadStoreConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadStoreConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "store.yaml", "listen: [invalid yaml\n")

	_, err := LoadStoreConfig(configPath)
	assert.Error(t, err)
}

func TestLoadStoreConfig_InvalidMaxPayload(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "store.yaml", `max_payload: "lots"`+"\n")

	_, err := LoadStoreConfig(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid size")
}

func TestLoadDirectoryConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":5001"
extractor:
  mode: "remote"
  url: "http://localhost:9090"
` + clusterYAML
	configPath := testutil.TempFile(t, dir, "directory.yaml", content)

	cfg, err := LoadDirectoryConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":5001", cfg.Listen)
	assert.Equal(t, "remote", cfg.Extractor.Mode)
	assert.Equal(t, "http://localhost:9090", cfg.Extractor.URL)
	assert.Len(t, cfg.Cluster.DirectoryURLs, 5)
	assert.Equal(t, 2, cfg.Cluster.Machines())
	assert.Equal(t, 3, cfg.Cluster.CacheShards())
}

func TestLoadDirectoryConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "directory.yaml", clusterYAML)

	cfg, err := LoadDirectoryConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":5001", cfg.Listen)
	assert.Equal(t, "local", cfg.Extractor.Mode)
	assert.Equal(t, 20, cfg.Cluster.LogicalVolumes)
	assert.Equal(t, 2, cfg.Cluster.ReplicasPerVolume)
	assert.Equal(t, 16, cfg.Cluster.BatchSize)
	assert.Equal(t, 20, cfg.Cluster.CandidateThreshold)
}

func TestDirectoryConfig_RemoteModeRequiresURL(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
extractor:
  mode: "remote"
` + clusterYAML
	configPath := testutil.TempFile(t, dir, "directory.yaml", content)

	cfg, err := LoadDirectoryConfig(configPath)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestClusterConfig_ReplicasNeedDistinctMachines(t *testing.T) {
	cfg := ClusterConfig{
		DirectoryURLs: []string{"http://localhost:5001"},
		CacheURLs:     []string{"http://localhost:6001"},
		MachineURLs:   []string{"http://localhost:7000"},
	}
	cfg.applyDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "distinct machines")
}

func TestLoadCacheConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":6002"
backend: "redis"
redis:
  addr: "localhost:6379"
  db: 1
store_timeout: "10s"
`
	configPath := testutil.TempFile(t, dir, "cache.yaml", content)

	cfg, err := LoadCacheConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":6002", cfg.Listen)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.Redis.DB)

	timeout, err := cfg.StoreTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout)
}

func TestLoadCacheConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "cache.yaml", "{}\n")

	cfg, err := LoadCacheConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":6001", cfg.Listen)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, "30s", cfg.StoreTimeout)
}

func TestCacheConfig_RedisRequiresAddr(t *testing.T) {
	cfg := &CacheConfig{Listen: ":6001", Backend: "redis", StoreTimeout: "30s"}
	assert.Error(t, cfg.Validate())
}

func TestCacheConfig_UnknownBackend(t *testing.T) {
	cfg := &CacheConfig{Listen: ":6001", Backend: "memcached", StoreTimeout: "30s"}
	assert.Error(t, cfg.Validate())
}

func TestLoadGatewayConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":8000"
write_rate: 200
write_burst: 32
timeout: "15s"
` + clusterYAML
	configPath := testutil.TempFile(t, dir, "gateway.yaml", content)

	cfg, err := LoadGatewayConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, float64(200), cfg.WriteRate)
	assert.Equal(t, 32, cfg.WriteBurst)

	timeout, err := cfg.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, timeout)
}

func TestGatewayConfig_RequiresCluster(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "gateway.yaml", "listen: \":8000\"\n")

	cfg, err := LoadGatewayConfig(configPath)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}
