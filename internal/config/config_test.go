package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.PollTimeout)
	assert.Equal(t, 2*time.Second, cfg.PollRetryDelay)
	assert.Equal(t, 4, cfg.MaxPerOrg)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
postgres_dsn: "postgres://localhost/atelier"
max_per_org: 2
providers:
  acme:
    base_url: "https://api.acme.example"
    api_key: "sk-test"
minio:
  endpoint: "localhost:9000"
  bucket: "artifacts"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "postgres://localhost/atelier", cfg.PostgresDSN)
	assert.Equal(t, 2, cfg.MaxPerOrg)
	assert.Equal(t, "https://api.acme.example", cfg.Providers["acme"].BaseURL)
	assert.Equal(t, "artifacts", cfg.Minio.Bucket)
}

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(`
img-basic:
  provider: acme
  kind: image
  timeout: 3m
  cost:
    base: 1.0
vid-pro:
  provider: acme
  kind: video
  timeout: 30m
  retry_delay: 10s
  cost:
    base: 5.0
    per_second: 0.5
`), 5*time.Minute, 2*time.Second)
	require.NoError(t, err)

	img, err := catalog.Lookup("img-basic")
	require.NoError(t, err)
	assert.Equal(t, "acme", img.Provider)
	assert.Equal(t, "image", img.Kind)
	assert.Equal(t, 3*time.Minute, img.Timeout)
	assert.Equal(t, 2*time.Second, img.RetryDelay) // default applied
	assert.Equal(t, 1.0, img.Cost.Base)

	vid, err := catalog.Lookup("vid-pro")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, vid.Timeout)
	assert.Equal(t, 10*time.Second, vid.RetryDelay)
	assert.Equal(t, 0.5, vid.Cost.PerSecond)
}

func TestParseCatalogRejectsIncompleteEntries(t *testing.T) {
	_, err := ParseCatalog([]byte(`
broken:
  kind: image
`), time.Minute, time.Second)
	assert.ErrorContains(t, err, "provider is required")
}

func TestLookupUnknownModel(t *testing.T) {
	catalog, err := ParseCatalog([]byte(`
img-basic:
  provider: acme
  kind: image
`), time.Minute, time.Second)
	require.NoError(t, err)

	_, err = catalog.Lookup("nope")
	assert.ErrorContains(t, err, `unknown model "nope"`)
}
