package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 10, cfg.BcryptCost)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, BlobFS, cfg.BlobDriver)
	assert.Equal(t, int64(100<<20), cfg.MaxUploadBytes)
	assert.False(t, cfg.RequireDownloadToken)
	assert.Equal(t, defaultAllowedOrigins, cfg.AllowedOrigins)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("STORE_DRIVER", "Redis")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("REQUIRE_DOWNLOAD_TOKEN", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.APIAddr)
	assert.Equal(t, StoreRedis, cfg.StoreDriver)
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.True(t, cfg.RequireDownloadToken)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("jwt_secret: from-file\ntoken_ttl: 2h\nbcrypt_cost: 4\n"), 0o600))
	t.Setenv("CONFIG_FILE", file)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 4, cfg.BcryptCost)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{
		JWTSecret:      "s",
		TokenTTL:       time.Hour,
		StoreDriver:    StoreSQLite,
		BlobDriver:     BlobFS,
		UploadDir:      "uploads",
		MaxUploadBytes: 1,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.StoreDriver = "mysql" }},
		{"unknown blob", func(c *Config) { c.BlobDriver = "gcs" }},
		{"minio incomplete", func(c *Config) { c.BlobDriver = BlobMinio; c.S3Endpoint = "minio:9000" }},
		{"zero ttl", func(c *Config) { c.TokenTTL = 0 }},
		{"zero upload limit", func(c *Config) { c.MaxUploadBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSplitCSV(t *testing.T) {
	def := []string{"x"}
	assert.Equal(t, def, splitCSV("", def))
	assert.Equal(t, def, splitCSV(" , ", def))
	assert.Equal(t, []string{"a", "b"}, splitCSV("a, b", def))
}
