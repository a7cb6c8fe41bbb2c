// Package config はアプリケーションの設定を管理します
// 環境変数と任意のYAMLファイル（CONFIG_FILE）から設定を読み込み、デフォルト値を提供します
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	defaultAPIAddr        = ":8080"          // APIサーバーのデフォルトリッスンアドレス
	defaultRedisAddr      = "localhost:6379" // Redisのデフォルト接続先
	defaultTokenTTL       = 24 * time.Hour   // セッショントークンの有効期限
	defaultBcryptCost     = 10
	defaultDatabaseURL    = "sharaein.db"
	defaultUploadDir      = "uploads"
	defaultMaxUploadBytes = 100 << 20 // 100MB
	defaultWSSendBuffer   = 64
)

// ストアとBLOBのドライバー名
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	BlobFS    = "fs"
	BlobMinio = "minio"
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr string `mapstructure:"api_addr"`
	Mode    string `mapstructure:"mode"` // dev の場合はコンソール向けログ

	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`

	StoreDriver string `mapstructure:"store_driver"` // sqlite | postgres | redis
	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`

	BlobDriver  string `mapstructure:"blob_driver"` // fs | minio
	UploadDir   string `mapstructure:"upload_dir"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Bucket    string `mapstructure:"s3_bucket"`

	MaxUploadBytes       int64 `mapstructure:"max_upload_bytes"`
	MaxConcurrentUploads int64 `mapstructure:"max_concurrent_uploads"` // 0 は無制限
	RequireDownloadToken bool  `mapstructure:"require_download_token"`
	WSSendBuffer         int   `mapstructure:"ws_send_buffer"`

	AllowedOrigins []string `mapstructure:"-"`
}

// Load は環境変数（とCONFIG_FILEが指定されていればYAML）から設定を読み込みます
// 設定されていない項目はデフォルト値を使用します
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("api_addr", defaultAPIAddr)
	v.SetDefault("mode", "release")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", defaultTokenTTL)
	v.SetDefault("bcrypt_cost", defaultBcryptCost)
	v.SetDefault("store_driver", StoreSQLite)
	v.SetDefault("database_url", defaultDatabaseURL)
	v.SetDefault("redis_addr", defaultRedisAddr)
	v.SetDefault("blob_driver", BlobFS)
	v.SetDefault("upload_dir", defaultUploadDir)
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("s3_bucket", "")
	v.SetDefault("max_upload_bytes", defaultMaxUploadBytes)
	v.SetDefault("max_concurrent_uploads", 0)
	v.SetDefault("require_download_token", false)
	v.SetDefault("ws_send_buffer", defaultWSSendBuffer)
	v.SetDefault("cors_allowed_origins", "")

	// API_ADDR, JWT_SECRET などの環境変数をそのままキーに対応させる
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AllowedOrigins = splitCSV(v.GetString("cors_allowed_origins"), defaultAllowedOrigins)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.BlobDriver = strings.ToLower(strings.TrimSpace(cfg.BlobDriver))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は起動できない設定を検出します
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("invalid token_ttl: %s", c.TokenTTL)
	}
	switch c.StoreDriver {
	case StoreSQLite, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("unknown store_driver %q", c.StoreDriver)
	}
	switch c.BlobDriver {
	case BlobFS:
		if c.UploadDir == "" {
			return errors.New("upload_dir is required for the fs blob driver")
		}
	case BlobMinio:
		if c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "" || c.S3Bucket == "" {
			return errors.New("minio configuration incomplete")
		}
	default:
		return fmt.Errorf("unknown blob_driver %q", c.BlobDriver)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid max_upload_bytes: %d", c.MaxUploadBytes)
	}
	return nil
}

// IsDev は開発モードかどうかを返します
func (c Config) IsDev() bool { return c.Mode == "dev" }

// splitCSV はカンマ区切りの文字列リストを分割します
// 空の場合はデフォルト値を返します
func splitCSV(v string, def []string) []string {
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
