package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const noSuchKey = "NoSuchKey"

// Minio stores files in an S3 compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// MinioConfig はMinIO(S3)への接続設定
type MinioConfig struct {
	Endpoint  string // "minio:9000" または "http(s)://minio:9000"
	AccessKey string
	SecretKey string
	Bucket    string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// スキームなしは host:port として扱う（ローカルのMinIOを想定して非TLS）
	return raw, false, nil
}

// NewMinio はクライアントを作成し、バケットの存在を確認します
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}
	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (s *Minio) Put(ctx context.Context, name string, r io.Reader, contentType string) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	// サイズ不明(-1)の場合はマルチパートでストリーミングされる
	info, err := s.client.PutObject(ctx, s.bucket, name, r, -1, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s *Minio) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}
	// GetObjectは遅延評価なのでStatで存在を確認する
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioErr(err)
	}
	return obj, nil
}

func (s *Minio) Remove(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return mapMinioErr(s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}))
}

func mapMinioErr(err error) error {
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code == noSuchKey {
		return ErrNotExist
	}
	return err
}
