package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Filesystem stores files on local disk.
type Filesystem struct {
	basePath string
}

func NewFilesystem(basePath string) (*Filesystem, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Filesystem{basePath: basePath}, nil
}

func (s *Filesystem) Put(ctx context.Context, name string, r io.Reader, _ string) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	// 一時ファイルに書いてからリネームし、中途半端なファイルを見せない
	tmp, err := os.CreateTemp(s.basePath, ".upload-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(s.basePath, name))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (s *Filesystem) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.basePath, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return f, err
}

func (s *Filesystem) Remove(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.basePath, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotExist
	}
	return err
}

// contextReader はコンテキストがキャンセルされたら読み込みを止めます
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
