// Package storage はアップロードされたファイル本体の保存先を抽象化します
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotExist は保存名に対応するデータが存在しない場合に返されます
var ErrNotExist = errors.New("blob does not exist")

// Blobs defines how we store file bytes.
type Blobs interface {
	// Put はrの内容をnameで保存し、書き込んだバイト数を返します
	// 失敗した場合、途中まで書き込んだデータは残しません
	Put(ctx context.Context, name string, r io.Reader, contentType string) (int64, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remove(ctx context.Context, name string) error
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid blob name %q", name)
	}
	return nil
}
