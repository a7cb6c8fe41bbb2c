package idgen

import (
	"crypto/rand"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RoomIDLength は招待コードとして共有されるルームIDの長さ
const RoomIDLength = 6

const maxExtLength = 16

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewRoomID は英大文字と数字からなる6文字のルームIDを生成します
func NewRoomID() (string, error) {
	return roomIDFrom(rand.Reader)
}

func roomIDFrom(r io.Reader) (string, error) {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// 252以上のバイトを捨てて、すべての文字が同じ確率で出るようにする
	const limit = 256 - 256%len(chars)
	out := make([]byte, 0, RoomIDLength)
	buf := make([]byte, RoomIDLength*2)
	for len(out) < RoomIDLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, chars[int(c)%len(chars)])
			if len(out) == RoomIDLength {
				break
			}
		}
	}
	return string(out), nil
}

// NewStoredName はアップロードされたファイルの保存名を生成します
// ULIDに元のファイル名の拡張子（小文字、英数字のみ）を付けたもので、元の名前の他の部分は使いません
func NewStoredName(originalName string) string {
	return NewULID() + sanitizeExt(originalName)
}

func sanitizeExt(name string) string {
	// Windowsのパス区切りも考慮する
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > maxExtLength+1 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
