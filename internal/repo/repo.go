package repo

import (
	"context"
	"errors"
	"time"

	"github.com/sharaein/server/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrRoomAlreadyExists = errors.New("room already exists")
)

// RoomRepo はルームの永続化を担当します
type RoomRepo interface {
	// CreateRoom は同じIDのルームが既に存在する場合 ErrRoomAlreadyExists を返し、既存のルームを上書きしません
	CreateRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	ExistsRoom(ctx context.Context, roomID string) (bool, error)
}

// FileRepo はファイルメタデータの永続化を担当します
type FileRepo interface {
	CreateFile(ctx context.Context, f models.File) error
	GetFile(ctx context.Context, fileID string) (models.File, error)
	// ListFiles は作成日時の新しい順に返します
	ListFiles(ctx context.Context, roomID string) ([]models.File, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Store はルームとファイルの両方を扱うストア
type Store interface {
	RoomRepo
	FileRepo
	Ping(ctx context.Context) error
	Close() error
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
