package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sharaein/server/internal/models"
)

const maxTxRetries = 5

// RedisStore はRedis上でルームとファイルを永続化します
// ルームとファイルは明示的に削除されるまで保持されるためTTLは設定しません
type RedisStore struct{ rdb *redis.Client }

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func roomKey(id string) string {
	return fmt.Sprintf("rooms:%s", id)
}
func roomFilesKey(id string) string {
	return fmt.Sprintf("rooms:%s:files", id)
}
func fileKey(id string) string {
	return fmt.Sprintf("files:%s", id)
}

// redisRoom はRedisに保存するルームの表現（パスワードハッシュを含む）
type redisRoom struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PasswordHash string `json:"passwordHash"`
	CreatedAt    int64  `json:"createdAt"`
}

func (rs *RedisStore) Ping(ctx context.Context) error { return rs.rdb.Ping(ctx).Err() }

func (rs *RedisStore) Close() error { return rs.rdb.Close() }

func (rs *RedisStore) CreateRoom(ctx context.Context, room models.Room) error {
	b, err := json.Marshal(redisRoom{
		ID:           room.ID,
		Name:         room.Name,
		PasswordHash: room.PasswordHash,
		CreatedAt:    room.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	ok, err := rs.rdb.SetNX(ctx, roomKey(room.ID), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomAlreadyExists
	}
	return nil
}

func (rs *RedisStore) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	val, err := rs.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Room{}, ErrNotFound
	}
	if err != nil {
		return models.Room{}, err
	}
	var r redisRoom
	if err := json.Unmarshal(val, &r); err != nil {
		return models.Room{}, err
	}
	return models.Room{
		ID:           r.ID,
		Name:         r.Name,
		PasswordHash: r.PasswordHash,
		CreatedAt:    timeFromMillis(r.CreatedAt),
	}, nil
}

func (rs *RedisStore) ExistsRoom(ctx context.Context, roomID string) (bool, error) {
	n, err := rs.rdb.Exists(ctx, roomKey(roomID)).Result()
	return n == 1, err
}

func (rs *RedisStore) CreateFile(ctx context.Context, f models.File) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	pipe := rs.rdb.TxPipeline()
	pipe.Set(ctx, fileKey(f.ID), b, 0)
	pipe.ZAdd(ctx, roomFilesKey(f.RoomID), redis.Z{Score: float64(f.CreatedAt.UnixMilli()), Member: f.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (rs *RedisStore) GetFile(ctx context.Context, fileID string) (models.File, error) {
	val, err := rs.rdb.Get(ctx, fileKey(fileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.File{}, ErrNotFound
	}
	if err != nil {
		return models.File{}, err
	}
	var f models.File
	if err := json.Unmarshal(val, &f); err != nil {
		return models.File{}, err
	}
	return f, nil
}

func (rs *RedisStore) ListFiles(ctx context.Context, roomID string) ([]models.File, error) {
	// 新しい順
	ids, err := rs.rdb.ZRevRange(ctx, roomFilesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.File{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fileKey(id)
	}

	// 一括取得
	vals, err := rs.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.File, 0, len(ids))
	for _, val := range vals {
		if val == nil {
			continue
		}
		b, ok := val.(string)
		if !ok {
			continue
		}
		var f models.File
		if json.Unmarshal([]byte(b), &f) == nil {
			res = append(res, f)
		}
	}
	return res, nil
}

// DeleteFile はファイルの行とルームの一覧から削除します
// 触るキーはすべてWATCHとMULTIで宣言し、途中で変更されたらやり直します
func (rs *RedisStore) DeleteFile(ctx context.Context, fileID string) error {
	key := fileKey(fileID)
	for i := 0; i < maxTxRetries; i++ {
		err := rs.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var f models.File
			if err := json.Unmarshal(raw, &f); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, roomFilesKey(f.RoomID), fileID)
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("delete file %s: %w", fileID, redis.TxFailedErr)
}
