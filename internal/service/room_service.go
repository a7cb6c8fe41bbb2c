// Package service はビジネスロジックを担当します
// ルームの作成・参加とファイルのアップロード・削除の処理を提供します
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sharaein/server/internal/auth"
	"github.com/sharaein/server/internal/idgen"
	"github.com/sharaein/server/internal/metrics"
	"github.com/sharaein/server/internal/models"
	"github.com/sharaein/server/internal/repo"
)

const maxRoomIDAttempts = 10 // ID生成の最大試行回数

// IDGenerator はユニークなIDを生成するインターフェース
type IDGenerator interface {
	New() (string, error) // 新しいIDを生成
}

// roomIDGen はIDGeneratorの実装
type roomIDGen struct{}

// New は新しいルームIDを生成します
func (roomIDGen) New() (string, error) { return idgen.NewRoomID() }

// NewRoomIDGenerator は新しいRoomIDGeneratorを作成します
func NewRoomIDGenerator() IDGenerator {
	return roomIDGen{}
}

// TokenIssuer はルームにスコープされたトークンを発行します
type TokenIssuer interface {
	Issue(roomID, roomName string) (string, error)
}

// PasswordHasher はパスワードのハッシュ化と照合を行います
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// RoomService はルーム管理のビジネスロジックを提供します
type RoomService struct {
	rooms  repo.RoomRepo
	files  repo.FileRepo
	idg    IDGenerator
	tokens TokenIssuer
	hasher PasswordHasher
	now    func() time.Time
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(rooms repo.RoomRepo, files repo.FileRepo, idg IDGenerator, tokens TokenIssuer, hasher PasswordHasher) *RoomService {
	return &RoomService{rooms: rooms, files: files, idg: idg, tokens: tokens, hasher: hasher, now: time.Now}
}

// CreateRoomResult はルーム作成の結果
type CreateRoomResult struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// JoinRoomResult はルーム参加の結果
type JoinRoomResult struct {
	RoomID string        `json:"roomId"`
	Name   string        `json:"name"`
	Token  string        `json:"token"`
	Files  []models.File `json:"files"`
}

// CreateRoom は新しいルームを作成し、作成者用のトークンを発行します
// 処理の流れ:
// 1. 入力を検証
// 2. パスワードをハッシュ化
// 3. ルームIDを生成して保存（IDが既に使われていれば再生成、最大10回）
// 4. トークンを発行
func (s *RoomService) CreateRoom(ctx context.Context, name, password string) (CreateRoomResult, error) {
	in := createRoomInput{Name: strings.TrimSpace(name), Password: password}
	if err := validateStruct(in); err != nil {
		return CreateRoomResult{}, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return CreateRoomResult{}, fmt.Errorf("hash password: %w", err)
	}

	room := models.Room{Name: in.Name, PasswordHash: hash, CreatedAt: s.now().UTC()}
	created := false
	// ストアは既存のIDを上書きしないので、衝突したら別のIDで作り直す
	for i := 0; i < maxRoomIDAttempts; i++ {
		room.ID, err = s.idg.New()
		if err != nil {
			return CreateRoomResult{}, err
		}
		err = s.rooms.CreateRoom(ctx, room)
		if errors.Is(err, repo.ErrRoomAlreadyExists) {
			log.Warn().Str("module", "service.room").Str("room", room.ID).Msg("room id collision, regenerating")
			continue
		}
		if err != nil {
			return CreateRoomResult{}, err
		}
		created = true
		break
	}
	if !created {
		return CreateRoomResult{}, ErrRoomIDGenerationFailed
	}

	token, err := s.tokens.Issue(room.ID, room.Name)
	if err != nil {
		return CreateRoomResult{}, err
	}
	metrics.RoomsCreated.Inc()
	log.Info().Str("module", "service.room").Str("room", room.ID).Msg("room created")
	return CreateRoomResult{RoomID: room.ID, Name: room.Name, Token: token}, nil
}

// JoinRoom はパスワードを照合してトークンとファイル一覧を返します
func (s *RoomService) JoinRoom(ctx context.Context, roomID, password string) (JoinRoomResult, error) {
	in := joinRoomInput{RoomID: NormalizeRoomID(roomID), Password: password}
	if err := validateStruct(in); err != nil {
		return JoinRoomResult{}, err
	}

	room, err := s.GetRoom(ctx, in.RoomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			metrics.JoinAttempts.WithLabelValues("not_found").Inc()
		}
		return JoinRoomResult{}, err
	}
	if err := s.hasher.Compare(room.PasswordHash, in.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			metrics.JoinAttempts.WithLabelValues("bad_password").Inc()
			return JoinRoomResult{}, ErrInvalidPassword
		}
		return JoinRoomResult{}, fmt.Errorf("compare password: %w", err)
	}

	token, err := s.tokens.Issue(room.ID, room.Name)
	if err != nil {
		return JoinRoomResult{}, err
	}
	files, err := s.files.ListFiles(ctx, room.ID)
	if err != nil {
		return JoinRoomResult{}, err
	}
	metrics.JoinAttempts.WithLabelValues("ok").Inc()
	return JoinRoomResult{RoomID: room.ID, Name: room.Name, Token: token, Files: files}, nil
}

// GetRoom はルームを取得します
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	room, err := s.rooms.GetRoom(ctx, NormalizeRoomID(roomID))
	if errors.Is(err, repo.ErrNotFound) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// ListFiles はルームのファイルを新しい順に返します
func (s *RoomService) ListFiles(ctx context.Context, roomID string) ([]models.File, error) {
	return s.files.ListFiles(ctx, NormalizeRoomID(roomID))
}

// NormalizeRoomID はルームIDの前後の空白を削除し、大文字にそろえます
func NormalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
