package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/sharaein/server/internal/auth"
	"github.com/sharaein/server/internal/hub"
	"github.com/sharaein/server/internal/idgen"
	"github.com/sharaein/server/internal/metrics"
	"github.com/sharaein/server/internal/models"
	"github.com/sharaein/server/internal/repo"
	"github.com/sharaein/server/internal/storage"
)

const (
	sniffLen          = 3072
	defaultMimeType   = "application/octet-stream"
	maxFilenameLength = 255
)

// Broadcaster はルームのメンバーにイベントを配信します
type Broadcaster interface {
	Broadcast(roomID, eventType string, payload any) (hub.PublishResult, error)
}

// StagedUpload は保存済みだがメタデータがまだ登録されていないアップロード
type StagedUpload struct {
	StoredName string
	Size       int64
	MimeType   string // 宣言されたContent-Type、なければ内容から判定したもの
}

// FileService はファイルの保存・メタデータの登録・ルームへの通知の順序を管理します
// メタデータの登録が成功するまでnew_fileは配信されず、登録に失敗した場合は保存したデータを削除します
type FileService struct {
	rooms  repo.RoomRepo
	files  repo.FileRepo
	blobs  storage.Blobs
	events Broadcaster
	sem    *semaphore.Weighted // nilの場合は同時アップロード数を制限しない
	now    func() time.Time
}

// NewFileService は新しいFileServiceを作成します
// maxConcurrentが0以下の場合、同時アップロード数は無制限です
func NewFileService(rooms repo.RoomRepo, files repo.FileRepo, blobs storage.Blobs, events Broadcaster, maxConcurrent int64) *FileService {
	s := &FileService{rooms: rooms, files: files, blobs: blobs, events: events, now: time.Now}
	if maxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return s
}

// Stage は保存名を割り当ててデータをストレージに書き込みます
func (s *FileService) Stage(ctx context.Context, src io.Reader, originalName, declaredType string) (*StagedUpload, error) {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.sem.Release(1)
	}

	br := bufio.NewReaderSize(src, sniffLen)
	mimeType := normalizeMimeType(declaredType)
	if mimeType == "" {
		head, err := br.Peek(sniffLen)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			metrics.UploadsTotal.WithLabelValues(metrics.ResultFailed).Inc()
			return nil, fmt.Errorf("read upload: %w", err)
		}
		mimeType = mimetype.Detect(head).String()
	}

	name := idgen.NewStoredName(originalName)
	started := s.now()
	n, err := s.blobs.Put(ctx, name, br, mimeType)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return nil, fmt.Errorf("store upload: %w", err)
	}
	metrics.UploadDuration.Observe(s.now().Sub(started).Seconds())
	return &StagedUpload{StoredName: name, Size: n, MimeType: mimeType}, nil
}

// Discard はメタデータ登録前のアップロードを削除します
func (s *FileService) Discard(ctx context.Context, staged *StagedUpload) {
	if staged == nil {
		return
	}
	// リクエストがキャンセルされていても削除は行う
	if err := s.blobs.Remove(context.WithoutCancel(ctx), staged.StoredName); err != nil && !errors.Is(err, storage.ErrNotExist) {
		log.Error().Err(err).Str("module", "service.file").Str("stored", staged.StoredName).Msg("failed to discard staged upload")
	}
}

// RecordUpload はメタデータを登録し、登録後にルームへnew_fileを配信します
// ルームが存在しない場合や登録に失敗した場合は、保存したデータを削除します
func (s *FileService) RecordUpload(ctx context.Context, roomID string, staged *StagedUpload, originalName, mimeType string) (models.File, error) {
	roomID = NormalizeRoomID(roomID)
	ok, err := s.rooms.ExistsRoom(ctx, roomID)
	if err != nil {
		s.Discard(ctx, staged)
		metrics.UploadsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return models.File{}, err
	}
	if !ok {
		s.Discard(ctx, staged)
		metrics.UploadsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return models.File{}, ErrRoomNotFound
	}

	f := models.File{
		ID:         uuid.NewString(),
		Filename:   displayName(originalName, staged.StoredName),
		StoredName: staged.StoredName,
		Size:       staged.Size,
		MimeType:   mimeType,
		RoomID:     roomID,
		CreatedAt:  s.now().UTC(),
	}
	if f.MimeType == "" {
		f.MimeType = defaultMimeType
	}
	if err := s.files.CreateFile(ctx, f); err != nil {
		s.Discard(ctx, staged)
		metrics.UploadsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return models.File{}, fmt.Errorf("record upload: %w", err)
	}
	metrics.UploadsTotal.WithLabelValues(metrics.ResultStored).Inc()
	metrics.UploadBytes.Add(float64(f.Size))

	s.publish(roomID, hub.EventNewFile, f)
	log.Info().Str("module", "service.file").Str("room", roomID).Str("file", f.ID).Int64("size", f.Size).Msg("file uploaded")
	return f, nil
}

// Upload は Stage と RecordUpload をまとめて行います
func (s *FileService) Upload(ctx context.Context, roomID string, src io.Reader, originalName, declaredType string) (models.File, error) {
	staged, err := s.Stage(ctx, src, originalName, declaredType)
	if err != nil {
		return models.File{}, err
	}
	return s.RecordUpload(ctx, roomID, staged, originalName, staged.MimeType)
}

// RecordDeletion はトークンのスコープと同じルームのファイルを削除し、file_deletedを配信します
// 処理の流れ:
// 1. ファイルの存在確認（なければ配信せずにErrFileNotFound）
// 2. ファイルのルームとスコープの一致を確認
// 3. 保存データの削除（失敗してもログに残して続行）
// 4. メタデータの削除後にfile_deletedを配信
func (s *FileService) RecordDeletion(ctx context.Context, scopeRoomID, fileID string) error {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return newFieldError("fileId", "required")
	}
	f, err := s.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(f.RoomID, strings.TrimSpace(scopeRoomID)) {
		return auth.ErrForbidden
	}

	if err := s.blobs.Remove(ctx, f.StoredName); err != nil {
		log.Error().Err(err).Str("module", "service.file").Str("file", f.ID).Str("stored", f.StoredName).Msg("error deleting stored file")
	}

	if err := s.files.DeleteFile(ctx, f.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// 同時に削除された
			return ErrFileNotFound
		}
		return fmt.Errorf("delete file: %w", err)
	}
	metrics.DeletionsTotal.Inc()

	s.publish(f.RoomID, hub.EventFileDeleted, f.ID)
	log.Info().Str("module", "service.file").Str("room", f.RoomID).Str("file", f.ID).Msg("file deleted")
	return nil
}

// GetFile はファイルのメタデータを取得します
func (s *FileService) GetFile(ctx context.Context, fileID string) (models.File, error) {
	f, err := s.files.GetFile(ctx, strings.TrimSpace(fileID))
	if errors.Is(err, repo.ErrNotFound) {
		return models.File{}, ErrFileNotFound
	}
	return f, err
}

// Open はダウンロード用にファイルのデータを開きます
// メタデータがあってもデータが失われている場合はErrBlobMissingを返します
func (s *FileService) Open(ctx context.Context, f models.File) (io.ReadCloser, error) {
	rc, err := s.blobs.Open(ctx, f.StoredName)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, ErrBlobMissing
	}
	return rc, err
}

func (s *FileService) publish(roomID, eventType string, payload any) {
	res, err := s.events.Broadcast(roomID, eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "service.file").Str("room", roomID).Str("type", eventType).Msg("broadcast failed")
		return
	}
	metrics.EventsDelivered.WithLabelValues(eventType).Add(float64(res.SentTo))
}

func normalizeMimeType(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" || strings.EqualFold(declared, defaultMimeType) {
		return ""
	}
	return declared
}

// displayName はクライアントが送ったファイル名を表示用に整えます
func displayName(originalName, fallback string) string {
	name := strings.TrimSpace(originalName)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" {
		return fallback
	}
	if r := []rune(name); len(r) > maxFilenameLength {
		name = string(r[:maxFilenameLength])
	}
	return name
}
