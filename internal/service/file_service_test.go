package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharaein/server/internal/auth"
	"github.com/sharaein/server/internal/hub"
	"github.com/sharaein/server/internal/models"
)

type fileFixture struct {
	store  *memStore
	blobs  *memBlobs
	events *recordingBroadcaster
	svc    *FileService
}

func newFileFixture(t *testing.T, rooms ...string) *fileFixture {
	t.Helper()
	store := newMemStore()
	for _, id := range rooms {
		require.NoError(t, store.CreateRoom(context.Background(), models.Room{ID: id, Name: id, PasswordHash: "h"}))
	}
	blobs := newMemBlobs()
	events := &recordingBroadcaster{store: store}
	return &fileFixture{
		store:  store,
		blobs:  blobs,
		events: events,
		svc:    NewFileService(store, store, blobs, events, 0),
	}
}

func TestUpload_PersistsThenBroadcasts(t *testing.T) {
	fx := newFileFixture(t, "AB12C3")
	ctx := context.Background()

	f, err := fx.svc.Upload(ctx, "AB12C3", strings.NewReader("%PDF-1.4 test"), "report.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", f.Filename)
	assert.Equal(t, "application/pdf", f.MimeType)
	assert.Equal(t, int64(13), f.Size)
	assert.Equal(t, "AB12C3", f.RoomID)
	assert.True(t, strings.HasSuffix(f.StoredName, ".pdf"))
	assert.True(t, fx.blobs.has(f.StoredName))

	evs := fx.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, hub.EventNewFile, evs[0].eventType)
	assert.Equal(t, "AB12C3", evs[0].roomID)
	assert.Equal(t, f, evs[0].payload)
	assert.True(t, evs[0].committed, "new_file must be published after the row is committed")

	files, err := fx.store.ListFiles(ctx, "AB12C3")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, f.ID, files[0].ID)
}

func TestUpload_SniffsMimeType(t *testing.T) {
	fx := newFileFixture(t, "AB12C3")

	png := "\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 32)
	f, err := fx.svc.Upload(context.Background(), "AB12C3", strings.NewReader(png), "image", "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", f.MimeType)

	f, err = fx.svc.Upload(context.Background(), "AB12C3", strings.NewReader("plain words"), "notes.txt", "application/octet-stream")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(f.MimeType, "text/plain"))
}

func TestRecordUpload_UnknownRoomDiscardsBytes(t *testing.T) {
	fx := newFileFixture(t)
	ctx := context.Background()

	staged, err := fx.svc.Stage(ctx, strings.NewReader("data"), "a.bin", "")
	require.NoError(t, err)
	require.True(t, fx.blobs.has(staged.StoredName))

	_, err = fx.svc.RecordUpload(ctx, "NOROOM", staged, "a.bin", staged.MimeType)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, 0, fx.blobs.count())
	assert.Empty(t, fx.events.all())
}

func TestRecordUpload_PersistFailureDiscardsBytes(t *testing.T) {
	fx := newFileFixture(t, "AB12C3")
	fx.store.createFileErr = errors.New("disk full")

	_, err := fx.svc.Upload(context.Background(), "AB12C3", strings.NewReader("data"), "a.bin", "")
	require.Error(t, err)
	assert.Equal(t, 0, fx.blobs.count())
	assert.Empty(t, fx.events.all())
}

func TestRecordUpload_CanceledRequestStillDiscards(t *testing.T) {
	fx := newFileFixture(t)
	staged, err := fx.svc.Stage(context.Background(), strings.NewReader("data"), "a.bin", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fx.svc.RecordUpload(ctx, "NOROOM", staged, "a.bin", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, 0, fx.blobs.count())
}

func TestUpload_ConcurrentStoredNamesAreUnique(t *testing.T) {
	fx := newFileFixture(t, "AB12C3")
	fx.svc = NewFileService(fx.store, fx.store, fx.blobs, fx.events, 4)

	const n = 50
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = map[string]struct{}{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := fx.svc.Upload(context.Background(), "AB12C3", strings.NewReader("same bytes"), "same.txt", "text/plain")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			names[f.StoredName] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, names, n)
	assert.Equal(t, n, fx.blobs.count())
	assert.Len(t, fx.events.all(), n)
}

func TestRecordDeletion(t *testing.T) {
	fx := newFileFixture(t, "AB12C3")
	ctx := context.Background()
	f, err := fx.svc.Upload(ctx, "AB12C3", strings.NewReader("data"), "a.txt", "text/plain")
	require.NoError(t, err)

	require.NoError(t, fx.svc.RecordDeletion(ctx, "AB12C3", f.ID))
	assert.False(t, fx.blobs.has(f.StoredName))
	assert.False(t, fx.store.hasFile(f.ID))

	evs := fx.events.all()
	require.Len(t, evs, 2)
	assert.Equal(t, hub.EventFileDeleted, evs[1].eventType)
	assert.Equal(t, f.ID, evs[1].payload)
	assert.True(t, evs[1].committed)

	// 削除済みのファイルは戻らない
	assert.ErrorIs(t, fx.svc.RecordDeletion(ctx, "AB12C3", f.ID), ErrFileNotFound)
	assert.Len(t, fx.events.all(), 2)
}

func TestRecordDeletion_NotFoundBroadcastsNothing(t *testing.T) {
	fx := newFileFixture(t, "AB12C3")
	err := fx.svc.RecordDeletion(context.Background(), "AB12C3", "11111111-2222-3333-4444-555555555555")
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Empty(t, fx.events.all())

	var verr *ValidationError
	assert.ErrorAs(t, fx.svc.RecordDeletion(context.Background(), "AB12C3", " "), &verr)
}

func TestRecordDeletion_OtherRoomForbidden(t *testing.T) {
	fx := newFileFixture(t, "ROOMAA", "ROOMBB")
	ctx := context.Background()
	f, err := fx.svc.Upload(ctx, "ROOMAA", strings.NewReader("data"), "a.txt", "text/plain")
	require.NoError(t, err)

	err = fx.svc.RecordDeletion(ctx, "ROOMBB", f.ID)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	assert.True(t, fx.store.hasFile(f.ID))
	assert.True(t, fx.blobs.has(f.StoredName))
	assert.Len(t, fx.events.all(), 1)
}

func TestRecordDeletion_BlobRemovalFailureIsNotFatal(t *testing.T) {
	fx := newFileFixture(t, "AB12C3")
	ctx := context.Background()
	f, err := fx.svc.Upload(ctx, "AB12C3", strings.NewReader("data"), "a.txt", "text/plain")
	require.NoError(t, err)
	fx.blobs.removeErr = errors.New("permission denied")

	require.NoError(t, fx.svc.RecordDeletion(ctx, "AB12C3", f.ID))
	assert.False(t, fx.store.hasFile(f.ID))
	assert.Equal(t, hub.EventFileDeleted, fx.events.all()[1].eventType)
}

func TestOpen(t *testing.T) {
	fx := newFileFixture(t, "AB12C3")
	ctx := context.Background()
	f, err := fx.svc.Upload(ctx, "AB12C3", strings.NewReader("payload"), "a.txt", "text/plain")
	require.NoError(t, err)

	got, err := fx.svc.GetFile(ctx, f.ID)
	require.NoError(t, err)
	rc, err := fx.svc.Open(ctx, got)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	fx.blobs.removeErr = nil
	require.NoError(t, fx.blobs.Remove(ctx, f.StoredName))
	_, err = fx.svc.Open(ctx, got)
	assert.ErrorIs(t, err, ErrBlobMissing)

	_, err = fx.svc.GetFile(ctx, "missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "report.pdf", displayName("report.pdf", "x"))
	assert.Equal(t, "passwd", displayName("../../etc/passwd", "x"))
	assert.Equal(t, "x", displayName("  ", "x"))
	assert.Equal(t, "ab.txt", displayName("a\x00b.txt", "x"))
	assert.Len(t, []rune(displayName(strings.Repeat("é", 300), "x")), maxFilenameLength)
}

func TestStage_SemaphoreHonorsContext(t *testing.T) {
	fx := newFileFixture(t)
	svc := NewFileService(fx.store, fx.store, fx.blobs, fx.events, 1)
	require.True(t, svc.sem.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := svc.Stage(ctx, strings.NewReader("x"), "a", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
