package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/sharaein/server/internal/hub"
	"github.com/sharaein/server/internal/models"
	"github.com/sharaein/server/internal/repo"
	"github.com/sharaein/server/internal/storage"
)

type memStore struct {
	mu            sync.Mutex
	rooms         map[string]models.Room
	files         map[string]models.File
	createFileErr error
}

func newMemStore() *memStore {
	return &memStore{rooms: map[string]models.Room{}, files: map[string]models.File{}}
}

func (m *memStore) CreateRoom(_ context.Context, r models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[r.ID]; ok {
		return repo.ErrRoomAlreadyExists
	}
	m.rooms[r.ID] = r
	return nil
}

func (m *memStore) GetRoom(_ context.Context, id string) (models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return models.Room{}, repo.ErrNotFound
	}
	return r, nil
}

func (m *memStore) ExistsRoom(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[id]
	return ok, nil
}

func (m *memStore) CreateFile(_ context.Context, f models.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createFileErr != nil {
		return m.createFileErr
	}
	m.files[f.ID] = f
	return nil
}

func (m *memStore) GetFile(_ context.Context, id string) (models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return models.File{}, repo.ErrNotFound
	}
	return f, nil
}

func (m *memStore) ListFiles(_ context.Context, roomID string) ([]models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.File{}
	for _, f := range m.files {
		if f.RoomID == roomID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.files, id)
	return nil
}

func (m *memStore) hasFile(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[id]
	return ok
}

type memBlobs struct {
	mu        sync.Mutex
	data      map[string][]byte
	removeErr error
}

func newMemBlobs() *memBlobs { return &memBlobs{data: map[string][]byte{}} }

func (b *memBlobs) Put(_ context.Context, name string, r io.Reader, _ string) (int64, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[name] = buf
	return int64(len(buf)), nil
}

func (b *memBlobs) Open(_ context.Context, name string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[name]
	if !ok {
		return nil, storage.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (b *memBlobs) Remove(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removeErr != nil {
		return b.removeErr
	}
	if _, ok := b.data[name]; !ok {
		return storage.ErrNotExist
	}
	delete(b.data, name)
	return nil
}

func (b *memBlobs) has(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[name]
	return ok
}

func (b *memBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

type published struct {
	roomID    string
	eventType string
	payload   any
	// 配信時点でメタデータが登録済みだったか
	committed bool
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	store  *memStore
	events []published
}

func (r *recordingBroadcaster) Broadcast(roomID, eventType string, payload any) (hub.PublishResult, error) {
	p := published{roomID: roomID, eventType: eventType, payload: payload}
	switch v := payload.(type) {
	case models.File:
		p.committed = r.store.hasFile(v.ID)
	case string:
		p.committed = !r.store.hasFile(v)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
	return hub.PublishResult{SentTo: 1}, nil
}

func (r *recordingBroadcaster) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

type fixedIDs struct {
	ids []string
	i   int
}

func (f *fixedIDs) New() (string, error) {
	if f.i >= len(f.ids) {
		return "", errors.New("out of ids")
	}
	id := f.ids[f.i]
	f.i++
	return id, nil
}

type stubTokens struct{}

func (stubTokens) Issue(roomID, _ string) (string, error) { return "token-" + roomID, nil }
