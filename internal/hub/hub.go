// Package hub はルームごとのリアルタイム配信を管理します
// メンバーはルームに参加・退出でき、ルームへのイベントはそのルームのメンバーにだけ届きます
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// イベント種別
const (
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventNewFile            = "new_file"
	EventFileDeleted        = "file_deleted"
	EventFileUploadProgress = "file_upload_progress"
	EventError              = "error"
	EventPong               = "pong"
)

var (
	ErrClosed         = errors.New("hub closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Member はイベントを受け取る接続です
// TrySendはブロックしてはいけません。キューが一杯ならErrSendBufferFullを返します
type Member interface {
	ID() string
	TrySend(data []byte) error
	Close()
}

// Event はクライアントとやり取りするメッセージの構造
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// PresencePayload は参加・退出通知のペイロード
type PresencePayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// PublishResult は配信結果
type PublishResult struct {
	SentTo  int
	Dropped []Member
}

type room struct {
	id      string
	mu      sync.Mutex
	members map[string]Member
}

// Hub はルームとメンバーの対応を保持します
// ルームごとにロックを持つので、別のルームへの配信は互いにブロックしません
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]*room
	memberRooms map[string]map[string]struct{} // メンバーID -> 参加中のルームID
	closed      bool

	dropped atomic.Int64
	now     func() time.Time
}

func New() *Hub {
	return &Hub{
		rooms:       make(map[string]*room),
		memberRooms: make(map[string]map[string]struct{}),
		now:         time.Now,
	}
}

// Join はメンバーをルームに追加し、他のメンバーにuser_joinedを送ります
// すでに参加している場合は何もしません
func (h *Hub) Join(m Member, roomID string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[string]Member)}
		h.rooms[roomID] = r
	}
	joined := h.memberRooms[m.ID()]
	if joined == nil {
		joined = make(map[string]struct{})
		h.memberRooms[m.ID()] = joined
	}
	if _, dup := joined[roomID]; dup {
		h.mu.Unlock()
		return nil
	}
	joined[roomID] = struct{}{}

	r.mu.Lock()
	h.mu.Unlock()
	r.members[m.ID()] = m
	res := h.publishLocked(r, m.ID(), h.presence(EventUserJoined, "A user joined the room"))
	r.mu.Unlock()

	log.Info().Str("module", "hub").Str("room", roomID).Str("member", m.ID()).Msg("member joined")
	h.kick(res.Dropped)
	return nil
}

// Leave はメンバーをルームから外し、残りのメンバーにuser_leftを送ります
// 参加していないルームの場合は何もしません
func (h *Hub) Leave(m Member, roomID string) {
	h.mu.Lock()
	res, ok := h.leaveLocked(m.ID(), roomID)
	if joined := h.memberRooms[m.ID()]; joined != nil && len(joined) == 0 {
		delete(h.memberRooms, m.ID())
	}
	h.mu.Unlock()

	if ok {
		log.Info().Str("module", "hub").Str("room", roomID).Str("member", m.ID()).Msg("member left")
		h.kick(res.Dropped)
	}
}

// LeaveAll は接続が切れたメンバーを参加中のすべてのルームから外します
func (h *Hub) LeaveAll(m Member) {
	var dropped []Member

	h.mu.Lock()
	for roomID := range h.memberRooms[m.ID()] {
		if res, ok := h.leaveLocked(m.ID(), roomID); ok {
			dropped = append(dropped, res.Dropped...)
		}
	}
	delete(h.memberRooms, m.ID())
	h.mu.Unlock()

	h.kick(dropped)
}

// leaveLocked は h.mu を保持した状態で呼び出します
func (h *Hub) leaveLocked(memberID, roomID string) (PublishResult, bool) {
	joined := h.memberRooms[memberID]
	if _, ok := joined[roomID]; !ok {
		return PublishResult{}, false
	}
	delete(joined, roomID)

	r, ok := h.rooms[roomID]
	if !ok {
		return PublishResult{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, memberID)
	if len(r.members) == 0 {
		// 部屋が空になったら削除
		delete(h.rooms, roomID)
		return PublishResult{}, true
	}
	return h.publishLocked(r, memberID, h.presence(EventUserLeft, "A user left the room")), true
}

// Broadcast はルームの全メンバーにイベントを送ります
// 送信キューが一杯のメンバーは切断され、Droppedとして返されます
func (h *Hub) Broadcast(roomID, eventType string, payload any) (PublishResult, error) {
	return h.BroadcastExcept(roomID, "", eventType, payload)
}

// BroadcastExcept は exceptID 以外のメンバーにイベントを送ります
func (h *Hub) BroadcastExcept(roomID, exceptID, eventType string, payload any) (PublishResult, error) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		return PublishResult{}, err
	}

	h.mu.RLock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return PublishResult{}, nil
	}
	// 同じルームへの配信はルームのロックで直列化され、全メンバーが同じ順序で受け取る
	r.mu.Lock()
	h.mu.RUnlock()
	res := h.publishLocked(r, exceptID, data)
	r.mu.Unlock()

	log.Debug().Str("module", "hub").Str("room", roomID).Str("type", eventType).
		Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	h.kick(res.Dropped)
	return res, nil
}

// publishLocked は r.mu を保持した状態で呼び出します
// すでに閉じたメンバーは数えずに飛ばします。トランスポート側のLeaveAllでルームから外れます
func (h *Hub) publishLocked(r *room, exceptID string, data []byte) PublishResult {
	res := PublishResult{}
	if data == nil {
		return res
	}
	for id, m := range r.members {
		if id == exceptID {
			continue
		}
		err := m.TrySend(data)
		switch {
		case err == nil:
			res.SentTo++
		case errors.Is(err, ErrSendBufferFull):
			res.Dropped = append(res.Dropped, m)
		default:
			log.Debug().Err(err).Str("module", "hub").Str("room", r.id).Str("member", id).Msg("skipping closed member")
		}
	}
	return res
}

// kick は配信に追いつけないメンバーを切断します
// 切断されたメンバーはトランスポート側でLeaveAllされます
func (h *Hub) kick(members []Member) {
	for _, m := range members {
		h.dropped.Add(1)
		log.Warn().Str("module", "hub").Str("member", m.ID()).Msg("send buffer full, disconnecting member")
		m.Close()
	}
}

func (h *Hub) presence(eventType, msg string) []byte {
	data, err := json.Marshal(Event{
		Type: eventType,
		Payload: PresencePayload{
			Message:   msg,
			Timestamp: h.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("encode presence event")
		return nil
	}
	return data
}

// IsMember はメンバーがルームに参加しているかを返します
func (h *Hub) IsMember(memberID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.memberRooms[memberID][roomID]
	return ok
}

// Members はルームの現在のメンバー数を返します
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Rooms はメンバーが一人以上いるルームの数を返します
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Connections はいずれかのルームに参加しているメンバーの数を返します
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.memberRooms)
}

// DroppedTotal は送信キューあふれで切断したメンバーの累計
func (h *Hub) DroppedTotal() int64 { return h.dropped.Load() }

// Close はすべてのメンバーを切断し、以後のJoinを拒否します
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	seen := make(map[string]Member)
	for _, r := range h.rooms {
		r.mu.Lock()
		for id, m := range r.members {
			seen[id] = m
		}
		r.mu.Unlock()
	}
	h.rooms = make(map[string]*room)
	h.memberRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, m := range seen {
		m.Close()
	}
	log.Info().Str("module", "hub").Int("members", len(seen)).Msg("hub closed")
}
