package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sharaein/server/internal/service"
)

type RoomHandler struct {
	svc *service.RoomService
}

func NewRoomHandler(s *service.RoomService) *RoomHandler { return &RoomHandler{svc: s} }

type createRoomRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type joinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in createRoomRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.svc.CreateRoom(r.Context(), in.Name, in.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, res)
}

func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	var in joinRoomRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.svc.JoinRoom(r.Context(), in.RoomID, in.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, res)
}

// ListFiles はルームのファイル一覧を新しい順に返します
func (h *RoomHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	roomID := normalizeID(chi.URLParam(r, "roomId"))
	files, err := h.svc.ListFiles(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, files)
}
