package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/sharaein/server/internal/auth"
	"github.com/sharaein/server/internal/service"
)

// envelope はすべてのJSONレスポンスの構造
type envelope struct {
	Success bool                 `json:"success"`
	Data    any                  `json:"data,omitempty"`
	Message string               `json:"message,omitempty"`
	Errors  []service.FieldError `json:"errors,omitempty"`
}

// respondJSON はJSONレスポンスを返します
// payloadがnilの場合は空のレスポンスを返します
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to encode response")
	}
}

// respondData は成功レスポンスを返します
func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, envelope{Success: true, Data: data})
}

// respondMessage はメッセージのみの成功レスポンスを返します
func respondMessage(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, envelope{Success: true, Message: msg})
}

// respondError はエラーレスポンスを返します
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, envelope{Success: false, Message: msg})
}

// decodeJSON はリクエストボディからJSONをデコードします
// デコードに失敗した場合は、エラーレスポンスを返してfalseを返します
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	// 大きすぎるリクエストを防ぐ（1MB制限）
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return false
		}
		respondError(w, http.StatusBadRequest, "bad request")
		return false
	}
	return true
}

// normalizeID はIDの前後の空白を削除して正規化します
func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

// writeServiceError はサービス層のエラーをHTTPステータスに変換します
// 想定外のエラーはログに残し、詳細は返しません
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "Validation error", Errors: verr.Errors})
	case errors.Is(err, auth.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, "Invalid or expired token, please log in again")
	case errors.Is(err, service.ErrInvalidPassword):
		respondError(w, http.StatusUnauthorized, "Invalid password")
	case errors.Is(err, auth.ErrForbidden):
		respondError(w, http.StatusForbidden, "Access denied to this room")
	case errors.Is(err, service.ErrRoomNotFound):
		respondError(w, http.StatusNotFound, "Room not found")
	case errors.Is(err, service.ErrFileNotFound):
		respondError(w, http.StatusNotFound, "File not found")
	case errors.Is(err, service.ErrBlobMissing):
		respondError(w, http.StatusNotFound, "File not found on disk")
	default:
		hlog.FromRequest(r).Error().Err(err).Str("module", "handlers").
			Str("method", r.Method).Str("path", r.URL.Path).Msg("internal error")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// NotFound は未定義のエンドポイントへのレスポンス
func NotFound(w http.ResponseWriter, _ *http.Request) {
	respondError(w, http.StatusNotFound, "Endpoint not found")
}
