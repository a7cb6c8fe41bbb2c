package service

import (
	"errors"
	"strings"
)

// カスタムエラー定義
var (
	ErrRoomNotFound           = errors.New("room not found")
	ErrFileNotFound           = errors.New("file not found")
	ErrInvalidPassword        = errors.New("invalid password")
	ErrRoomIDGenerationFailed = errors.New("failed to generate unique room ID after multiple attempts")
	ErrBlobMissing            = errors.New("file not found on disk")
)

// FieldError は入力項目ごとのエラー
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError は入力値の検証に失敗したことを表します
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Message
	}
	return "validation error: " + strings.Join(msgs, "; ")
}
