// Package models はアプリケーションで使用するデータ構造を定義します
package models

import "time"

// Room はパスワードで保護されたファイル共有ルームを表します
// 作成後に更新・削除されることはありません
type Room struct {
	ID           string    `json:"id"`   // 6文字の招待コード
	Name         string    `json:"name"` // 表示名
	PasswordHash string    `json:"-"`    // bcryptハッシュ（レスポンスには含めない）
	CreatedAt    time.Time `json:"createdAt"`
}

// File はルームにアップロードされたファイルのメタデータを表します
type File struct {
	ID         string    `json:"id"`       // UUID
	Filename   string    `json:"filename"` // クライアントが送った元のファイル名（表示専用）
	StoredName string    `json:"storedAs"` // 保存時に生成した名前
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimetype"`
	RoomID     string    `json:"roomId"`
	CreatedAt  time.Time `json:"createdAt"`
}
