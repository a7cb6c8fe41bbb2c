// Package auth はルーム単位のセッショントークンとパスワードハッシュを扱います
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated はトークンがない、壊れている、署名が不正、期限切れの場合に返されます
	ErrUnauthenticated = errors.New("invalid or expired token")
	// ErrForbidden はトークンのスコープと対象ルームが一致しない場合に返されます
	ErrForbidden = errors.New("access denied to this room")
)

const DefaultTokenTTL = 24 * time.Hour

// Claims はトークンに含まれるルーム情報
type Claims struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
	jwt.RegisteredClaims
}

// Guard はHS256で署名したトークンの発行と検証を行います
// 検証はローカルで完結し、I/Oは発生しません
type Guard struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewGuard(secret string, ttl time.Duration) (*Guard, error) {
	if secret == "" {
		return nil, errors.New("token secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Guard{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue はroomIDにスコープされたトークンを発行します
func (g *Guard) Issue(roomID, roomName string) (string, error) {
	now := g.now()
	claims := Claims{
		RoomID:   roomID,
		RoomName: roomName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証してクレームを返します
func (g *Guard) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.RoomID == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// AuthorizeRoomScope はトークンのスコープがroomIDと一致するか確認します
func AuthorizeRoomScope(claims *Claims, roomID string) error {
	if claims == nil {
		return ErrUnauthenticated
	}
	if !strings.EqualFold(claims.RoomID, strings.TrimSpace(roomID)) {
		return ErrForbidden
	}
	return nil
}
