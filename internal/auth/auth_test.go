package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := NewGuard("test-secret", time.Hour)
	require.NoError(t, err)
	return g
}

func TestGuard_IssueVerify(t *testing.T) {
	g := newTestGuard(t)

	tok, err := g.Issue("AB12C3", "Team")
	require.NoError(t, err)

	claims, err := g.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "AB12C3", claims.RoomID)
	assert.Equal(t, "Team", claims.RoomName)
	require.NotNil(t, claims.ExpiresAt)
	require.NotNil(t, claims.IssuedAt)
	assert.Equal(t, time.Hour, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestNewGuard_RequiresSecret(t *testing.T) {
	_, err := NewGuard("", time.Hour)
	assert.Error(t, err)

	g, err := NewGuard("s", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTokenTTL, g.ttl)
}

func TestGuard_RejectsBadTokens(t *testing.T) {
	g := newTestGuard(t)
	valid, err := g.Issue("AB12C3", "Team")
	require.NoError(t, err)

	other, err := NewGuard("other-secret", time.Hour)
	require.NoError(t, err)
	wrongKey, err := other.Issue("AB12C3", "Team")
	require.NoError(t, err)

	parts := strings.Split(valid, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RoomID: "AB12C3"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noRoom, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RoomID: "AB12C3"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"empty":       "",
		"garbage":     "not-a-token",
		"tampered":    tampered,
		"wrong key":   wrongKey,
		"alg none":    unsigned,
		"no room":     noRoom,
		"no expiry":   noExp,
		"whitespaces": "   ",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := g.Verify(tok)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestGuard_Expired(t *testing.T) {
	g := newTestGuard(t)
	issued := time.Now().Add(-2 * time.Hour)
	g.now = func() time.Time { return issued }
	tok, err := g.Issue("AB12C3", "Team")
	require.NoError(t, err)

	g.now = time.Now
	_, err = g.Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthorizeRoomScope(t *testing.T) {
	claims := &Claims{RoomID: "AB12C3"}
	assert.NoError(t, AuthorizeRoomScope(claims, "AB12C3"))
	assert.NoError(t, AuthorizeRoomScope(claims, "ab12c3"))
	assert.ErrorIs(t, AuthorizeRoomScope(claims, "ZZ99ZZ"), ErrForbidden)
	assert.ErrorIs(t, AuthorizeRoomScope(nil, "AB12C3"), ErrUnauthenticated)
}

func TestHasher(t *testing.T) {
	h := NewHasher(4)
	hash, err := h.Hash("abcd")
	require.NoError(t, err)
	assert.NotEqual(t, "abcd", hash)

	assert.NoError(t, h.Compare(hash, "abcd"))
	assert.ErrorIs(t, h.Compare(hash, "abce"), ErrPasswordMismatch)
	assert.Error(t, h.Compare("not-a-hash", "abcd"))

	assert.Equal(t, 10, NewHasher(0).cost)
}

func TestHasher_PasswordByteLimit(t *testing.T) {
	h := NewHasher(4)

	// 24文字 x 3バイト = 72バイトまではハッシュできる
	atLimit := strings.Repeat("あ", 24)
	hash, err := h.Hash(atLimit)
	require.NoError(t, err)
	assert.NoError(t, h.Compare(hash, atLimit))

	_, err = h.Hash(strings.Repeat("あ", 25))
	assert.Error(t, err)
	assert.ErrorIs(t, h.Compare(hash, strings.Repeat("あ", 25)), ErrPasswordMismatch)
}
