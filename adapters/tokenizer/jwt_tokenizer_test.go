package tokenizer

import (
	"testing"
	"time"

	"github.com/layer-3/marketgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(now time.Time) *core.Session {
	return &core.Session{
		ID:            "access-1",
		Address:       "0x00000000000000000000000000000000000000a1",
		FamilyID:      "family-1",
		RefreshID:     "refresh-1",
		IssuedAt:      now,
		AccessExpiry:  now.Add(5 * time.Minute),
		RefreshExpiry: now.Add(24 * time.Hour),
	}
}

func TestTokenRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	tk := NewJWTTokenizer(key, "market.example")

	now := time.Now().Truncate(time.Second)
	session := newSession(now)

	access, err := tk.SessionToAccessToken(session)
	require.NoError(t, err)
	refresh, err := tk.SessionToRefreshToken(session)
	require.NoError(t, err)

	got, err := tk.AccessTokenToSession(access)
	require.NoError(t, err)
	assert.Equal(t, session.Address, got.Address)
	assert.Equal(t, session.FamilyID, got.FamilyID)
	assert.Equal(t, session.RefreshID, got.RefreshID)
	assert.True(t, session.AccessExpiry.Equal(got.AccessExpiry))

	got, err = tk.RefreshTokenToSession(refresh)
	require.NoError(t, err)
	assert.Equal(t, session.RefreshID, got.RefreshID)
	assert.Equal(t, session.FamilyID, got.FamilyID)
	assert.True(t, session.RefreshExpiry.Equal(got.RefreshExpiry))
}

func TestExpiredTokensStillParse(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	tk := NewJWTTokenizer(key, "market.example")

	session := newSession(time.Now().Add(-time.Hour))
	access, err := tk.SessionToAccessToken(session)
	require.NoError(t, err)

	got, err := tk.AccessTokenToSession(access)
	require.NoError(t, err, "expiry is enforced by the caller's clock, not the parser")
	assert.Equal(t, session.Address, got.Address)
}

func TestTokenConfusionRejected(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	tk := NewJWTTokenizer(key, "market.example")
	session := newSession(time.Now())

	access, err := tk.SessionToAccessToken(session)
	require.NoError(t, err)
	refresh, err := tk.SessionToRefreshToken(session)
	require.NoError(t, err)

	_, err = tk.RefreshTokenToSession(access)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
	_, err = tk.AccessTokenToSession(refresh)
	assert.ErrorIs(t, err, core.ErrInvalidToken)

	otherKey, err := GenerateSigningKey()
	require.NoError(t, err)
	_, err = NewJWTTokenizer(otherKey, "market.example").AccessTokenToSession(access)
	assert.ErrorIs(t, err, core.ErrInvalidToken, "foreign signature")

	_, err = NewJWTTokenizer(key, "elsewhere").AccessTokenToSession(access)
	assert.ErrorIs(t, err, core.ErrInvalidToken, "foreign issuer")

	_, err = tk.AccessTokenToSession("not.a.jwt")
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestSigningKeyEncoding(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	parsed, err := ParseSigningKey(EncodeSigningKey(key))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = ParseSigningKey("zz")
	assert.Error(t, err)
	_, err = ParseSigningKey("00")
	assert.Error(t, err)
}
