package service

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/marketgate/adapters/store"
	"github.com/layer-3/marketgate/adapters/tokenizer"
	"github.com/layer-3/marketgate/adapters/wallet"
	"github.com/layer-3/marketgate/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authFixture struct {
	svc       *AuthService
	clock     *fakeClock
	publisher *recordingPublisher
	key       *ecdsa.PrivateKey
	address   string
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	signKey, err := tokenizer.GenerateSigningKey()
	require.NoError(t, err)
	walletKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	clock := newFakeClock()
	publisher := &recordingPublisher{}
	svc := NewAuthService(
		AuthConfig{Domain: "market.test"},
		tokenizer.NewJWTTokenizer(signKey, "market.test"),
		wallet.NewVerifier(),
		store.NewMemoryStore(clock),
		publisher,
		clock,
		zerolog.Nop(),
		nil,
	)

	return &authFixture{
		svc:       svc,
		clock:     clock,
		publisher: publisher,
		key:       walletKey,
		address:   strings.ToLower(crypto.PubkeyToAddress(walletKey.PublicKey).Hex()),
	}
}

func (f *authFixture) challengeSignature(t *testing.T) string {
	t.Helper()
	_, message, err := f.svc.IssueChallenge(context.Background(), f.address)
	require.NoError(t, err)
	sig, err := wallet.SignWithKey(message, f.key)
	require.NoError(t, err)
	return sig
}

func (f *authFixture) login(t *testing.T) *core.Session {
	t.Helper()
	session, err := f.svc.VerifyLogin(context.Background(), f.address, f.challengeSignature(t))
	require.NoError(t, err)
	return session
}

func TestLoginIssuesSession(t *testing.T) {
	f := newAuthFixture(t)
	session := f.login(t)

	assert.Equal(t, f.address, session.Address)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Len(t, session.CSRFToken, 64)

	principal, err := f.svc.Authenticate(context.Background(), session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.address, principal.Address)
	assert.Equal(t, session.FamilyID, principal.FamilyID)
}

func TestReissuedChallengeInvalidatesPrevious(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, first, err := f.svc.IssueChallenge(ctx, f.address)
	require.NoError(t, err)
	staleSig, err := wallet.SignWithKey(first, f.key)
	require.NoError(t, err)

	_, _, err = f.svc.IssueChallenge(ctx, f.address)
	require.NoError(t, err)

	_, err = f.svc.VerifyLogin(ctx, f.address, staleSig)
	require.Error(t, err)
	assert.Equal(t, core.CategoryAuthentication, core.CategoryOf(err))
}

func TestSignatureCannotBeReplayed(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	sig := f.challengeSignature(t)

	_, err := f.svc.VerifyLogin(ctx, f.address, sig)
	require.NoError(t, err)

	_, err = f.svc.VerifyLogin(ctx, f.address, sig)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestConcurrentLoginsConsumeOnce(t *testing.T) {
	f := newAuthFixture(t)
	sig := f.challengeSignature(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.VerifyLogin(context.Background(), f.address, sig); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestLoginRejections(t *testing.T) {
	t.Run("expired challenge", func(t *testing.T) {
		f := newAuthFixture(t)
		sig := f.challengeSignature(t)
		f.clock.Advance(6 * time.Minute)

		_, err := f.svc.VerifyLogin(context.Background(), f.address, sig)
		assert.ErrorIs(t, err, core.ErrChallengeExpired)
	})

	t.Run("signed by another wallet", func(t *testing.T) {
		f := newAuthFixture(t)
		_, message, err := f.svc.IssueChallenge(context.Background(), f.address)
		require.NoError(t, err)

		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		sig, err := wallet.SignWithKey(message, other)
		require.NoError(t, err)

		_, err = f.svc.VerifyLogin(context.Background(), f.address, sig)
		assert.ErrorIs(t, err, core.ErrSignatureMismatch)

		// The challenge survives a failed attempt.
		sig, err = wallet.SignWithKey(message, f.key)
		require.NoError(t, err)
		_, err = f.svc.VerifyLogin(context.Background(), f.address, sig)
		assert.NoError(t, err)
	})

	t.Run("no challenge", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.svc.VerifyLogin(context.Background(), f.address, "0x00")
		assert.ErrorIs(t, err, core.ErrChallengeNotFound)
	})

	t.Run("invalid address", func(t *testing.T) {
		f := newAuthFixture(t)
		_, _, err := f.svc.IssueChallenge(context.Background(), "0xnothex")
		assert.ErrorIs(t, err, core.ErrInvalidAddress)
	})
}

func TestRefreshRotation(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	session := f.login(t)

	next, err := f.svc.RefreshSession(ctx, session.RefreshToken, session.CSRFToken, session.CSRFToken)
	require.NoError(t, err)
	assert.Equal(t, session.FamilyID, next.FamilyID)
	assert.NotEqual(t, session.RefreshID, next.RefreshID)

	_, err = f.svc.Authenticate(ctx, next.AccessToken)
	require.NoError(t, err)
}

func TestRefreshReuseRevokesIdentity(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	session := f.login(t)
	other := f.login(t)

	next, err := f.svc.RefreshSession(ctx, session.RefreshToken, session.CSRFToken, session.CSRFToken)
	require.NoError(t, err)

	// The stolen, already rotated token is presented again.
	_, err = f.svc.RefreshSession(ctx, session.RefreshToken, session.CSRFToken, session.CSRFToken)
	require.ErrorIs(t, err, core.ErrRefreshReuse)
	assert.Equal(t, core.CategoryAuthorization, core.CategoryOf(err))

	_, err = f.svc.RefreshSession(ctx, next.RefreshToken, next.CSRFToken, next.CSRFToken)
	assert.ErrorIs(t, err, core.ErrSessionRevoked, "the legitimate holder is revoked too")

	_, err = f.svc.Authenticate(ctx, next.AccessToken)
	assert.ErrorIs(t, err, core.ErrSessionRevoked)
	_, err = f.svc.Authenticate(ctx, other.AccessToken)
	assert.ErrorIs(t, err, core.ErrSessionRevoked, "every session of the identity is revoked")

	assert.Equal(t, []string{f.address}, f.publisher.logouts)
}

func TestRefreshRequiresCSRF(t *testing.T) {
	f := newAuthFixture(t)
	session := f.login(t)

	for name, header := range map[string]string{"missing": "", "mismatched": "forged"} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RefreshSession(context.Background(), session.RefreshToken, session.CSRFToken, header)
			assert.ErrorIs(t, err, core.ErrCSRFMismatch)
		})
	}

	// The refresh token was not consumed by the rejected attempts.
	_, err := f.svc.RefreshSession(context.Background(), session.RefreshToken, session.CSRFToken, session.CSRFToken)
	assert.NoError(t, err)
}

func TestRefreshExpired(t *testing.T) {
	f := newAuthFixture(t)
	session := f.login(t)
	f.clock.Advance(6 * 24 * time.Hour)

	_, err := f.svc.RefreshSession(context.Background(), session.RefreshToken, session.CSRFToken, session.CSRFToken)
	assert.ErrorIs(t, err, core.ErrRefreshExpired)
}

func TestAuthenticateExpiredAccess(t *testing.T) {
	f := newAuthFixture(t)
	session := f.login(t)
	f.clock.Advance(6 * time.Minute)

	_, err := f.svc.Authenticate(context.Background(), session.AccessToken)
	assert.ErrorIs(t, err, core.ErrTokenExpired)

	_, err = f.svc.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrSessionMissing)

	_, err = f.svc.Authenticate(context.Background(), "garbage")
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestLogoutWithExpiredAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	session := f.login(t)
	f.clock.Advance(10 * time.Minute)

	address, err := f.svc.Logout(ctx, session.AccessToken, session.CSRFToken, session.CSRFToken)
	require.NoError(t, err)
	assert.Equal(t, f.address, address)

	_, err = f.svc.RefreshSession(ctx, session.RefreshToken, session.CSRFToken, session.CSRFToken)
	assert.ErrorIs(t, err, core.ErrSessionRevoked)
	assert.Equal(t, []string{f.address}, f.publisher.logouts)
}

func TestLogoutRequiresCSRF(t *testing.T) {
	f := newAuthFixture(t)
	session := f.login(t)

	_, err := f.svc.Logout(context.Background(), session.AccessToken, session.CSRFToken, "")
	assert.ErrorIs(t, err, core.ErrCSRFMismatch)

	_, err = f.svc.Authenticate(context.Background(), session.AccessToken)
	assert.NoError(t, err)
}
