package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"github.com/layer-3/marketgate/telemetry"
	"github.com/rs/zerolog"
)

// AuthConfig holds identity authority settings
type AuthConfig struct {
	Domain       string
	ChallengeTTL time.Duration
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// AuthService handles authentication business logic
type AuthService struct {
	tokenizer ports.Tokenizer
	verifier  ports.SignatureVerifier
	store     ports.Store
	eventPub  ports.EventPublisher
	clock     ports.Clock
	log       zerolog.Logger
	metrics   *telemetry.Metrics

	domain       string
	challengeTTL time.Duration
	accessTTL    time.Duration
	refreshTTL   time.Duration
}

// NewAuthService creates a new authentication service. eventPub may be nil.
func NewAuthService(
	cfg AuthConfig,
	tokenizer ports.Tokenizer,
	verifier ports.SignatureVerifier,
	store ports.Store,
	eventPub ports.EventPublisher,
	clock ports.Clock,
	log zerolog.Logger,
	metrics *telemetry.Metrics,
) *AuthService {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 5 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 5 * 24 * time.Hour // 5 days
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	return &AuthService{
		tokenizer:    tokenizer,
		verifier:     verifier,
		store:        store,
		eventPub:     eventPub,
		clock:        clock,
		log:          log.With().Str("component", "auth").Logger(),
		metrics:      metrics,
		domain:       cfg.Domain,
		challengeTTL: cfg.ChallengeTTL,
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
	}
}

// IssueChallenge binds a fresh nonce to address, replacing any prior challenge.
// It returns the challenge and the message the wallet must sign.
func (s *AuthService) IssueChallenge(ctx context.Context, address string) (core.Challenge, string, error) {
	addr, err := core.NormalizeAddress(address)
	if err != nil {
		return core.Challenge{}, "", err
	}

	nonce, err := randomHex(32)
	if err != nil {
		return core.Challenge{}, "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := s.clock.Now()
	challenge := core.Challenge{
		ID:        uuid.New().String(),
		Address:   addr,
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL),
	}

	if err := s.store.PutChallenge(ctx, challenge); err != nil {
		return core.Challenge{}, "", fmt.Errorf("failed to store challenge: %w", err)
	}

	s.metrics.AuthEvents.WithLabelValues("challenge").Inc()
	return challenge, core.ChallengeMessage(s.domain, challenge), nil
}

// VerifyLogin authenticates a user by the signature over their active challenge
func (s *AuthService) VerifyLogin(ctx context.Context, address, signature string) (*core.Session, error) {
	addr, err := core.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	challenge, err := s.store.GetChallenge(ctx, addr)
	if err != nil {
		s.metrics.AuthEvents.WithLabelValues("login_failed").Inc()
		return nil, err
	}
	if challenge.Expired(s.clock.Now()) {
		s.metrics.AuthEvents.WithLabelValues("login_failed").Inc()
		return nil, core.ErrChallengeExpired
	}

	// Verify the signature
	signer, err := s.verifier.RecoverAddress(core.ChallengeMessage(s.domain, challenge), signature)
	if err != nil {
		s.metrics.AuthEvents.WithLabelValues("login_failed").Inc()
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	if !core.SameAddress(signer, addr) {
		s.metrics.AuthEvents.WithLabelValues("login_failed").Inc()
		return nil, core.ErrSignatureMismatch
	}

	// Consume only after the signature checked out, and only the nonce we verified.
	consumed, err := s.store.ConsumeChallenge(ctx, addr, challenge.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}
	if !consumed {
		s.metrics.AuthEvents.WithLabelValues("login_failed").Inc()
		return nil, core.ErrChallengeNotFound
	}

	session, err := s.issue(ctx, addr, uuid.New().String())
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("address", addr).Str("family", session.FamilyID).Msg("login")
	s.metrics.AuthEvents.WithLabelValues("login").Inc()
	return session, nil
}

// RefreshSession rotates the refresh token and issues a new token triple
func (s *AuthService) RefreshSession(ctx context.Context, refreshToken, csrfCookie, csrfHeader string) (*core.Session, error) {
	if err := CheckCSRF(csrfCookie, csrfHeader); err != nil {
		return nil, err
	}

	presented, err := s.tokenizer.RefreshTokenToSession(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}
	if !s.clock.Now().Before(presented.RefreshExpiry) {
		return nil, core.ErrRefreshExpired
	}

	next := uuid.New().String()
	outcome, err := s.store.RotateRefresh(ctx, presented.Address, presented.FamilyID, presented.RefreshID, next, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch outcome {
	case ports.RotationRevoked:
		s.metrics.AuthEvents.WithLabelValues("refresh_revoked").Inc()
		return nil, core.ErrSessionRevoked
	case ports.RotationReused:
		s.log.Warn().
			Str("address", presented.Address).
			Str("family", presented.FamilyID).
			Str("refresh_id", presented.RefreshID).
			Msg("refresh token reuse detected, revoking identity")
		s.metrics.AuthEvents.WithLabelValues("refresh_reuse").Inc()
		if err := s.Revoke(ctx, presented.Address); err != nil {
			return nil, err
		}
		return nil, core.ErrRefreshReuse
	}

	session, err := s.issueWithRefreshID(presented.Address, presented.FamilyID, next)
	if err != nil {
		return nil, err
	}
	s.metrics.AuthEvents.WithLabelValues("refresh").Inc()
	return session, nil
}

// Logout revokes the identity owning accessToken. An expired access token is
// still accepted to identify the caller, provided its signature is valid.
func (s *AuthService) Logout(ctx context.Context, accessToken, csrfCookie, csrfHeader string) (string, error) {
	if err := CheckCSRF(csrfCookie, csrfHeader); err != nil {
		return "", err
	}
	if accessToken == "" {
		return "", core.ErrSessionMissing
	}

	session, err := s.tokenizer.AccessTokenToSession(accessToken)
	if err != nil {
		return "", fmt.Errorf("invalid access token: %w", err)
	}

	if err := s.Revoke(ctx, session.Address); err != nil {
		return "", err
	}
	s.metrics.AuthEvents.WithLabelValues("logout").Inc()
	return session.Address, nil
}

// Revoke invalidates all outstanding refresh state for address and tells
// every instance to close that identity's real-time channels.
func (s *AuthService) Revoke(ctx context.Context, address string) error {
	if err := s.store.RevokeIdentity(ctx, address); err != nil {
		return fmt.Errorf("failed to revoke identity: %w", err)
	}

	// Publish logout event for cross-instance notifications
	if s.eventPub != nil {
		if err := s.eventPub.PublishLogout(ctx, address, ""); err != nil {
			// The store is already updated, which is the critical part
			s.log.Warn().Err(err).Str("address", address).Msg("failed to publish logout event")
		}
	}
	return nil
}

// Authenticate validates an access token and returns the verified caller
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (core.Principal, error) {
	if accessToken == "" {
		return core.Principal{}, core.ErrSessionMissing
	}

	session, err := s.tokenizer.AccessTokenToSession(accessToken)
	if err != nil {
		return core.Principal{}, fmt.Errorf("invalid access token: %w", err)
	}

	// Check if the token has expired
	if !s.clock.Now().Before(session.AccessExpiry) {
		return core.Principal{}, core.ErrTokenExpired
	}

	// Access tokens die with their session family
	active, err := s.store.FamilyActive(ctx, session.Address, session.FamilyID)
	if err != nil {
		return core.Principal{}, fmt.Errorf("failed to check session: %w", err)
	}
	if !active {
		return core.Principal{}, core.ErrSessionRevoked
	}

	return core.Principal{Address: session.Address, FamilyID: session.FamilyID}, nil
}

// CheckCSRF compares the cookie-delivered token against the header-delivered one.
func CheckCSRF(cookie, header string) error {
	if cookie == "" || header == "" {
		return core.ErrCSRFMismatch
	}
	if subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
		return core.ErrCSRFMismatch
	}
	return nil
}

func (s *AuthService) issue(ctx context.Context, address, familyID string) (*core.Session, error) {
	refreshID := uuid.New().String()
	if err := s.store.IssueRefresh(ctx, address, familyID, refreshID, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to record refresh token: %w", err)
	}
	return s.issueWithRefreshID(address, familyID, refreshID)
}

func (s *AuthService) issueWithRefreshID(address, familyID, refreshID string) (*core.Session, error) {
	now := s.clock.Now()
	session := &core.Session{
		ID:            uuid.New().String(),
		Address:       address,
		FamilyID:      familyID,
		RefreshID:     refreshID,
		IssuedAt:      now,
		AccessExpiry:  now.Add(s.accessTTL),
		RefreshExpiry: now.Add(s.refreshTTL),
	}

	var err error
	if session.AccessToken, err = s.tokenizer.SessionToAccessToken(session); err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}
	if session.RefreshToken, err = s.tokenizer.SessionToRefreshToken(session); err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}
	if session.CSRFToken, err = randomHex(32); err != nil {
		return nil, fmt.Errorf("failed to create csrf token: %w", err)
	}
	return session, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
