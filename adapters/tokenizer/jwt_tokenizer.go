package tokenizer

import (
	"crypto/ecdsa"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
)

const AudienceAccess = "session:access"
const AudienceRefresh = "session:refresh"

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	issuer  string
	parser  *jwt.Parser
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, issuer string) ports.Tokenizer {
	return &JWTTokenizer{
		signKey: signKey,
		issuer:  issuer,
		// Time-based claims are checked by the auth service against its clock.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// SessionToAccessToken converts a Session to an access JWT token
func (j *JWTTokenizer) SessionToAccessToken(session *core.Session) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   session.Address,
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.AccessExpiry),
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		RefreshID: session.RefreshID,
		FamilyID:  session.FamilyID,
	}

	signedToken, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return signedToken, nil
}

// SessionToRefreshToken converts a Session to a refresh JWT token
func (j *JWTTokenizer) SessionToRefreshToken(session *core.Session) (string, error) {
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   session.Address,
			ID:        session.RefreshID, // Use RefreshID as the JWT ID for the refresh token
			ExpiresAt: jwt.NewNumericDate(session.RefreshExpiry),
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceRefresh},
		},
		FamilyID: session.FamilyID,
	}

	signedToken, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return signedToken, nil
}

// AccessTokenToSession parses an access token and returns the associated session
func (j *JWTTokenizer) AccessTokenToSession(tokenStr string) (*core.Session, error) {
	claims := &AccessClaims{}
	if err := j.parse(tokenStr, claims, AudienceAccess); err != nil {
		return nil, err
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil || claims.Subject == "" || claims.FamilyID == "" {
		return nil, core.ErrInvalidToken
	}

	return &core.Session{
		ID:           claims.ID,
		Address:      claims.Subject,
		FamilyID:     claims.FamilyID,
		RefreshID:    claims.RefreshID,
		IssuedAt:     claims.IssuedAt.Time,
		AccessExpiry: claims.ExpiresAt.Time,
	}, nil
}

// RefreshTokenToSession parses a refresh token and returns the associated session.
// Only the refresh half of the session is populated.
func (j *JWTTokenizer) RefreshTokenToSession(tokenStr string) (*core.Session, error) {
	claims := &RefreshClaims{}
	if err := j.parse(tokenStr, claims, AudienceRefresh); err != nil {
		return nil, err
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil || claims.Subject == "" || claims.ID == "" || claims.FamilyID == "" {
		return nil, core.ErrInvalidToken
	}

	return &core.Session{
		Address:       claims.Subject,
		FamilyID:      claims.FamilyID,
		RefreshID:     claims.ID, // The JWT ID is the refresh token ID
		IssuedAt:      claims.IssuedAt.Time,
		RefreshExpiry: claims.ExpiresAt.Time,
	}, nil
}

func (j *JWTTokenizer) parse(tokenStr string, claims jwt.Claims, audience string) error {
	token, err := j.parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return &j.signKey.PublicKey, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("failed to parse token: %w", core.ErrInvalidToken)
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains(aud, audience) {
		return core.ErrInvalidToken
	}
	if iss, _ := claims.GetIssuer(); iss != j.issuer {
		return core.ErrInvalidToken
	}
	return nil
}
