package tokenizer

import "github.com/golang-jwt/jwt/v5"

// AccessClaims combines standard claims with access-specific ones
type AccessClaims struct {
	jwt.RegisteredClaims
	RefreshID string `json:"rid"` // ID of the refresh token issued alongside
	FamilyID  string `json:"sid"` // Rotation chain the session belongs to
}

// RefreshClaims combines standard claims with the session family
type RefreshClaims struct {
	jwt.RegisteredClaims
	FamilyID string `json:"sid"`
}
