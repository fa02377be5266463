package ports

import "github.com/layer-3/marketgate/core"

// Tokenizer converts between sessions and signed tokens
type Tokenizer interface {
	SessionToAccessToken(session *core.Session) (string, error)
	SessionToRefreshToken(session *core.Session) (string, error)

	// AccessTokenToSession verifies signature and audience. Expiry is checked by
	// the caller so an expired token can still identify its owner on logout.
	AccessTokenToSession(token string) (*core.Session, error)
	RefreshTokenToSession(token string) (*core.Session, error)
}

// SignatureVerifier recovers the wallet address that signed a message.
type SignatureVerifier interface {
	RecoverAddress(message string, signature string) (string, error)
}
