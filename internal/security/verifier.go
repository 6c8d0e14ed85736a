package security

import "errors"

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// TokenVerifier checks a bearer token and returns the device it was issued to.
type TokenVerifier interface {
	VerifyToken(token string) (TokenClaims, error)
}
