package security

import "time"

// Roles carried by device and operator tokens.
const (
	RoleDisplay  = "display"
	RoleReceiver = "receiver"
	RoleTracker  = "tracker"
	RoleAdmin    = "admin"
)

// TokenClaims identifies the caller. DeviceID is the token subject.
type TokenClaims struct {
	DeviceID string
	Role     string
	Exp      time.Time
	Issuer   string
}
