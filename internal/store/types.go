package store

import "time"

// Protocol is the transport a tunnel forwards.
type Protocol string

const (
	TCP  Protocol = "TCP"
	UDP  Protocol = "UDP"
	Both Protocol = "BOTH"
)

// Status mirrors the Tunnel.status field from the data model.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
)

// Tunnel is the authorized, externally-minted record the core consumes
// from the administrative surface. The core only ever mutates Status and
// LastConnected, via MarkActive/MarkInactive.
type Tunnel struct {
	ID        int64
	Token     string // signed tunnel token (a JWT checked by tunnel.TokenVerifier), compared byte-for-byte; a token that is not such a JWT never authenticates
	LocalPort uint16
	PublicPort uint16
	Protocol  Protocol
	Verified  bool
	// VerificationCode is opaque, minted by the administrative surface at
	// tunnel creation time; the core only ever echoes it back inside an
	// unverified auth_response's verification_url, never interprets it.
	VerificationCode string
	Status           Status
	LastConnected    *time.Time
	CreatedAt        time.Time
}
