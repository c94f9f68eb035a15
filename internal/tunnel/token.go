package tunnel

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// tunnelClaims is embedded in the opaque token minted by the (out-of-scope)
// administrative surface when a tunnel record is created. The core never
// mints these; it only verifies the signature and that the embedded
// tunnel id matches the one the client claims in tunnel_auth, mirroring
// the teacher's Server.validateJWT gate on the control connection.
type tunnelClaims struct {
	TunnelID int64 `json:"tunnel_id"`
	jwt.RegisteredClaims
}

// TokenVerifier validates the signed, opaque tokens tunnels authenticate
// with. It holds only the shared signing secret — the same secret the
// administrative surface uses to mint tokens at tunnel-creation time.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify checks tokenString's signature and returns the tunnel id it was
// minted for. It does not consult the store — callers still need
// LookupTunnel to confirm the token matches the record's current value
// (so a revoked/rotated token is rejected even if the old signature is
// still valid).
func (v *TokenVerifier) Verify(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tunnelClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("verify tunnel token: %w", err)
	}
	claims, ok := token.Claims.(*tunnelClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("verify tunnel token: invalid claims")
	}
	return claims.TunnelID, nil
}

// Mint signs a new opaque token for tunnelID. Exposed for tests and for
// the administrative surface to call when it provisions a tunnel record;
// the data plane itself never calls this outside of tests.
func (v *TokenVerifier) Mint(tunnelID int64) (string, error) {
	claims := tunnelClaims{
		TunnelID:         tunnelID,
		RegisteredClaims: jwt.RegisteredClaims{},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
