package tunnel

import (
	"context"
	"testing"

	"github.com/relaytun/tunneld/internal/registry"
	"github.com/relaytun/tunneld/internal/store"
)

func TestAuthenticateInvalidToken(t *testing.T) {
	ctrl := NewController(testConfig(), registry.New())
	st := store.NewMemStore(store.Tunnel{ID: 1, Token: "correct", Verified: true, PublicPort: 19301, Protocol: store.TCP})
	verifier := NewTokenVerifier("secret")
	a := NewAuthenticator(verifier, st, ctrl)

	token, err := verifier.Mint(1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// The signed token verifies fine, but the store's record was minted
	// with a different opaque token string, so the byte-for-byte
	// LookupTunnel comparison must still reject it.
	resp := a.Authenticate(context.Background(), nil, tunnelAuthPayload{Token: token, TunnelID: 1, LocalPort: 8080})
	if resp.Success {
		t.Fatalf("expected failure when store token does not match the signed token, got success")
	}
	if resp.Error != ErrInvalidCredentials.Error() {
		t.Fatalf("expected ErrInvalidCredentials, got %q", resp.Error)
	}
}

func TestAuthenticateNotVerified(t *testing.T) {
	ctrl := NewController(testConfig(), registry.New())
	verifier := NewTokenVerifier("secret")
	token, err := verifier.Mint(2)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	st := store.NewMemStore(store.Tunnel{ID: 2, Token: token, Verified: false, VerificationCode: "abc123", PublicPort: 19302, Protocol: store.TCP})
	a := NewAuthenticator(verifier, st, ctrl)

	resp := a.Authenticate(context.Background(), nil, tunnelAuthPayload{Token: token, TunnelID: 2, LocalPort: 8080})
	if resp.Success {
		t.Fatalf("expected failure for unverified tunnel")
	}
	if resp.Error != ErrNotVerified.Error() {
		t.Fatalf("expected ErrNotVerified, got %q", resp.Error)
	}
	if resp.VerificationURL != "/verify/abc123" {
		t.Fatalf("expected verification url to echo the store's code, got %q", resp.VerificationURL)
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	ctrl := NewController(testConfig(), registry.New())
	verifier := NewTokenVerifier("secret")
	token, err := verifier.Mint(3)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	st := store.NewMemStore(store.Tunnel{ID: 3, Token: token, Verified: true, PublicPort: 19303, Protocol: store.TCP})
	a := NewAuthenticator(verifier, st, ctrl)

	resp := a.Authenticate(context.Background(), nil, tunnelAuthPayload{Token: token, TunnelID: 3, LocalPort: 8080})
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if resp.PublicPort != 19303 {
		t.Fatalf("expected public port 19303, got %d", resp.PublicPort)
	}
	if ctrl.SessionFor(3) == nil {
		t.Fatalf("expected a live session to be adopted for tunnel 3")
	}
	ctrl.StopListener(3, 19303)
}

func TestAuthenticatePortInUse(t *testing.T) {
	ctrl := NewController(testConfig(), registry.New())
	verifier := NewTokenVerifier("secret")

	occupant := &Session{TunnelID: 100, PublicPort: 19304, Protocol: store.TCP}
	if err := ctrl.StartListener(occupant); err != nil {
		t.Fatalf("start occupant listener: %v", err)
	}
	defer ctrl.StopListener(occupant.TunnelID, occupant.PublicPort)

	token, err := verifier.Mint(4)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	st := store.NewMemStore(store.Tunnel{ID: 4, Token: token, Verified: true, PublicPort: 19304, Protocol: store.TCP})
	a := NewAuthenticator(verifier, st, ctrl)

	resp := a.Authenticate(context.Background(), nil, tunnelAuthPayload{Token: token, TunnelID: 4, LocalPort: 8080})
	if resp.Success {
		t.Fatalf("expected failure when public port is owned by a different tunnel")
	}
}
