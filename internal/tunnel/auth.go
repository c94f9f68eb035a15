package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/relaytun/tunneld/internal/store"
)

// Authenticator is the gate every new control channel must pass before it
// is handed a live Tunnel Session: verify the signed token, confirm the
// record it names with the metadata store, then hand off to the
// Controller to adopt the session and start its listeners. Modeled on the
// teacher's Server.validateJWT control-connection gate, generalized to a
// store-backed lookup instead of an in-process user table.
type Authenticator struct {
	verifier   *TokenVerifier
	store      store.Store
	controller *Controller
}

func NewAuthenticator(verifier *TokenVerifier, st store.Store, ctrl *Controller) *Authenticator {
	return &Authenticator{verifier: verifier, store: st, controller: ctrl}
}

// Authenticate handles one inbound tunnel_auth event: it verifies the
// token, looks up the tunnel record, checks it's verified, then adopts
// the new Session and starts its listeners. It always returns an
// auth_response payload to send back over ch — success or a named error,
// per the error-kind table in SPEC_FULL.md §7.
func (a *Authenticator) Authenticate(ctx context.Context, ch *Channel, req tunnelAuthPayload) authResponsePayload {
	claimedID, err := a.verifier.Verify(req.Token)
	if err != nil || claimedID != req.TunnelID {
		log.Printf("tunnel auth: invalid token for tunnel %d: %v", req.TunnelID, err)
		return authResponsePayload{Success: false, Error: ErrInvalidCredentials.Error()}
	}

	rec, err := a.store.LookupTunnel(ctx, req.TunnelID, req.Token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return authResponsePayload{Success: false, Error: ErrInvalidCredentials.Error()}
		}
		log.Printf("tunnel auth: lookup tunnel %d: %v", req.TunnelID, err)
		return authResponsePayload{Success: false, Error: "internal error"}
	}

	if !rec.Verified {
		return authResponsePayload{
			Success:         false,
			Error:           ErrNotVerified.Error(),
			VerificationURL: fmt.Sprintf("/verify/%s", rec.VerificationCode),
		}
	}

	sess := &Session{
		TunnelID:   rec.ID,
		Channel:    ch,
		LocalPort:  req.LocalPort,
		PublicPort: rec.PublicPort,
		Protocol:   rec.Protocol,
	}

	a.controller.adopt(sess)
	if err := a.controller.StartListener(sess); err != nil {
		a.controller.Disconnect(sess)
		log.Printf("tunnel auth: start listener for tunnel %d: %v", req.TunnelID, err)
		return authResponsePayload{Success: false, Error: err.Error()}
	}

	if err := a.store.MarkActive(ctx, rec.ID); err != nil {
		log.Printf("tunnel auth: mark tunnel %d active: %v", rec.ID, err)
	}

	return authResponsePayload{
		Success:    true,
		PublicPort: rec.PublicPort,
		Protocol:   string(rec.Protocol),
		Message:    "tunnel established",
	}
}
