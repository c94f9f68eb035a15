package tunnel

import "errors"

// Error kinds from the component design (§7). Listener- and connection-
// local errors are logged and handled where they occur; these are the
// ones that cross a component boundary and need a stable identity.
var (
	ErrPortInUse          = errors.New("tunnel: public port already in use")
	ErrListenerBind       = errors.New("tunnel: failed to bind listener")
	ErrInvalidCredentials = errors.New("tunnel: invalid tunnel credentials")
	ErrNotVerified        = errors.New("tunnel: tunnel not verified")
	ErrUnknownTunnel      = errors.New("tunnel: no session for tunnel id")
)
