package tunnel

import "encoding/json"

// Event names for the control channel wire protocol (§4.6).
const (
	EventTunnelAuth      = "tunnel_auth"
	EventAuthResponse    = "auth_response"
	EventNewConnection   = "new_connection"
	EventStreamData      = "stream_data"
	EventStreamResponse  = "stream_response"
	EventCloseConnection = "close_connection"
	EventUDPPacket       = "udp_packet"
	EventUDPResponse     = "udp_response"
)

// envelope is the single wire shape every control-channel message takes:
// one named event with a JSON payload, matching the typed sum of event
// variants described in SPEC_FULL.md §9.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type tunnelAuthPayload struct {
	Token     string `json:"token"`
	TunnelID  int64  `json:"tunnel_id"`
	LocalPort uint16 `json:"local_port"`
}

type authResponsePayload struct {
	Success         bool   `json:"success"`
	PublicPort      uint16 `json:"public_port,omitempty"`
	Protocol        string `json:"protocol,omitempty"`
	Error           string `json:"error,omitempty"`
	Message         string `json:"message,omitempty"`
	VerificationURL string `json:"verification_url,omitempty"`
}

type newConnectionPayload struct {
	ConnID   string `json:"conn_id"`
	TunnelID int64  `json:"tunnel_id"`
	Protocol string `json:"protocol"`
}

type streamDataPayload struct {
	ConnID   string `json:"conn_id"`
	Data     string `json:"data"`
	Protocol string `json:"protocol"`
}

type streamResponsePayload struct {
	ConnID string `json:"conn_id"`
	Data   string `json:"data"`
}

type closeConnectionPayload struct {
	ConnID string `json:"conn_id"`
}

type udpPacketPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	TunnelID  int64  `json:"tunnel_id"`
	Addr      string `json:"addr"`
}

type udpResponsePayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Payload: raw})
}
