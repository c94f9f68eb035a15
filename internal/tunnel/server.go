package tunnel

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaytun/tunneld/internal/config"
	"github.com/relaytun/tunneld/internal/registry"
	"github.com/relaytun/tunneld/internal/store"
)

// Server is the explicitly constructed replacement for the teacher's
// package-level Server singleton (sync.Map fields reached from anywhere):
// it holds the Registry, Controller, Store and Authenticator and is the
// single place that wires a new WebSocket connection to the rest of the
// data plane. There is exactly one Server per process.
type Server struct {
	cfg           config.Config
	registry      *registry.Registry
	controller    *Controller
	store         store.Store
	authenticator *Authenticator
	upgrader      websocket.Upgrader
}

func NewServer(cfg config.Config, st store.Store) *Server {
	reg := registry.New()
	ctrl := NewController(cfg, reg)
	verifier := NewTokenVerifier(cfg.JWTSecret)
	auth := NewAuthenticator(verifier, st, ctrl)

	return &Server{
		cfg:           cfg,
		registry:      reg,
		controller:    ctrl,
		store:         st,
		authenticator: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Controller exposes the Tunnel Controller for the observability surface.
func (s *Server) Controller() *Controller { return s.controller }

// Registry exposes the Connection Registry for the observability surface.
func (s *Server) Registry() *registry.Registry { return s.registry }

// ServeHTTP upgrades the request to a WebSocket control channel and runs
// it until the client disconnects or the control channel is evicted by a
// newer authenticate for the same tunnel id.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("control channel: upgrade failed: %v", err)
		return
	}
	ch := newChannel(conn)
	s.handleControlChannel(ch)
}

// handleControlChannel runs one control channel's dispatch loop to
// completion (ControlChannelLost once readLoop returns), then tears down
// whatever Tunnel Session it owned.
func (s *Server) handleControlChannel(ch *Channel) {
	var sess *Session
	ctx := context.Background()

	ch.readLoop(func(event string, payload json.RawMessage) {
		switch event {
		case EventTunnelAuth:
			var req tunnelAuthPayload
			if err := json.Unmarshal(payload, &req); err != nil {
				return
			}
			resp := s.authenticator.Authenticate(ctx, ch, req)
			if resp.Success {
				sess = s.controller.SessionFor(req.TunnelID)
			}
			ch.Send(EventAuthResponse, resp)

		case EventStreamResponse:
			var p streamResponsePayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			connID, err := uuid.Parse(p.ConnID)
			if err != nil {
				return
			}
			s.controller.HandleStreamResponse(connID, p.Data)

		case EventCloseConnection:
			var p closeConnectionPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			connID, err := uuid.Parse(p.ConnID)
			if err != nil {
				return
			}
			s.controller.HandleCloseConnection(connID)

		case EventUDPResponse:
			var p udpResponsePayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			sessionID, err := uuid.Parse(p.SessionID)
			if err != nil {
				return
			}
			s.controller.HandleUDPResponse(sessionID, p.Data)

		default:
			log.Printf("control channel: unknown event %q", event)
		}
	})

	// ControlChannelLost: the read loop returned, so this channel no
	// longer has a live connection. Tear down whatever session it still
	// owns (a newer authenticate may have already evicted it).
	if sess != nil {
		owned := s.controller.SessionFor(sess.TunnelID) == sess
		s.controller.Disconnect(sess)
		if owned {
			if err := s.store.MarkInactive(ctx, sess.TunnelID); err != nil {
				log.Printf("control channel: mark tunnel %d inactive: %v", sess.TunnelID, err)
			}
		}
	}
}

// RestoreActiveTunnels re-starts listeners for every tunnel the store
// still marks active, for recovery after a process restart. It does not
// restore control channels — those re-authenticate when the client
// reconnects — only the public listening sockets, so in-flight
// connections fail fast instead of hanging until the client notices.
func (s *Server) RestoreActiveTunnels(ctx context.Context) error {
	tunnels, err := s.store.ListActiveTunnels(ctx)
	if err != nil {
		return err
	}
	for _, t := range tunnels {
		sess := &Session{
			TunnelID:   t.ID,
			PublicPort: t.PublicPort,
			Protocol:   t.Protocol,
		}
		if err := s.controller.StartListener(sess); err != nil {
			log.Printf("restore tunnel %d: %v", t.ID, err)
			if merr := s.store.MarkInactive(ctx, t.ID); merr != nil {
				log.Printf("restore tunnel %d: mark inactive: %v", t.ID, merr)
			}
			continue
		}
		s.controller.registerRestored(sess)
		log.Printf("restored listener for tunnel %d on port %d", t.ID, t.PublicPort)
	}
	return nil
}
