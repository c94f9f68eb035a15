package tunnel

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/relaytun/tunneld/internal/config"
	"github.com/relaytun/tunneld/internal/registry"
	"github.com/relaytun/tunneld/internal/store"
)

// Session is the live Tunnel Session (§3): everything a Listener Worker
// needs to reach the authenticated client for one tunnel, plus the
// handles StopListener needs to tear the listeners down.
type Session struct {
	TunnelID   int64
	Channel    *Channel
	LocalPort  uint16
	PublicPort uint16
	Protocol   store.Protocol

	stopTCP  atomic.Bool
	stopUDP  atomic.Bool
	tcpLn    net.Listener
	udpConn  net.PacketConn
}

// Controller owns Listener Worker lifecycle: the connected_tunnels index
// (tunnel id -> live Session) and the public-port ownership map that
// guarantees single ownership of each port. It is the generalized,
// explicitly-constructed replacement for the teacher's package-level
// sync.Map fields on tunnel.Server.
type Controller struct {
	cfg      config.Config
	registry *registry.Registry

	mu       sync.RWMutex
	sessions map[int64]*Session // tunnel_id -> Session
	ports    map[uint16]int64   // public_port -> tunnel_id
}

func NewController(cfg config.Config, reg *registry.Registry) *Controller {
	return &Controller{
		cfg:      cfg,
		registry: reg,
		sessions: make(map[int64]*Session),
		ports:    make(map[uint16]int64),
	}
}

// SessionFor returns the live Session for tunnelID, or nil.
func (c *Controller) SessionFor(tunnelID int64) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[tunnelID]
}

// ListActive returns the tunnel ids with a live Tunnel Session, for
// observability.
func (c *Controller) ListActive() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// adopt installs sess as the live session for its tunnel id, evicting and
// tearing down any prior session for the same id first — "the most recent
// control channel wins," per the Open Question decision in SPEC_FULL.md §9.
func (c *Controller) adopt(sess *Session) {
	c.mu.RLock()
	old := c.sessions[sess.TunnelID]
	c.mu.RUnlock()

	if old != nil {
		c.StopListener(old.TunnelID, old.PublicPort)
		if old.Channel != nil {
			old.Channel.Close()
		}
	}

	c.mu.Lock()
	c.sessions[sess.TunnelID] = sess
	c.mu.Unlock()
}

// registerRestored installs sess as the live session for its tunnel id
// without evicting anything, for listeners started by RestoreActiveTunnels
// before any control channel has reconnected. A later adopt() for the same
// tunnel id evicts it like any other prior session, which stops this
// listener before the reconnecting client's own StartListener rebinds it.
func (c *Controller) registerRestored(sess *Session) {
	c.mu.Lock()
	c.sessions[sess.TunnelID] = sess
	c.mu.Unlock()
}

// StartListener starts the TCP and/or UDP Listener Workers for sess,
// per its Protocol. It is idempotent per public port: a repeat call for a
// port the tunnel already owns is a no-op, and a port owned by a different
// tunnel fails with ErrPortInUse. If no session is live for the tunnel yet,
// sess is recorded as its session so StopListener can find its listeners.
func (c *Controller) StartListener(sess *Session) error {
	c.mu.Lock()
	if owner, ok := c.ports[sess.PublicPort]; ok {
		c.mu.Unlock()
		if owner != sess.TunnelID {
			return ErrPortInUse
		}
		return nil
	}
	c.ports[sess.PublicPort] = sess.TunnelID
	c.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", c.cfg.BindHost, sess.PublicPort)

	if sess.Protocol == store.TCP || sess.Protocol == store.Both {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			c.releasePort(sess.TunnelID, sess.PublicPort)
			return fmt.Errorf("%w: %v", ErrListenerBind, err)
		}
		sess.tcpLn = ln
		go c.runTCPListener(sess)
	}

	if sess.Protocol == store.UDP || sess.Protocol == store.Both {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			if sess.tcpLn != nil {
				sess.stopTCP.Store(true)
				sess.tcpLn.Close()
			}
			c.releasePort(sess.TunnelID, sess.PublicPort)
			return fmt.Errorf("%w: %v", ErrListenerBind, err)
		}
		sess.udpConn = pc
		go c.runUDPListener(sess)
	}

	c.mu.Lock()
	if _, ok := c.sessions[sess.TunnelID]; !ok {
		c.sessions[sess.TunnelID] = sess
	}
	c.mu.Unlock()

	log.Printf("[tunnel %d] listener started on %s (%s)", sess.TunnelID, addr, sess.Protocol)
	return nil
}

// StopListener stops every Listener Worker for tunnelID bound to
// publicPort, force-closes every matching Connection Entry, and releases
// the port for reuse. It is best-effort-synchronous: by the time it
// returns, the listening sockets are closed and no Connection Entry for
// tunnelID is left active.
func (c *Controller) StopListener(tunnelID int64, publicPort uint16) {
	c.mu.Lock()
	sess, ok := c.sessions[tunnelID]
	if ok && sess.PublicPort == publicPort {
		delete(c.sessions, tunnelID)
	}
	c.mu.Unlock()

	c.releasePort(tunnelID, publicPort)

	if sess == nil {
		c.registry.RemoveWhere(fmt.Sprint(tunnelID))
		return
	}

	sess.stopTCP.Store(true)
	sess.stopUDP.Store(true)
	if sess.tcpLn != nil {
		sess.tcpLn.Close()
	}
	if sess.udpConn != nil {
		sess.udpConn.Close()
	}

	c.registry.RemoveWhere(fmt.Sprint(tunnelID))
	log.Printf("[tunnel %d] listener stopped on port %d", tunnelID, publicPort)
}

// releasePort frees port only if tunnelID is still its recorded owner, so
// tearing down a session that never actually won port ownership (e.g. a
// failed StartListener racing ErrPortInUse) can't evict someone else's
// live listener.
func (c *Controller) releasePort(tunnelID int64, port uint16) {
	c.mu.Lock()
	if owner, ok := c.ports[port]; ok && owner == tunnelID {
		delete(c.ports, port)
	}
	c.mu.Unlock()
}

// Disconnect tears down sess if it is still the live session for its
// tunnel — the ControlChannelLost path: stop listeners, close registry
// entries, release the port. It does not touch the store; marking the
// tunnel inactive is left to the caller. Called once the Channel's read
// loop returns.
func (c *Controller) Disconnect(sess *Session) {
	c.mu.Lock()
	current, ok := c.sessions[sess.TunnelID]
	if ok && current == sess {
		delete(c.sessions, sess.TunnelID)
	}
	c.mu.Unlock()

	if !ok || current != sess {
		// Already evicted by a newer session; nothing more to do.
		return
	}

	c.releasePort(sess.TunnelID, sess.PublicPort)
	sess.stopTCP.Store(true)
	sess.stopUDP.Store(true)
	if sess.tcpLn != nil {
		sess.tcpLn.Close()
	}
	if sess.udpConn != nil {
		sess.udpConn.Close()
	}
	c.registry.RemoveWhere(fmt.Sprint(sess.TunnelID))
}
