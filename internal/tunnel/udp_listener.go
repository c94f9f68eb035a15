package tunnel

import (
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/relaytun/tunneld/internal/registry"
)

// udpSession is the Listener Worker's own bookkeeping for live peers
// (§3, UDP Session Table). Unlike the Connection Registry, this table is
// owned exclusively by runUDPListener's goroutine — no external access,
// no locking needed.
type udpSession struct {
	sessionID    uuid.UUID
	addr         net.Addr
	lastActivity time.Time
}

// runUDPListener is the UDP Listener Worker (§4.4): a soft-NAT demuxer
// over sess's shared listening socket, with idle sessions swept on the
// same loop that receives datagrams.
func (c *Controller) runUDPListener(sess *Session) {
	pc := sess.udpConn.(*net.UDPConn)
	sessions := make(map[string]*udpSession)
	buf := make([]byte, c.cfg.UDPReadChunk)

	for {
		if sess.stopUDP.Load() {
			c.sweepUDPSessions(sess, sessions, true)
			return
		}
		pc.SetReadDeadline(time.Now().Add(c.cfg.ListenerPollInterval))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		key := addr.String()
		now := time.Now()
		us, ok := sessions[key]
		if ok && now.Sub(us.lastActivity) > c.cfg.UDPSessionIdleTimeout {
			// Silence exceeded the idle timeout: this session is stale even
			// though the sweep, which only runs after a datagram arrives,
			// hasn't reaped it yet. Treat the next datagram as a fresh
			// session rather than reusing the old id.
			c.registry.Remove(us.sessionID)
			delete(sessions, key)
			ok = false
		}
		if !ok {
			us = &udpSession{sessionID: uuid.New(), addr: addr, lastActivity: now}
			sessions[key] = us
			entry := &registry.Entry{
				TunnelID:   fmt.Sprint(sess.TunnelID),
				Kind:       registry.UDP,
				PacketConn: pc,
				PeerAddr:   addr,
			}
			c.registry.Insert(us.sessionID, entry)
		} else {
			us.lastActivity = now
		}

		if c.SessionFor(sess.TunnelID) == sess && sess.Channel != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			dataB64 := base64.StdEncoding.EncodeToString(data)

			sess.Channel.Send(EventUDPPacket, udpPacketPayload{
				SessionID: us.sessionID.String(),
				Data:      dataB64,
				TunnelID:  sess.TunnelID,
				Addr:      key,
			})
		}

		c.sweepUDPSessions(sess, sessions, false)
	}
}

// sweepUDPSessions removes sessions idle longer than
// udp_session_idle_timeout (or all of them, on shutdown). It never closes
// sess.udpConn itself — the listening socket is shared by every session
// and is only closed by StopListener/Disconnect, per the Open Question
// decision in SPEC_FULL.md §9.
func (c *Controller) sweepUDPSessions(sess *Session, sessions map[string]*udpSession, all bool) {
	now := time.Now()
	for key, us := range sessions {
		if all || now.Sub(us.lastActivity) > c.cfg.UDPSessionIdleTimeout {
			delete(sessions, key)
			c.registry.Remove(us.sessionID)
		}
	}
}

// HandleUDPResponse decodes an inbound udp_response frame and sends it to
// the peer address recorded for session_id. No delivery guarantee, per
// the Non-goals in SPEC_FULL.md §1.
func (c *Controller) HandleUDPResponse(sessionID uuid.UUID, dataB64 string) {
	entry := c.registry.Lookup(sessionID)
	if entry == nil || entry.Kind != registry.UDP {
		return
	}
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return
	}
	entry.PacketConn.WriteTo(data, entry.PeerAddr)
}
