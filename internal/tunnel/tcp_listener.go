package tunnel

import (
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/relaytun/tunneld/internal/registry"
	"github.com/relaytun/tunneld/internal/store"
)

// runTCPListener is the TCP Listener Worker (§4.2): accepts on sess's
// public port with a short poll timeout so sess.stopTCP is observed
// promptly, and spawns a TCP Stream Handler per accepted connection.
func (c *Controller) runTCPListener(sess *Session) {
	ln := sess.tcpLn.(*net.TCPListener)
	for {
		if sess.stopTCP.Load() {
			return
		}
		ln.SetDeadline(time.Now().Add(c.cfg.ListenerPollInterval))
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if sess.stopTCP.Load() {
				return
			}
			log.Printf("[tunnel %d] tcp accept error: %v", sess.TunnelID, err)
			continue
		}
		go c.handleTCPStream(sess, conn)
	}
}

// handleTCPStream is the TCP Stream Handler (§4.3): one goroutine per
// accepted public connection, implementing the Open/Closing state
// machine from the component design.
func (c *Controller) handleTCPStream(sess *Session, conn net.Conn) {
	current := c.SessionFor(sess.TunnelID)
	if current == nil || current != sess || current.Channel == nil {
		log.Printf("[tunnel %d] %v: writing 503 to peer", sess.TunnelID, ErrUnknownTunnel)
		fmt.Fprint(conn, "HTTP/1.1 503 Service Unavailable\r\n\r\ntunnel not connected\n")
		conn.Close()
		return
	}

	connID := uuid.New()
	entry := &registry.Entry{TunnelID: fmt.Sprint(sess.TunnelID), Kind: registry.TCP, Conn: conn}
	c.registry.Insert(connID, entry)

	if err := sess.Channel.Send(EventNewConnection, newConnectionPayload{
		ConnID:   connID.String(),
		TunnelID: sess.TunnelID,
		Protocol: string(store.TCP),
	}); err != nil {
		entry.CloseConn()
		c.registry.Remove(connID)
		return
	}

	buf := make([]byte, c.cfg.TCPReadChunk)
	for {
		if !entry.Active() {
			break
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.TCPReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			data := base64.StdEncoding.EncodeToString(buf[:n])
			if sendErr := sess.Channel.Send(EventStreamData, streamDataPayload{
				ConnID:   connID.String(),
				Data:     data,
				Protocol: string(store.TCP),
			}); sendErr != nil {
				break
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break
		}
	}

	sess.Channel.Send(EventCloseConnection, closeConnectionPayload{ConnID: connID.String()})

	entry.CloseConn()
	c.registry.Remove(connID)
}

// HandleStreamResponse decodes and writes an inbound stream_response
// frame to the public socket it names. A write failure marks the entry
// inactive and lets the handler's read loop reap it — per WriteFailure
// in SPEC_FULL.md §7, there are no retries.
func (c *Controller) HandleStreamResponse(connID uuid.UUID, dataB64 string) {
	entry := c.registry.Lookup(connID)
	if entry == nil || entry.Kind != registry.TCP || !entry.Active() {
		return
	}
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return
	}
	if _, err := entry.Conn.Write(data); err != nil {
		c.registry.MarkInactive(connID)
	}
}

// HandleCloseConnection handles an inbound close_connection frame from
// the client. Repeated calls for the same conn_id are a no-op: Lookup
// returns nil once the entry has already been removed.
func (c *Controller) HandleCloseConnection(connID uuid.UUID) {
	entry := c.registry.Lookup(connID)
	if entry == nil {
		return
	}
	c.registry.MarkInactive(connID)
	if entry.Kind == registry.TCP {
		entry.CloseConn()
	}
	c.registry.Remove(connID)
}
