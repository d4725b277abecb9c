/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bridge provides the in-memory datagram conduit between the
// polling pipeline and the pumped protocol stacks (DTLS, SCTP). The
// pipeline pushes inbound records in and drains outbound records out; the
// pumped stack sees an ordinary net.Conn.
package bridge

import (
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v4/packetio"
)

// Addr is a synthetic address for the conduit's endpoints.
type Addr struct {
	Label string
}

func (a Addr) Network() string { return "heimdall-bridge" }
func (a Addr) String() string  { return a.Label }

// Conn is the conduit. Read blocks on the packetio buffer until the
// pipeline pushes a datagram or the conn closes; Write never blocks.
type Conn struct {
	rx *packetio.Buffer

	mu     sync.Mutex
	outbox [][]byte
	closed bool

	local, remote Addr
}

// New allocates a conduit.
func New(label string) *Conn {
	return &Conn{
		rx:     packetio.NewBuffer(),
		local:  Addr{Label: label + "-local"},
		remote: Addr{Label: label + "-remote"},
	}
}

// Push feeds one inbound datagram to the pumped stack.
func (c *Conn) Push(b []byte) error {
	_, err := c.rx.Write(b)
	return err
}

// Drain removes every outbound datagram the pumped stack wrote since the
// last call.
func (c *Conn) Drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

// Read implements net.Conn for the pumped stack.
func (c *Conn) Read(p []byte) (int, error) {
	return c.rx.Read(p)
}

// ReadFrom implements net.PacketConn; DTLS v3 consumes the conduit through
// this interface.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := c.rx.Read(p)
	return n, c.remote, err
}

// WriteTo implements net.PacketConn.
func (c *Conn) WriteTo(p []byte, _ net.Addr) (int, error) {
	return c.Write(p)
}

// Write implements net.Conn for the pumped stack.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.outbox = append(c.outbox, buf)
	return len(p), nil
}

// Close tears the conduit down; pending reads unblock with an error.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.rx.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Deadlines only apply to the blocking read side.
func (c *Conn) SetDeadline(t time.Time) error      { return c.rx.SetReadDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.rx.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(time.Time) error   { return nil }
