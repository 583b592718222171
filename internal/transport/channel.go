package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/inkfleet/inkfleet-backend/internal/protocol"
)

// NetChannel is the live DeviceChannel over one persistent TCP connection.
// Writes are serialised so two Sender workers cannot interleave frames.
type NetChannel struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

// NewNetChannel wraps an accepted device connection.
func NewNetChannel(conn net.Conn, writeTimeout time.Duration) *NetChannel {
	return &NetChannel{conn: conn, writeTimeout: writeTimeout}
}

// Send frames the payload as an outbound command and writes it.
func (c *NetChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("channel closed: %w", net.ErrClosed)
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	if _, err := c.conn.Write(protocol.EncodeCommand(payload)); err != nil {
		return fmt.Errorf("writing command frame: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call twice.
func (c *NetChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// RemoteAddr describes the peer.
func (c *NetChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// SendOnce is the short-lived fallback used when a device has no registered
// channel: dial, write one framed command, close. The device's async reply,
// if any, arrives later over its persistent connection.
func SendOnce(address string, payload []byte, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return fmt.Errorf("dialing device at %s: %w", address, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := conn.Write(protocol.EncodeCommand(payload)); err != nil {
		return fmt.Errorf("writing command frame to %s: %w", address, err)
	}
	return nil
}
