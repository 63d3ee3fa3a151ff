package sip

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
)

// UDPMTUSize bounds how large a message this connection will attempt to
// send; RFC 3261 §18.1.1 requires switching to a congestion-controlled
// transport above it.
var UDPMTUSize = 1500

var ErrUDPMTUCongestion = errors.New("UDP message size exceeds MTU limit")

// UDPConnection is a minimal, sip-package-local Connection over a
// net.PacketConn. It exists so the sip package's own transactions and test
// fakes can hold a connection without importing the transport package
// (which already imports sip).
type UDPConnection struct {
	PacketConn net.PacketConn
	PacketAddr string // for faster matching

	Conn net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) LocalAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.LocalAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) Ref(i int) int {
	if c.Conn == nil {
		return 0
	}
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *UDPConnection) Close() error {
	if c.Conn == nil {
		return nil
	}
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	if c.Conn == nil {
		return 0, nil
	}
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		return 0, nil
	}
	return 0, c.Conn.Close()
}

func (c *UDPConnection) WriteMsg(msg Message) error {
	var buf bytes.Buffer
	msg.StringWrite(&buf)
	data := buf.Bytes()

	if len(data) > UDPMTUSize-200 {
		return ErrUDPMTUCongestion
	}

	var n int
	var err error
	if c.Conn != nil {
		n, err = c.Conn.Write(data)
		if err != nil {
			return fmt.Errorf("conn %s write err=%w", c.Conn.LocalAddr().String(), err)
		}
	} else {
		dst := msg.Destination() // resolved by the transport layer before reaching here
		host, port, err := ParseAddr(dst)
		if err != nil {
			return err
		}
		raddr := net.UDPAddr{
			IP:   net.ParseIP(host),
			Port: port,
		}

		n, err = c.PacketConn.WriteTo(data, &raddr)
		if err != nil {
			return fmt.Errorf("udp conn %s err. %w", c.PacketConn.LocalAddr().String(), err)
		}
	}

	if n == 0 {
		return fmt.Errorf("wrote 0 bytes")
	}
	if n != len(data) {
		return fmt.Errorf("fail to write full message")
	}
	return nil
}
