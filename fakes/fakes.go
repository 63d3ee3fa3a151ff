// Package fakes provides in-memory stand-ins for the network sockets the
// transport layer reads from, so the full inbound pipeline can run in a
// unit test without binding ports.
package fakes

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
)

// testReadBufSize bounds one read in the Test* helpers; comfortably above
// any message the tests exchange.
const testReadBufSize = 65535

// endpoint is the request/response test surface both fake connections
// share, built from their raw read/write funcs.
type endpoint struct {
	read  func(p []byte) (int, error)
	write func(p []byte) (int, error)
}

// TestReadConn blocks for one read and fails the test on errors or an
// empty result.
func (e endpoint) TestReadConn(t testing.TB) []byte {
	buf := make([]byte, testReadBufSize)
	n, err := e.read(buf)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("no bytes received")
	}
	return buf[:n]
}

// TestWriteConn writes data fully or fails the test.
func (e endpoint) TestWriteConn(t testing.TB, data []byte) {
	n, err := e.write(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("short write: %d of %d bytes", n, len(data))
	}
}

// TestRequest writes data and returns whatever comes back.
func (e endpoint) TestRequest(t testing.TB, data []byte) []byte {
	e.TestWriteConn(t, data)
	return e.TestReadConn(t)
}

// UDPConn fakes a packet socket: reads come from Reader stamped with
// RAddr as their source, writes go to the Writers entry matching the
// destination address.
type UDPConn struct {
	net.UDPConn
	LAddr net.UDPAddr
	RAddr net.UDPAddr

	Reader  io.Reader
	Writers map[string]io.Writer

	mu sync.Mutex
}

func (c *UDPConn) LocalAddr() net.Addr  { return &c.LAddr }
func (c *UDPConn) RemoteAddr() net.Addr { return &c.RAddr }

func (c *UDPConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	src := &net.UDPAddr{IP: c.RAddr.IP, Port: c.RAddr.Port}
	n, err := c.Reader.Read(p)
	c.mu.Unlock()
	return n, src, err
}

func (c *UDPConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	w, ok := c.Writers[addr.String()]
	if !ok {
		return 0, fmt.Errorf("no writer registered for %s", addr)
	}
	return w.Write(p)
}

func (c *UDPConn) endpoint() endpoint {
	return endpoint{
		read: func(p []byte) (int, error) {
			n, _, err := c.ReadFrom(p)
			return n, err
		},
		write: func(p []byte) (int, error) {
			c.mu.Lock()
			dst := &net.UDPAddr{IP: c.RAddr.IP, Port: c.RAddr.Port}
			c.mu.Unlock()
			return c.WriteTo(p, dst)
		},
	}
}

func (c *UDPConn) TestReadConn(t testing.TB) []byte           { return c.endpoint().TestReadConn(t) }
func (c *UDPConn) TestWriteConn(t testing.TB, data []byte)    { c.endpoint().TestWriteConn(t, data) }
func (c *UDPConn) TestRequest(t testing.TB, data []byte) []byte {
	return c.endpoint().TestRequest(t, data)
}

// TCPConn fakes one accepted stream connection over a Reader/Writer pair.
type TCPConn struct {
	net.Conn
	LAddr net.TCPAddr
	RAddr net.TCPAddr

	Reader io.Reader
	Writer io.Writer

	mu sync.Mutex
}

func (c *TCPConn) LocalAddr() net.Addr  { return &c.LAddr }
func (c *TCPConn) RemoteAddr() net.Addr { return &c.RAddr }

func (c *TCPConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Reader.Read(p)
}

func (c *TCPConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Writer.Write(p)
}

func (c *TCPConn) Close() error { return nil }

func (c *TCPConn) endpoint() endpoint {
	return endpoint{read: c.Read, write: c.Write}
}

func (c *TCPConn) TestReadConn(t testing.TB) []byte           { return c.endpoint().TestReadConn(t) }
func (c *TCPConn) TestWriteConn(t testing.TB, data []byte)    { c.endpoint().TestWriteConn(t, data) }
func (c *TCPConn) TestRequest(t testing.TB, data []byte) []byte {
	return c.endpoint().TestRequest(t, data)
}

// TCPListener feeds pre-built fake connections to an Accept loop.
type TCPListener struct {
	LAddr net.TCPAddr
	Conns chan *TCPConn
}

func (l *TCPListener) Accept() (net.Conn, error) {
	return <-l.Conns, nil
}

func (l *TCPListener) Close() error {
	return nil
}

func (l *TCPListener) Addr() net.Addr {
	return &l.LAddr
}
