package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionPoolRoundTrip(t *testing.T) {
	pool := NewConnectionPool()
	c := &conn{Conn: &net.TCPConn{}}

	addr := (&net.TCPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 5060}).String()
	pool.Add(addr, c)

	// Lookup goes through the same serialized address form.
	got := pool.Get((&net.TCPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 5060}).String())
	require.NotNil(t, got)
	assert.Same(t, c, got.(*conn))

	pool.Del(addr)
	assert.Nil(t, pool.Get(addr))
}

func TestConnectionPoolMiss(t *testing.T) {
	pool := NewConnectionPool()
	assert.Nil(t, pool.Get("192.0.2.9:5060"))
}
