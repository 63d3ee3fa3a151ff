package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/randijunior/sipcore/sip"

	"github.com/rs/zerolog/log"
)

// Connection is one transport-level connection able to carry SIP
// messages. Reference counting keeps shared connections alive while any
// transaction still uses them; TryClose only closes at refcount zero.
type Connection interface {
	// WriteMsg serializes msg onto the socket.
	WriteMsg(msg sip.Message) error
	// Ref moves the reference count by i.
	Ref(i int)
	// TryClose drops one reference, closing the connection when none
	// remain, and returns the remaining count.
	TryClose() (int, error)
	// Close closes unconditionally, zeroing the count.
	Close() error
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// serializeTo renders msg through the shared buffer pool and writes it
// with write, demanding a complete write.
func serializeTo(write func([]byte) (int, error), msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	n, err := write(data)
	switch {
	case err != nil:
		return err
	case n == 0:
		return fmt.Errorf("wrote 0 bytes")
	case n != len(data):
		return fmt.Errorf("fail to write full message")
	}
	return nil
}

// refCounter is the refcount half of a Connection, shared by every
// transport's concrete type. label/addr feed the debug logs.
type refCounter struct {
	mu    sync.Mutex
	count int
}

func (r *refCounter) ref(i int) int {
	r.mu.Lock()
	r.count += i
	out := r.count
	r.mu.Unlock()
	return out
}

func (r *refCounter) zero() {
	r.mu.Lock()
	r.count = 0
	r.mu.Unlock()
}

// unref drops one reference and reports whether the owner should close.
func (r *refCounter) unref(label, addr string) (remaining int, closeNow bool) {
	r.mu.Lock()
	r.count--
	remaining = r.count
	r.mu.Unlock()

	switch {
	case remaining > 0:
		return remaining, false
	case remaining < 0:
		log.Warn().Str("transport", label).Str("addr", addr).Int("ref", remaining).Msg("connection ref went negative")
		return 0, false
	}
	log.Debug().Str("transport", label).Str("addr", addr).Msg("connection closing")
	return 0, true
}

// conn wraps a plain net.Conn as a Connection; the stream transports use
// richer types, this one serves tests and simple client sockets.
type conn struct {
	net.Conn
	transport string

	refs refCounter
}

func (c *conn) Ref(i int) {
	c.refs.ref(i)
}

func (c *conn) Close() error {
	c.refs.zero()
	return c.Conn.Close()
}

func (c *conn) TryClose() (int, error) {
	remaining, closeNow := c.refs.unref(c.transport, c.RemoteAddr().String())
	if !closeNow {
		return remaining, nil
	}
	return 0, c.Conn.Close()
}

func (c *conn) WriteMsg(msg sip.Message) error {
	if err := serializeTo(c.Write, msg); err != nil {
		return fmt.Errorf("conn %s write err=%w", c.RemoteAddr(), err)
	}
	return nil
}
