package siptest

import (
	"sync"

	"github.com/randijunior/sipcore/sip"
)

// connRecorder satisfies sip.Connection while keeping every written
// message in memory. Timer goroutines write concurrently with test reads,
// so access is locked.
type connRecorder struct {
	mu   sync.Mutex
	msgs []sip.Message
	refs int
}

func newConnRecorder() *connRecorder {
	return &connRecorder{}
}

func (c *connRecorder) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

// snapshot copies the recorded messages in write order.
func (c *connRecorder) snapshot() []sip.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sip.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *connRecorder) Ref(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs += i
	return c.refs
}

func (c *connRecorder) TryClose() (int, error) {
	return c.Ref(-1), nil
}

func (c *connRecorder) Close() error { return nil }
