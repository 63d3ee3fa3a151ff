package transport

import (
	"sync"
)

// keyedPool is a generic address-keyed registry guarded by a single
// RWMutex; ConnectionPool instantiates it for Connections.
type keyedPool[C any] struct {
	mu sync.RWMutex
	m  map[string]C
}

func newKeyedPool[C any]() keyedPool[C] {
	return keyedPool[C]{m: make(map[string]C)}
}

func (p *keyedPool[C]) Add(addr string, c C) {
	p.mu.Lock()
	p.m[addr] = c
	p.mu.Unlock()
}

func (p *keyedPool[C]) Get(addr string) (c C) {
	p.mu.RLock()
	c = p.m[addr]
	p.mu.RUnlock()
	return c
}

func (p *keyedPool[C]) Del(addr string) {
	p.mu.Lock()
	delete(p.m, addr)
	p.mu.Unlock()
}

func (p *keyedPool[C]) drain() []C {
	p.mu.Lock()
	out := make([]C, 0, len(p.m))
	for k, c := range p.m {
		out = append(out, c)
		delete(p.m, k)
	}
	p.mu.Unlock()
	return out
}

// ConnectionPool tracks live Connections by remote address for reuse
// across requests bound for the same peer.
type ConnectionPool struct {
	keyedPool[Connection]
}

func NewConnectionPool() ConnectionPool {
	return ConnectionPool{newKeyedPool[Connection]()}
}

// CloseAndDelete force-closes c and removes it from the pool, regardless of
// its remaining references. Used when a read loop exits.
func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) {
	p.Del(addr)
	c.Close()
}

// Clear closes every pooled connection and empties the pool.
func (p *ConnectionPool) Clear() {
	for _, c := range p.drain() {
		c.Close()
	}
}
