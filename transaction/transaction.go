package transaction

import (
	"sync"

	"github.com/randijunior/sipcore/sip"
)

// store is the keyed registry half of the layer: short critical sections
// around a map, written by the dispatcher and by terminating transactions.
type store struct {
	mu    sync.RWMutex
	items map[string]sip.Transaction
}

func newStore() *store {
	return &store{items: make(map[string]sip.Transaction)}
}

func (s *store) put(key string, tx sip.Transaction) {
	s.mu.Lock()
	s.items[key] = tx
	s.mu.Unlock()
}

func (s *store) get(key string) (sip.Transaction, bool) {
	s.mu.RLock()
	tx, ok := s.items[key]
	s.mu.RUnlock()
	return tx, ok
}

func (s *store) drop(key string) bool {
	s.mu.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	return ok
}

// snapshot copies the live set so terminate callbacks can mutate the map
// without holding the lock.
func (s *store) snapshot() []sip.Transaction {
	s.mu.RLock()
	out := make([]sip.Transaction, 0, len(s.items))
	for _, tx := range s.items {
		out = append(out, tx)
	}
	s.mu.RUnlock()
	return out
}

func (s *store) terminateAll() {
	for _, tx := range s.snapshot() {
		tx.Terminate()
	}
}
