package transaction

import (
	"github.com/randijunior/sipcore/transport"
)

// connAdapter bridges a transport.Connection to the sip.Connection shape
// the sip package's ServerTx/ClientTx are built against. The two interfaces
// agree on WriteMsg/TryClose/Close; only Ref's signature differs (transport
// ref-counts in place, sip expects the resulting count back), so only Ref
// needs overriding. transport's Ref reports no count, so the override
// returns i itself, not the resulting count.
type connAdapter struct {
	transport.Connection
}

func (c connAdapter) Ref(i int) int {
	c.Connection.Ref(i)
	return i
}
