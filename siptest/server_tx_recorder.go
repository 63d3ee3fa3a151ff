package siptest

import (
	"log/slog"

	"github.com/randijunior/sipcore/sip"
)

// ServerTxRecorder runs a real server transaction over a recording
// connection, so handler tests can assert on what went to the wire without
// a socket.
type ServerTxRecorder struct {
	*sip.ServerTx
	conn *connRecorder
}

var _ sip.ServerTransaction = &ServerTxRecorder{}

// NewServerTxRecorder builds and initializes the recording transaction
// for req.
func NewServerTxRecorder(req *sip.Request) *ServerTxRecorder {
	key, err := sip.ServerTxKeyMake(req)
	if err != nil {
		panic(err)
	}

	conn := newConnRecorder()
	tx := sip.NewServerTx(key, req, conn, slog.Default())
	if err := tx.Init(); err != nil {
		panic(err)
	}
	return &ServerTxRecorder{tx, conn}
}

// Result returns every response the transaction wrote, in send order; nil
// when nothing was sent.
func (r *ServerTxRecorder) Result() []*sip.Response {
	msgs := r.conn.snapshot()
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*sip.Response, len(msgs))
	for i, m := range msgs {
		out[i] = m.(*sip.Response).Clone()
	}
	return out
}
