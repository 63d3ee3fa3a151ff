package siptest

import (
	"context"
	"log/slog"

	"github.com/randijunior/sipcore/sip"
)

// ClientTxRequester answers every request with OnRequest's response,
// standing in for the transaction layer behind Client.TxRequester.
type ClientTxRequester struct {
	OnRequest func(req *sip.Request) *sip.Response
}

func (r *ClientTxRequester) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	tx, err := newRecordedClientTx(req)
	if err != nil {
		return nil, err
	}

	res := r.OnRequest(req)
	go tx.Receive(res)
	return tx, nil
}

// ClientTxResponder lets a test push any number of responses into the
// transaction it was handed.
type ClientTxResponder struct {
	tx *sip.ClientTx
}

func (w *ClientTxResponder) Receive(res *sip.Response) {
	w.tx.Receive(res)
}

// ClientTxRequesterResponder hands each request plus its responder to
// OnRequest, for tests that answer with several responses or none.
type ClientTxRequesterResponder struct {
	OnRequest func(req *sip.Request, w *ClientTxResponder)
}

func (r *ClientTxRequesterResponder) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	tx, err := newRecordedClientTx(req)
	if err != nil {
		return nil, err
	}

	go r.OnRequest(req, &ClientTxResponder{tx: tx})
	return tx, nil
}

func newRecordedClientTx(req *sip.Request) (*sip.ClientTx, error) {
	// ACKs carry no branch of their own; an empty key is fine for a
	// transaction nobody looks up.
	key, _ := sip.ClientTxKeyMake(req)
	tx := sip.NewClientTx(key, req, newConnRecorder(), slog.Default())
	if err := tx.Init(); err != nil {
		return nil, err
	}
	return tx, nil
}
