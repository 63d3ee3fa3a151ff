// Package transaction implements the transaction registry (RFC 3261 §17):
// it matches every inbound message onto a live client or server
// transaction, spins up server transactions for new requests, and builds
// client transactions for outbound ones. The state machines themselves are
// sip.ClientTx and sip.ServerTx; this package owns the keying and wiring
// around them.
package transaction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randijunior/sipcore/sip"
	"github.com/randijunior/sipcore/sipmetrics"
	"github.com/randijunior/sipcore/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestHandler receives every request that created a new server
// transaction (the TU entry point).
type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)

// UnhandledResponseHandler sees responses no client transaction claimed.
type UnhandledResponseHandler func(res *sip.Response)

func logDroppedRequest(r *sip.Request, tx sip.ServerTransaction) {
	log.Info().Str("caller", "transaction.Layer").Str("msg", r.Short()).Msg("Unhandled sip request. OnRequest handler not added")
}

func logDroppedResponse(r *sip.Response) {
	log.Info().Str("caller", "transaction.Layer").Str("msg", r.Short()).Msg("Unhandled sip response. UnhandledResponseHandler handler not added")
}

// Layer is the transaction registry of one endpoint.
type Layer struct {
	tpl *transport.Layer

	reqHandler    RequestHandler
	unRespHandler UnhandledResponseHandler

	clientTransactions *store
	serverTransactions *store

	log zerolog.Logger
}

// NewLayer hooks a transaction registry onto tpl's inbound funnel.
func NewLayer(tpl *transport.Layer) *Layer {
	txl := &Layer{
		tpl:                tpl,
		clientTransactions: newStore(),
		serverTransactions: newStore(),
		reqHandler:         logDroppedRequest,
		unRespHandler:      logDroppedResponse,
		log:                log.Logger.With().Str("caller", "transaction.Layer").Logger(),
	}
	tpl.OnMessage(txl.handleMessage)
	return txl
}

// OnRequest installs the TU callback for new server transactions.
func (txl *Layer) OnRequest(h RequestHandler) {
	txl.reqHandler = h
}

// UnhandledResponseHandler installs the fallback for responses without a
// matching client transaction (RFC 3261 §17.1.1.2 passes those to the TU).
func (txl *Layer) UnhandledResponseHandler(f UnhandledResponseHandler) {
	txl.unRespHandler = f
}

// handleMessage is the transport layer's callback: every parsed inbound
// message funnels through here.
func (txl *Layer) handleMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		sipmetrics.RequestReceived(string(m.Method))
		txl.handleRequest(m)
	case *sip.Response:
		sipmetrics.ResponseReceived(int(m.StatusCode))
		txl.handleResponse(m)
	default:
		txl.log.Error().Msg("unsupported message, skip it")
	}
}

// handleRequest matches req onto its server transaction, creating one
// (and notifying the TU) when the key is new. A CANCEL or retransmission
// for a transaction already gone is dropped here.
func (txl *Layer) handleRequest(req *sip.Request) {
	key, err := sip.ServerTxKeyMake(req)
	if err != nil {
		txl.log.Error().Err(err).Msg("Server tx make key failed")
		return
	}

	if tx, ok := txl.serverTx(key); ok {
		if err := tx.Receive(req); err != nil {
			txl.log.Error().Err(err).Msg("Server tx failed to receive req")
		}
		return
	}

	if req.IsCancel() {
		// The INVITE transaction this CANCEL names already terminated.
		return
	}

	// The reader that delivered req registered its connection; answer on
	// the same one.
	conn, err := txl.tpl.GetConnection(req.Transport(), req.Source())
	if err != nil {
		txl.log.Error().Err(err).Msg("Server tx get connection failed")
		return
	}

	tx := sip.NewServerTx(key, req, connAdapter{conn}, slog.Default())
	if err := tx.Init(); err != nil {
		txl.log.Error().Err(err).Msg("Server tx init failed")
		return
	}

	txl.serverTransactions.put(key, tx)
	recordDone := sipmetrics.TransactionStarted(sipmetrics.SideServer, string(req.Method))
	tx.OnTerminate(txl.dropServerTx)
	tx.OnTerminate(func(key string, err error) { recordDone(err) })

	txl.reqHandler(req, tx)
}

// handleResponse routes res into its client transaction, or hands it to
// the unmatched-response fallback.
func (txl *Layer) handleResponse(res *sip.Response) {
	key, err := sip.ClientTxKeyMake(res)
	if err != nil {
		txl.log.Error().Err(err).Msg("Client tx make key failed")
		return
	}

	tx, ok := txl.clientTx(key)
	if !ok {
		txl.unRespHandler(res)
		return
	}
	tx.Receive(res)
}

// Request opens a client transaction for req and sends it. The caller
// owns the returned transaction: read its responses, terminate it when
// done.
func (txl *Layer) Request(ctx context.Context, req *sip.Request) (*sip.ClientTx, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK request must be sent directly through transport")
	}

	key, err := sip.ClientTxKeyMake(req)
	if err != nil {
		return nil, err
	}
	if _, exists := txl.clientTransactions.get(key); exists {
		return nil, fmt.Errorf("transaction %q already exists", key)
	}

	conn, err := txl.tpl.ClientRequestConnection(req)
	if err != nil {
		return nil, err
	}

	tx := sip.NewClientTx(key, req, connAdapter{conn}, slog.Default())

	recordDone := sipmetrics.TransactionStarted(sipmetrics.SideClient, string(req.Method))
	tx.OnTerminate(txl.dropClientTx)
	tx.OnTerminate(func(key string, err error) { recordDone(err) })
	txl.clientTransactions.put(key, tx)

	if err := tx.Init(); err != nil {
		txl.dropClientTx(key, err)
		return nil, err
	}
	return tx, nil
}

// Respond routes res into the server transaction answering its request.
func (txl *Layer) Respond(res *sip.Response) (*sip.ServerTx, error) {
	key, err := sip.ServerTxKeyMake(res)
	if err != nil {
		return nil, err
	}

	tx, ok := txl.serverTx(key)
	if !ok {
		return nil, fmt.Errorf("transaction does not exists")
	}
	if err := tx.Respond(res); err != nil {
		return nil, err
	}
	return tx, nil
}

func (txl *Layer) dropClientTx(key string, err error) {
	if !txl.clientTransactions.drop(key) {
		txl.log.Info().Str("key", key).Msg("Non existing client tx was removed")
	}
}

func (txl *Layer) dropServerTx(key string, err error) {
	if !txl.serverTransactions.drop(key) {
		txl.log.Info().Str("key", key).Msg("Non existing server tx was removed")
	}
}

func (txl *Layer) clientTx(key string) (*sip.ClientTx, bool) {
	tx, ok := txl.clientTransactions.get(key)
	if !ok {
		return nil, false
	}
	return tx.(*sip.ClientTx), true
}

func (txl *Layer) serverTx(key string) (*sip.ServerTx, bool) {
	tx, ok := txl.serverTransactions.get(key)
	if !ok {
		return nil, false
	}
	return tx.(*sip.ServerTx), true
}

// Close terminates every live transaction on both sides.
func (txl *Layer) Close() {
	txl.clientTransactions.terminateAll()
	txl.serverTransactions.terminateAll()
	txl.log.Debug().Msg("transaction layer closed")
}
