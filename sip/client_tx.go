package sip

import (
	"fmt"
	"log/slog"
	"time"
)

// ClientTx is the UAC side of a transaction (RFC 3261 §17.1): an INVITE or
// non-INVITE client transaction driven by a small state machine.
type ClientTx struct {
	baseTx
	responses    chan *Response
	timer_a_time time.Duration // current duration of timer A
	timer_a      *time.Timer
	timer_b      *time.Timer
	timer_d_time time.Duration // current duration of timer D
	timer_d      *time.Timer
	timer_m      *time.Timer

	onRetransmission FnTxResponse
}

func NewClientTx(key string, origin *Request, conn Connection, logger *slog.Logger) *ClientTx {
	tx := &ClientTx{}
	tx.key = key
	tx.conn = conn
	tx.responses = make(chan *Response)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	return tx
}

func (tx *ClientTx) Init() error {
	tx.initFSM()

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		e := fmt.Errorf("fail to write request on init req=%q: %w", tx.origin.StartLine(), err)
		return wrapTransportError(e)
	}

	reliable := IsReliable(tx.origin.Transport())
	if reliable {
		tx.mu.Lock()
		tx.timer_d_time = 0
		tx.mu.Unlock()
	} else {
		// Timer A controls request retransmissions on unreliable transports.
		tx.mu.Lock()
		tx.timer_a_time = Timer_A
		tx.timer_a = time.AfterFunc(tx.timer_a_time, func() {
			tx.spinFsm(evTimerA)
		})
		tx.timer_d_time = Timer_D
		tx.mu.Unlock()
	}

	// Timer B bounds how long we wait for a final response.
	tx.mu.Lock()
	tx.timer_b = time.AfterFunc(Timer_B, func() {
		tx.spinFsmWithError(evTimerB, wrapTimeoutError(fmt.Errorf("Timer_B timed out")))
	})
	tx.mu.Unlock()
	tx.log.Debug("Client transaction initialized", "tx", tx.Key())
	return nil
}

func (tx *ClientTx) initFSM() {
	tx.baseTx.initFSM(stCalling, tx.step, clientStateName)
}

func (tx *ClientTx) Responses() <-chan *Response {
	return tx.responses
}

func (tx *ClientTx) OnRetransmission(f FnTxResponse) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.registerOnResponse(f)
	tx.mu.Unlock()
	return true
}

func (tx *ClientTx) registerOnResponse(f FnTxResponse) {
	if tx.onRetransmission != nil {
		prev := tx.onRetransmission
		tx.onRetransmission = func(r *Response) {
			prev(r)
			f(r)
		}
		return
	}
	tx.onRetransmission = f
}

// Cancel sends a CANCEL for this transaction (RFC 3261 §9.1).
func (tx *ClientTx) Cancel() error {
	tx.spinFsm(evCancel)
	return nil
}

func (tx *ClientTx) Terminate() {
	tx.fsmMu.Lock()
	tx.state = stTerminated
	tx.fsmMu.Unlock()
	if tx.delete(ErrTransactionTerminated) {
		tx.fsmMu.Lock()
		tx.fsmErr = ErrTransactionCanceled
		tx.fsmMu.Unlock()
	}
}

// Receive processes a response and drives the state machine. It may block
// delivering to the caller, so run it in its own goroutine.
func (tx *ClientTx) Receive(res *Response) {
	var input txEvent
	switch {
	case res.IsProvisional():
		input = ev1xx
	case res.IsSuccess():
		input = ev2xx
	default:
		input = ev300Plus
	}
	tx.spinFsmWithResponse(input, res)
}

func (tx *ClientTx) Connection() Connection {
	return tx.conn
}

func (tx *ClientTx) ack() {
	resp := tx.fsmResp
	if resp == nil {
		panic("Response in ack should not be nil")
	}

	ack := newAckRequestNon2xx(tx.origin, resp, nil)
	tx.fsmAck = ack

	// Per RFC 3261 §17.1.1.2 the ACK for a non-2xx must go to the same
	// destination as the original request; destination may be an
	// unresolved FQDN so reuse the resolved address directly.
	ack.raddr = tx.origin.raddr

	if err := tx.conn.WriteMsg(ack); err != nil {
		tx.log.Error("send ACK request failed", "tx", tx.Key(),
			"invite_request", tx.origin.Short(),
			"invite_response", resp.Short(),
			"ack_request", ack.Short(),
		)
		err := wrapTransportError(err)
		go tx.spinFsmWithError(evClientTransportErr, err)
	}
}

func (tx *ClientTx) resend() {
	select {
	case <-tx.done:
		return
	default:
	}

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.log.Debug("Fail to resend request", "error", err, "req", tx.origin.StartLine())
		err := wrapTransportError(err)
		go tx.spinFsmWithError(evClientTransportErr, err)
	}
}

func (tx *ClientTx) delete(err error) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.closed = true

	close(tx.done)
	onterm := tx.onTerminate

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	if tx.timer_d != nil {
		tx.timer_d.Stop()
		tx.timer_d = nil
	}
	tx.mu.Unlock()

	if onterm != nil {
		onterm(tx.key, err)
	}

	if _, err := tx.conn.TryClose(); err != nil {
		tx.log.Info("Closing connection returned error", "error", err, "tx", tx.Key())
	}
	tx.log.Debug("Client transaction destroyed", "tx", tx.Key())
	return true
}
