package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerTx is the UAS/proxy side of a transaction (RFC 3261 §17.2): an
// INVITE or non-INVITE server transaction driven by a small state machine.
type ServerTx struct {
	baseTx
	acks         chan *Request
	onCancel     func(r *Request)
	timer_g      *time.Timer
	timer_g_time time.Duration
	timer_h      *time.Timer
	timer_i      *time.Timer
	timer_i_time time.Duration
	timer_j      *time.Timer
	timer_j_time time.Duration
	timer_1xx    *time.Timer
	timer_l      *time.Timer
	reliable     bool

	closeOnce sync.Once
}

func NewServerTx(key string, origin *Request, conn Connection, logger *slog.Logger) *ServerTx {
	tx := new(ServerTx)
	tx.key = key
	tx.conn = conn
	tx.acks = make(chan *Request)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = IsReliable(origin.Transport())
	return tx
}

func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()
	if !tx.reliable {
		tx.timer_g_time = Timer_G
		tx.timer_i_time = Timer_I
		tx.timer_j_time = Timer_J
	}
	tx.mu.Unlock()

	// RFC 3261 §17.2.1: an INVITE server transaction sends a provisional
	// "100 Trying" if the TU hasn't responded within Timer_1xx.
	if tx.Origin().IsInvite() {
		tx.mu.Lock()
		tx.timer_1xx = time.AfterFunc(Timer_1xx, func() {
			trying := NewResponseFromRequest(tx.Origin(), 100, "Trying", nil)
			if err := tx.Respond(trying); err != nil {
				tx.log.Error("send '100 Trying' response failed", "error", err, "tx", tx.Key())
			}
		})
		tx.mu.Unlock()
	}
	tx.log.Debug("Server transaction initialized", "tx", tx.Key())
	return nil
}

// Receive processes a retransmitted request, ACK, or CANCEL and drives the
// state machine. It may block, so run it in its own goroutine.
func (tx *ServerTx) Receive(req *Request) error {
	tx.mu.Lock()
	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	tx.mu.Unlock()

	var input txEvent
	switch {
	case req.Method == tx.origin.Method:
		input = evRequest
	case req.IsAck():
		input = evAck
	case req.IsCancel():
		input = evCancelRequest
	default:
		return fmt.Errorf("unexpected message error")
	}

	tx.spinFsmWithRequest(input, req)
	return nil
}

func (tx *ServerTx) Respond(res *Response) error {
	if res.IsCancel() {
		return tx.conn.WriteMsg(res)
	}

	tx.mu.Lock()
	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	tx.mu.Unlock()

	var input txEvent
	switch {
	case res.IsProvisional():
		input = ev1xxFromTU
	case res.IsSuccess():
		input = ev2xxFromTU
	default:
		input = ev300PlusFromTU
	}
	tx.spinFsmWithResponse(input, res)
	return tx.Err()
}

// Acks exposes the channel ACKs for non-2xx and 2xx-on-Accepted responses
// arrive on.
func (tx *ServerTx) Acks() <-chan *Request {
	return tx.acks
}

func (tx *ServerTx) Context() context.Context {
	return tx
}

func (tx *ServerTx) Deadline() (deadline time.Time, ok bool) {
	return time.Time{}, false
}

func (tx *ServerTx) Value(v any) any {
	return nil
}

func (tx *ServerTx) ackSend(r *Request) {
	select {
	case <-tx.done:
		tx.log.Warn("ACK missed", "tx", tx.Key(), "callid", r.CallID().Value())
	case tx.acks <- r:
	}
}

func (tx *ServerTx) ackSendAsync(r *Request) {
	select {
	case tx.acks <- r:
		return
	default:
	}
	// Spawning a goroutine here is cheap and avoids blocking the FSM.
	go tx.ackSend(r)
}

func (tx *ServerTx) OnCancel(f FnTxCancel) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return false
	}
	tx.onCancel = f
	return true
}

func (tx *ServerTx) Terminate() {
	tx.log.Debug("Server transaction terminating", "tx", tx.Key())
	// Move the table to its terminal state first so a late request or
	// timer finds an absorbing state, not the one Terminate interrupted.
	tx.fsmMu.Lock()
	if tx.Origin().IsInvite() {
		tx.state = stInviteTerminated
	} else {
		tx.state = stNITerminated
	}
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.fsmMu.Unlock()
	tx.delete(ErrTransactionTerminated)
}

// TerminateGracefully lets a final retransmission window elapse instead of
// tearing the transaction down immediately.
func (tx *ServerTx) TerminateGracefully() {
	if tx.reliable {
		tx.Terminate()
		return
	}

	tx.fsmMu.Lock()
	finalized := tx.fsmResp != nil && !tx.fsmResp.IsProvisional()
	tx.fsmMu.Unlock()
	if !finalized {
		tx.Terminate()
		return
	}
	tx.log.Debug("Server transaction waiting termination", "tx", tx.Key())
	<-tx.Done()
}

func (tx *ServerTx) initFSM() {
	if tx.Origin().IsInvite() {
		tx.baseTx.initFSM(stInviteProceeding, tx.step, serverStateName)
	} else {
		tx.baseTx.initFSM(stNITrying, tx.step, serverStateName)
	}
}

func (tx *ServerTx) delete(err error) {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		tx.closed = true
		close(tx.done)
		onterm := tx.onTerminate
		tx.mu.Unlock()
		if onterm != nil {
			onterm(tx.key, err)
		}
	})

	tx.mu.Lock()
	if tx.timer_i != nil {
		tx.timer_i.Stop()
		tx.timer_i = nil
	}
	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}
	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}
	if tx.timer_j != nil {
		tx.timer_j.Stop()
		tx.timer_j = nil
	}
	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	tx.mu.Unlock()
	tx.log.Debug("Server transaction destroyed", "tx", tx.Key())
}
