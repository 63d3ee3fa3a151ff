package sip

import "time"

// step runs one transition of the UAC state table (RFC 3261 §17.1) and
// returns the follow-up event its action produced, or evNone if the
// transition settles. baseTx.spinFsmUnsafe loops this until it settles.
//
// isInvite distinguishes the two tables sharing this struct: the INVITE
// table keeps an extra Accepted state (RFC 6026 §7.2) between a 2xx and
// Terminated so a proxy can keep retransmitting it; the non-INVITE table
// folds success and failure together into Completed.
func (tx *ClientTx) step(ev txEvent) txEvent {
	if tx.origin.IsInvite() {
		return tx.stepInvite(ev)
	}
	return tx.stepNonInvite(ev)
}

func clientStateName(s txState) string {
	if n, ok := clientStateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (tx *ClientTx) stepInvite(ev txEvent) txEvent {
	switch tx.state {
	case stCalling:
		switch ev {
		case ev1xx:
			tx.state = stProceeding
			return tx.actInviteProceeding()
		case ev2xx:
			tx.state = stAccepted
			return tx.actPassupAccept()
		case ev300Plus:
			tx.state = stCompleted
			return tx.actInviteFinal()
		case evTimerA:
			return tx.actInviteResend()
		case evTimerB:
			tx.state = stTerminated
			return tx.actTimeout()
		case evClientTransportErr:
			tx.state = stTerminated
			return tx.actTransErr()
		}
	case stProceeding:
		switch ev {
		case ev1xx:
			return tx.actPassup()
		case ev2xx:
			tx.state = stAccepted
			return tx.actPassupAccept()
		case ev300Plus:
			tx.state = stCompleted
			return tx.actInviteFinal()
		case evTimerB:
			tx.state = stTerminated
			return tx.actTimeout()
		case evClientTransportErr:
			tx.state = stTerminated
			return tx.actTransErr()
		}
	case stCompleted:
		switch ev {
		case ev300Plus:
			return tx.actAckResend()
		case evClientTransportErr:
			tx.state = stTerminated
			return tx.actTransErr()
		case evTimerD:
			tx.state = stTerminated
			return tx.actDelete()
		}
	case stAccepted:
		// RFC 6026 §7.2: stray 2xx retransmissions and transport hiccups
		// are absorbed here instead of reaching the TU.
		switch ev {
		case ev2xx:
			tx.log.Debug("retransmission 2xx detected", "tx", tx.Key())
			return tx.actPassupRetransmission()
		case evClientTransportErr:
			tx.log.Warn("client transport error detected. Waiting for retransmission", "tx", tx.Key())
			return tx.actTranErrNoDelete()
		case evTimerM:
			tx.state = stTerminated
			return tx.actDelete()
		}
	case stTerminated:
		if ev == evClientDelete {
			return tx.actDelete()
		}
	}
	return evNone
}

func (tx *ClientTx) stepNonInvite(ev txEvent) txEvent {
	switch tx.state {
	case stCalling:
		switch ev {
		case ev1xx:
			tx.state = stProceeding
			return tx.actNIProceeding()
		case ev2xx, ev300Plus:
			tx.state = stCompleted
			return tx.actFinal()
		case evTimerA:
			return tx.actResend()
		case evTimerB:
			tx.state = stTerminated
			return tx.actTimeout()
		case evClientTransportErr:
			tx.state = stTerminated
			return tx.actTransErr()
		}
	case stProceeding:
		switch ev {
		case ev1xx:
			return tx.actPassupKeepTimers()
		case ev2xx, ev300Plus:
			tx.state = stCompleted
			return tx.actFinal()
		case evTimerA:
			// RFC 3261 §17.1.2.2: once a provisional arrived,
			// retransmissions continue at a flat T2 cadence.
			return tx.actResendT2()
		case evTimerB:
			tx.state = stTerminated
			return tx.actTimeout()
		case evClientTransportErr:
			tx.state = stTerminated
			return tx.actTransErr()
		}
	case stCompleted:
		if ev == evClientDelete || ev == evTimerD {
			tx.state = stTerminated
			return tx.actDelete()
		}
	case stTerminated:
		if ev == evClientDelete {
			return tx.actDelete()
		}
	}
	return evNone
}

func (tx *ClientTx) actInviteResend() txEvent {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	tx.timer_a.Reset(tx.timer_a_time)
	tx.mu.Unlock()

	tx.resend()
	return evNone
}

func (tx *ClientTx) actResend() txEvent {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	// For non-INVITE, cap timer A at T2.
	if tx.timer_a_time > T2 {
		tx.timer_a_time = T2
	}
	if tx.timer_a != nil {
		tx.timer_a.Reset(tx.timer_a_time)
	}
	tx.mu.Unlock()

	tx.resend()
	return evNone
}

// actNIProceeding enters non-INVITE Proceeding: the provisional goes to the
// TU but Timer E keeps firing, now at a flat T2 cadence, and Timer F stays
// armed (RFC 3261 §17.1.2.2).
func (tx *ClientTx) actNIProceeding() txEvent {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a_time = T2
		tx.timer_a.Reset(tx.timer_a_time)
	}
	tx.mu.Unlock()
	return evNone
}

func (tx *ClientTx) actPassupKeepTimers() txEvent {
	tx.fsmPassUp()
	return evNone
}

func (tx *ClientTx) actResendT2() txEvent {
	tx.mu.Lock()
	tx.timer_a_time = T2
	if tx.timer_a != nil {
		tx.timer_a.Reset(tx.timer_a_time)
	}
	tx.mu.Unlock()

	tx.resend()
	return evNone
}

func (tx *ClientTx) actInviteProceeding() txEvent {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.mu.Unlock()
	return evNone
}

func (tx *ClientTx) actInviteFinal() txEvent {
	tx.ack()
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
		tx.spinFsm(evTimerD)
	})
	tx.mu.Unlock()
	return evNone
}

func (tx *ClientTx) actFinal() txEvent {
	tx.fsmPassUp()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	if tx.timer_d_time > 0 {
		tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
			tx.spinFsm(evTimerD)
		})
		return evNone
	}
	return evClientDelete
}

func (tx *ClientTx) actAckResend() txEvent {
	if tx.fsmAck != nil {
		// ACK already sent; delay to avoid a retransmission loop.
		tx.log.Error("ACK loop retransmission. Resending after T2", "tx", tx.Key())
		select {
		case <-tx.done:
			return evNone
		case <-time.After(T2):
		}
	}
	tx.ack()
	return evNone
}

func (tx *ClientTx) actTransErr() txEvent {
	tx.stopTimerA()
	return evClientDelete
}

func (tx *ClientTx) actTranErrNoDelete() txEvent {
	tx.actTransErr()
	return evNone
}

func (tx *ClientTx) actTimeout() txEvent {
	tx.stopTimerA()
	return evClientDelete
}

func (tx *ClientTx) actPassup() txEvent {
	tx.fsmPassUp()
	tx.stopTimerA()
	return evNone
}

func (tx *ClientTx) actPassupRetransmission() txEvent {
	tx.passUpRetransmission()
	return evNone
}

func (tx *ClientTx) actPassupAccept() txEvent {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_m = time.AfterFunc(Timer_M, func() {
		tx.spinFsm(evTimerM)
	})
	tx.mu.Unlock()
	return evNone
}

func (tx *ClientTx) actDelete() txEvent {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return evNone
}

func (tx *ClientTx) stopTimerA() {
	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	tx.mu.Unlock()
}

func (tx *ClientTx) fsmPassUp() {
	lastResp := tx.fsmResp
	if lastResp == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.responses <- lastResp:
	}
}

func (tx *ClientTx) passUpRetransmission() {
	lastResp := tx.fsmResp
	if lastResp == nil {
		return
	}

	tx.mu.Lock()
	onResp := tx.onRetransmission
	tx.mu.Unlock()

	if onResp != nil {
		tx.fsmMu.Unlock() // avoid deadlock: hook may call back into the tx
		onResp(lastResp)
		tx.fsmMu.Lock()
		return
	}
	tx.log.Debug("skipped response. Retransmission", "tx", tx.Key())
}
