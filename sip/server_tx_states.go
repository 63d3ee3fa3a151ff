package sip

import "time"

// step runs one transition of the UAS state table (RFC 3261 §17.2) and
// returns the follow-up event its action produced, or evNone once settled.
func (tx *ServerTx) step(ev txEvent) txEvent {
	if tx.Origin().IsInvite() {
		return tx.stepInvite(ev)
	}
	return tx.stepNonInvite(ev)
}

func serverStateName(s txState) string {
	if n, ok := serverStateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (tx *ServerTx) stepInvite(ev txEvent) txEvent {
	switch tx.state {
	case stInviteProceeding:
		switch ev {
		case evRequest, ev1xxFromTU:
			return tx.actRespond()
		case evCancelRequest:
			return tx.actCancel()
		case ev2xxFromTU:
			// RFC 6026 §7.1.
			tx.state = stInviteAccepted
			return tx.actRespondAccept()
		case ev300PlusFromTU:
			tx.state = stInviteCompleted
			return tx.actRespondComplete()
		case evTransportErr:
			tx.state = stInviteTerminated
			return tx.actTransErr()
		}
	case stInviteCompleted:
		switch ev {
		case evRequest:
			return tx.actRespond()
		case evAck:
			tx.state = stInviteConfirmed
			return tx.actConfirm()
		case evTimerG:
			return tx.actRespondComplete()
		case evTimerH:
			tx.state = stInviteTerminated
			return tx.actDelete()
		case evTransportErr:
			tx.state = stInviteTerminated
			return tx.actTransErr()
		}
	case stInviteConfirmed:
		if ev == evTimerI {
			tx.state = stInviteTerminated
			return tx.actDelete()
		}
	case stInviteAccepted:
		switch ev {
		case evAck:
			return tx.actPassupAck()
		case ev2xxFromTU:
			// Retransmissions of the 2xx the TU hands back while Accepted
			// must still reach the transport.
			return tx.actRespond()
		case evTimerL:
			tx.state = stInviteTerminated
			return tx.actDelete()
		}
	case stInviteTerminated:
		if ev == evDelete {
			return tx.actDelete()
		}
	}
	return evNone
}

func (tx *ServerTx) stepNonInvite(ev txEvent) txEvent {
	switch tx.state {
	case stNITrying:
		switch ev {
		case ev1xxFromTU:
			tx.state = stNIProceeding
			return tx.actRespond()
		case ev2xxFromTU, ev300PlusFromTU:
			tx.state = stNICompleted
			return tx.actFinal()
		case evTransportErr:
			tx.state = stNITerminated
			return tx.actTransErr()
		}
	case stNIProceeding:
		switch ev {
		case evRequest, ev1xxFromTU:
			return tx.actRespond()
		case ev2xxFromTU, ev300PlusFromTU:
			tx.state = stNICompleted
			return tx.actFinal()
		case evTransportErr:
			tx.state = stNITerminated
			return tx.actTransErr()
		}
	case stNICompleted:
		switch ev {
		case evRequest:
			return tx.actRespond()
		case evTimerJ:
			tx.state = stNITerminated
			return tx.actDelete()
		case evTransportErr:
			tx.state = stNITerminated
			return tx.actTransErr()
		}
	case stNITerminated:
		if ev == evDelete {
			return tx.actDelete()
		}
	}
	return evNone
}

func (tx *ServerTx) actRespond() txEvent {
	if err := tx.passResp(); err != nil {
		return evTransportErr
	}
	return evNone
}

func (tx *ServerTx) actRespondComplete() txEvent {
	if err := tx.passResp(); err != nil {
		return evTransportErr
	}

	if !tx.reliable {
		tx.mu.Lock()
		if tx.timer_g == nil {
			tx.timer_g = time.AfterFunc(tx.timer_g_time, func() {
				tx.spinFsm(evTimerG)
			})
		} else {
			tx.timer_g_time *= 2
			if tx.timer_g_time > T2 {
				tx.timer_g_time = T2
			}
			tx.timer_g.Reset(tx.timer_g_time)
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	if tx.timer_h == nil {
		tx.timer_h = time.AfterFunc(Timer_H, func() {
			tx.spinFsm(evTimerH)
		})
	}
	tx.mu.Unlock()
	return evNone
}

func (tx *ServerTx) actRespondAccept() txEvent {
	if err := tx.passResp(); err != nil {
		return evTransportErr
	}

	tx.mu.Lock()
	tx.timer_l = time.AfterFunc(Timer_L, func() {
		tx.spinFsm(evTimerL)
	})
	tx.mu.Unlock()
	return evNone
}

func (tx *ServerTx) actPassupAck() txEvent {
	tx.passAck()
	return evNone
}

func (tx *ServerTx) actFinal() txEvent {
	if err := tx.passResp(); err != nil {
		return evTransportErr
	}

	// RFC 3261 §17.2.2: entering Completed sets Timer J to 64*T1 on
	// unreliable transports, zero on reliable ones.
	tx.mu.Lock()
	tx.timer_j = time.AfterFunc(tx.timer_j_time, func() {
		tx.spinFsm(evTimerJ)
	})
	tx.mu.Unlock()
	return evNone
}

func (tx *ServerTx) actTransErr() txEvent {
	tx.log.Debug("Transport error. Transaction will terminate", "fsmError", tx.fsmErr, "tx", tx.Key())
	return evDelete
}

func (tx *ServerTx) actTimeout() txEvent {
	tx.log.Debug("Timed out. Transaction will terminate", "fsmError", tx.fsmErr, "tx", tx.Key())
	return evDelete
}

func (tx *ServerTx) actDelete() txEvent {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return evNone
}

func (tx *ServerTx) actConfirm() txEvent {
	tx.mu.Lock()
	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}
	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}
	// Zero on reliable transports, firing immediately.
	tx.timer_i = time.AfterFunc(tx.timer_i_time, func() {
		tx.spinFsm(evTimerI)
	})
	tx.mu.Unlock()

	tx.passAck()
	return evNone
}

func (tx *ServerTx) actCancel() txEvent {
	r := tx.fsmCancel
	if r == nil {
		return evNone
	}

	tx.log.Debug("Passing 487 on CANCEL", "tx", tx.Key())
	tx.fsmResp = NewResponseFromRequest(tx.origin, StatusRequestTerminated, "Request Terminated", nil)
	tx.fsmErr = ErrTransactionCanceled

	tx.mu.Lock()
	onCancel := tx.onCancel
	tx.mu.Unlock()
	if onCancel != nil {
		onCancel(r)
	}
	return ev300PlusFromTU
}

func (tx *ServerTx) passAck() {
	r := tx.fsmAck
	if r == nil {
		return
	}
	tx.ackSendAsync(r)
}

func (tx *ServerTx) passResp() error {
	lastResp := tx.fsmResp
	if lastResp == nil {
		// A retransmitted request may arrive before the TU has placed a
		// response on the transaction.
		return nil
	}

	err := tx.conn.WriteMsg(lastResp)
	if err != nil {
		tx.log.Debug("fail to pass response", "error", err, "res", lastResp.StartLine(), "tx", tx.Key())
		tx.fsmErr = wrapTransportError(err)
		return err
	}
	return nil
}
