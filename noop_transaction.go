package sipcore

import "github.com/randijunior/sipcore/sip"

// NoOpTransaction is a placeholder sip.Transaction used to reconstruct a
// DialogServerSession/DialogClientSession for a dialog whose initial
// transaction has already completed (e.g. loaded back from storage).
type NoOpTransaction struct {
	respCh <-chan *sip.Response
	doneCh <-chan struct{}
}

func (t *NoOpTransaction) Terminate() {}

func (t *NoOpTransaction) OnTerminate(f sip.FnTxTerminate) bool {
	return false
}

func (t *NoOpTransaction) Done() <-chan struct{} {
	if t.doneCh != nil {
		return t.doneCh
	}
	doneCh := make(chan struct{})
	close(doneCh)
	return doneCh
}

func (t *NoOpTransaction) Err() error {
	return nil
}

// Responses implements sip.ClientTransaction interface.
func (t *NoOpTransaction) Responses() <-chan *sip.Response {
	if t.respCh != nil {
		return t.respCh
	}
	respCh := make(chan *sip.Response)
	close(respCh)
	return respCh
}

// setResponses sets the response channel for this transaction
func (t *NoOpTransaction) setResponses(ch <-chan *sip.Response) {
	t.respCh = ch
}

// setDone sets the done channel for this transaction
func (t *NoOpTransaction) setDone(ch <-chan struct{}) {
	t.doneCh = ch
}

type NoOpServerTransaction struct {
	NoOpTransaction
}

func (t *NoOpServerTransaction) Respond(_ *sip.Response) error {
	return nil
}

func (t *NoOpServerTransaction) Acks() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

func (t *NoOpServerTransaction) OnCancel(f sip.FnTxCancel) bool {
	return false
}

// NoOpClientTransaction is the client-side counterpart used by DialogUA.NewClientSession.
type NoOpClientTransaction struct {
	NoOpTransaction
}

func (t *NoOpClientTransaction) OnRetransmission(f sip.FnTxResponse) bool {
	return false
}

func (t *NoOpClientTransaction) Cancel() error {
	return nil
}
