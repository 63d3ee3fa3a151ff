package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// The transaction core: the shared half of ClientTx/ServerTx (baseTx and
// its table runner), the RFC 3261 §17 timer set, and the key construction
// used to match inbound messages onto a live transaction. The registry
// that stores transactions by key lives in the transaction package; these
// types stand alone so tests and the siptest fakes can drive a single
// machine directly.

// The RFC 3261 §17 timer set. T1/T2/T4 are the base quantities (§17.1.1.1);
// everything else derives from them via SetTimers.
var (
	// T1: round-trip estimate. Retransmission schedules start here.
	T1 time.Duration
	// T2: cap on the doubling retransmission interval.
	T2 time.Duration
	// T4: how long a message may linger in the network.
	T4 time.Duration

	Timer_A time.Duration // INVITE request retransmit (unreliable), doubles
	Timer_B time.Duration // INVITE timeout, 64*T1
	Timer_D time.Duration // wait for response retransmits after non-2xx ACK
	Timer_E time.Duration // non-INVITE request retransmit, doubles capped T2
	Timer_F time.Duration // non-INVITE timeout, 64*T1
	Timer_G time.Duration // INVITE final-response retransmit, doubles capped T2
	Timer_H time.Duration // wait for ACK, 64*T1
	Timer_I time.Duration // absorb ACK retransmits, T4
	Timer_J time.Duration // absorb request retransmits, 64*T1
	Timer_K time.Duration // absorb response retransmits, T4
	Timer_L time.Duration // RFC 6026 accepted-state lifetime, 64*T1
	Timer_M time.Duration // RFC 6026 2xx retransmit absorption, 64*T1

	// Timer_1xx is how long an INVITE server transaction waits for the TU
	// before sending 100 Trying itself (§17.2.1).
	Timer_1xx = 200 * time.Millisecond

	// TransactionFSMDebug logs every FSM state transition when set.
	TransactionFSMDebug bool
)

func init() {
	SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// SetTimers derives every RFC 3261 §17 timer from T1/T2/T4.
func SetTimers(t1, t2, t4 time.Duration) {
	T1 = t1
	T2 = t2
	T4 = t4
	Timer_A = T1
	Timer_B = 64 * T1
	Timer_D = 32 * time.Second
	Timer_E = T1
	Timer_F = 64 * T1
	Timer_G = T1
	Timer_H = 64 * T1
	Timer_I = T4
	Timer_J = 64 * T1
	Timer_K = T4
	Timer_L = 64 * T1
	Timer_M = 64 * T1
}

var (
	// Transaction layer errors, detectable via errors.Is on the caller side.
	// https://www.rfc-editor.org/rfc/rfc3261#section-8.1.3.1
	ErrTransactionTimeout    = errors.New("transaction timeout")
	ErrTransactionTransport  = errors.New("transaction transport error")
	ErrTransactionCanceled   = errors.New("transaction canceled")
	ErrTransactionTerminated = errors.New("transaction terminated")
)

func wrapTransportError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransactionTransport)
}

func wrapTimeoutError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransactionTimeout)
}

type baseTx struct {
	mu sync.Mutex

	key    string
	origin *Request

	conn   Connection
	done   chan struct{}
	closed bool

	// State table control. state is plain data (a txState value) rather
	// than a function pointer; dispatch runs one step of the owning
	// transaction's table and is bound once, at initFSM time, to either
	// ClientTx.step or ServerTx.step.
	fsmMu    sync.Mutex
	state    txState
	dispatch func(txEvent) txEvent
	nameFn   func(txState) string

	// fsmResp/fsmErr/fsmAck/fsmCancel are only valid while spinning the
	// table; outside of that they must be read under fsmMu.
	fsmResp   *Response
	fsmErr    error
	fsmAck    *Request
	fsmCancel *Request

	log         *slog.Logger
	onTerminate FnTxTerminate
}

func (tx *baseTx) String() string {
	if tx == nil {
		return "<nil>"
	}
	return tx.key
}

func (tx *baseTx) Origin() *Request {
	return tx.origin
}

func (tx *baseTx) Key() string {
	return tx.key
}

func (tx *baseTx) Done() <-chan struct{} {
	return tx.done
}

// OnTerminate is experimental. The callback must not call any fsm-related
// method or it will deadlock.
func (tx *baseTx) OnTerminate(f FnTxTerminate) bool {
	tx.mu.Lock()
	select {
	case <-tx.done:
		tx.mu.Unlock()
		return false
	default:
	}
	defer tx.mu.Unlock()

	if tx.onTerminate != nil {
		prev := tx.onTerminate
		tx.onTerminate = func(key string, err error) {
			prev(key, err)
			f(key, err)
		}
		return true
	}
	tx.onTerminate = f
	return true
}

// currentState reports the transaction's present txState under the table
// lock. Tests compare this against the named state constants directly
// instead of inspecting function identity.
func (tx *baseTx) currentState() txState {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	return tx.state
}

func (tx *baseTx) stateLabel() string {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	if tx.nameFn == nil {
		return "unknown"
	}
	return tx.nameFn(tx.state)
}

// initFSM binds the transaction to its starting state and its owning
// type's single step function. start/step/name come from ClientTx.step or
// ServerTx.step.
func (tx *baseTx) initFSM(start txState, step func(txEvent) txEvent, name func(txState) string) {
	tx.fsmMu.Lock()
	tx.state = start
	tx.dispatch = step
	tx.nameFn = name
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmUnsafe(in txEvent) {
	for ev := in; ev != evNone; {
		if TransactionFSMDebug {
			tx.log.Debug("transaction state step", "key", tx.key, "event", ev.String(), "state", tx.nameFn(tx.state))
		}
		ev = tx.dispatch(ev)
	}
}

func (tx *baseTx) spinFsm(in txEvent) {
	tx.fsmMu.Lock()
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithResponse(in txEvent, resp *Response) {
	tx.fsmMu.Lock()
	tx.fsmResp = resp
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithRequest(in txEvent, req *Request) {
	tx.fsmMu.Lock()
	switch {
	case req.IsAck():
		tx.fsmAck = req
	case req.IsCancel():
		tx.fsmCancel = req
	}
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithError(in txEvent, err error) {
	tx.fsmMu.Lock()
	tx.fsmErr = err
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) Err() error {
	tx.fsmMu.Lock()
	err := tx.fsmErr
	tx.fsmMu.Unlock()
	return err
}

func isRFC3261(branch string) bool {
	return strings.HasPrefix(branch, RFC3261BranchMagicCookie) &&
		len(branch) > len(RFC3261BranchMagicCookie)
}

// joinKey glues key components with the transaction separator.
func joinKey(parts ...string) string {
	return strings.Join(parts, TxSeperator)
}

// txKeyMethod normalizes the method component of a transaction key: an
// ACK matches the INVITE transaction it acknowledges (§17.1.3).
func txKeyMethod(cseq *CSeqHeader) RequestMethod {
	if cseq.MethodName == ACK {
		return INVITE
	}
	return cseq.MethodName
}

// ServerTxKeyMake derives the key a server transaction is stored under, so
// retransmitted requests and the matching ACK/CANCEL land on the same
// machine (RFC 3261 §17.2.3). A magic-cookie branch keys on
// (branch, sent-by, method); anything else drops to the RFC 2543
// compatibility rule over (from-tag, Call-ID, CSeq, topmost Via).
func ServerTxKeyMake(msg Message) (string, error) {
	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("'Via' header not found or empty in message '%s'", MessageShortString(msg))
	}
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", MessageShortString(msg))
	}
	method := txKeyMethod(cseq)

	if branch, ok := via.Params.Get("branch"); ok && isRFC3261(branch) {
		port := via.Port
		if port <= 0 {
			port = DefaultPort(via.Transport)
		}
		return joinKey(branch, via.Host, strconv.Itoa(port), string(method)), nil
	}

	// Legacy peer without the magic cookie: RFC 3261 §17.2.3's RFC 2543
	// fallback. Kept for inbound compatibility only; this stack never
	// emits such branches.
	from := msg.From()
	if from == nil {
		return "", fmt.Errorf("'From' header not found in message '%s'", MessageShortString(msg))
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("'tag' param not found in 'From' header of message '%s'", MessageShortString(msg))
	}
	callID := msg.CallID()
	if callID == nil {
		return "", fmt.Errorf("'Call-ID' header not found in message '%s'", MessageShortString(msg))
	}

	return joinKey(
		fromTag,
		callID.String(),
		string(method),
		strconv.FormatUint(uint64(cseq.SeqNo), 10),
		via.String(),
		"",
	), nil
}

// ClientTxKeyMake derives the key a client transaction is stored under, so
// responses match back to the request that started it (RFC 3261 §17.1.3):
// the topmost Via branch plus the CSeq method.
func ClientTxKeyMake(msg Message) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header not found in message '%s'", MessageShortString(msg))
	}
	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("'Via' header not found or empty in message '%s'", MessageShortString(msg))
	}
	branch, ok := via.Params.Get("branch")
	if !ok || !isRFC3261(branch) {
		return "", fmt.Errorf("'branch' not found or empty in 'Via' header of message '%s'", MessageShortString(msg))
	}

	return joinKey(branch, string(txKeyMethod(cseq))), nil
}

// Transaction is the shared surface of ServerTransaction and ClientTransaction.
type Transaction interface {
	// Terminate will terminate transaction
	Terminate()

	// OnTerminate can be registered to be called when transaction terminates.
	// It is alternative to tx.Done where you avoid creating more goroutines.
	// It returns false if transaction already terminated.
	// NOTE: calling tx methods inside this func can DEADLOCK
	OnTerminate(f FnTxTerminate) bool

	// Done when transaction fsm terminates. Can be called multiple times
	Done() <-chan struct{}

	// Err that stopped transaction. Useful to check when transaction terminates
	Err() error
}

// ServerTransaction is the UAS/proxy side of a transaction: an INVITE or
// non-INVITE server transaction (RFC 3261 §17.2).
type ServerTransaction interface {
	Transaction

	// Respond sends response. It is expected that is prebuilt with correct headers.
	// Use NewResponseFromRequest to build response.
	Respond(res *Response) error
	// Acks returns ACK during transaction.
	Acks() <-chan *Request

	// OnCancel will be fired when CANCEL request is received.
	// It allows you to detect CANCEL request, which will be followed by termination.
	// It returns false in case transaction already terminated.
	OnCancel(f FnTxCancel) bool
}

// ClientTransaction is the UAC side of a transaction: an INVITE or
// non-INVITE client transaction (RFC 3261 §17.1).
type ClientTransaction interface {
	Transaction
	// Responses returns channel with all responses for transaction.
	Responses() <-chan *Response

	// OnRetransmission registers a response retransmission hook.
	OnRetransmission(f FnTxResponse) bool

	// Cancel sends a CANCEL request for this transaction.
	// Only meaningful for an ongoing INVITE client transaction.
	Cancel() error
}

// ServerTransactionContext derives a context.Context that is canceled when tx
// terminates. Useful to pass transaction lifetime into lower level APIs
// without exposing the transaction itself. Should not be called more than
// once per transaction.
func ServerTransactionContext(tx ServerTransaction) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	registered := tx.OnTerminate(func(key string, err error) {
		cancel()
	})
	if !registered {
		// Transaction already terminated.
		cancel()
	}
	return ctx
}

type FnTxTerminate func(key string, err error)
type FnTxCancel func(r *Request)
type FnTxResponse func(r *Response)
