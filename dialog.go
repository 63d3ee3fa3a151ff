package sipcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/randijunior/sipcore/sip"
)

var (
	ErrDialogOutsideDialog   = errors.New("Call/Transaction Outside Dialog")
	ErrDialogDoesNotExists   = errors.New("Call/Transaction Does Not Exist")
	ErrDialogInviteNoContact = errors.New("No Contact header")
	ErrDialogCanceled        = errors.New("Dialog canceled")
	ErrDialogInvalidCseq      = errors.New("Invalid CSEQ number")
	ErrDialogRequestUnclaimed = errors.New("no usage claimed the in-dialog request")
)

type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("Invite failed with response: %s", e.Res.StartLine())
}

type DialogStateFn func(s sip.DialogState)
type Dialog struct {
	ID string

	// InviteRequest is set when dialog is created. It is not thread safe!
	// Use it only as read only and use methods to change headers
	InviteRequest *sip.Request

	// lastCSeqNo is set for every request within dialog except ACK CANCEL
	lastCSeqNo atomic.Uint32

	// remoteCSeq tracks the highest CSeq number seen on a request coming
	// FROM the remote party within this dialog. It is distinct from
	// lastCSeqNo (which numbers requests WE send): RFC 3261 §12.2.2 keeps
	// local and remote CSeq spaces independent, so a re-INVITE we send
	// must not affect what CSeq the next in-dialog BYE from the peer is
	// allowed to carry.
	remoteCSeq atomic.Uint32

	// InviteResponse is last response received or sent. It is not thread safe!
	// Use it only as read only and do not change values
	InviteResponse *sip.Response

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	onStatePointer atomic.Pointer[DialogStateFn]

	// store user values
	values sync.Map

	// usages holds the usage objects (INVITE session, SUBSCRIBE
	// subscription, ...) registered on this dialog, in registration order.
	usagesMu sync.Mutex
	usages   []DialogUsage
}

// DialogUsage is a usage object attached to a dialog (RFC 5057 §5): an
// INVITE session, a SUBSCRIBE subscription. A dialog offers an inbound
// in-dialog request to its usages in registration order until one claims
// it.
type DialogUsage interface {
	// HandleRequest is offered an inbound in-dialog request. It returns
	// true if it claimed the request (and is responsible for responding on
	// tx), false to let the next registered usage try.
	HandleRequest(req *sip.Request, tx sip.ServerTransaction) bool
}

// AddUsage registers a usage object on the dialog. Usages are offered
// inbound requests in the order they were added.
func (d *Dialog) AddUsage(u DialogUsage) {
	d.usagesMu.Lock()
	d.usages = append(d.usages, u)
	d.usagesMu.Unlock()
}

// dispatchToUsages offers req to each registered usage, in registration
// order, stopping at the first one that claims it. Returns false if no
// usage claimed the request.
func (d *Dialog) dispatchToUsages(req *sip.Request, tx sip.ServerTransaction) bool {
	d.usagesMu.Lock()
	usages := make([]DialogUsage, len(d.usages))
	copy(usages, d.usages)
	d.usagesMu.Unlock()

	for _, u := range usages {
		if u.HandleRequest(req, tx) {
			return true
		}
	}
	return false
}

// Init setups dialog state
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.state = atomic.Int32{}
	d.lastCSeqNo = atomic.Uint32{}
	d.remoteCSeq = atomic.Uint32{}

	cseq := d.InviteRequest.CSeq().SeqNo
	d.lastCSeqNo.Store(cseq)
	d.remoteCSeq.Store(cseq)
	d.onStatePointer = atomic.Pointer[DialogStateFn]{}
}

func (d *Dialog) OnState(f DialogStateFn) {
	for current := d.onStatePointer.Load(); current != nil; current = d.onStatePointer.Load() {
		cb := *current
		newCb := func(s sip.DialogState) {
			f(s)
			cb(s)
		}
		newCBState := DialogStateFn(newCb)
		if d.onStatePointer.CompareAndSwap(current, &newCBState) {
			return
		}
	}
	d.onStatePointer.Store(&f)
}

func (d *Dialog) InitWithState(s sip.DialogState) {
	d.Init()
	d.state.Store(int32(s))
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		// Safety
		return
	}

	if s == sip.DialogStateEnded {
		d.cancel()
	}

	if f := d.onStatePointer.Load(); f != nil {
		cb := *f
		cb(s)
	}
}

func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

func (d *Dialog) StateRead() <-chan sip.DialogState {
	ch := make(chan sip.DialogState, 5)
	d.OnState(func(s sip.DialogState) {
		select {
		case ch <- s:
		default:
		}
	})

	return ch
}

func (d *Dialog) CSEQ() uint32 {
	return d.lastCSeqNo.Load()
}

// SetCSEQ overrides the dialog's last known CSeq number.
// Used when reconstructing a session for a dialog whose transaction is
// already complete (see DialogUA.NewServerSession/NewClientSession).
func (d *Dialog) SetCSEQ(cseq uint32) {
	d.lastCSeqNo.Store(cseq)
}

// RemoteCSEQ returns the highest CSeq number seen on a request received
// from the remote party within this dialog.
func (d *Dialog) RemoteCSEQ() uint32 {
	return d.remoteCSeq.Load()
}

// SetRemoteCSEQ records the CSeq number of the latest in-dialog request
// accepted from the remote party.
func (d *Dialog) SetRemoteCSEQ(cseq uint32) {
	d.remoteCSeq.Store(cseq)
}

// endWithCause moves the dialog to Ended state and records the cause that
// triggered it, so callers waiting on StateRead/OnState can distinguish a
// canceled early dialog from a normally confirmed/terminated one.
func (d *Dialog) endWithCause(err error) {
	if err != nil {
		d.Store("cause", err)
	}
	d.setState(sip.DialogStateEnded)
}

// err returns the error that ended the dialog, if endWithCause recorded one.
func (d *Dialog) err() error {
	v, ok := d.Load("cause")
	if !ok || v == nil {
		return nil
	}
	err, _ := v.(error)
	return err
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

func (d *Dialog) Store(key string, value any) {
	d.values.Store(key, value)
}

func (d *Dialog) Load(key string) (any, bool) {
	return d.values.Load(key)
}

func (d *Dialog) Delete(key string) {
	d.values.Delete(key)
}
