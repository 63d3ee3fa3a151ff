package sipcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randijunior/sipcore/sip"

	uuid "github.com/satori/go.uuid"
)

// DialogServer tracks the UAS dialogs one Contact owns, keyed by dialog
// identity, and routes in-dialog requests (ACK, BYE, re-INVITE) to the
// session that owns them.
type DialogServer struct {
	ua         *DialogUA
	contactHDR sip.ContactHeader

	dialogs sync.Map // dialog ID -> *DialogServerSession
}

// NewDialogServerCache builds the UAS dialog registry. The Contact header
// is stamped on responses; the client handle sends in-dialog requests the
// UAS side originates (BYE). Run one per transport flavor when serving
// several.
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	return &DialogServer{
		ua: &DialogUA{
			Client:     client,
			ContactHDR: contactHDR,
		},
		contactHDR: contactHDR,
	}
}

func (srv *DialogServer) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	val, ok := srv.dialogs.Load(id)
	if !ok || val == nil {
		return nil, ErrDialogDoesNotExists
	}
	return val.(*DialogServerSession), nil
}

// ReadInvite accepts the INVITE from your OnInvite handler and returns the
// session every further response must go through. Register ReadAck and
// ReadBye handlers to confirm and terminate it.
func (srv *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	// Fix the to-tag up front: the dialog ID and every response to this
	// INVITE must carry the same one.
	if _, ok := req.To().Params.Get("tag"); !ok {
		tag, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
		}
		req.To().Params.Add("tag", tag.String())
	}

	sess, err := srv.ua.ReadInvite(req, tx)
	if err != nil {
		return nil, err
	}
	sess.srv = srv
	srv.dialogs.Store(sess.ID, sess)
	return sess, nil
}

// ReadAck routes an ACK from your OnAck handler into its dialog.
func (srv *DialogServer) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	sess, err := srv.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return sess.ReadAck(req, tx)
}

// ReadBye routes a BYE from your OnBye handler into its dialog. A BYE that
// matches no dialog surfaces ErrDialogDoesNotExists; per RFC 3261 §15.1.2
// the caller should answer it with 481.
func (srv *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	sess, err := srv.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return sess.ReadBye(req, tx)
}

// ReadRequest routes any other in-dialog method (re-INVITE, INFO, NOTIFY,
// UPDATE, ...) into its dialog's usage chain.
func (srv *DialogServer) ReadRequest(req *sip.Request, tx sip.ServerTransaction) error {
	sess, err := srv.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return sess.ReadRequest(req, tx)
}

// DialogServerSession is one UAS call leg: dialog state plus the INVITE
// server transaction answering it.
type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction

	// srv is set when a DialogServer cache tracks this session; nil for
	// sessions built straight from a DialogUA.
	srv *DialogServer
	ua  *DialogUA
}

// contactHeader is the Contact stamped on responses: the cache's when
// tracked, else the owning DialogUA's.
func (s *DialogServerSession) contactHeader() *sip.ContactHeader {
	if s.srv != nil {
		return &s.srv.contactHDR
	}
	return &s.ua.ContactHDR
}

// Close drops the session from its cache. It does not send anything.
func (s *DialogServerSession) Close() error {
	if s.srv != nil {
		s.srv.dialogs.Delete(s.ID)
	}
	return nil
}

// rejectStaleCSeq answers 500 when req's CSeq did not advance past the
// remote counter (RFC 3261 §12.2.2) and reports whether it did so.
func (s *DialogServerSession) rejectStaleCSeq(req *sip.Request, tx sip.ServerTransaction) (bool, error) {
	cseq := req.CSeq()
	if cseq == nil || cseq.SeqNo > s.RemoteCSEQ() || req.IsAck() || req.IsCancel() {
		return false, nil
	}
	res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil)
	if err := tx.Respond(res); err != nil {
		return true, errors.Join(ErrDialogInvalidCseq, err)
	}
	return true, ErrDialogInvalidCseq
}

// ReadAck confirms the dialog. ACKs carry no response; a proxy still
// forwards them.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadBye answers the peer's BYE with 200 and ends the dialog
// (RFC 3261 §15.1.2).
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	if stale, err := s.rejectStaleCSeq(req, tx); stale {
		return err
	}

	defer s.Close()
	defer s.inviteTx.Terminate()

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	if cseq := req.CSeq(); cseq != nil {
		s.SetRemoteCSEQ(cseq.SeqNo)
	}
	s.setState(sip.DialogStateEnded)
	return nil
}

// ReadRequest offers any other in-dialog request to the registered usages
// in order; ErrDialogRequestUnclaimed means the caller should answer
// 501/405 itself.
func (s *DialogServerSession) ReadRequest(req *sip.Request, tx sip.ServerTransaction) error {
	if stale, err := s.rejectStaleCSeq(req, tx); stale {
		return err
	}

	if !s.dispatchToUsages(req, tx) {
		return ErrDialogRequestUnclaimed
	}

	if cseq := req.CSeq(); cseq != nil {
		s.SetRemoteCSEQ(cseq.SeqNo)
	}
	return nil
}

// TransactionRequest sends a request within this dialog (RFC 3261
// §12.2.1): the local CSeq space advances, and Record-Route entries are
// folded into the Route set in arrival order (§16.12.1.2, UAS side).
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{MethodName: req.Method}
		req.AppendHeader(cseq)
	}

	cseq.SeqNo = s.CSEQ()
	if !req.IsAck() && !req.IsCancel() {
		cseq.SeqNo++
	}
	s.SetCSEQ(cseq.SeqNo)

	// Route set: the establishing INVITE's Record-Route entries, kept in
	// arrival order on the UAS side (§12.2.1.1).
	if len(req.GetHeaders("Route")) == 0 {
		for _, rr := range s.InviteRequest.GetHeaders("Record-Route") {
			req.AppendHeader(sip.NewHeader("Route", rr.Value()))
		}
	}
	if route := req.Route(); route != nil {
		req.SetDestination(route.Address.HostPort())
	}

	return s.ua.Client.TransactionRequest(ctx, req, ClientRequestBuild)
}

// WriteRequest sends req through the transport, without transaction state.
func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.ua.Client.WriteRequest(req)
}

// Respond answers the INVITE. Call it repeatedly for provisionals (180,
// 183) and once with a final code; a 2xx establishes the dialog.
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	// Record-Route copying happens inside the response builder.
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return s.WriteResponse(res)
}

// RespondSDP answers 200 with an SDP body and the matching type headers.
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	return s.WriteResponse(sip.NewSDPResponseFromRequest(s.InviteRequest, sdp))
}

// WriteResponse sends a caller-built response on the INVITE transaction,
// tracking dialog state: provisionals pass through, a 2xx establishes, a
// final failure ends the dialog. A CANCEL that already killed the
// transaction surfaces as ErrDialogCanceled.
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		res.AppendHeader(s.contactHeader())
	}
	s.Dialog.InviteResponse = res

	// The transaction FSM answers a CANCEL with 487 and terminates on its
	// own; all that is left is naming the cause for the caller.
	select {
	case <-tx.Done():
		if errors.Is(tx.Err(), sip.ErrTransactionCanceled) {
			return ErrDialogCanceled
		}
		return tx.Err()
	default:
	}

	if res.IsProvisional() {
		return tx.Respond(res)
	}

	if !res.IsSuccess() {
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.DialogIDFromResponse(res)
	if err != nil {
		return err
	}
	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	s.setState(sip.DialogStateEstablished)
	if err := tx.Respond(res); err != nil {
		if s.srv != nil {
			s.srv.dialogs.Delete(id)
		}
		return err
	}

	// RFC 3261 §13.3.1.4: the 2xx is retransmitted by the TU, not the
	// transaction, until its ACK arrives.
	return s.retransmit2xx(res)
}

// retransmit2xx resends res on the T1-doubling schedule (capped at T2)
// until the dialog confirms, giving up after 64*T1 like a transaction
// timer would.
func (s *DialogServerSession) retransmit2xx(res *sip.Response) error {
	interval := sip.T1
	deadline := time.Now().Add(64 * sip.T1)

	for {
		select {
		case <-s.inviteTx.Done():
			return s.inviteTx.Err()
		case <-s.Context().Done():
			// Dialog ended underneath us; nothing left to confirm.
			return nil
		case <-time.After(interval):
		}

		if s.LoadState() >= sip.DialogStateConfirmed {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no ACK received for 2xx: %w", sip.ErrTransactionTimeout)
		}

		if err := s.inviteTx.Respond(res); err != nil {
			return err
		}
		interval *= 2
		if interval > sip.T2 {
			interval = sip.T2
		}
	}
}

// Bye hangs up from the UAS side. Per RFC 3261 §15 the callee must not BYE
// a dialog until the 2xx was ACKed or its transaction timed out, so this
// waits for confirmation first.
func (s *DialogServerSession) Bye(ctx context.Context) error {
	switch s.LoadState() {
	case sip.DialogStateEnded:
		return nil
	case sip.DialogStateConfirmed, sip.DialogStateEstablished:
	default:
		return nil
	}

	res := s.Dialog.InviteResponse
	if !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	defer s.inviteTx.Terminate()

	for s.LoadState() < sip.DialogStateConfirmed {
		select {
		case <-s.inviteTx.Done():
			// Transaction gave up waiting for the ACK.
		case <-time.After(sip.T1):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		break
	}

	bye := newByeRequestUAS(s.Dialog.InviteRequest, res)

	// The reversed tags must still name this dialog.
	byeID := sip.DialogIDMake(
		bye.CallID().Value(),
		bye.From().Params.GetOr("tag", ""),
		bye.To().Params.GetOr("tag", ""),
	)
	if s.ID != byeID {
		return fmt.Errorf("non matching ID %q %q", s.ID, byeID)
	}

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
			return ErrDialogResponse{Res: res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newByeRequestUAS builds the UAS-originated BYE: the INVITE's From/To
// swap roles, the target is the peer's Contact. Via is left to the send
// path.
func newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	bye := sip.NewRequest(sip.BYE, req.Contact().Address)

	from := res.From()
	to := res.To()
	bye.AppendHeader(&sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params,
	})
	bye.AppendHeader(&sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params,
	})
	bye.AppendHeader(res.CallID())
	return bye
}
