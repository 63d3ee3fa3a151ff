package sipcore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/randijunior/sipcore/sip"

	"github.com/icholy/digest"
)

// DialogClient tracks the UAC dialogs one Contact owns, keyed by dialog
// identity, so in-dialog requests arriving from the peer (BYE, re-INVITE)
// can be matched back to their session.
type DialogClient struct {
	ua         *DialogUA
	contactHDR sip.ContactHeader

	dialogs sync.Map // dialog ID -> *DialogClientSession
}

// NewDialogClientCache builds the UAC dialog registry. Run one per
// transport flavor when serving several.
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	return &DialogClient{
		ua: &DialogUA{
			Client:     client,
			ContactHDR: contactHDR,
		},
		contactHDR: contactHDR,
	}
}

func (dc *DialogClient) dialogsLen() int {
	n := 0
	dc.dialogs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// matchDialogRequest resolves an inbound in-dialog request to its cached
// session. From the UAC's perspective its own tag is the From tag of the
// peer's request, so the ID components come swapped relative to the UAS.
func (dc *DialogClient) matchDialogRequest(req *sip.Request) (*DialogClientSession, error) {
	callID := req.CallID()
	id := sip.DialogIDMake(
		callID.Value(),
		req.From().Params.GetOr("tag", ""),
		req.To().Params.GetOr("tag", ""),
	)

	val, ok := dc.dialogs.Load(id)
	if !ok {
		return nil, fmt.Errorf("callid=%q: %w", callID.Value(), ErrDialogDoesNotExists)
	}
	return val.(*DialogClientSession), nil
}

// Invite opens an early dialog towards recipient. Call WaitAnswer on the
// session to complete it.
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}
	for _, h := range headers {
		req.AppendHeader(h)
	}
	return dc.WriteInvite(ctx, req)
}

// WriteInvite sends a caller-prepared INVITE and returns the early session
// tracking it.
func (dc *DialogClient) WriteInvite(ctx context.Context, inviteRequest *sip.Request) (*DialogClientSession, error) {
	if inviteRequest.Contact() == nil {
		inviteRequest.AppendHeader(&dc.contactHDR)
	}

	tx, err := dc.ua.Client.TransactionRequest(ctx, inviteRequest)
	if err != nil {
		return nil, err
	}

	sess := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteRequest,
		},
		UA:       dc.ua,
		dc:       dc,
		inviteTx: tx,
	}
	sess.Dialog.Init()
	return sess, nil
}

// ReadBye terminates the matched session: answer 200, end the dialog, drop
// it from the cache.
func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	sess, err := dc.matchDialogRequest(req)
	if err != nil {
		return err
	}

	sess.setState(sip.DialogStateEnded)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	defer sess.Close()
	defer sess.inviteTx.Terminate()
	return nil
}

// ReadRequest handles any other in-dialog method from the peer (re-INVITE,
// INFO, NOTIFY, UPDATE, ...): validate the remote CSeq, then offer the
// request to the session's usages in registration order.
func (dc *DialogClient) ReadRequest(req *sip.Request, tx sip.ServerTransaction) error {
	sess, err := dc.matchDialogRequest(req)
	if err != nil {
		return err
	}

	cseq := req.CSeq()
	if cseq != nil && cseq.SeqNo <= sess.RemoteCSEQ() && !req.IsAck() && !req.IsCancel() {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Internal Error", nil)
		if err := tx.Respond(res); err != nil {
			return errors.Join(ErrDialogInvalidCseq, err)
		}
		return ErrDialogInvalidCseq
	}
	if !sess.dispatchToUsages(req, tx) {
		return ErrDialogRequestUnclaimed
	}
	if cseq != nil {
		sess.SetRemoteCSEQ(cseq.SeqNo)
	}
	return nil
}

// DialogClientSession is one UAC call leg: the dialog state plus the live
// INVITE client transaction driving it.
type DialogClientSession struct {
	Dialog
	UA       *DialogUA
	dc       *DialogClient
	inviteTx sip.ClientTransaction
}

// Close drops the session from its cache. It never sends BYE or CANCEL
// and leaves the dialog state alone.
func (s *DialogClientSession) Close() error {
	if s.dc != nil {
		s.dc.dialogs.Delete(s.ID)
	}
	return nil
}

// AnswerOptions tunes WaitAnswer.
type AnswerOptions struct {
	// OnResponse sees every response while waiting, provisional included.
	// A non-nil return aborts WaitAnswer with that error.
	OnResponse func(res *sip.Response) error

	// Username/Password answer a 401/407 digest challenge in-line.
	Username string
	Password string
}

// WaitAnswer blocks until the INVITE gets a 2xx, establishing the dialog.
// A non-2xx final surfaces as *ErrDialogResponse; canceling ctx sends
// CANCEL. Digest challenges are retried once when credentials are set.
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	tx := s.inviteTx

	for {
		var res *sip.Response
		select {
		case res = <-tx.Responses():
		case <-ctx.Done():
			defer tx.Terminate()
			if err := tx.Cancel(); err != nil {
				return errors.Join(err, ctx.Err())
			}
			return ctx.Err()
		case <-tx.Done():
			// tx.Err may be nil on a clean terminate.
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			if err := opts.OnResponse(res); err != nil {
				tx.Terminate()
				return err
			}
		}

		if res.IsProvisional() {
			continue
		}
		if res.IsSuccess() {
			return s.establish(tx, res)
		}

		retryTx, retried, err := s.maybeAnswerChallenge(ctx, tx, res, opts)
		if err != nil {
			return err
		}
		if retried {
			tx = retryTx
			continue
		}
		return &ErrDialogResponse{Res: res}
	}
}

// maybeAnswerChallenge resends the INVITE with credentials when res is a
// fresh 401/407 challenge and opts carry a password. Returns the retry
// transaction and whether a retry happened.
func (s *DialogClientSession) maybeAnswerChallenge(ctx context.Context, tx sip.ClientTransaction, res *sip.Response, opts AnswerOptions) (sip.ClientTransaction, bool, error) {
	if opts.Password == "" {
		return nil, false, nil
	}

	digOpts := digest.Options{
		Method:   sip.INVITE.String(),
		URI:      s.InviteRequest.Recipient.Addr(),
		Username: opts.Username,
		Password: opts.Password,
	}

	switch res.StatusCode {
	case sip.StatusProxyAuthRequired:
		if s.InviteRequest.GetHeader("Proxy-Authorization") != nil {
			// Challenge was answered once already; give up.
			return nil, false, nil
		}
		tx.Terminate()
		retry, err := digestProxyAuthRequest(ctx, s.UA.Client, s.InviteRequest, res, digOpts)
		return retry, err == nil, err

	case sip.StatusUnauthorized:
		if s.InviteRequest.GetHeader("Authorization") != nil {
			return nil, false, nil
		}
		tx.Terminate()
		retry, err := digestRetry(ctx, s.UA.Client, s.InviteRequest, res, digOpts, "WWW-Authenticate", "Authorization")
		return retry, err == nil, err
	}
	return nil, false, nil
}

func (s *DialogClientSession) establish(tx sip.ClientTransaction, res *sip.Response) error {
	id, err := sip.DialogIDFromResponse(res)
	if err != nil {
		return err
	}
	s.inviteTx = tx
	s.InviteResponse = res
	s.ID = id
	s.setState(sip.DialogStateEstablished)
	if s.dc != nil {
		s.dc.dialogs.Store(id, s)
	}
	return nil
}

// Ack confirms the established dialog. Use WriteAck for a custom ACK.
func (s *DialogClientSession) Ack(ctx context.Context) error {
	return s.WriteAck(ctx, newAckRequestUAC(s.InviteRequest, s.InviteResponse, nil))
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	s.applyRouteSet(ack)
	if err := s.UA.Client.WriteRequest(ack); err != nil {
		return err
	}

	// RFC 3261 §13.2.2.4: every retransmitted 2xx gets the ACK again. The
	// transaction absorbs the retransmissions; this hook answers them.
	s.inviteTx.OnRetransmission(func(res *sip.Response) {
		if !res.IsSuccess() {
			return
		}
		if err := s.UA.Client.WriteRequest(ack); err != nil {
			sip.DefaultLogger().Error("ACK retransmission failed", "error", err, "dialog", s.ID)
		}
	})

	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye ends the confirmed dialog. Use WriteBye for a custom BYE.
func (s *DialogClientSession) Bye(ctx context.Context) error {
	return s.WriteBye(ctx, newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil))
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	defer s.Close()

	switch s.LoadState() {
	case sip.DialogStateEnded:
		return nil
	case sip.DialogStateConfirmed:
	default:
		return fmt.Errorf("Dialog not confirmed. ACK not send?")
	}

	tx, err := s.Do(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate()
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

// Do sends an arbitrary in-dialog request (re-INVITE, REFER, INFO, ...)
// with dialog CSeq numbering and the dialog route set applied
// (RFC 3261 §12.2.1.1).
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	cseq := req.CSeq()
	if cseq == nil {
		cseq = &sip.CSeqHeader{MethodName: req.Method}
		req.AppendHeader(cseq)
	}

	// ACK and CANCEL reuse the INVITE's number; everything else advances
	// the local CSeq space.
	cseq.SeqNo = s.lastCSeqNo.Load()
	if !req.IsAck() && !req.IsCancel() {
		cseq.SeqNo++
	}
	s.lastCSeqNo.Store(cseq.SeqNo)

	s.applyRouteSet(req)
	return s.UA.Client.TransactionRequest(ctx, req, ClientRequestBuild)
}

// applyRouteSet installs the dialog route set on req: the Record-Route
// entries of the establishing response, reversed for the UAC
// (RFC 3261 §12.2.1.1).
func (s *DialogClientSession) applyRouteSet(req *sip.Request) {
	if len(req.GetHeaders("Route")) == 0 {
		rr := s.InviteResponse.GetHeaders("Record-Route")
		for i := len(rr) - 1; i >= 0; i-- {
			route := &sip.RouteHeader{}
			if _, err := sip.ParseAddressValue(rr[i].Value(), &route.Address, nil); err != nil {
				req.AppendHeader(sip.NewHeader("Route", rr[i].Value()))
				continue
			}
			req.AppendHeader(route)
		}
	}

	route := req.Route()
	if route == nil {
		return
	}

	if !route.Address.UriParams.Has("lr") {
		// Strict routing: a first Route without lr becomes the
		// Request-URI and stays in the set.
		req.Recipient = route.Address
	}
	req.SetDestination(route.Address.HostPort())
}

// newAckRequestUAC builds the in-dialog ACK for a 2xx (RFC 3261 §13.2.2.4).
// Unlike the transaction ACK for a non-2xx, this is a new request inside
// the dialog: no Via inherited, route set applied by the caller.
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := &inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		recipient = &cont.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteRequest.SipVersion

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteRequest.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	ack.CSeq().MethodName = sip.ACK

	ack.SetBody(body)
	ack.SetTransport(inviteRequest.Transport())
	ack.SetSource(inviteRequest.Source())
	ack.Laddr = inviteRequest.Laddr
	return ack
}

// newByeRequestUAC creates the BYE for an established dialog
// (RFC 3261 §15.1.1). Via is left to the send path.
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	return sip.NewByeRequestUAC(inviteRequest, inviteResponse, body)
}

// newCancelRequest builds the CANCEL for inviteRequest (RFC 3261 §9.1).
func newCancelRequest(inviteRequest *sip.Request) *sip.Request {
	return sip.NewCancelRequest(inviteRequest)
}
