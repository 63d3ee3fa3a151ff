package sipcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/randijunior/sipcore/sip"

	"github.com/google/uuid"
)

// DialogUA is the dialog-layer identity shared by every session one user
// agent participates in: the client handle used to send in-dialog requests
// (BYE, CANCEL, re-INVITE) and the Contact the peer should target.
type DialogUA struct {
	// Client (required) sends every request a session originates.
	Client *Client
	// ContactHDR (required) is attached to dialog-forming requests and
	// responses that don't already carry a Contact.
	ContactHDR sip.ContactHeader

	// RewriteContact targets the packet source instead of the peer's
	// Contact, for peers stuck behind NAT.
	RewriteContact bool
}

// DialogSessionParams reconstructs a session for a dialog whose INVITE
// transaction already finished, e.g. one loaded back from storage.
type DialogSessionParams struct {
	InviteReq  *sip.Request
	InviteResp *sip.Response
	State      sip.DialogState
	// CSeq seeds the local CSeq counter.
	CSeq     uint32
	DialogID string
}

// NewServerSession rebuilds a UAS session from params without a live
// transaction backing it.
func (ua *DialogUA) NewServerSession(params DialogSessionParams) (*DialogServerSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("invite request is required")
	}

	sess := &DialogServerSession{
		Dialog: Dialog{
			ID:             params.DialogID,
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
		},
		inviteTx: &NoOpServerTransaction{},
		ua:       ua,
	}
	sess.InitWithState(params.State)
	sess.SetCSEQ(params.CSeq)
	return sess, nil
}

// NewClientSession is NewServerSession's UAC counterpart.
func (ua *DialogUA) NewClientSession(params DialogSessionParams) (*DialogClientSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("invite request is required")
	}

	sess := &DialogClientSession{
		Dialog: Dialog{
			ID:             params.DialogID,
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
		},
		inviteTx: &NoOpClientTransaction{},
		UA:       ua,
	}
	sess.InitWithState(params.State)
	sess.SetCSEQ(params.CSeq)
	return sess, nil
}

// ReadInvite accepts an inbound INVITE and builds the UAS session for it:
// the to-tag that fixes the dialog identity is generated here, unless the
// INVITE's To already carries one, so every response the session sends
// carries the same one.
func (ua *DialogUA) ReadInvite(inviteReq *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	if inviteReq.Contact() == nil {
		return nil, ErrDialogInviteNoContact
	}
	if inviteReq.CSeq() == nil {
		return nil, fmt.Errorf("no CSEQ header present")
	}

	if _, ok := inviteReq.To().Params.Get("tag"); !ok {
		tag, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("generating dialog to tag failed: %w", err)
		}
		inviteReq.To().Params.Add("tag", tag.String())
	}

	id, err := sip.DialogIDFromRequestUAS(inviteReq)
	if err != nil {
		return nil, err
	}

	sess := &DialogServerSession{
		Dialog: Dialog{
			ID:            id,
			InviteRequest: inviteReq,
		},
		inviteTx: tx,
		ua:       ua,
	}
	sess.Init()

	if err := watchInviteTx(sess, tx); err != nil {
		return nil, err
	}
	return sess, nil
}

// watchInviteTx ends an early dialog when its INVITE transaction is
// canceled or dies before a final answer. Both hooks fail registration
// only when the transaction already terminated.
func watchInviteTx(sess *DialogServerSession, tx sip.ServerTransaction) error {
	earlyEnd := func(cause error) {
		if sess.LoadState() < sip.DialogStateEstablished {
			sess.endWithCause(cause)
		}
	}

	if !tx.OnCancel(func(r *sip.Request) {
		earlyEnd(sip.ErrTransactionCanceled)
	}) {
		return txDeadErr(tx)
	}
	// The terminate hook must not call back into the transaction FSM.
	if !tx.OnTerminate(func(key string, err error) {
		earlyEnd(nil)
	}) {
		return txDeadErr(tx)
	}
	return nil
}

func txDeadErr(tx sip.ServerTransaction) error {
	if err := tx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("transaction terminated already")
}

// Invite starts a UAC dialog towards recipient with an optional body and
// extra headers.
func (ua *DialogUA) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}
	for _, h := range headers {
		req.AppendHeader(h)
	}
	return ua.WriteInvite(ctx, req)
}

// WriteInvite sends a caller-prepared INVITE and returns the early session
// tracking it. WaitAnswer on the session completes the dialog.
func (ua *DialogUA) WriteInvite(ctx context.Context, inviteReq *sip.Request, options ...ClientRequestOption) (*DialogClientSession, error) {
	if inviteReq.Contact() == nil {
		inviteReq.AppendHeader(&ua.ContactHDR)
	}

	sess := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteReq,
		},
		UA: ua,
	}
	sess.Dialog.Init()

	return sess, sess.Invite(ctx, options...)
}

// Invite dispatches the session's INVITE through the transaction layer,
// seeding the local CSeq space on success.
func (s *DialogClientSession) Invite(ctx context.Context, options ...ClientRequestOption) error {
	tx, err := s.UA.Client.TransactionRequest(ctx, s.InviteRequest, options...)
	if err != nil {
		return err
	}
	s.inviteTx = tx
	s.lastCSeqNo.Store(s.InviteRequest.CSeq().SeqNo)
	return nil
}
