package sipcore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/randijunior/sipcore/fakes"
	"github.com/randijunior/sipcore/sip"
	"github.com/randijunior/sipcore/siptest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uasFixture wires a dialog server cache plus an INVITE carrying a peer
// Contact, the way every UAS-side test starts.
func uasFixture(t *testing.T) (*DialogServer, *sip.Request) {
	t.Helper()
	ua, err := NewUA()
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })

	cli, err := NewClient(ua)
	require.NoError(t, err)

	srvContact := sip.ContactHeader{
		Address: sip.Uri{User: "uas", Host: "127.0.0.200", Port: 5099},
	}
	dialogSrv := NewDialogServerCache(cli, srvContact)

	invite, _, _ := createTestInvite(t, "sip:uas@127.0.0.1", "udp", "127.0.0.1:5090")
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Host: "uac.example.com", Port: 5077}})
	return dialogSrv, invite
}

// discardingServerTx backs a server transaction with a sink connection.
func discardingServerTx(t *testing.T, req *sip.Request) *sip.ServerTx {
	t.Helper()
	conn := &sip.UDPConnection{
		PacketConn: &fakes.UDPConn{
			Writers: map[string]io.Writer{
				"127.0.0.1:5090": bytes.NewBuffer(nil),
			},
		},
	}
	tx := sip.NewServerTx("uas-test", req, conn, slog.Default())
	require.NoError(t, tx.Init())
	return tx
}

// A UAS builds the route set for in-dialog requests from the INVITE's
// Record-Route entries in arrival order (RFC 3261 §12.1.1).
func TestDialogServerRouteSetArrivalOrder(t *testing.T) {
	dialogSrv, invite := uasFixture(t)
	for _, proxy := range []string{"p1.example.com", "p2.example.com", "p3.example.com"} {
		invite.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Host: proxy, Port: 5060}})
	}

	sess, err := dialogSrv.ReadInvite(invite, discardingServerTx(t, invite))
	require.NoError(t, err)
	defer sess.Close()

	bye := sip.NewRequest(sip.BYE, invite.Contact().Address)
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	// The send itself may fail (nothing is listening); only the request
	// build matters here.
	sess.TransactionRequest(canceled, bye)

	require.Equal(t, invite.CallID().Value(), bye.CallID().Value())
	routes := bye.GetHeaders("Route")
	require.Len(t, routes, 3)
	assert.Equal(t, "<sip:p1.example.com:5060>", routes[0].Value())
	assert.Equal(t, "<sip:p2.example.com:5060>", routes[1].Value())
	assert.Equal(t, "<sip:p3.example.com:5060>", routes[2].Value())
}

func TestDialogServerReadInviteDeadTransaction(t *testing.T) {
	dialogSrv, invite := uasFixture(t)

	t.Run("terminated before read", func(t *testing.T) {
		tx := sip.NewServerTx("uas-dead", invite, nil, slog.Default())
		tx.Terminate()
		_, err := dialogSrv.ReadInvite(invite, tx)
		require.ErrorIs(t, err, sip.ErrTransactionTerminated)
	})

	t.Run("canceled before read", func(t *testing.T) {
		tx := discardingServerTx(t, invite)
		require.NoError(t, tx.Receive(newCancelRequest(invite)))
		_, err := dialogSrv.ReadInvite(invite, tx)
		require.ErrorIs(t, err, sip.ErrTransactionCanceled)
	})
}

// A CANCEL arriving on an early dialog ends it and records the cause.
func TestDialogServerCanceledEarly(t *testing.T) {
	dialogSrv, invite := uasFixture(t)
	tx := discardingServerTx(t, invite)

	sess, err := dialogSrv.ReadInvite(invite, tx)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, tx.Receive(newCancelRequest(invite)))

	<-sess.Context().Done()
	require.ErrorIs(t, sess.err(), sip.ErrTransactionCanceled)
}

// Local and remote CSeq spaces are independent (RFC 3261 §12.2): a
// re-INVITE the UAS sends must not raise the bar for the peer's BYE, and a
// stale peer CSeq is answered 500.
func TestDialogServerCSeqSpaces(t *testing.T) {
	dialogSrv, invite := uasFixture(t)

	t.Run("stale remote cseq rejected", func(t *testing.T) {
		sess, err := dialogSrv.ReadInvite(invite, discardingServerTx(t, invite))
		require.NoError(t, err)
		defer sess.Close()

		bye := newByeRequestUAC(invite, sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil), nil)
		bye.CSeq().SeqNo = invite.CSeq().SeqNo // did not advance
		byeTx := siptest.NewServerTxRecorder(bye)
		defer byeTx.Terminate()

		err = sess.ReadBye(bye, byeTx)
		require.ErrorIs(t, err, ErrDialogInvalidCseq)

		resps := byeTx.Result()
		require.NotEmpty(t, resps)
		assert.Equal(t, sip.StatusInternalServerError, resps[0].StatusCode)
	})

	t.Run("local re-invite does not bump remote space", func(t *testing.T) {
		sess, err := dialogSrv.ReadInvite(invite, discardingServerTx(t, invite))
		require.NoError(t, err)
		defer sess.Close()

		reinvite := sip.NewRequest(sip.INVITE, invite.From().Address)
		reinviteTx, err := sess.TransactionRequest(context.TODO(), reinvite)
		require.NoError(t, err)
		defer reinviteTx.Terminate()
		assert.Greater(t, sess.CSEQ(), invite.CSeq().SeqNo)

		// Peer's BYE advances only its own space by one.
		bye := newByeRequestUAC(invite, sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil), nil)
		byeTx := siptest.NewServerTxRecorder(bye)
		defer byeTx.Terminate()
		require.NoError(t, sess.ReadBye(bye, byeTx))

		resps := byeTx.Result()
		require.NotEmpty(t, resps)
		assert.Equal(t, sip.StatusOK, resps[0].StatusCode)
		assert.Equal(t, sip.DialogStateEnded, sess.LoadState())
	})
}

// The 2xx to an INVITE is retransmitted by the dialog layer, not the
// transaction, until the ACK lands (RFC 3261 §13.3.1.4).
func TestDialogServer2xxRetransmission(t *testing.T) {
	dialogSrv, invite := uasFixture(t)

	tx := siptest.NewServerTxRecorder(invite)
	defer tx.Terminate()
	sess, err := dialogSrv.ReadInvite(invite, tx)
	require.NoError(t, err)
	defer sess.Close()

	res200 := sip.NewResponseFromRequest(sess.InviteRequest, sip.StatusOK, "OK", nil)
	ack := newAckRequestUAC(sess.InviteRequest, res200, nil)
	go func() {
		// Let one retransmission happen before confirming.
		time.Sleep(2 * sip.T1)
		sess.ReadAck(ack, tx)
	}()

	// Blocks until the ACK confirms the dialog.
	require.NoError(t, sess.WriteResponse(res200))

	resps := tx.Result()
	require.Len(t, resps, 2)
	for _, r := range resps {
		assert.Equal(t, sip.StatusOK, r.StatusCode)
	}
}
