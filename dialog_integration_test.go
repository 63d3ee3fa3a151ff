package sipcore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/randijunior/sipcore/sip"

	"github.com/stretchr/testify/require"
)

// startTestServer runs ListenAndServe on hostPort and blocks until the
// listener is bound.
func startTestServer(ctx context.Context, srv *Server, hostPort string) {
	ready := make(chan struct{})
	go srv.ListenAndServe(
		context.WithValue(ctx, ListenReadyCtxKey, ListenReadyCtxValue(ready)),
		"udp",
		hostPort,
	)
	<-ready
}

// A complete call over real UDP sockets: INVITE, provisional ladder, 200,
// ACK, then BYE from either side, with both dialog caches draining.
func TestIntegrationDialogCall(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Use TEST_INTEGRATION env value to run this test")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// UAS side.
	uasUA, _ := NewUA()
	defer uasUA.Close()
	uasSrv, err := NewServer(uasUA)
	require.NoError(t, err)
	uasCli, err := NewClient(uasUA, WithClientHostname("127.0.0.200"))
	require.NoError(t, err)

	uasContact := sip.ContactHeader{
		Address: sip.Uri{User: "uas", Host: "127.0.0.200", Port: 5099},
	}
	dialogSrv := NewDialogServerCache(uasCli, uasContact)

	uasHangup := make(chan *DialogServerSession, 1)
	uasSrv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		sess, err := dialogSrv.ReadInvite(req, tx)
		require.NoError(t, err)

		require.NoError(t, sess.Respond(sip.StatusTrying, "Trying", nil))
		require.NoError(t, sess.Respond(sip.StatusRinging, "Ringing", nil))
		// Blocks until the UAC ACKs.
		require.NoError(t, sess.Respond(sip.StatusOK, "OK", nil))

		select {
		case uasHangup <- sess:
		default:
		}
	})
	uasSrv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		require.NoError(t, dialogSrv.ReadAck(req, tx))
	})
	uasSrv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		require.NoError(t, dialogSrv.ReadBye(req, tx))
	})
	startTestServer(ctx, uasSrv, uasContact.Address.HostPort())

	// UAC side, with its own listener for in-dialog requests from the UAS.
	uacUA, _ := NewUA()
	defer uacUA.Close()
	uacSrv, err := NewServer(uacUA)
	require.NoError(t, err)
	uacCli, err := NewClient(uacUA, WithClientHostname("127.0.0.201"), WithClientPort(5098))
	require.NoError(t, err)

	uacContact := sip.ContactHeader{
		Address: sip.Uri{User: "uac", Host: "127.0.0.201", Port: 5098},
	}
	dialogCli := NewDialogClientCache(uacCli, uacContact)
	uacSrv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		require.NoError(t, dialogCli.ReadBye(req, tx))
	})
	startTestServer(ctx, uacSrv, uacContact.Address.HostPort())

	call := func(t *testing.T) *DialogClientSession {
		sess, err := dialogCli.Invite(ctx, uasContact.Address, nil)
		require.NoError(t, err)

		require.NoError(t, sess.WaitAnswer(ctx, AnswerOptions{}))
		require.Equal(t, sip.StatusOK, sess.InviteResponse.StatusCode)
		require.NoError(t, sess.Ack(ctx))
		return sess
	}

	t.Run("uac hangs up", func(t *testing.T) {
		sess := call(t)
		defer sess.Close()
		require.NoError(t, sess.Bye(ctx))
	})

	t.Run("uas hangs up", func(t *testing.T) {
		sess := call(t)
		defer sess.Close()

		var uasSess *DialogServerSession
		select {
		case uasSess = <-uasHangup:
		case <-time.After(5 * time.Second):
			t.Fatal("UAS never answered the call")
		}

		byeCtx, byeCancel := context.WithTimeout(ctx, 5*time.Second)
		defer byeCancel()
		require.NoError(t, uasSess.Bye(byeCtx))

		require.Eventually(t, func() bool {
			return sess.LoadState() == sip.DialogStateEnded
		}, 5*time.Second, 20*time.Millisecond)
	})

	require.Empty(t, dialogCli.dialogsLen())
}

// A UAC that answers nothing: the UAS 2xx retransmissions run dry and the
// dialog server reports the timeout instead of confirming.
func TestIntegrationDialogNoACK(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Use TEST_INTEGRATION env value to run this test")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uasUA, _ := NewUA()
	defer uasUA.Close()
	uasSrv, err := NewServer(uasUA)
	require.NoError(t, err)
	uasCli, err := NewClient(uasUA, WithClientHostname("127.0.0.202"))
	require.NoError(t, err)

	uasContact := sip.ContactHeader{
		Address: sip.Uri{User: "uas", Host: "127.0.0.202", Port: 5097},
	}
	dialogSrv := NewDialogServerCache(uasCli, uasContact)

	respondErr := make(chan error, 1)
	uasSrv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		sess, err := dialogSrv.ReadInvite(req, tx)
		require.NoError(t, err)
		defer sess.Close()
		respondErr <- sess.Respond(sip.StatusOK, "OK", nil)
	})
	startTestServer(ctx, uasSrv, uasContact.Address.HostPort())

	uacUA, _ := NewUA()
	defer uacUA.Close()
	uacCli, err := NewClient(uacUA, WithClientHostname("127.0.0.202"))
	require.NoError(t, err)
	dialogCli := NewDialogClientCache(uacCli, sip.ContactHeader{
		Address: sip.Uri{User: "uac", Host: "127.0.0.202", Port: 5096},
	})

	sess, err := dialogCli.Invite(ctx, uasContact.Address, nil)
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.WaitAnswer(ctx, AnswerOptions{}))
	// Deliberately never ACK.

	select {
	case err := <-respondErr:
		// Either the retransmission deadline or the transaction's own
		// Timer L fires first; both surface as an error here.
		require.Error(t, err)
	case <-time.After(66 * sip.T1):
		t.Fatal("UAS 2xx retransmission never timed out")
	}
}
