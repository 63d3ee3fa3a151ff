package sipcore

import (
	"context"
	"net"
	"testing"

	"github.com/randijunior/sipcore/sip"
	"github.com/randijunior/sipcore/siptest"

	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClientWith(t *testing.T, uaOpts []UserAgentOption, clientOpts ...ClientOption) *Client {
	t.Helper()
	ua, err := NewUA(uaOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })
	c, err := NewClient(ua, clientOpts...)
	require.NoError(t, err)
	return c
}

// clientRequestBuildReq must supply every header a UAC is required to send
// (RFC 3261 §8.1.1), without clobbering what the caller set.
func TestClientRequestBuild(t *testing.T) {
	c := testClientWith(t,
		[]UserAgentOption{WithUserAgentHostname("atlanta.com")},
		WithClientHostname("192.0.2.10"),
	)

	recipient := sip.Uri{
		User:      "carol",
		Host:      "chicago.com",
		Port:      5080,
		UriParams: sip.HeaderParams{{K: "x-env", V: "lab"}},
		Headers:   sip.HeaderParams{{K: "transport", V: "udp"}},
	}
	req := sip.NewRequest(sip.OPTIONS, recipient)
	require.NoError(t, clientRequestBuildReq(c, req))

	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "192.0.2.10", via.Host)
	branch := via.Params.GetOr("branch", "")
	assert.Contains(t, branch, sip.RFC3261BranchMagicCookie)
	assert.Equal(t, "SIP/2.0/UDP 192.0.2.10;branch="+branch, via.Value())

	from := req.From()
	require.NotNil(t, from)
	// From uses the UA hostname, never the recipient's port or params.
	assert.Equal(t, "atlanta.com", from.Address.Host)
	assert.Zero(t, from.Address.Port)
	assert.NotEmpty(t, from.Params.GetOr("tag", ""))

	to := req.To()
	require.NotNil(t, to)
	assert.Equal(t, "<sip:carol@chicago.com>", to.Value())
	_, hasTag := to.Params.Get("tag")
	assert.False(t, hasTag)

	require.NotNil(t, req.CallID())
	assert.NotEmpty(t, req.CallID().Value())

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.Greater(t, cseq.SeqNo, uint32(0))
	assert.Less(t, cseq.SeqNo, uint32(1)<<31)
	assert.Equal(t, sip.OPTIONS, cseq.MethodName)

	assert.EqualValues(t, 70, *req.MaxForwards())
	assert.EqualValues(t, 0, *req.ContentLength())
}

func TestClientRequestBuildNAT(t *testing.T) {
	c := testClientWith(t, nil,
		WithClientHostname("192.0.2.10"),
		WithClientNAT(),
	)

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "carol", Host: "chicago.com"})
	require.NoError(t, clientRequestBuildReq(c, req))

	// RFC 3581: an empty rport asks the peer to answer the packet source.
	rport, ok := req.Via().Params.Get("rport")
	require.True(t, ok)
	assert.Empty(t, rport)
}

func TestClientRequestBuildConnectionAddr(t *testing.T) {
	c := testClientWith(t, nil,
		WithClientConnectionAddr("192.0.2.77:5066"),
	)

	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "carol", Host: "chicago.com"})
	require.NoError(t, clientRequestBuildReq(c, req))

	assert.True(t, req.Laddr.IP.Equal(net.ParseIP("192.0.2.77")))
	assert.Equal(t, 5066, req.Laddr.Port)
	// The copy must not alias the client's own address bytes.
	req.Laddr.IP[0] = 9
	assert.True(t, c.connAddr.IP.Equal(net.ParseIP("192.0.2.77")))
}

// Proxy-style forwarding: a fresh Via on top, a Record-Route naming this
// hop, and the topmost Via stripped from the response on the way back.
func TestClientProxyForwardHeaders(t *testing.T) {
	c := testClientWith(t, nil, WithClientHostname("192.0.2.10"))

	origin := testCreateRequest(t, "INVITE", "sip:carol@chicago.com", "UDP", "lab.atlanta.com:5060")
	originVia := origin.Via()

	require.NoError(t, ClientRequestAddVia(c, origin))
	topVia := origin.Via()
	require.NotSame(t, originVia, topVia)
	assert.Equal(t, "192.0.2.10", topVia.Host)
	assert.NotEqual(t, originVia.Params.GetOr("branch", ""), topVia.Params.GetOr("branch", ""))

	require.NoError(t, ClientRequestAddRecordRoute(c, origin))
	rr := origin.RecordRoute()
	require.NotNil(t, rr)
	assert.Equal(t, "192.0.2.10", rr.Address.Host)
	assert.True(t, rr.Address.UriParams.Has("lr"))
	assert.Equal(t, "udp", rr.Address.UriParams.GetOr("transport", ""))

	// Response walks back: this proxy pops its own Via, leaving the
	// origin's topmost.
	res := sip.NewResponseFromRequest(origin, sip.StatusBadRequest, "Bad Request", nil)
	res.RemoveHeader("Via")
	require.Len(t, res.GetHeaders("Via"), 1)
	assert.Equal(t, originVia.Params.GetOr("branch", ""), res.Via().Params.GetOr("branch", ""))
}

func TestClientViaHostPortOption(t *testing.T) {
	c := testClientWith(t, nil,
		WithClientHostname("ep.atlanta.com"),
		WithClientPort(5071),
	)
	c.TxRequester = &siptest.ClientTxRequesterResponder{
		OnRequest: func(req *sip.Request, w *siptest.ClientTxResponder) {
			w.Receive(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		},
	}

	options := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "carol", Host: "chicago.com"})
	res, err := c.Do(context.TODO(), options)
	require.NoError(t, err)
	assert.Equal(t, sip.StatusOK, res.StatusCode)

	via := options.Via()
	assert.Equal(t, "ep.atlanta.com", via.Host)
	assert.Equal(t, 5071, via.Port)
}

// Some peers lowercase the digest algorithm; signing must still work after
// normalization.
func TestClientDigestLowercaseAlgorithm(t *testing.T) {
	challenge := `Digest realm="chicago.com", nonce="662d65a084b88c6d2a745a9de086fa91", algorithm=sha-256, qop="auth"`
	chal, err := digest.ParseChallenge(challenge)
	require.NoError(t, err)

	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)
	_, err = digest.Digest(chal, digest.Options{
		Method:   "INVITE",
		URI:      "sip:carol@chicago.com",
		Username: "carol",
		Password: "secret",
	})
	require.NoError(t, err)
}

func BenchmarkClientRequestBuild(b *testing.B) {
	ua, err := NewUA()
	require.NoError(b, err)
	c, err := NewClient(ua, WithClientHostname("192.0.2.10"))
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := sip.NewRequest(sip.INVITE, sip.Uri{User: "carol", Host: "chicago.com"})
		if err := clientRequestBuildReq(c, req); err != nil {
			b.Fatal(err)
		}
	}
}
