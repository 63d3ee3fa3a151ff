package sip

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalHeaderParams(t *testing.T) {
	params := NewParams()
	n, err := UnmarshalHeaderParams("transport=tls;lr", ';', '?', &params)
	require.NoError(t, err)
	assert.Equal(t, len("transport=tls;lr"), n)
	assert.Equal(t, 2, params.Length())
	assert.Equal(t, "tls", params.GetOr("transport", "x"))
	assert.Equal(t, "", params.GetOr("lr", "x"))

	// A quoted value may embed the separator.
	params = NewParams()
	_, err = UnmarshalHeaderParams(`realm="sip;chicago";alg=md5`, ';', 0, &params)
	require.NoError(t, err)
	assert.Equal(t, "sip;chicago", params.GetOr("realm", ""))
	assert.Equal(t, "md5", params.GetOr("alg", ""))

	// Parsing stops at the ending rune.
	params = NewParams()
	n, err = UnmarshalHeaderParams("maddr=224.2.0.1?to=carol", ';', '?', &params)
	require.NoError(t, err)
	assert.Equal(t, byte('?'), "maddr=224.2.0.1?to=carol"[n])
	assert.Equal(t, 1, params.Length())
}

// parseOneHeader runs a single raw header line through the registered
// sub-parser dispatch, returning every header the line produced.
func parseOneHeader(t *testing.T, line string) []Header {
	t.Helper()
	hdrs, err := NewParser().headersParsers.ParseHeader(nil, []byte(line))
	require.NoError(t, err, line)
	require.NotEmpty(t, hdrs, line)
	return hdrs
}

func TestParseTypedHeaders(t *testing.T) {
	t.Run("via", func(t *testing.T) {
		h := parseOneHeader(t, "Via: SIP/2.0/UDP lab.chicago.com:5071;branch=z9hG4bKna998sk;rport")[0].(*ViaHeader)
		assert.Equal(t, "SIP", h.ProtocolName)
		assert.Equal(t, "2.0", h.ProtocolVersion)
		assert.Equal(t, "UDP", h.Transport)
		assert.Equal(t, "lab.chicago.com", h.Host)
		assert.Equal(t, 5071, h.Port)
		assert.Equal(t, "z9hG4bKna998sk", h.Params.GetOr("branch", ""))
		assert.True(t, h.Params.Has("rport"))
	})

	t.Run("via comma list splits", func(t *testing.T) {
		hdrs := parseOneHeader(t, "Via: SIP/2.0/UDP edge.chicago.com;branch=z9hG4bK-top, SIP/2.0/TCP core.chicago.com:5061;branch=z9hG4bK-below")
		require.Len(t, hdrs, 2)
		top := hdrs[0].(*ViaHeader)
		below := hdrs[1].(*ViaHeader)
		assert.Equal(t, "z9hG4bK-top", top.Params.GetOr("branch", ""))
		assert.Equal(t, "z9hG4bK-below", below.Params.GetOr("branch", ""))
		assert.Equal(t, "TCP", below.Transport)
		// Each element serializes alone, without the comma join.
		assert.NotContains(t, below.String(), ",")
	})

	t.Run("via ipv6 sent-by", func(t *testing.T) {
		h := parseOneHeader(t, "Via: SIP/2.0/UDP [2001:db8::9:1];branch=z9hG4bKas3")[0].(*ViaHeader)
		assert.Equal(t, "[2001:db8::9:1]", h.Host)
		assert.Zero(t, h.Port)
	})

	t.Run("from", func(t *testing.T) {
		h := parseOneHeader(t, `From: "Carol" <sip:carol@chicago.com>;tag=3413an89kf`)[0].(*FromHeader)
		assert.Equal(t, "Carol", h.DisplayName)
		assert.Equal(t, "carol", h.Address.User)
		assert.Equal(t, "3413an89kf", h.Params.GetOr("tag", ""))
	})

	t.Run("to without tag", func(t *testing.T) {
		h := parseOneHeader(t, "To: <sips:bigbox3.site3.chicago.com>")[0].(*ToHeader)
		assert.Empty(t, h.DisplayName)
		assert.True(t, h.Address.IsEncrypted())
		_, hasTag := h.Params.Get("tag")
		assert.False(t, hasTag)
	})

	t.Run("contact with q", func(t *testing.T) {
		h := parseOneHeader(t, "Contact: <sip:carol@lab.chicago.com;transport=tcp>;q=0.7;expires=3600")[0].(*ContactHeader)
		assert.Equal(t, "carol", h.Address.User)
		assert.Equal(t, "tcp", h.Address.UriParams.GetOr("transport", ""))
		assert.Equal(t, "0.7", h.Params.GetOr("q", ""))
		assert.Equal(t, "3600", h.Params.GetOr("expires", ""))
	})

	t.Run("cseq", func(t *testing.T) {
		h := parseOneHeader(t, "CSeq: 4711 INVITE")[0].(*CSeqHeader)
		assert.EqualValues(t, 4711, h.SeqNo)
		assert.Equal(t, INVITE, h.MethodName)
	})

	t.Run("cseq rejects overflow", func(t *testing.T) {
		_, err := NewParser().headersParsers.ParseHeader(nil, []byte("CSeq: 36893488147419103232 INVITE"))
		require.Error(t, err)
	})

	t.Run("route keeps lr", func(t *testing.T) {
		h := parseOneHeader(t, "Route: <sip:core.chicago.com;lr>")[0].(*RouteHeader)
		assert.Equal(t, "core.chicago.com", h.Address.Host)
		assert.True(t, h.Address.UriParams.Has("lr"))
	})

	t.Run("record-route", func(t *testing.T) {
		h := parseOneHeader(t, "Record-Route: <sip:edge.chicago.com:5080;lr>")[0].(*RecordRouteHeader)
		assert.Equal(t, 5080, h.Address.Port)
	})

	t.Run("max-forwards and expires", func(t *testing.T) {
		mf := parseOneHeader(t, "Max-Forwards: 70")[0].(*MaxForwardsHeader)
		assert.EqualValues(t, 70, *mf)
		exp := parseOneHeader(t, "Expires: 300")[0].(*ExpiresHeader)
		assert.EqualValues(t, 300, *exp)
	})

	t.Run("www-authenticate digest", func(t *testing.T) {
		h := parseOneHeader(t, `WWW-Authenticate: Digest realm="chicago.com", nonce="f84f1cec41e6cbe5aea9c8e88d359", algorithm=MD5, qop="auth"`)[0].(*WWWAuthenticateHeader)
		assert.Equal(t, "Digest", h.Scheme)
		assert.Equal(t, "chicago.com", h.Realm())
		assert.Equal(t, "f84f1cec41e6cbe5aea9c8e88d359", h.Nonce())
		assert.Equal(t, "MD5", h.Algorithm())
		assert.Equal(t, "auth", h.Qop())
	})

	t.Run("authorization round trips", func(t *testing.T) {
		hdrs := parseOneHeader(t, `Authorization: Digest username="carol", realm="chicago.com", nonce="f84f", uri="sip:chicago.com", response="42ce3cef44b22f50c6a6071bc8"`)
		h := hdrs[0].(*AuthorizationHeader)
		assert.Equal(t, "carol", h.Username())
		out := h.Value()
		assert.Contains(t, out, `username="carol"`)
		assert.Contains(t, out, `realm="chicago.com"`)
	})

	t.Run("unknown header is generic", func(t *testing.T) {
		h := parseOneHeader(t, "Session-Expires: 1800;refresher=uac")[0]
		g, ok := h.(*GenericHeader)
		require.True(t, ok)
		assert.Equal(t, "Session-Expires", g.Name())
		assert.Equal(t, "1800;refresher=uac", g.Value())
	})
}

func TestParseCompactForms(t *testing.T) {
	raw := []string{
		"MESSAGE sip:carol@chicago.com SIP/2.0",
		"v: SIP/2.0/UDP lab.chicago.com;branch=" + GenerateBranch(),
		"f: <sip:alice@atlanta.com>;tag=81x2",
		"t: <sip:carol@chicago.com>",
		"i: compact-form-check-1",
		"CSeq: 2 MESSAGE",
		"m: <sip:alice@lab.atlanta.com>",
		"c: text/plain",
		"l: 12",
		"",
		"Hello Carol.",
	}
	msg, err := NewParser().ParseSIP([]byte(strings.Join(raw, "\r\n")))
	require.NoError(t, err)

	require.NotNil(t, msg.Via())
	require.NotNil(t, msg.From())
	require.NotNil(t, msg.To())
	assert.Equal(t, "compact-form-check-1", msg.CallID().Value())
	assert.Equal(t, "alice", msg.Contact().Address.User)
	assert.EqualValues(t, "text/plain", *msg.ContentType())
	assert.EqualValues(t, 12, *msg.ContentLength())
	assert.Equal(t, "Hello Carol.", string(msg.Body()))
}

func TestParseUnterminatedMessages(t *testing.T) {
	parser := NewParser()

	// Start line with no CRLF at all: the datagram ended early.
	_, err := parser.ParseSIP([]byte("OPTIONS sip:carol@chicago.com SIP/2.0\nContent-Length: 0"))
	assert.ErrorIs(t, err, io.EOF)

	// Header section that never reaches the terminating blank line.
	for _, raw := range []string{
		"OPTIONS sip:carol@chicago.com SIP/2.0\r\nContent-Length: 0\n",
		"OPTIONS sip:carol@chicago.com SIP/2.0\r\nContent-Length: 0\r\n\n",
		"OPTIONS sip:carol@chicago.com SIP/2.0\r\nContent-Length: 10\r\nabcd\nefgh",
	} {
		_, err := parser.ParseSIP([]byte(raw))
		assert.ErrorIs(t, err, ErrParseInvalidMessage, raw)
	}
}

func TestParseRequestRoundTrip(t *testing.T) {
	branch := GenerateBranch()
	raw := []string{
		"INVITE sip:carol@chicago.com SIP/2.0",
		"Via: SIP/2.0/UDP lab.atlanta.com:5071;branch=" + branch,
		"Max-Forwards: 69",
		"From: \"Alice\" <sip:alice@atlanta.com>;tag=9fxced76sl",
		"To: \"Carol\" <sip:carol@chicago.com>",
		"Call-ID: roundtrip-3848276298220188511",
		"CSeq: 314159 INVITE",
		"Contact: <sip:alice@lab.atlanta.com>",
		"Content-Type: application/sdp",
		"Content-Length: 21",
		"",
		"v=0\r\no=alice 1 1 IN\r\n",
	}
	data := strings.Join(raw, "\r\n")

	msg, err := NewParser().ParseSIP([]byte(data))
	require.NoError(t, err)
	req := msg.(*Request)

	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, "chicago.com", req.Recipient.Host)
	assert.Equal(t, branch, req.Via().Params.GetOr("branch", ""))
	assert.EqualValues(t, 69, *req.MaxForwards())
	assert.Len(t, req.Body(), 21)

	// Everything the parser recognized serializes back byte for byte.
	assert.Equal(t, data, req.String())

	// And a reparse of the serialization agrees on every field (round-trip
	// law: parse . serialize . parse = parse).
	again, err := NewParser().ParseSIP([]byte(req.String()))
	require.NoError(t, err)
	assert.Equal(t, req.String(), again.String())
}

func TestParseResponseViaOrdering(t *testing.T) {
	raw := []string{
		"SIP/2.0 180 Ringing",
		"Via: SIP/2.0/UDP edge.chicago.com;branch=z9hG4bK-hop-a;alias, SIP/2.0/UDP core.chicago.com:5061;branch=z9hG4bK-hop-b",
		"Via: SIP/2.0/TCP lab.atlanta.com;branch=z9hG4bK-hop-c",
		"From: \"Alice\" <sip:alice@atlanta.com>;tag=9fxced76sl",
		"To: \"Carol\" <sip:carol@chicago.com>;tag=8321234356",
		"Call-ID: ordering-189237@lab.atlanta.com",
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}
	msg, err := NewParser().ParseSIP([]byte(strings.Join(raw, "\r\n")))
	require.NoError(t, err)
	res := msg.(*Response)

	assert.Equal(t, StatusRinging, res.StatusCode)
	assert.Equal(t, "Ringing", res.Reason)

	vias := res.GetHeaders("Via")
	require.Len(t, vias, 3)
	var branches []string
	for _, v := range vias {
		branches = append(branches, v.(*ViaHeader).Params.GetOr("branch", ""))
	}
	// Ordering invariant: the Via sequence stays in input order.
	assert.Equal(t, []string{"z9hG4bK-hop-a", "z9hG4bK-hop-b", "z9hG4bK-hop-c"}, branches)
	// The typed accessor answers with the topmost hop.
	assert.Equal(t, "z9hG4bK-hop-a", res.Via().Params.GetOr("branch", ""))
}

func TestParseCanonicalInvite(t *testing.T) {
	body := []string{
		"v=0",
		"o=alice 2890844526 2890844526 IN IP4 pc33.atlanta.com",
		"s=call",
		"c=IN IP4 pc33.atlanta.com",
		"m=audio 49172 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"",
	}
	rawMsg := []string{
		"INVITE sip:bob@biloxi.com SIP/2.0",
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds",
		"Max-Forwards: 70",
		"To: Bob <sip:bob@biloxi.com>",
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774",
		"Call-ID: a84b4c76e66710@pc33.atlanta.com",
		"CSeq: 314159 INVITE",
		"Contact: <sip:alice@pc33.atlanta.com>",
		"Content-Type: application/sdp",
		"Content-Length: 142",
		"",
		strings.Join(body, "\r\n"),
	}
	data := []byte(strings.Join(rawMsg, "\r\n"))

	msg, err := NewParser().ParseSIP(data)
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, "biloxi.com", req.Recipient.Host)

	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "z9hG4bK776asdhds", via.Params.GetOr("branch", ""))
	assert.Equal(t, "UDP", via.Transport)

	from := req.From()
	require.NotNil(t, from)
	assert.Equal(t, "1928301774", from.Params.GetOr("tag", ""))
	to := req.To()
	require.NotNil(t, to)
	_, hasTag := to.Params.Get("tag")
	assert.False(t, hasTag)

	callID := req.CallID()
	require.NotNil(t, callID)
	assert.Equal(t, "a84b4c76e66710@pc33.atlanta.com", callID.Value())

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.EqualValues(t, 314159, cseq.SeqNo)
	assert.Equal(t, INVITE, cseq.MethodName)

	mf := req.MaxForwards()
	require.NotNil(t, mf)
	assert.EqualValues(t, 70, *mf)

	require.Len(t, req.Body(), 142)
	assert.Equal(t, strings.Join(body, "\r\n"), string(req.Body()))
}

func TestParseMissingMandatoryHeader(t *testing.T) {
	rawMsg := []string{
		"OPTIONS sip:bob@biloxi.com SIP/2.0",
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds",
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774",
		"To: Bob <sip:bob@biloxi.com>",
		"Call-ID: a84b4c76e66710@pc33.atlanta.com",
		"Content-Length: 0",
		"",
		"",
	}
	_, err := NewParser().ParseSIP([]byte(strings.Join(rawMsg, "\r\n")))
	require.Error(t, err)

	var missing *MissingRequiredHeaderError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "CSeq", missing.Name)
}

func TestParseInvalidRequestURI(t *testing.T) {
	rawMsg := []string{
		"INVITE bob@biloxi.com SIP/2.0",
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds",
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774",
		"To: Bob <sip:bob@biloxi.com>",
		"Call-ID: a84b4c76e66710@pc33.atlanta.com",
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}
	_, err := NewParser().ParseSIP([]byte(strings.Join(rawMsg, "\r\n")))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrUri, perr.Kind)
	assert.Equal(t, 1, perr.Line)
	assert.Equal(t, 8, perr.Col)
}

func TestParseStatusLineForms(t *testing.T) {
	parser := NewParser()

	mandatory := strings.Join([]string{
		"Via: SIP/2.0/UDP lab.chicago.com;branch=" + GenerateBranch(),
		"From: <sip:carol@chicago.com>;tag=1",
		"To: <sip:alice@atlanta.com>;tag=2",
		"Call-ID: statusline-1",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	t.Run("empty reason", func(t *testing.T) {
		msg, err := parser.ParseSIP([]byte("SIP/2.0 100 \r\n" + mandatory))
		require.NoError(t, err)
		res := msg.(*Response)
		assert.Equal(t, StatusTrying, res.StatusCode)
		assert.Empty(t, res.Reason)
	})

	t.Run("multi word reason", func(t *testing.T) {
		msg, err := parser.ParseSIP([]byte("SIP/2.0 404 Not Found Anywhere\r\n" + mandatory))
		require.NoError(t, err)
		assert.Equal(t, "Not Found Anywhere", msg.(*Response).Reason)
	})

	t.Run("status code out of range", func(t *testing.T) {
		_, err := parser.ParseSIP([]byte("SIP/2.0 99 Too Small\r\n" + mandatory))
		require.Error(t, err)
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, ErrStatusCode, perr.Kind)
	})

	t.Run("garbled version", func(t *testing.T) {
		_, err := parser.ParseSIP([]byte("SIP/banana 200 OK\r\n" + mandatory))
		require.Error(t, err)
	})
}

func BenchmarkParseSIP(b *testing.B) {
	raw := []byte(strings.Join([]string{
		"INVITE sip:carol@chicago.com SIP/2.0",
		"Via: SIP/2.0/UDP lab.atlanta.com:5071;branch=" + GenerateBranch(),
		"Max-Forwards: 70",
		"From: \"Alice\" <sip:alice@atlanta.com>;tag=9fxced76sl",
		"To: \"Carol\" <sip:carol@chicago.com>",
		"Call-ID: bench-1189237@lab.atlanta.com",
		"CSeq: 1 INVITE",
		"Contact: <sip:alice@lab.atlanta.com>",
		"Content-Type: application/sdp",
		"Content-Length: 21",
		"",
		"v=0\r\no=alice 1 1 IN\r\n",
	}, "\r\n"))
	parser := NewParser()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := parser.ParseSIP(raw); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseStartLine(b *testing.B) {
	p := NewParser()
	d := []byte("INVITE sip:bob@biloxi.com SIP/2.0\r\n")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := p.parseStartLine(d, true); err != nil {
			b.Fatal(err)
		}
	}
}
