package transport

import (
	"testing"

	"github.com/randijunior/sipcore/sip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAliveClassification(t *testing.T) {
	noise, ping := isKeepAlive([]byte("\r\n\r\n"))
	assert.True(t, noise)
	assert.True(t, ping)

	// A lone CRLF is discarded without an answer (RFC 5626 §3.5.1).
	noise, ping = isKeepAlive([]byte("\r\n"))
	assert.True(t, noise)
	assert.False(t, ping)

	noise, ping = isKeepAlive([]byte("\n\r"))
	assert.True(t, noise)
	assert.False(t, ping)

	noise, _ = isKeepAlive([]byte("INVITE sip:bob@biloxi.com SIP/2.0\r\n"))
	assert.False(t, noise)

	noise, _ = isKeepAlive([]byte("\r\nX\r"))
	assert.False(t, noise)
}

func parseTestRequest(t *testing.T, raw string) *sip.Request {
	t.Helper()
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	return msg.(*sip.Request)
}

func TestStampViaReceived(t *testing.T) {
	raw := "OPTIONS sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP client.atlanta.com:5060;branch=z9hG4bK77asjd\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=88sja8x\r\n" +
		"To: Bob <sip:bob@biloxi.com>\r\n" +
		"Call-ID: 987asjd97y7atg\r\n" +
		"CSeq: 986759 OPTIONS\r\n" +
		"Content-Length: 0\r\n\r\n"

	t.Run("domain sent-by gets received param", func(t *testing.T) {
		req := parseTestRequest(t, raw)
		req.SetSource("192.0.2.44:5060")

		stampViaReceived(req)
		received, ok := req.Via().Params.Get("received")
		require.True(t, ok)
		assert.Equal(t, "192.0.2.44", received)
	})

	t.Run("matching literal sent-by left alone", func(t *testing.T) {
		req := parseTestRequest(t, raw)
		via := req.Via()
		via.Host = "192.0.2.44"
		req.SetSource("192.0.2.44:5060")

		stampViaReceived(req)
		_, ok := req.Via().Params.Get("received")
		assert.False(t, ok)
	})

	t.Run("empty rport filled with source port", func(t *testing.T) {
		req := parseTestRequest(t, raw)
		req.Via().Params.Add("rport", "")
		req.SetSource("192.0.2.44:9999")

		stampViaReceived(req)
		rport, _ := req.Via().Params.Get("rport")
		assert.Equal(t, "9999", rport)
	})
}
