package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoViaMessage(t *testing.T) *Request {
	t.Helper()
	req := testCreateRequest(t, "OPTIONS", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	second := &ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "proxy.atlanta.com",
		Params:          NewParams(),
	}
	second.Params.Add("branch", "z9hG4bK-below")
	req.AppendHeader(second)
	return req
}

// The typed accessor must keep answering with the TOPMOST header of a kind
// as more of that kind are appended below it.
func TestHeadersTopmostVia(t *testing.T) {
	req := twoViaMessage(t)

	vias := req.GetHeaders("Via")
	require.Len(t, vias, 2)
	require.Same(t, vias[0].(*ViaHeader), req.Via())

	// Prepending makes the new hop the topmost.
	top := &ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "TCP", Host: "edge.atlanta.com", Params: NewParams()}
	req.PrependHeader(top)
	require.Same(t, top, req.Via())
}

func TestHeadersRemoveRecaches(t *testing.T) {
	req := twoViaMessage(t)

	req.RemoveHeader("Via")
	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "proxy.atlanta.com", via.Host)

	req.RemoveHeader("Via")
	assert.Nil(t, req.Via())
	assert.Empty(t, req.GetHeaders("Via"))
}

func TestHeadersReplace(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")

	length := ContentLengthHeader(42)
	req.ReplaceHeader(&length)
	require.Same(t, &length, req.ContentLength())

	// Replacing a header that does not exist appends it.
	ct := ContentTypeHeader("application/sdp")
	req.ReplaceHeader(&ct)
	require.Same(t, &ct, req.ContentType())
}

func TestHeadersAppendAfter(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")

	h := NewHeader("Expires", "300")
	req.AppendHeaderAfter(h, "Via")

	all := req.Headers()
	for i, hdr := range all {
		if hdr.Name() == "Via" {
			require.Greater(t, len(all), i+1)
			assert.Equal(t, "Expires", all[i+1].Name())
			return
		}
	}
	t.Fatal("no Via header found")
}
