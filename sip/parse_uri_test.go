package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseUri(t *testing.T, raw string) Uri {
	t.Helper()
	var uri Uri
	require.NoError(t, ParseUri(raw, &uri), raw)
	return uri
}

func TestParseUriForms(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Uri
	}{
		{
			name: "user and host",
			raw:  "sip:carol@chicago.com",
			want: Uri{Scheme: "sip", User: "carol", Host: "chicago.com"},
		},
		{
			name: "explicit port",
			raw:  "sip:carol@chicago.com:5080",
			want: Uri{Scheme: "sip", User: "carol", Host: "chicago.com", Port: 5080},
		},
		{
			name: "password",
			raw:  "sip:carol:secret@chicago.com",
			want: Uri{Scheme: "sip", User: "carol", Password: "secret", Host: "chicago.com"},
		},
		{
			name: "sips marks encrypted",
			raw:  "sips:carol@chicago.com",
			want: Uri{Scheme: "sips", User: "carol", Host: "chicago.com", Encrypted: true},
		},
		{
			name: "host only",
			raw:  "sip:chicago.com",
			want: Uri{Scheme: "sip", Host: "chicago.com"},
		},
		{
			name: "ip host",
			raw:  "sip:192.0.2.4",
			want: Uri{Scheme: "sip", Host: "192.0.2.4"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			uri := mustParseUri(t, tc.raw)
			assert.Equal(t, tc.want.Scheme, uri.Scheme)
			assert.Equal(t, tc.want.User, uri.User)
			assert.Equal(t, tc.want.Password, uri.Password)
			assert.Equal(t, tc.want.Host, uri.Host)
			assert.Equal(t, tc.want.Port, uri.Port)
			assert.Equal(t, tc.want.Encrypted, uri.IsEncrypted())
			// Serialization round-trips the input.
			assert.Equal(t, tc.raw, uri.String())
		})
	}
}

func TestParseUriSchemeCase(t *testing.T) {
	for _, raw := range []string{"sip:carol@chicago.com", "SIP:carol@chicago.com", "sIp:carol@chicago.com"} {
		uri := mustParseUri(t, raw)
		assert.Equal(t, "sip", uri.Scheme)
		assert.False(t, uri.IsEncrypted())
	}
	for _, raw := range []string{"sips:carol@chicago.com", "SIPS:carol@chicago.com"} {
		uri := mustParseUri(t, raw)
		assert.True(t, uri.IsEncrypted())
	}
}

func TestParseUriHierarchicalSlashes(t *testing.T) {
	// Not RFC 3261 grammar, but some peers send it; it must round-trip.
	uri := mustParseUri(t, "sip://carol@chicago.com:5080")
	assert.Equal(t, "carol", uri.User)
	assert.True(t, uri.HierarhicalSlashes)
	assert.Equal(t, "sip://carol@chicago.com:5080", uri.String())
}

func TestParseUriParamsAndHeaders(t *testing.T) {
	uri := mustParseUri(t, "sip:carol:pw@chicago.com:5080;lr;transport=tcp;method=REGISTER?to=sip:carol%40chicago.com")

	assert.Equal(t, "carol", uri.User)
	assert.Equal(t, "pw", uri.Password)
	assert.Equal(t, 5080, uri.Port)

	require.Equal(t, 3, uri.UriParams.Length())
	lr, ok := uri.UriParams.Get("lr")
	assert.True(t, ok)
	assert.Equal(t, "", lr) // lr carries no value
	assert.Equal(t, "tcp", uri.UriParams.GetOr("transport", ""))
	assert.Equal(t, "REGISTER", uri.UriParams.GetOr("method", ""))

	require.Equal(t, 1, uri.Headers.Length())
	assert.Equal(t, "sip:carol%40chicago.com", uri.Headers.GetOr("to", ""))
}

func TestParseUriEscapedHeaders(t *testing.T) {
	uri := mustParseUri(t, "sips:carol@chicago.com?subject=project%20x&priority=urgent")
	assert.Equal(t, "project%20x", uri.Headers.GetOr("subject", ""))
	assert.Equal(t, "urgent", uri.Headers.GetOr("priority", ""))
}

func TestParseUriIPv6(t *testing.T) {
	t.Run("bare reference", func(t *testing.T) {
		uri := mustParseUri(t, "sip:[2001:db8::9:1]")
		assert.Equal(t, "[2001:db8::9:1]", uri.Host)
		assert.Zero(t, uri.Port)
	})

	t.Run("reference with port and params", func(t *testing.T) {
		uri := mustParseUri(t, "sip:carol@[2001:db8::9:1]:5080;transport=tcp")
		assert.Equal(t, "carol", uri.User)
		assert.Equal(t, "[2001:db8::9:1]", uri.Host)
		assert.Equal(t, 5080, uri.Port)
		assert.Equal(t, "tcp", uri.UriParams.GetOr("transport", ""))
	})

	t.Run("unterminated reference", func(t *testing.T) {
		var uri Uri
		require.Error(t, ParseUri("sip:[2001:db8::9:1", &uri))
	})

	t.Run("not an address", func(t *testing.T) {
		var uri Uri
		require.Error(t, ParseUri("sip:[2001:db8::9:1:ffff:ffff:ffff:ffff:ffff]", &uri))
	})
}

func TestParseUriRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"no scheme":      "carol@chicago.com",
		"unknown scheme": "mailto:carol@chicago.com",
		"bad scheme":     "<sip:carol@chicago.com>",
		"double port":    "sip:chicago.com:5060:5060",
		"empty":          "",
	} {
		t.Run(name, func(t *testing.T) {
			var uri Uri
			require.Error(t, ParseUri(raw, &uri), raw)
		})
	}
}

func TestParseUriTel(t *testing.T) {
	uri := mustParseUri(t, "tel:+1-201-555-0123;phone-context=example.com")
	assert.Equal(t, "tel", uri.Scheme)
	assert.Equal(t, "+1-201-555-0123", uri.User)
	assert.Equal(t, "example.com", uri.UriParams.GetOr("phone-context", ""))
}
