package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressForms(t *testing.T) {
	t.Run("quoted display name with uri params", func(t *testing.T) {
		var uri Uri
		params := NewParams()
		display, err := ParseAddressValue(`"Carol" <sips:carol:pw@chicago.com:5080;user=phone>;tag=887s`, &uri, &params)
		require.NoError(t, err)

		assert.Equal(t, "Carol", display)
		assert.Equal(t, "carol", uri.User)
		assert.Equal(t, "pw", uri.Password)
		assert.Equal(t, "chicago.com", uri.Host)
		assert.Equal(t, 5080, uri.Port)
		assert.True(t, uri.IsEncrypted())

		// user=phone stays a URI param, tag is a header param.
		assert.Equal(t, "phone", uri.UriParams.GetOr("user", ""))
		assert.Equal(t, 1, uri.UriParams.Length())
		assert.Equal(t, "887s", params.GetOr("tag", ""))
	})

	t.Run("no display name no brackets", func(t *testing.T) {
		var uri Uri
		params := NewParams()
		display, err := ParseAddressValue("sip:7170@198.51.100.31;tag=9fxced76sl", &uri, &params)
		require.NoError(t, err)

		assert.Empty(t, display)
		assert.Equal(t, "7170", uri.User)
		assert.Equal(t, "198.51.100.31", uri.Host)
		assert.Equal(t, "9fxced76sl", params.GetOr("tag", ""))
	})

	t.Run("unquoted display name", func(t *testing.T) {
		var uri Uri
		params := NewParams()
		display, err := ParseAddressValue("Carol <sip:carol@chicago.com>", &uri, &params)
		require.NoError(t, err)
		assert.Equal(t, "Carol", display)
		assert.Equal(t, "carol", uri.User)
	})

	t.Run("display name glued to bracket", func(t *testing.T) {
		// RFC 4475 lwsdisp: no LWS between display name and '<'.
		var uri Uri
		params := NewParams()
		display, err := ParseAddressValue("caller<sip:caller@example.net>;tag=323", &uri, &params)
		require.NoError(t, err)
		assert.Equal(t, "caller", display)
		assert.Equal(t, "caller", uri.User)
		assert.Equal(t, "323", params.GetOr("tag", ""))
	})

	t.Run("bare header param", func(t *testing.T) {
		var uri Uri
		params := NewParams()
		_, err := ParseAddressValue("<sip:carol@chicago.com>;+sip.instance;expires=60", &uri, &params)
		require.NoError(t, err)
		assert.True(t, params.Has("+sip.instance"))
		assert.Equal(t, "60", params.GetOr("expires", ""))
	})
}

func TestParseAddressWildcard(t *testing.T) {
	var uri Uri
	params := NewParams()
	display, err := ParseAddressValue("*", &uri, &params)
	require.NoError(t, err)

	assert.Empty(t, display)
	assert.True(t, uri.Wildcard)
	assert.Equal(t, "*", uri.Host)
}

func TestParseAddressBad(t *testing.T) {
	var uri Uri
	params := NewParams()
	_, err := ParseAddressValue("<sip:198.51.100.31:5060:5060;lr>", &uri, &params)
	require.Error(t, err)
}

func BenchmarkParseAddress(b *testing.B) {
	const addr = `"Carol" <sips:carol:pw@chicago.com:5080;user=phone>;tag=887s`
	for i := 0; i < b.N; i++ {
		var uri Uri
		params := NewParams()
		if _, err := ParseAddressValue(addr, &uri, &params); err != nil {
			b.Fatal(err)
		}
	}
}
