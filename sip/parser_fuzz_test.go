package sip

import (
	"strings"
	"testing"
)

// FuzzParseSIP feeds arbitrary bytes through the datagram parser. The
// property under test is only that parsing never panics and that a
// successfully parsed message can be serialized again.
func FuzzParseSIP(f *testing.F) {
	seeds := []string{
		strings.Join([]string{
			"OPTIONS sip:bob@biloxi.com SIP/2.0",
			"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds",
			"From: Alice <sip:alice@atlanta.com>;tag=1928301774",
			"To: Bob <sip:bob@biloxi.com>",
			"Call-ID: a84b4c76e66710@pc33.atlanta.com",
			"CSeq: 63104 OPTIONS",
			"Content-Length: 0",
			"",
			"",
		}, "\r\n"),
		"SIP/2.0 180 Ringing\r\n\r\n",
		"\r\n\r\n",
		"INVITE bob SIP/2.0\r\n",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	parser := NewParser()
	f.Fuzz(func(t *testing.T, raw string) {
		msg, err := parser.ParseSIP([]byte(raw))
		if err != nil {
			return
		}
		if msg.String() == "" {
			t.Errorf("parsed message serialized to nothing: %q", raw)
		}
	})
}
