package sipcore

import (
	"strings"
	"testing"

	"github.com/randijunior/sipcore/sip"

	"github.com/stretchr/testify/require"
)

// testCreateMessage parses a raw fixture, failing the test on any error.
func testCreateMessage(t testing.TB, rawMsg []string) sip.Message {
	msg, err := sip.ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)
	return msg
}

func testCreateRequest(t testing.TB, method, targetSipUri, transport, fromAddr string) *sip.Request {
	return testCreateMessage(t, []string{
		method + " " + targetSipUri + " SIP/2.0",
		"Via: SIP/2.0/" + transport + " " + fromAddr + ";branch=" + sip.GenerateBranch(),
		"From: \"Alice\" <sip:alice@" + fromAddr + ">;tag=" + sip.GenerateTagN(12),
		"To: \"Carol\" <" + targetSipUri + ">",
		"Call-ID: gotest-" + sip.GenerateTagN(16),
		"CSeq: 1 " + method,
		"Content-Length: 0",
		"",
		"",
	}).(*sip.Request)
}

// createTestInvite returns an INVITE plus the identifiers follow-up
// requests need to stay in the same call leg.
func createTestInvite(t testing.TB, targetSipUri, transport, fromAddr string) (*sip.Request, string, string) {
	callid := "gotest-" + sip.GenerateTagN(16)
	ftag := sip.GenerateTagN(12)
	return testCreateMessage(t, []string{
		"INVITE " + targetSipUri + " SIP/2.0",
		"Via: SIP/2.0/" + transport + " " + fromAddr + ";branch=" + sip.GenerateBranch(),
		"From: \"Alice\" <sip:alice@" + fromAddr + ">;tag=" + ftag,
		"To: \"Carol\" <" + targetSipUri + ">",
		"Call-ID: " + callid,
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}).(*sip.Request), callid, ftag
}

// createTestBye continues the dialog createTestInvite started.
func createTestBye(t testing.TB, targetSipUri, transport, fromAddr, callid, ftag, totag string) *sip.Request {
	return testCreateMessage(t, []string{
		"BYE " + targetSipUri + " SIP/2.0",
		"Via: SIP/2.0/" + transport + " " + fromAddr + ";branch=" + sip.GenerateBranch(),
		"From: \"Alice\" <sip:alice@" + fromAddr + ">;tag=" + ftag,
		"To: \"Carol\" <" + targetSipUri + ">;tag=" + totag,
		"Call-ID: " + callid,
		"CSeq: 2 BYE",
		"Content-Length: 0",
		"",
		"",
	}).(*sip.Request)
}
