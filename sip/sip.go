package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
)

// RFC3261BranchMagicCookie marks a Via branch as RFC 3261 compliant and is
// the primary transaction-matching key (RFC 3261 §17.2.3).
const RFC3261BranchMagicCookie = "z9hG4bK"

// TxSeperator joins the components of a dialog/transaction identity string.
const TxSeperator = "__"

var (
	SIPDebug  bool
	siptracer SIPTracer
)

// SIPTracer lets a caller observe raw wire bytes without going through the
// structured logger. Kept on log/slog rather than zerolog, mirroring the
// split the teacher itself carries between this file and the rest of the
// module.
type SIPTracer interface {
	SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte)
	SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte)
}

func SIPDebugTracer(t SIPTracer) {
	siptracer = t
}

func logSIPRead(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceRead(transport, laddr, raddr, sipmsg)
		return
	}
	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s read from %s <- %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

func logSIPWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceWrite(transport, laddr, raddr, sipmsg)
		return
	}
	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s write to %s -> %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

const randAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randAlphabet[rand.Intn(len(randAlphabet))]
	}
	return string(b)
}

// GenerateBranch returns a fresh magic-cookie branch with the default
// entropy length (16 chars, well above the RFC 3261 minimum of 7).
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns a branch of the form MagicCookie.<n random chars>.
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	sb.WriteString(randString(n))
	return sb.String()
}

// GenerateTagN returns n random characters suitable for a From/To tag.
func GenerateTagN(n int) string {
	return randString(n)
}

// DialogIDFromResponse builds the dialog identity a UAC observes: the
// remote (To) tag is the "inner" component, the local (From) tag the
// "external" one, matching DialogIDFromRequestUAC.
func DialogIDFromResponse(msg *Response) (string, error) {
	callID, toTag, fromTag, err := dialogIDComponents(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAS builds the dialog identity for the side that
// received the request (its own tag, the To tag, comes first).
func DialogIDFromRequestUAS(msg *Request) (string, error) {
	callID, toTag, fromTag, err := dialogIDComponents(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAC mirrors DialogIDFromRequestUAS for the side that
// sent the request.
func DialogIDFromRequestUAC(msg *Request) (string, error) {
	callID, toTag, fromTag, err := dialogIDComponents(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, fromTag, toTag), nil
}

func dialogIDComponents(msg Message) (callID, toTag, fromTag string, err error) {
	cid := msg.CallID()
	if cid == nil {
		return "", "", "", fmt.Errorf("missing Call-ID header")
	}

	to := msg.To()
	if to == nil {
		return "", "", "", fmt.Errorf("missing To header")
	}
	var ok bool
	toTag, ok = to.Params.Get("tag")
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in To header")
	}

	from := msg.From()
	if from == nil {
		return "", "", "", fmt.Errorf("missing From header")
	}
	fromTag, ok = from.Params.Get("tag")
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in From header")
	}

	return string(*cid), toTag, fromTag, nil
}

// DialogIDMake joins a Call-ID with the two tag components forming the
// RFC 3261 §12 dialog identity (Call-ID, local-tag, remote-tag).
func DialogIDMake(callID, innerID, externalID string) string {
	return strings.Join([]string{callID, innerID, externalID}, TxSeperator)
}

// MakeDialogID is an alias of DialogIDMake.
func MakeDialogID(callID, innerID, externalID string) string {
	return DialogIDMake(callID, innerID, externalID)
}

// MakeDialogIDFromResponse is an alias of DialogIDFromResponse.
func MakeDialogIDFromResponse(msg *Response) (string, error) {
	return DialogIDFromResponse(msg)
}

// MakeDialogIDFromMessage builds the dialog identity from whichever side of
// the message we received; used by middleware that only sees a generic
// Message and does not know if it is a UAC or UAS leg.
func MakeDialogIDFromMessage(msg Message) (string, error) {
	switch m := msg.(type) {
	case *Request:
		return DialogIDFromRequestUAS(m)
	case *Response:
		return DialogIDFromResponse(m)
	default:
		return "", fmt.Errorf("unsupported message type for dialog id")
	}
}

// UASReadRequestDialogID is an alias of DialogIDFromRequestUAS.
func UASReadRequestDialogID(msg *Request) (string, error) {
	return DialogIDFromRequestUAS(msg)
}

// DialogState tracks where a dialog is in its RFC 3261 §13 lifecycle.
type DialogState int32

const (
	// DialogStateInit is the zero value: no response observed yet.
	DialogStateInit DialogState = iota
	// DialogStateEstablished is set on the first 2xx/1xx-with-tag response.
	DialogStateEstablished
	// DialogStateConfirmed is set once the ACK for a 2xx has been sent/received.
	DialogStateConfirmed
	// DialogStateEnded is set once the dialog has been torn down by BYE.
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEstablished:
		return "established"
	case DialogStateConfirmed:
		return "confirmed"
	case DialogStateEnded:
		return "ended"
	default:
		return "init"
	}
}

// Dialog is the minimal (identity, state) pair observers get notified
// with when a tracked dialog changes state.
type Dialog struct {
	ID    string
	State DialogState
}

func (d Dialog) StateString() string {
	return d.State.String()
}
