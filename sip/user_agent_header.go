package sip

import (
	"io"
	"strings"
)

// UserAgentHeader carries the software identity a UA advertises
// (RFC 3261 §20.41). The value is free-form product text.
type UserAgentHeader string

func (h *UserAgentHeader) Name() string { return "User-Agent" }

func (h *UserAgentHeader) Value() string {
	if h == nil {
		return ""
	}
	return string(*h)
}

func (h *UserAgentHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}

func (h *UserAgentHeader) StringWrite(w io.StringWriter) {
	w.WriteString(h.Name())
	w.WriteString(": ")
	w.WriteString(h.Value())
}

func (h *UserAgentHeader) headerClone() Header { return h }
