package sip

import (
	"errors"
	"strconv"
	"strings"
)

func headerParserVia(headerName []byte, headerText string) (header Header, err error) {
	h := ViaHeader{
		Params: HeaderParams{},
	}
	return &h, parseViaHeader(headerText, &h)
}

// viaStage identifies where a Via value's grammar parse currently sits.
// RFC 3261 §20.42: "Via: SIP/2.0/UDP erlang.bell-telephone.com;branch=z9hG4bK87asdks7"
// A header can carry a comma-joined list of these; viaStageParams signals
// the rest via errComaDetected so the caller can split and restart at
// viaStageProtocol for the next value (see parse_header.go's use of it).
type viaStage int

const (
	viaStageProtocol viaStage = iota
	viaStageVersion
	viaStageTransport
	viaStageHost
	viaStageParams
	viaStageDone
)

// viaStep advances a Via parse by one stage, returning the next stage, how
// many bytes of s it consumed, and any error. Returning viaStageDone ends
// the parse, whether or not err is nil.
type viaStep func(h *ViaHeader, s string) (next viaStage, consumed int, err error)

var viaSteps = map[viaStage]viaStep{
	viaStageProtocol:  viaParseProtocol,
	viaStageVersion:   viaParseVersion,
	viaStageTransport: viaParseTransport,
	viaStageHost:      viaParseHost,
	viaStageParams:    viaParseParams,
}

// parseViaHeader parses ViaHeader
// Note that although Via headers may contain a comma-separated list, RFC 3261 makes it clear that
// these should not be treated as separate logical Via headers, but as multiple values on a single
// Via header.
func parseViaHeader(headerText string, h *ViaHeader) error {
	h.Params = NewParams()

	stage := viaStageProtocol
	ind := 0
	for stage != viaStageDone {
		step := viaSteps[stage]
		next, consumed, err := step(h, headerText[ind:])
		if err != nil {
			if _, ok := err.(errComaDetected); ok {
				err = errComaDetected(ind + consumed)
			}
			return err
		}
		ind += consumed
		stage = next
	}
	return nil
}

func viaParseProtocol(h *ViaHeader, s string) (viaStage, int, error) {
	ind := strings.IndexRune(s, '/')
	if ind < 0 {
		return viaStageDone, 0, errors.New("malformed protocol name in Via header")
	}
	h.ProtocolName = strings.TrimSpace(s[:ind])
	return viaStageVersion, ind + 1, nil
}

func viaParseVersion(h *ViaHeader, s string) (viaStage, int, error) {
	ind := strings.IndexRune(s, '/')
	if ind < 0 {
		return viaStageDone, 0, errors.New("malformed protocol version in Via header")
	}
	h.ProtocolVersion = strings.TrimSpace(s[:ind])
	return viaStageTransport, ind + 1, nil
}

func viaParseTransport(h *ViaHeader, s string) (viaStage, int, error) {
	ind := strings.IndexAny(s, " \t")
	if ind < 0 {
		return viaStageDone, 0, errors.New("malformed transport in Via header")
	}
	h.Transport = strings.TrimSpace(s[:ind])
	return viaStageHost, ind + 1, nil
}

func viaParseHost(h *ViaHeader, s string) (viaStage, int, error) {
	var colonInd int
	endIndex := len(s)

loop:
	for i, c := range s {
		switch c {
		case ';':
			endIndex = i
			break loop
		case ':':
			colonInd = i // URI carries an explicit port
		}
	}

	if colonInd > 0 {
		if port, err := strconv.Atoi(s[colonInd+1 : endIndex]); err == nil {
			h.Port = port
			h.Host = strings.TrimSpace(s[:colonInd])
		} else {
			// No parseable port after the last colon: the colons belong
			// to a bracketed IPv6 sent-by host.
			h.Host = strings.TrimSpace(s[:endIndex])
		}
	} else {
		h.Host = strings.TrimSpace(s[:endIndex])
	}

	if endIndex == len(s) {
		return viaStageDone, 0, nil
	}
	return viaStageParams, endIndex + 1, nil
}

func viaParseParams(h *ViaHeader, s string) (viaStage, int, error) {
	if coma := strings.IndexRune(s, ','); coma > 0 {
		if _, err := UnmarshalHeaderParams(s[:coma], ';', ',', &h.Params); err != nil {
			return viaStageDone, 0, err
		}
		return viaStageProtocol, coma, errComaDetected(coma)
	}

	_, err := UnmarshalHeaderParams(s, ';', '\r', &h.Params)
	return viaStageDone, 0, err
}
