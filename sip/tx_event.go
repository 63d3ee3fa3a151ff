package sip

// txEvent is a signal fed into a transaction's state table: an incoming
// message, a timer firing, or a transport/TU-level occurrence.
type txEvent int

// txState names where a transaction currently sits in its RFC 3261 §17
// state table. Client and server transactions each keep their own numeric
// range; the type is shared only so both can be stored and logged the same
// way.
type txState int

const evNone txEvent = 0

// Events a server transaction's table reacts to.
const (
	evRequest txEvent = iota + 1
	evAck
	evCancelRequest
	ev1xxFromTU
	ev2xxFromTU
	ev300PlusFromTU
	evTimerG
	evTimerH
	evTimerI
	evTimerJ
	evTimerL
	evTransportErr
	evDelete
)

// Events a client transaction's table reacts to.
const (
	ev1xx txEvent = iota + 100
	ev2xx
	ev300Plus
	evTimerA
	evTimerB
	evTimerD
	evTimerM
	evClientTransportErr
	evClientDelete
	evCancel
	evCanceled
)

// Client transaction states (RFC 3261 §17.1).
const (
	stCalling txState = iota
	stProceeding
	stCompleted
	stAccepted
	stTerminated
)

// Server transaction states (RFC 3261 §17.2, plus RFC 6026 Accepted). The
// INVITE and non-INVITE tables get distinct state values even where their
// meaning overlaps (e.g. both terminate), since a server transaction
// commits to one table for its whole lifetime and mixing the numbering
// would only cost clarity.
const (
	stInviteProceeding txState = iota + 20
	stInviteCompleted
	stInviteConfirmed
	stInviteAccepted
	stInviteTerminated
)

const (
	stNITrying txState = iota + 40
	stNIProceeding
	stNICompleted
	stNITerminated
)

var eventNames = map[txEvent]string{
	evNone:               "none",
	evRequest:            "request",
	evAck:                "ack",
	evCancelRequest:      "cancel",
	ev1xxFromTU:          "tu-1xx",
	ev2xxFromTU:          "tu-2xx",
	ev300PlusFromTU:      "tu-300+",
	evTimerG:             "timer-g",
	evTimerH:             "timer-h",
	evTimerI:             "timer-i",
	evTimerJ:             "timer-j",
	evTimerL:             "timer-l",
	evTransportErr:       "transport-err",
	evDelete:             "delete",
	ev1xx:                "1xx",
	ev2xx:                "2xx",
	ev300Plus:            "300+",
	evTimerA:             "timer-a",
	evTimerB:             "timer-b",
	evTimerD:             "timer-d",
	evTimerM:             "timer-m",
	evClientTransportErr: "transport-err",
	evClientDelete:       "delete",
	evCancel:             "cancel",
	evCanceled:           "canceled",
}

func (e txEvent) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "unknown-event"
}

var clientStateNames = map[txState]string{
	stCalling:    "calling",
	stProceeding: "proceeding",
	stCompleted:  "completed",
	stAccepted:   "accepted",
	stTerminated: "terminated",
}

var serverStateNames = map[txState]string{
	stInviteProceeding: "proceeding",
	stInviteCompleted:  "completed",
	stInviteConfirmed:  "confirmed",
	stInviteAccepted:   "accepted",
	stInviteTerminated: "terminated",
	stNITrying:         "trying",
	stNIProceeding:     "proceeding",
	stNICompleted:      "completed",
	stNITerminated:     "terminated",
}
