package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// streamPhase tracks how far into the current message a stream parse has
// come. Over stream transports Content-Length is mandatory (RFC 3261
// §7.5), so the body boundary is never ambiguous once headers are in.
type streamPhase int

const (
	phaseStartLine streamPhase = iota
	phaseHeaders
	phaseBody
	phaseDone streamPhase = -1
)

var streamBufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// ParserStream frames and parses SIP messages arriving as an arbitrary
// byte stream: segments may split anywhere, including mid start-line. One
// ParserStream serves one connection and is not safe for concurrent use.
type ParserStream struct {
	p *Parser

	buf       *bytes.Buffer
	phase     streamPhase
	totalRead int

	msg        Message
	headerBuf  []Header
	contentLen *ContentLengthHeader
	bodyOff    int
}

// reset clears per-message progress, keeping the buffer's unread tail.
func (s *ParserStream) reset() {
	s.phase = phaseStartLine
	s.totalRead = 0
	s.msg = nil
	for i := range s.headerBuf {
		s.headerBuf[i] = nil
	}
	s.headerBuf = s.headerBuf[:0]
	s.contentLen = nil
	s.bodyOff = 0
}

// Reset drops the in-progress message and every buffered byte.
func (s *ParserStream) Reset() {
	s.reset()
	if s.buf != nil {
		s.buf.Reset()
	}
}

// Close releases the internal buffer back to the pool.
func (s *ParserStream) Close() {
	s.reset()
	if buf := s.buf; buf != nil {
		s.buf = nil
		streamBufPool.Put(buf)
	}
}

// Buffer exposes the internal buffer, e.g. to inspect unparsed bytes
// before a Discard-based recovery.
func (s *ParserStream) Buffer() *bytes.Buffer {
	if s.buf == nil {
		s.buf = streamBufPool.Get().(*bytes.Buffer)
		s.buf.Reset()
	}
	return s.buf
}

// Write appends stream bytes for ParseNext to consume.
func (s *ParserStream) Write(data []byte) (int, error) {
	s.Buffer().Write(data)
	return len(data), nil
}

// Discard skips n buffered bytes and restarts message framing; used to
// step over a message that failed to parse.
func (s *ParserStream) Discard(n int) {
	s.reset()
	if s.buf != nil {
		_ = s.buf.Next(n)
	}
}

// ParseSIPStream feeds data in and invokes cb for every complete message.
// ErrParseSipPartial reports that the tail of data is an incomplete
// message; parsing resumes on the next call.
func (s *ParserStream) ParseSIPStream(data []byte, cb func(msg Message)) error {
	if _, err := s.Write(data); err != nil {
		return err
	}
	for s.buf.Len() > 0 {
		msg, _, err := s.ParseNext()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrParseSipPartial
		}
		if err != nil {
			return err
		}
		cb(msg)
	}
	return nil
}

// parseSIPStreamFull is ParseSIPStream collecting into a slice; test
// convenience.
func (s *ParserStream) parseSIPStreamFull(data []byte) (msgs []Message, err error) {
	err = s.ParseSIPStream(data, func(msg Message) {
		msgs = append(msgs, msg)
	})
	return msgs, err
}

// ParseNext parses one message off the buffer. io.ErrUnexpectedEOF means
// more bytes are needed; ErrMessageTooLarge means the message exceeded
// Parser.MaxMessageLength (it is consumed, and the stream can continue).
func (s *ParserStream) ParseNext() (Message, int, error) {
	if s.buf == nil {
		return nil, 0, io.ErrUnexpectedEOF
	}

	err := s.parseSingle()
	msg, n := s.msg, s.totalRead
	if err == nil {
		if n > s.p.MaxMessageLength {
			err = ErrMessageTooLarge
		}
		s.reset()
	}
	return msg, n, err
}

// advance consumes n buffered bytes, counting them against the message
// size limit.
func (s *ParserStream) advance(n int) {
	s.totalRead += n
	_ = s.buf.Next(n)
}

func (s *ParserStream) parseSingle() error {
	if s.buf == nil {
		return io.ErrUnexpectedEOF
	}

	switch s.phase {
	case phaseStartLine:
		if err := s.stepStartLine(); err != nil {
			return err
		}
		fallthrough
	case phaseHeaders:
		if err := s.stepHeaders(); err != nil {
			return err
		}
		if s.phase == phaseDone {
			return nil
		}
		fallthrough
	case phaseBody:
		return s.stepBody()
	default:
		return fmt.Errorf("parser in unknown stream phase %d", s.phase)
	}
}

func (s *ParserStream) stepStartLine() error {
	msg, n, err := s.p.parseStartLine(s.buf.Bytes(), true)
	s.advance(n)
	if err != nil {
		return err
	}
	s.msg = msg
	s.phase = phaseHeaders
	return nil
}

func (s *ParserStream) stepHeaders() error {
	for {
		var n int
		var err error
		s.headerBuf, n, err = s.p.parseNextHeader(s.headerBuf[:0], s.buf.Bytes())
		s.advance(n)

		for _, h := range s.headerBuf {
			if cl, ok := h.(*ContentLengthHeader); ok {
				s.contentLen = cl
			}
			s.msg.AppendHeader(h)
		}

		if err == errParseNoMoreHeaders {
			break
		}
		if err != nil {
			return err
		}
	}

	if s.contentLen == nil {
		// RFC 3261 §7.5: without Content-Length the stream cannot locate
		// the end of this message.
		return ErrParseReadBodyIncomplete
	}

	if *s.contentLen == 0 {
		s.phase = phaseDone
		return nil
	}
	s.msg.SetBody(make([]byte, int(*s.contentLen)))
	s.phase = phaseBody
	return nil
}

func (s *ParserStream) stepBody() error {
	body := s.msg.Body()

	n := copy(body[s.bodyOff:], s.buf.Bytes())
	s.advance(n)
	s.bodyOff += n

	if s.bodyOff < len(body) {
		return io.ErrUnexpectedEOF
	}
	s.phase = phaseDone
	return nil
}
