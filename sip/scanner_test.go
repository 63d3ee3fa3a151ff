package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerAdvanceTracksPosition(t *testing.T) {
	sc := NewScanner([]byte("ab\r\ncd"))

	b, err := sc.Advance()
	require.NoError(t, err)
	require.Equal(t, byte('a'), b)
	require.Equal(t, 1, sc.line)
	require.Equal(t, 2, sc.col)

	// Consume b, \r, \n. The newline resets column and bumps line.
	for i := 0; i < 3; i++ {
		_, err = sc.Advance()
		require.NoError(t, err)
	}
	require.Equal(t, 2, sc.line)
	require.Equal(t, 1, sc.col)

	sc.Advance()
	sc.Advance()
	require.True(t, sc.IsEOF())

	_, err = sc.Advance()
	require.Error(t, err)
	perr := err.(*ParseError)
	require.Equal(t, ErrEof, perr.Kind)
}

func TestScannerPeek(t *testing.T) {
	sc := NewScanner([]byte("SIP/2.0 200 OK"))

	b, ok := sc.Peek()
	require.True(t, ok)
	require.Equal(t, byte('S'), b)
	// Peek must not consume.
	require.Equal(t, 0, sc.Pos())

	head, ok := sc.PeekN(8)
	require.True(t, ok)
	require.Equal(t, "SIP/2.0 ", string(head))

	_, ok = sc.PeekN(100)
	require.False(t, ok)

	require.True(t, sc.StartsWith("SIP/2.0 "))
	require.False(t, sc.StartsWith("INVITE"))
}

func TestScannerMustRead(t *testing.T) {
	sc := NewScanner([]byte("a:"))

	require.Error(t, sc.MustRead(':'))
	perr := sc.MustRead(':').(*ParseError)
	require.Equal(t, ErrChar, perr.Kind)
	require.Equal(t, byte(':'), perr.Expected)
	require.Equal(t, byte('a'), perr.Found)

	require.NoError(t, sc.MustRead('a'))
	require.NoError(t, sc.MustRead(':'))

	err := sc.MustRead('x')
	require.Error(t, err)
	require.Equal(t, ErrEof, err.(*ParseError).Kind)
}

func TestScannerReadWhileUntil(t *testing.T) {
	sc := NewScanner([]byte("INVITE sip:bob@biloxi.com"))

	method := sc.ReadToken()
	require.Equal(t, "INVITE", string(method))

	// ReadWhile on a non-matching head returns an empty slice, no error.
	empty := sc.ReadWhile(isASCIIDigit)
	require.Empty(t, empty)

	require.NoError(t, sc.MustRead(' '))
	scheme := sc.ReadUntil(':')
	require.Equal(t, "sip", string(scheme))

	// ReadUntil runs to EOF when the delimiter never shows up.
	rest := sc.ReadUntil('!')
	require.Equal(t, ":bob@biloxi.com", string(rest))
	require.True(t, sc.IsEOF())
}

func TestScannerReadNumber(t *testing.T) {
	sc := NewScanner([]byte("314159 INVITE"))
	v, err := sc.ReadNumber()
	require.NoError(t, err)
	require.EqualValues(t, 314159, v)

	// No digits at cursor.
	_, err = sc.ReadNumber()
	require.Error(t, err)
	require.Equal(t, ErrNum, err.(*ParseError).Kind)

	// Overflow past uint64.
	sc = NewScanner([]byte("99999999999999999999"))
	_, err = sc.ReadNumber()
	require.Error(t, err)
	require.Equal(t, ErrNum, err.(*ParseError).Kind)
}

func TestScannerReadU16(t *testing.T) {
	sc := NewScanner([]byte("5060"))
	v, err := sc.ReadU16()
	require.NoError(t, err)
	require.EqualValues(t, 5060, v)

	sc = NewScanner([]byte("70000"))
	_, err = sc.ReadU16()
	require.Error(t, err)
	assert.Equal(t, ErrNum, err.(*ParseError).Kind)
}

func TestScannerErrorPosition(t *testing.T) {
	sc := NewScanner([]byte("line one\r\nline two"))
	sc.ReadUntil('\r')
	sc.Advance() // \r
	sc.Advance() // \n
	sc.ReadUntil(' ')

	_, err := sc.ReadNumber()
	require.Error(t, err)
	perr := err.(*ParseError)
	require.Equal(t, 2, perr.Line)
	require.Equal(t, 5, perr.Col)
}
