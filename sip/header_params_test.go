package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Params serialize in insertion order; Via and Route equality in the
// round-trip tests depends on that.
func TestHeaderParamsOrder(t *testing.T) {
	hp := NewParams()
	hp.Add("branch", "z9hG4bK776asdhds")
	hp.Add("received", "192.0.2.44")
	hp.Add("rport", "")

	assert.Equal(t, "branch=z9hG4bK776asdhds;received=192.0.2.44;rport", hp.ToString(';'))
	assert.Equal(t, []string{"branch", "received", "rport"}, hp.Keys())
}

func TestHeaderParamsAddOverwrites(t *testing.T) {
	hp := NewParams()
	hp.Add("ttl", "1")
	hp.Add("ttl", "16")

	require.Equal(t, 1, hp.Length())
	v, ok := hp.Get("ttl")
	require.True(t, ok)
	assert.Equal(t, "16", v)
}

func TestHeaderParamsRemove(t *testing.T) {
	hp := NewParams()
	hp.Add("lr", "")
	hp.Add("maddr", "239.255.255.1")
	hp.Remove("lr")

	assert.False(t, hp.Has("lr"))
	assert.True(t, hp.Has("maddr"))
	assert.Equal(t, "maddr=239.255.255.1", hp.ToString(';'))
}

func TestHeaderParamsCloneIsIndependent(t *testing.T) {
	hp := NewParams()
	hp.Add("transport", "udp")

	cl := hp.Clone()
	cl.Add("transport", "tcp")
	cl.Add("lr", "")

	v, _ := hp.Get("transport")
	assert.Equal(t, "udp", v)
	assert.False(t, hp.Has("lr"))
}

func BenchmarkHeaderParamsLookup(b *testing.B) {
	hp := NewParams()
	hp.Add("branch", "z9hG4bK776asdhds")
	hp.Add("received", "192.0.2.44")
	hp.Add("rport", "5060")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := hp.Get("rport"); !ok {
			b.Fatal("rport lost")
		}
	}
}
