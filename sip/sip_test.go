package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBranch(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		branch := GenerateBranch()
		require.True(t, strings.HasPrefix(branch, RFC3261BranchMagicCookie))
		// Cookie, a dot, then 16 chars of entropy.
		require.Len(t, branch, len(RFC3261BranchMagicCookie)+1+16)
		require.False(t, seen[branch], "branch repeated: %s", branch)
		seen[branch] = true
	}

	short := GenerateBranchN(7)
	assert.Len(t, short, len(RFC3261BranchMagicCookie)+1+7)
}

func TestDialogIDFromMessages(t *testing.T) {
	req := testCreateRequest(t, "BYE", "sip:bob@biloxi.com", "UDP", "atlanta.com:5060")
	req.To().Params.Add("tag", "totag-1")
	fromTag, _ := req.From().Params.Get("tag")

	uasID, err := DialogIDFromRequestUAS(req)
	require.NoError(t, err)
	uacID, err := DialogIDFromRequestUAC(req)
	require.NoError(t, err)

	callID := req.CallID().Value()
	assert.Equal(t, DialogIDMake(callID, "totag-1", fromTag), uasID)
	assert.Equal(t, DialogIDMake(callID, fromTag, "totag-1"), uacID)
	assert.NotEqual(t, uasID, uacID)
}

func BenchmarkGenerateBranch(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if branch := GenerateBranch(); len(branch) == 0 {
			b.Fatal("empty branch")
		}
	}
}
