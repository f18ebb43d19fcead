package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwner_EmptyRing(t *testing.T) {
	r := New()
	_, ok := r.Owner("queue:0")
	assert.False(t, ok)
}

func TestOwner_SingleNodeOwnsEverything(t *testing.T) {
	r := New()
	r.AddNode("node-a")

	for i := 0; i < 100; i++ {
		owner, ok := r.Owner(fmt.Sprintf("queue:%d", i))
		require.True(t, ok)
		assert.Equal(t, "node-a", owner)
	}
}

func TestAddNode_Idempotent(t *testing.T) {
	r := New()
	r.AddNode("node-a")
	r.AddNode("node-a")
	assert.Len(t, r.Members(), 1)
}

func TestRemoveNode_FallsBackToRemainingNodes(t *testing.T) {
	r := New()
	r.AddNode("node-a")
	r.AddNode("node-b")
	r.RemoveNode("node-b")

	owner, ok := r.Owner("queue:42")
	require.True(t, ok)
	assert.Equal(t, "node-a", owner)
}

// TestAddNode_StableMovement checks the spec §8 property: adding a node
// moves at most ~1/(n+1) of keys (within ±10% over 1000 keys).
func TestAddNode_StableMovement(t *testing.T) {
	const numKeys = 1000
	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("demo:%d", i)
	}

	r := New()
	for _, n := range []string{"n1", "n2", "n3"} {
		r.AddNode(n)
	}

	before := make(map[string]string, numKeys)
	for _, k := range keys {
		owner, _ := r.Owner(k)
		before[k] = owner
	}

	r.AddNode("n4")

	moved := 0
	for _, k := range keys {
		owner, _ := r.Owner(k)
		if owner != before[k] {
			moved++
		}
	}

	expected := float64(numKeys) / 4.0
	tolerance := expected * 0.1 // ±10%
	assert.InDelta(t, expected, float64(moved), tolerance,
		"expected roughly 1/4 of keys to move, got %d/%d", moved, numKeys)
}

func TestRing_64VirtualNodesPerNode(t *testing.T) {
	r := New()
	r.AddNode("solo")
	assert.Len(t, r.tokens, VirtualNodes)
}
