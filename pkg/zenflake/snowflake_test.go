package zenflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeOf(t *testing.T) {
	for _, nodeId := range []int64{0, 4, 1023} {
		g, err := NewGenerator(nodeId)
		require.NoError(t, err)
		assert.Equal(t, nodeId, NodeOf(g.Next()))
	}
}

func TestInvalidNode(t *testing.T) {
	_, err := NewGenerator(1024)
	assert.Error(t, err)
}

func TestKeysAreUniqueAndOrdered(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)

	prev := g.Next()
	for range 1000 {
		next := g.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
	assert.WithinDuration(t, time.Now(), CreatedAt(prev), time.Second)
}
