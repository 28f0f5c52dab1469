package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperation(t *testing.T) {
	ctx := WithOperation(context.Background(), "timer-start-event", 42)

	op, found := OperationFromContext(ctx)
	assert.True(t, found)
	assert.Equal(t, Operation{Name: "timer-start-event", Key: 42}, op)

	op, found = OperationFromContext(context.Background())
	assert.False(t, found)
	assert.Zero(t, op)
}
