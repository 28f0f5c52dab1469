package js

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScriptWithVariables(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 2, 1, 0)

	res, err := rt.RunScript(t.Context(), "amount * 2", map[string]any{"amount": 21})
	require.NoError(t, err)
	assert.EqualValues(t, 42, res)
}

func TestVariablesDoNotLeakBetweenRuns(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1, 0)

	_, err := rt.RunScript(t.Context(), "customer", map[string]any{"customer": "ACME"})
	require.NoError(t, err)

	res, err := rt.RunScript(t.Context(), "typeof customer", nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", res)
}

func TestScriptError(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1, 0)

	_, err := rt.RunScript(t.Context(), "throw new Error('listener failed')", nil)
	assert.ErrorContains(t, err, "listener failed")
}

func TestScriptTimeout(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1, 50*time.Millisecond)

	_, err := rt.RunScript(t.Context(), "while (true) {}", nil)
	assert.ErrorContains(t, err, "script timeout")

	res, err := rt.RunScript(t.Context(), "1 + 1", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res)
}

func TestCancelledContextInterruptsScript(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1, 0)

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := rt.RunScript(ctx, "while (true) {}", nil)
	assert.ErrorContains(t, err, context.Canceled.Error())

	res, err := rt.RunScript(t.Context(), "'still usable'", nil)
	require.NoError(t, err)
	assert.Equal(t, "still usable", res)
}
