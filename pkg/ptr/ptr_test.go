package ptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqual(t *testing.T) {
	assert.True(t, Equal[string](nil, nil))
	assert.True(t, Equal(To("modeler"), To("modeler")))
	assert.False(t, Equal(To("modeler"), nil))
	assert.False(t, Equal(nil, To("")))
	assert.False(t, Equal(To(1), To(2)))
}

func TestDeref(t *testing.T) {
	assert.Equal(t, "fallback", Deref(nil, "fallback"))
	assert.Equal(t, "acme", Deref(To("acme"), "fallback"))
}
