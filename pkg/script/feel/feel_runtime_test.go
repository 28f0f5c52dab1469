package feel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	res, err := Runtime{}.Evaluate(`= customer = "ACME"`, map[string]any{"customer": "ACME"})
	assert.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestEvaluateInvalidExpression(t *testing.T) {
	_, err := Runtime{}.Evaluate("= (((", nil)
	assert.Error(t, err)
}
