package feel

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
	"github.com/pbinitiative/zenrepo/pkg/script"
)

// Runtime evaluates FEEL expressions with pbinitiative/feel.
// A leading "=" marks an expression in zeebe mappings and is stripped.
type Runtime struct{}

var _ script.FeelRuntime = Runtime{}

func (Runtime) Evaluate(expression string, variableContext map[string]any) (any, error) {
	expr := strings.TrimPrefix(strings.TrimSpace(expression), "=")
	if variableContext == nil {
		variableContext = map[string]any{}
	}
	res, err := feel.EvalStringWithScope(expr, variableContext)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return res, nil
}
