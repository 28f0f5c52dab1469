package script

import "context"

// FeelRuntime evaluates FEEL expressions such as output mappings
type FeelRuntime interface {
	Evaluate(expression string, variableContext map[string]any) (any, error)
}

// JsRuntime runs listener scripts with the instance variables bound as globals.
// A cancelled ctx interrupts a running script.
type JsRuntime interface {
	RunScript(ctx context.Context, script string, variableContext map[string]any) (any, error)
}
