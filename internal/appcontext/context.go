package appcontext

import (
	"context"
)

type operationContextKey struct{}

// Operation identifies the unit of repository work a context belongs to, such as one job execution
type Operation struct {
	Name string
	Key  int64
}

func WithOperation(ctx context.Context, name string, key int64) context.Context {
	return context.WithValue(ctx, operationContextKey{}, Operation{Name: name, Key: key})
}

func OperationFromContext(ctx context.Context) (Operation, bool) {
	op, ok := ctx.Value(operationContextKey{}).(Operation)
	return op, ok
}
