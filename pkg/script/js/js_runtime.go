package js

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zenrepo/pkg/script"
)

var errScriptTimeout = errors.New("script timeout")

// JsRuntime runs scripts on a pool of goja VMs
type JsRuntime struct {
	pool    *script.Pool[*goja.Runtime]
	timeout time.Duration
}

var _ script.JsRuntime = &JsRuntime{}

// NewJsRuntime creates a goja backed runtime, scripts running longer than timeout are interrupted (0 disables the limit)
func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int, timeout time.Duration) *JsRuntime {
	return &JsRuntime{
		pool:    script.NewPool(ctx, goja.New, maxVmPoolSize, minVmPoolSize),
		timeout: timeout,
	}
}

// RunScript binds variables as globals for the duration of one run. They are removed
// afterwards so runs on a pooled vm do not see each other's variables.
func (r *JsRuntime) RunScript(ctx context.Context, src string, variableContext map[string]any) (any, error) {
	vm, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("no script vm available: %w", err)
	}
	defer r.pool.Release(vm)

	for name, value := range variableContext {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to bind variable %s: %w", name, err)
		}
	}
	defer func() {
		for name := range variableContext {
			vm.GlobalObject().Delete(name)
		}
	}()

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, r.timeout, errScriptTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(runCtx, func() {
		vm.Interrupt(context.Cause(runCtx))
	})
	defer func() {
		stop()
		vm.ClearInterrupt()
	}()

	resp, err := vm.RunString(src)
	if err != nil {
		return nil, fmt.Errorf("error running script \"%s\" : %w", src, err)
	}
	return resp.Export(), nil
}
