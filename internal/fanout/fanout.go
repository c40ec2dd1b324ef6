// Package fanout runs a set of callables concurrently and waits for all of
// them, collecting one outcome per callable.
package fanout

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/EchoPBX/echohost/pkg/sdk"
)

// Call is one member of a fan-out.
type Call func(ctx context.Context) error

// Join launches every call on its own goroutine and returns after all of them
// have returned or panicked. The result has one entry per call, in order.
func Join(ctx context.Context, calls []Call) sdk.Outcomes {
	if len(calls) == 0 {
		return nil
	}
	out := make(sdk.Outcomes, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c Call) {
			defer wg.Done()
			out[i] = sdk.Outcome{Index: i, Err: Safe(ctx, c)}
		}(i, c)
	}
	wg.Wait()
	return out
}

// Safe runs c on the calling goroutine, turning a panic into *sdk.PanicError.
func Safe(ctx context.Context, c Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &sdk.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return c(ctx)
}
