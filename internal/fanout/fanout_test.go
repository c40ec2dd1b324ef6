package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EchoPBX/echohost/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_Empty(t *testing.T) {
	assert.Nil(t, Join(context.Background(), nil))
}

func TestJoin_WaitsForAll(t *testing.T) {
	var done atomic.Int32
	calls := make([]Call, 5)
	for i := range calls {
		calls[i] = func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
			return nil
		}
	}
	out := Join(context.Background(), calls)
	assert.Equal(t, int32(5), done.Load())
	assert.Len(t, out, 5)
	assert.NoError(t, out.Err())
}

func TestJoin_RunsConcurrently(t *testing.T) {
	// every call blocks until all have started; a sequential join would hang
	var wg sync.WaitGroup
	wg.Add(3)
	calls := make([]Call, 3)
	for i := range calls {
		calls[i] = func(context.Context) error {
			wg.Done()
			wg.Wait()
			return nil
		}
	}
	finished := make(chan sdk.Outcomes)
	go func() { finished <- Join(context.Background(), calls) }()
	select {
	case out := <-finished:
		assert.Len(t, out, 3)
	case <-time.After(time.Second):
		t.Fatal("calls did not run concurrently")
	}
}

func TestJoin_IsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32
	out := Join(context.Background(), []Call{
		func(context.Context) error { ran.Add(1); return boom },
		func(context.Context) error { ran.Add(1); panic("kaboom") },
		func(context.Context) error { ran.Add(1); return nil },
	})
	require.Len(t, out, 3)
	assert.Equal(t, int32(3), ran.Load())
	assert.ErrorIs(t, out[0].Err, boom)

	var pe *sdk.PanicError
	require.ErrorAs(t, out[1].Err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	assert.NoError(t, out[2].Err)
	assert.Len(t, out.Failed(), 2)
	assert.ErrorIs(t, out.Err(), boom)
}
