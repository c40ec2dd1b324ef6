package sdk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestNewEvent(t *testing.T) {
	before := time.Now()
	a := NewEvent("tick", nil, "")
	time.Sleep(time.Millisecond)
	b := NewEvent("tick", map[string]any{"n": 1}, "heartbeat")

	assert.Equal(t, "tick", a.Type)
	assert.NotNil(t, a.Data)
	assert.Empty(t, a.Source)
	assert.False(t, a.Timestamp.Before(before))
	assert.True(t, b.Timestamp.After(a.Timestamp))
	assert.Equal(t, "heartbeat", b.Source)
}

func TestOutcomes(t *testing.T) {
	boom := errors.New("boom")
	out := Outcomes{
		{Index: 0},
		{Index: 1, Err: &HandlerError{Topic: "tick", ID: "h1", Err: boom}},
		{Index: 2, Err: &PanicError{Value: "nope"}},
	}

	failed := out.Failed()
	assert.Len(t, failed, 2)
	assert.Equal(t, 1, failed[0].Index)

	err := out.Err()
	assert.ErrorIs(t, err, boom)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), `handler h1 on "tick": boom`)
	assert.Contains(t, err.Error(), "panic: nope")

	assert.NoError(t, Outcomes{{Index: 0}}.Err())
	assert.NoError(t, Outcomes(nil).Err())
}

func TestTaskKindString(t *testing.T) {
	assert.Equal(t, "once", KindOnce.String())
	assert.Equal(t, "every", KindEvery.String())
}

func TestSubscriptionValid(t *testing.T) {
	assert.False(t, Subscription{}.Valid())
	assert.True(t, Subscription{ID: "x", Topic: "tick"}.Valid())
}
