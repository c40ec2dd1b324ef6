package sdk

import (
	"fmt"

	"go.uber.org/multierr"
)

// Outcome is the result of one member of a fan-out.
type Outcome struct {
	Index int
	Err   error
}

// Outcomes holds one entry per launched handler, in registration order.
type Outcomes []Outcome

// Failed returns only the outcomes that carry an error.
func (o Outcomes) Failed() Outcomes {
	var out Outcomes
	for _, oc := range o {
		if oc.Err != nil {
			out = append(out, oc)
		}
	}
	return out
}

// Err combines every failure into a single error, or nil.
func (o Outcomes) Err() error {
	var err error
	for _, oc := range o {
		err = multierr.Append(err, oc.Err)
	}
	return err
}

// HandlerError wraps an error returned by a handler or a scheduled job.
type HandlerError struct {
	// Topic is the event type, state key or task owner.
	Topic string
	// ID is the subscription or task id.
	ID  string
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s on %q: %v", e.ID, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PanicError is a recovered panic from user code.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
