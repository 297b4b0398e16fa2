package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts a callback that returns an error to a looplab callback.
// A non-nil error cancels the event; in before_ callbacks this aborts the transition,
// in enter_ callbacks the error is returned from Event after the state changed.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Cancel(err)
		}
	}
}

// IsRealError filters out the benign NoTransitionError, either returned directly
// or carried by a cancellation.
func IsRealError(err error) bool {
	if err == nil {
		return false
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return false
	}

	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return !errors.As(canceled.Err, &noTransition)
	}

	return true
}
