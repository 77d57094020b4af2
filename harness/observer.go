package harness

import (
	"context"
	"fmt"
)

// Observer is notified around every action the Runner executes. Calls
// arrive concurrently from pool goroutines.
type Observer interface {
	ActionStarted(a Action)
	ActionFinished(a Action, res ActionResult, err error)
}

type nopObserver struct{}

func (nopObserver) ActionStarted(Action) {}
func (nopObserver) ActionFinished(Action, ActionResult, error) {}

// observedTask reports a task's lifecycle to an Observer. A panic in the
// task is reported as a failure.
type observedTask struct {
	*Worker
	obs Observer
}

func (t observedTask) Call(ctx context.Context) (res ActionResult, err error) {
	t.obs.ActionStarted(t.action)
	defer func() {
		if r := recover(); r != nil {
			res, err = ActionResult{}, fmt.Errorf("task panicked: %v", r)
		}

		t.obs.ActionFinished(t.action, res, err)
	}()

	return t.Worker.Call(ctx)
}
