package stairway

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/yungbote/stairway/flight"
)

/*
Test flights. Each constructor is deterministic for its class name so a
recovering engine rebuilds the same step list.
*/

// writeFileStep creates the file named by the "filename" input with the
// "text" input; undo removes it.
type writeFileStep struct{}

func (writeFileStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	var filename, text string
	if ok, err := f.InputParameters.Get("filename", &filename); !ok || err != nil {
		return flight.NewStepResultFatal(fmt.Errorf("missing filename input: %v", err))
	}
	if ok, err := f.InputParameters.Get("text", &text); !ok || err != nil {
		return flight.NewStepResultFatal(fmt.Errorf("missing text input: %v", err))
	}
	if err := os.WriteFile(filename, []byte(text), 0o644); err != nil {
		return flight.NewStepResultFatal(err)
	}
	if err := f.WorkingMap.Put("written", filename); err != nil {
		return flight.NewStepResultFatal(err)
	}
	return flight.NewStepResultSuccess()
}

func (writeFileStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	var filename string
	if ok, _ := f.InputParameters.Get("filename", &filename); ok {
		_ = os.Remove(filename)
	}
	return flight.NewStepResultSuccess()
}

func fileFlight(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
	f := flight.New()
	f.AddStep(writeFileStep{}, flight.NewRetryRuleNone())
	return f, nil
}

// createFileStep creates the "filename" input's file; undo removes it.
type createFileStep struct{}

func (createFileStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	var filename string
	if ok, err := f.InputParameters.Get("filename", &filename); !ok || err != nil {
		return flight.NewStepResultFatal(fmt.Errorf("missing filename input: %v", err))
	}
	if err := os.WriteFile(filename, []byte("created"), 0o644); err != nil {
		return flight.NewStepResultFatal(err)
	}
	return flight.NewStepResultSuccess()
}

func (createFileStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	var filename string
	if ok, _ := f.InputParameters.Get("filename", &filename); ok {
		if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
			return flight.NewStepResultFatal(err)
		}
	}
	return flight.NewStepResultSuccess()
}

// conflictStep fails when the "existingFilename" input names a file that
// already exists. Its undo has nothing to reverse.
type conflictStep struct{}

func (conflictStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	var existing string
	if ok, err := f.InputParameters.Get("existingFilename", &existing); !ok || err != nil {
		return flight.NewStepResultFatal(fmt.Errorf("missing existingFilename input: %v", err))
	}
	if _, err := os.Stat(existing); err == nil {
		return flight.NewStepResultFatal(fmt.Errorf("%s already exists", existing))
	}
	return flight.NewStepResultSuccess()
}

func (conflictStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

type markerStep struct{}

func (markerStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

func (markerStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

// conflictFlight mirrors the create-then-collide shape: the file from
// step 2 must be removed by undo when step 3 finds a conflict.
func conflictFlight(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
	f := flight.New()
	f.AddStep(markerStep{}, nil)
	f.AddStep(createFileStep{}, nil)
	f.AddStep(conflictStep{}, nil)
	f.AddStep(markerStep{}, nil)
	return f, nil
}

// valueStep records its configured value in the working map.
type valueStep struct {
	value int
}

func (s valueStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	if err := f.WorkingMap.Put("value", s.value); err != nil {
		return flight.NewStepResultFatal(err)
	}
	return flight.NewStepResultSuccess()
}

func (s valueStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

// counterFlight is the four-step recovery flight: the terminal output is
// {"value": 2}.
func counterFlight(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
	f := flight.New()
	f.AddStep(markerStep{}, nil)
	f.AddStep(valueStep{value: 1}, nil)
	f.AddStep(valueStep{value: 2}, nil)
	f.AddStep(markerStep{}, nil)
	return f, nil
}

func noopFlight(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
	f := flight.New()
	f.AddStep(markerStep{}, nil)
	return f, nil
}

// pauseController gates pauseStep; tests release it to let the flight
// proceed.
type pauseController struct {
	released atomic.Bool
}

func (c *pauseController) release() { c.released.Store(true) }

// pauseStep spins until its controller releases it, yielding READY when
// the worker is interrupted first.
type pauseStep struct {
	ctrl *pauseController
}

func (s pauseStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	for !s.ctrl.released.Load() {
		select {
		case <-ctx.Done():
			return flight.NewStepResultStop()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return flight.NewStepResultSuccess()
}

func (s pauseStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

func pauseFlight(ctrl *pauseController) flight.Constructor {
	return func(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
		f := flight.New()
		f.AddStep(pauseStep{ctrl: ctrl}, nil)
		return f, nil
	}
}

// sleepStep burns a little wall time so shutdown tests can interleave.
type sleepStep struct{}

func (sleepStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	time.Sleep(5 * time.Millisecond)
	return flight.NewStepResultSuccess()
}

func (sleepStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

func slowFlight(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
	f := flight.New()
	for i := 0; i < 200; i++ {
		f.AddStep(sleepStep{}, nil)
	}
	return f, nil
}

// undoFailOnceStep fails its first undo attempt, succeeding afterwards.
// It models an undo whose external dependency was fixed by an operator.
type undoFailOnceStep struct {
	attempts *atomic.Int32
}

func (s undoFailOnceStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

func (s undoFailOnceStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	if s.attempts.Add(1) == 1 {
		return flight.NewStepResultFatal(fmt.Errorf("undo timed out"))
	}
	return flight.NewStepResultSuccess()
}

// alwaysFailStep turns the flight around.
type alwaysFailStep struct{}

func (alwaysFailStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultFatal(fmt.Errorf("do step broke"))
}

func (alwaysFailStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

func dismalFlight(attempts *atomic.Int32) flight.Constructor {
	return func(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
		f := flight.New()
		f.AddStep(undoFailOnceStep{attempts: attempts}, nil)
		f.AddStep(alwaysFailStep{}, nil)
		return f, nil
	}
}

// waitOnceStep suspends the flight on its first invocation; an external
// resume drives it to completion.
type waitOnceStep struct {
	calls *atomic.Int32
}

func (s waitOnceStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	if s.calls.Add(1) == 1 {
		return flight.NewStepResultWait()
	}
	return flight.NewStepResultSuccess()
}

func (s waitOnceStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

func waitingFlight(calls *atomic.Int32) flight.Constructor {
	return func(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
		f := flight.New()
		f.AddStep(markerStep{}, nil)
		f.AddStep(waitOnceStep{calls: calls}, nil)
		return f, nil
	}
}

// flakyStep fails with a retryable result until its budget of failures
// is consumed.
type flakyStep struct {
	failures  *atomic.Int32
	failCount int32
}

func (s flakyStep) DoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	if s.failures.Add(1) <= s.failCount {
		return flight.NewStepResultRetry(fmt.Errorf("transient failure"))
	}
	return flight.NewStepResultSuccess()
}

func (s flakyStep) UndoStep(ctx context.Context, f *flight.RunContext) flight.StepResult {
	return flight.NewStepResultSuccess()
}

func flakyFlight(failures *atomic.Int32, failCount int32, rule flight.RetryRule) flight.Constructor {
	return func(inputs *flight.FlightMap, appContext any) (*flight.Flight, error) {
		f := flight.New()
		f.AddStep(flakyStep{failures: failures, failCount: failCount}, rule)
		return f, nil
	}
}
