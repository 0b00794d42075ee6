package flight

import (
	"fmt"
	"time"
)

/*
RunContext is the mutable execution state of one flight on one worker.
It is created at submission, persisted incrementally through the step
log, and reconstituted from the last committed log entry on resume.

The runner is the only writer during normal operation; the persistence
layer reads it after every step and rebuilds it on resume. Nothing in
RunContext is shared between goroutines.
*/
type RunContext struct {
	FlightID  string
	ClassName string

	// InputParameters is immutable after submission.
	InputParameters *FlightMap
	// WorkingMap accumulates state across steps; a full snapshot is
	// committed with every step-log entry.
	WorkingMap *FlightMap

	StepIndex int
	Rerun     bool
	Direction Direction
	Result    StepResult
	Status    FlightStatus

	// SavedFailure is the error that turned the flight around; it is
	// reported on the terminal ERROR record once undo completes. Restored
	// from the SWITCH log entry on resume.
	SavedFailure error

	// Debug carries fault injection for tests. Never persisted; a flight
	// resumed after a crash runs without it.
	Debug *DebugInfo

	// ContextMap carries diagnostic labels (flight id, class, step name)
	// installed around step invocation and propagated to sub-flights.
	ContextMap map[string]string

	// StepClassNames records the name of each step in the flight's step
	// list, for the control surface and log readability.
	StepClassNames []string

	SubmitTime time.Time
}

// NewRunContext builds the initial context for a freshly submitted
// flight. The input map is frozen here.
func NewRunContext(flightID, className string, inputs *FlightMap) *RunContext {
	if inputs == nil {
		inputs = NewFlightMap()
	}
	inputs.MakeImmutable()
	return &RunContext{
		FlightID:        flightID,
		ClassName:       className,
		InputParameters: inputs,
		WorkingMap:      NewFlightMap(),
		StepIndex:       0,
		Direction:       DirectionStart,
		Result:          NewStepResultSuccess(),
		Status:          StatusRunning,
		ContextMap:      make(map[string]string),
	}
}

func (rc *RunContext) String() string {
	return fmt.Sprintf("flight %s (%s) step %d %s %s",
		rc.FlightID, rc.ClassName, rc.StepIndex, rc.Direction, rc.Status)
}

/*
DebugInfo injects step outcomes for tests. A FailAtSteps entry fires at
most once per (direction, step index) and a class-name entry at most once
per (direction, class name), so a retried flight does not trip the same
fault forever.
*/
type DebugInfo struct {
	// RestartEachStep coerces a successful DO result to RESTART_FLIGHT,
	// forcing the flight through persistence. Debug info is not carried
	// across the restart, so only the first successful DO step after
	// submission is coerced; the resumed flight runs the rest without it.
	RestartEachStep bool
	// LastStepFailure coerces the final DO step's result to FAILURE_FATAL.
	LastStepFailure bool
	// FailAtSteps overrides the result at specific step indexes.
	FailAtSteps map[int]StepStatus
	// DoStepFailures / UndoStepFailures override the result for specific
	// step class names in the given direction.
	DoStepFailures   map[string]StepStatus
	UndoStepFailures map[string]StepStatus

	firedSteps   map[string]bool
	firedClasses map[string]bool
}

// TakeFailAtStep returns the injected status for (direction, index) the
// first time it is asked, and never again.
func (d *DebugInfo) TakeFailAtStep(dir Direction, index int) (StepStatus, bool) {
	if d == nil || d.FailAtSteps == nil {
		return "", false
	}
	status, ok := d.FailAtSteps[index]
	if !ok {
		return "", false
	}
	key := fmt.Sprintf("%s:%d", dir, index)
	if d.firedSteps == nil {
		d.firedSteps = make(map[string]bool)
	}
	if d.firedSteps[key] {
		return "", false
	}
	d.firedSteps[key] = true
	return status, true
}

// TakeStepClassFailure returns the injected status for (direction,
// className) the first time it is asked, and never again.
func (d *DebugInfo) TakeStepClassFailure(dir Direction, className string) (StepStatus, bool) {
	if d == nil {
		return "", false
	}
	var m map[string]StepStatus
	if dir == DirectionUndo {
		m = d.UndoStepFailures
	} else {
		m = d.DoStepFailures
	}
	if m == nil {
		return "", false
	}
	status, ok := m[className]
	if !ok {
		return "", false
	}
	key := fmt.Sprintf("%s:%s", dir, className)
	if d.firedClasses == nil {
		d.firedClasses = make(map[string]bool)
	}
	if d.firedClasses[key] {
		return "", false
	}
	d.firedClasses[key] = true
	return status, true
}
