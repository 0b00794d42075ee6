package stairway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/yungbote/stairway/flight"
	"github.com/yungbote/stairway/internal/dao"
	"github.com/yungbote/stairway/logger"
)

/*
flightSupport is the narrow view of the engine a runner needs: the
quiesce flag, the DAO, and the hook fan-out. Runners hold this instead
of the engine itself so the execution path has no way to reach
submission or lifecycle machinery.
*/
type flightSupport interface {
	isQuiescing() bool
	flightDao() *dao.FlightDao
	flightHooks() *hookSet
}

/*
flightRunner executes one flight on one worker, driving the step state
machine:

	START -> DO(0)
	DO(i) SUCCESS        -> DO(i+1), or terminal SUCCESS past the last step
	DO(i) RERUN          -> DO(i) with rerun=true
	DO(i) WAIT/STOP/RESTART -> exit WAITING / READY / READY_TO_RESTART
	DO(i) FAILURE_RETRY  -> DO(i) under the retry rule, else SWITCH
	DO(i) FAILURE_FATAL  -> SWITCH -> UNDO(i)
	UNDO(i) SUCCESS      -> UNDO(i-1), or terminal ERROR below step 0
	UNDO(i) FAILURE_*    -> terminal FATAL

After every executed step a log entry is committed through DAO.Step;
a WAIT, STOP or RESTART_FLIGHT result is recorded through DAO.Exit
instead. A terminal exit writes one more entry through DAO.Exit after
the final step's own DAO.Step entry. The quiescing
flag is sampled at every step boundary.
*/
type flightRunner struct {
	support flightSupport
	fl      *flight.Flight
	rc      *flight.RunContext
	log     *logger.Logger

	ruleDirection flight.Direction
	ruleIndex     int
	ruleActive    bool
}

func newFlightRunner(support flightSupport, fl *flight.Flight, rc *flight.RunContext, baseLog *logger.Logger) *flightRunner {
	return &flightRunner{
		support: support,
		fl:      fl,
		rc:      rc,
		log:     baseLog.With("component", "FlightRunner", "flight_id", rc.FlightID),
	}
}

// run drives the flight to completion or suspension. A persistence
// failure abandons the flight in place: it stays RUNNING and owned until
// recovery disowns it.
func (r *flightRunner) run(ctx context.Context) {
	hooks := r.support.flightHooks()
	hooks.startFlight(ctx, r.rc)
	err := r.fly(ctx)
	hooks.endFlight(ctx, r.rc)
	if err != nil {
		r.log.Error("Flight abandoned after persistence failure",
			"step_index", r.rc.StepIndex,
			"direction", r.rc.Direction,
			"error", err,
		)
	}
}

func (r *flightRunner) fly(ctx context.Context) error {
	rc := r.rc

	if rc.Direction == flight.DirectionStart {
		rc.Direction = flight.DirectionDo
		rc.StepIndex = 0
		rc.Rerun = false
	} else {
		done, err := r.reposition(ctx)
		if done || err != nil {
			return err
		}
	}

	for {
		// Step boundary: between commits is the only place execution may
		// be diverted.
		if r.support.isQuiescing() || ctx.Err() != nil {
			return r.exitWith(ctx, flight.StatusReady, flight.NewStepResultStop())
		}

		result := r.executeStep(ctx)
		rc.Result = result

		switch result.Status() {
		case flight.StepSuccess:
			if err := r.commit(ctx); err != nil {
				return err
			}
			done, err := r.advance(ctx)
			if done || err != nil {
				return err
			}

		case flight.StepRerun:
			if err := r.commit(ctx); err != nil {
				return err
			}
			rc.Rerun = true

		case flight.StepWait:
			return r.exitWith(ctx, flight.StatusWaiting, result)

		case flight.StepStop:
			return r.exitWith(ctx, flight.StatusReady, result)

		case flight.StepRestartFlight:
			return r.exitWith(ctx, flight.StatusReadyToRestart, result)

		case flight.StepFailureRetry:
			if err := r.commit(ctx); err != nil {
				return err
			}
			if r.support.isQuiescing() {
				return r.exitWith(ctx, flight.StatusReady, flight.NewStepResultStop())
			}
			again, sleepErr := r.currentRule().RetrySleep(ctx)
			if sleepErr != nil {
				// Canceled mid-backoff; float the flight for another instance.
				return r.exitWith(ctx, flight.StatusReady, flight.NewStepResultStop())
			}
			if !again {
				done, err := r.turnAround(ctx, result)
				if done || err != nil {
					return err
				}
			}

		case flight.StepFailureFatal:
			if err := r.commit(ctx); err != nil {
				return err
			}
			done, err := r.turnAround(ctx, result)
			if done || err != nil {
				return err
			}

		default:
			return r.exitWith(ctx, flight.StatusFatal,
				flight.NewStepResultFatal(fmt.Errorf("step returned invalid result %q", result.Status())))
		}
	}
}

/*
reposition derives the next action from the last committed checkpoint of
a resumed flight. The step that was executing when the previous owner
died never committed, so re-running it is the norm; steps are idempotent
by contract.
*/
func (r *flightRunner) reposition(ctx context.Context) (bool, error) {
	rc := r.rc
	switch rc.Result.Status() {
	case flight.StepSuccess, flight.StepRestartFlight:
		return r.advance(ctx)

	case flight.StepRerun:
		rc.Rerun = true
		return false, nil

	case flight.StepWait, flight.StepStop:
		return false, nil

	case flight.StepFailureRetry:
		if rc.Direction == flight.DirectionSwitch {
			rc.Direction = flight.DirectionUndo
			return false, nil
		}
		// The retry budget died with the previous owner; re-attempt under
		// a fresh rule.
		return false, nil

	case flight.StepFailureFatal:
		switch rc.Direction {
		case flight.DirectionSwitch:
			rc.Direction = flight.DirectionUndo
			return false, nil
		case flight.DirectionUndo:
			// Forced back after a dismal failure: give the undo another try.
			return false, nil
		default:
			return r.turnAround(ctx, rc.Result)
		}
	}
	return false, nil
}

// advance moves one step in the current direction, or exits when the
// flight has run off either end of the step list.
func (r *flightRunner) advance(ctx context.Context) (bool, error) {
	rc := r.rc
	rc.Rerun = false
	if rc.Direction == flight.DirectionSwitch {
		rc.Direction = flight.DirectionUndo
		return false, nil
	}
	if rc.Direction == flight.DirectionUndo {
		if rc.StepIndex == 0 {
			return true, r.exitWith(ctx, flight.StatusError, flight.NewStepResultFatal(rc.SavedFailure))
		}
		rc.StepIndex--
		return false, nil
	}
	if rc.StepIndex+1 >= r.fl.NumSteps() {
		return true, r.exitWith(ctx, flight.StatusSuccess, flight.NewStepResultSuccess())
	}
	rc.StepIndex++
	return false, nil
}

/*
turnAround abandons forward progress: it records the causing failure,
commits the SWITCH entry, and reverses direction. Called with the flight
already on the undo path it is the dismal-failure exit instead.
*/
func (r *flightRunner) turnAround(ctx context.Context, failure flight.StepResult) (bool, error) {
	rc := r.rc
	if rc.Direction == flight.DirectionUndo {
		r.log.Error("Undo step failed; flight is unrecoverable without operator help",
			"step_index", rc.StepIndex,
			"error", failure.Err(),
		)
		return true, r.exitWith(ctx, flight.StatusFatal, failure)
	}
	if rc.SavedFailure == nil {
		rc.SavedFailure = failure.Err()
	}
	rc.Direction = flight.DirectionSwitch
	rc.Rerun = false
	if err := r.commit(ctx); err != nil {
		return true, err
	}
	rc.Direction = flight.DirectionUndo
	return false, nil
}

func (r *flightRunner) executeStep(ctx context.Context) flight.StepResult {
	rc := r.rc
	entry := r.fl.Steps()[rc.StepIndex]
	r.initializeRule(entry)

	rc.ContextMap[ContextKeyFlightID] = rc.FlightID
	rc.ContextMap[ContextKeyFlightClass] = rc.ClassName
	rc.ContextMap[ContextKeyStepIndex] = strconv.Itoa(rc.StepIndex)
	rc.ContextMap[ContextKeyStepClass] = entry.Name
	stepCtx := withDiagnostics(ctx, rc.ContextMap)

	hooks := r.support.flightHooks()
	hooks.startStep(stepCtx, rc)
	result := r.invoke(stepCtx, entry)
	result = r.applyDebug(result, entry)
	rc.Result = result
	hooks.endStep(stepCtx, rc)
	return result
}

func (r *flightRunner) invoke(ctx context.Context, entry flight.StepEntry) (result flight.StepResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Step panicked",
				"step", entry.Name,
				"step_index", r.rc.StepIndex,
				"direction", r.rc.Direction,
				"panic", p,
			)
			result = flight.NewStepResultFatal(fmt.Errorf("step %s panicked: %v", entry.Name, p))
		}
	}()
	if r.rc.Direction == flight.DirectionUndo {
		return entry.Step.UndoStep(ctx, r.rc)
	}
	return entry.Step.DoStep(ctx, r.rc)
}

// applyDebug overlays injected faults onto the real result.
func (r *flightRunner) applyDebug(result flight.StepResult, entry flight.StepEntry) flight.StepResult {
	rc := r.rc
	debug := rc.Debug
	if debug == nil {
		return result
	}
	dir := flight.DirectionDo
	if rc.Direction == flight.DirectionUndo {
		dir = flight.DirectionUndo
	}
	if status, ok := debug.TakeStepClassFailure(dir, entry.Name); ok {
		return injectedResult(status, entry.Name)
	}
	if status, ok := debug.TakeFailAtStep(dir, rc.StepIndex); ok {
		return injectedResult(status, entry.Name)
	}
	if dir == flight.DirectionDo && result.Success() {
		if debug.LastStepFailure && rc.StepIndex == r.fl.NumSteps()-1 {
			return flight.NewStepResultFatal(fmt.Errorf("injected failure on last step %s", entry.Name))
		}
		if debug.RestartEachStep {
			return flight.NewStepResultRestartFlight()
		}
	}
	return result
}

func injectedResult(status flight.StepStatus, stepName string) flight.StepResult {
	switch status {
	case flight.StepFailureRetry, flight.StepFailureFatal:
		return flight.NewStepResultWithStatus(status, fmt.Errorf("injected %s at step %s", status, stepName))
	}
	return flight.NewStepResultWithStatus(status, nil)
}

// initializeRule resets the retry rule when execution arrives at a step.
func (r *flightRunner) initializeRule(entry flight.StepEntry) {
	if r.ruleActive && r.ruleDirection == r.rc.Direction && r.ruleIndex == r.rc.StepIndex {
		return
	}
	entry.RetryRule.Initialize()
	r.ruleActive = true
	r.ruleDirection = r.rc.Direction
	r.ruleIndex = r.rc.StepIndex
}

func (r *flightRunner) currentRule() flight.RetryRule {
	return r.fl.Steps()[r.rc.StepIndex].RetryRule
}

func (r *flightRunner) commit(ctx context.Context) error {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	return r.support.flightDao().Step(pctx, r.rc)
}

// exitWith commits the suspended or terminal state and fires the
// state-transition hook after the commit.
func (r *flightRunner) exitWith(ctx context.Context, status flight.FlightStatus, result flight.StepResult) error {
	rc := r.rc
	rc.Status = status
	rc.Result = result
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := r.support.flightDao().Exit(pctx, rc); err != nil {
		return err
	}
	r.support.flightHooks().stateTransition(ctx, rc, status)
	r.log.Info("Flight exited", "status", status, "step_index", rc.StepIndex, "direction", rc.Direction)
	return nil
}

/*
persistCtx keeps the final commit possible after cancellation: a worker
interrupted by terminate still gets a bounded window to write its
STOP/READY exit so the flight floats to another instance instead of
staying stuck in RUNNING.
*/
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 30*time.Second)
}
