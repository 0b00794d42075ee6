package stairway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/stairway/errs"
	"github.com/yungbote/stairway/flight"
	"github.com/yungbote/stairway/internal/dao"
	"github.com/yungbote/stairway/internal/testutil"
	"github.com/yungbote/stairway/queue"
)

func testRegistry(t *testing.T) *flight.Registry {
	t.Helper()
	reg := flight.NewRegistry()
	register := func(name string, ctor flight.Constructor) {
		if err := reg.Register(name, ctor); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	register("file", fileFlight)
	register("conflict", conflictFlight)
	register("counter", counterFlight)
	register("noop", noopFlight)
	register("slow", slowFlight)
	return reg
}

func startEngine(t *testing.T, db *gorm.DB, name string, reg *flight.Registry, obsolete []string, tune func(*Builder)) *Stairway {
	t.Helper()
	b := NewBuilder().
		StairwayName(name).
		MaxParallelFlights(4).
		MaxQueuedFlights(2).
		FlightFactory(reg).
		Logger(testutil.Logger(t))
	if tune != nil {
		tune(b)
	}
	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Initialize(ctx, db, false, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.RecoverAndStart(ctx, obsolete); err != nil {
		t.Fatalf("RecoverAndStart: %v", err)
	}
	t.Cleanup(func() {
		s.Terminate(context.Background(), 2*time.Second)
	})
	return s
}

func waitTerminal(t *testing.T, s *Stairway, flightID string) *flight.State {
	t.Helper()
	state, err := s.WaitForFlight(context.Background(), flightID, 20*time.Millisecond, 500)
	if err != nil {
		t.Fatalf("WaitForFlight %s: %v", flightID, err)
	}
	return state
}

func TestHappyPathSingleFlight(t *testing.T) {
	db := testutil.DB(t)
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)
	ctx := context.Background()

	filename := filepath.Join(t.TempDir(), "x.txt")
	inputs := flight.NewFlightMap()
	if err := inputs.Put("filename", filename); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := inputs.Put("text", "testing 1 2 3"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	flightID := s.CreateFlightID()
	if len(flightID) != 22 {
		t.Fatalf("flight id %q is %d chars, want 22", flightID, len(flightID))
	}
	if err := s.Submit(ctx, flightID, "file", inputs); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	state := waitTerminal(t, s, flightID)
	if state.Status != flight.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS (err=%v)", state.Status, state.Err)
	}
	if state.CompletedTime == nil || !state.CompletedTime.After(state.SubmitTime) {
		t.Fatalf("completed %v not after submit %v", state.CompletedTime, state.SubmitTime)
	}
	content, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("read result file: %v", err)
	}
	if string(content) != "testing 1 2 3" {
		t.Fatalf("file content = %q", content)
	}
	var written string
	if ok, err := state.ResultMap.Get("written", &written); !ok || err != nil || written != filename {
		t.Fatalf("output written: ok=%v err=%v v=%q", ok, err, written)
	}
}

func TestUndoOnConflict(t *testing.T) {
	db := testutil.DB(t)
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)
	ctx := context.Background()

	dir := t.TempDir()
	newFile := filepath.Join(dir, "new.txt")
	existing := filepath.Join(dir, "exists.txt")
	if err := os.WriteFile(existing, []byte("occupied"), 0o644); err != nil {
		t.Fatalf("pre-create: %v", err)
	}

	inputs := flight.NewFlightMap()
	if err := inputs.Put("filename", newFile); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := inputs.Put("existingFilename", existing); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.Submit(ctx, "conflict-1", "conflict", inputs); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	state := waitTerminal(t, s, "conflict-1")
	if state.Status != flight.StatusError {
		t.Fatalf("status = %s, want ERROR", state.Status)
	}
	if state.Err == nil {
		t.Fatal("terminal ERROR without recorded failure")
	}
	if _, err := os.Stat(newFile); !os.IsNotExist(err) {
		t.Fatalf("undo did not remove %s", newFile)
	}
	if _, err := os.Stat(existing); err != nil {
		t.Fatalf("pre-existing file disturbed: %v", err)
	}

	// Log shows the turn-around.
	logs, err := s.GetControl().LogQuery(ctx, "conflict-1")
	if err != nil {
		t.Fatalf("LogQuery: %v", err)
	}
	sawSwitch, sawUndo := false, false
	for _, record := range logs {
		if record.Direction == flight.DirectionSwitch {
			sawSwitch = true
		}
		if record.Direction == flight.DirectionUndo {
			sawUndo = true
		}
	}
	if !sawSwitch || !sawUndo {
		t.Fatalf("log missing turn-around: switch=%v undo=%v", sawSwitch, sawUndo)
	}
}

func TestCrashRecovery(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	d := dao.New(db, testutil.Logger(t), nil)

	// Seed the aftermath of a crash: an instance that owns a RUNNING
	// flight whose last checkpoint is step 1.
	oldID, err := d.RegisterStairway(ctx, "old-engine")
	if err != nil {
		t.Fatalf("RegisterStairway: %v", err)
	}
	rc := flight.NewRunContext("crashed", "counter", flight.NewFlightMap())
	if err := d.Create(ctx, rc, oldID); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rc.Direction = flight.DirectionDo
	rc.Result = flight.NewStepResultSuccess()
	rc.StepIndex = 0
	if err := d.Step(ctx, rc); err != nil {
		t.Fatalf("Step 0: %v", err)
	}
	rc.StepIndex = 1
	if err := rc.WorkingMap.Put("value", 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Step(ctx, rc); err != nil {
		t.Fatalf("Step 1: %v", err)
	}

	// A recovery engine that treats old-engine as obsolete finishes the
	// flight.
	s := startEngine(t, db, "recovery-engine", testRegistry(t), []string{"old-engine"}, nil)
	state := waitTerminal(t, s, "crashed")
	if state.Status != flight.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS (err=%v)", state.Status, state.Err)
	}
	var value int
	if ok, err := state.ResultMap.Get("value", &value); !ok || err != nil || value != 2 {
		t.Fatalf("result value: ok=%v err=%v v=%d", ok, err, value)
	}

	logs, err := s.GetControl().LogQuery(ctx, "crashed")
	if err != nil {
		t.Fatalf("LogQuery: %v", err)
	}
	sawStepTwo := false
	for _, record := range logs {
		if record.StepIndex == 2 && record.Direction == flight.DirectionDo {
			sawStepTwo = true
		}
	}
	if !sawStepTwo {
		t.Fatal("recovered run never committed step 2")
	}
}

func TestAdmissionOverflowsToQueue(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	ctrl := &pauseController{}
	reg := testRegistry(t)
	if err := reg.Register("pause", pauseFlight(ctrl)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	q, err := queue.NewDirQueue(filepath.Join(t.TempDir(), "queue"))
	if err != nil {
		t.Fatalf("NewDirQueue: %v", err)
	}
	s := startEngine(t, db, "engine-1", reg, nil, func(b *Builder) {
		b.MaxParallelFlights(1).MaxQueuedFlights(0).WorkQueue(q)
	})

	// A occupies the only worker.
	if err := s.Submit(ctx, "flight-a", "pause", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit A: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.active.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("flight A never occupied the worker")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// B cannot run locally; it must take the queue path.
	if err := s.Submit(ctx, "flight-b", "noop", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit B: %v", err)
	}
	state, err := s.GetFlightState(ctx, "flight-b")
	if err != nil {
		t.Fatalf("GetFlightState B: %v", err)
	}
	if state.Status != flight.StatusQueued && state.Status != flight.StatusReady {
		t.Fatalf("flight B status = %s, want QUEUED (or READY pre-mark)", state.Status)
	}
	if state.StairwayID != nil {
		t.Fatal("queued flight must be unowned")
	}

	// Releasing A frees capacity; the listener then picks up B.
	ctrl.release()
	if got := waitTerminal(t, s, "flight-a"); got.Status != flight.StatusSuccess {
		t.Fatalf("flight A = %s", got.Status)
	}
	if got := waitTerminal(t, s, "flight-b"); got.Status != flight.StatusSuccess {
		t.Fatalf("flight B = %s", got.Status)
	}
}

func TestFatalUndoForceReadyCompletesUndo(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	var undoAttempts atomic.Int32
	reg := testRegistry(t)
	if err := reg.Register("dismal", dismalFlight(&undoAttempts)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s := startEngine(t, db, "engine-1", reg, nil, nil)

	if err := s.Submit(ctx, "dismal-1", "dismal", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	state := waitTerminal(t, s, "dismal-1")
	if state.Status != flight.StatusFatal {
		t.Fatalf("status = %s, want FATAL", state.Status)
	}

	// Operator fixes the world, re-floats the flight; undo completes and
	// the original DO failure is reported on the ERROR record.
	if err := s.GetControl().ForceReady(ctx, "dismal-1"); err != nil {
		t.Fatalf("ForceReady: %v", err)
	}
	resumed, err := s.Resume(ctx, "dismal-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed {
		t.Fatal("resume after ForceReady failed")
	}
	state = waitTerminal(t, s, "dismal-1")
	if state.Status != flight.StatusError {
		t.Fatalf("status = %s, want ERROR", state.Status)
	}
	if state.Err == nil || state.Err.Error() != "do step broke" {
		t.Fatalf("terminal error = %v, want the original DO failure", state.Err)
	}
	if undoAttempts.Load() != 2 {
		t.Fatalf("undo attempts = %d, want 2", undoAttempts.Load())
	}
}

func TestRetryDiscipline(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	reg := testRegistry(t)

	var recoverable atomic.Int32
	if err := reg.Register("flaky-recoverable",
		flakyFlight(&recoverable, 2, flight.NewRetryRuleFixed(5*time.Millisecond, 3))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var hopeless atomic.Int32
	if err := reg.Register("flaky-hopeless",
		flakyFlight(&hopeless, 10, flight.NewRetryRuleFixed(5*time.Millisecond, 3))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s := startEngine(t, db, "engine-1", reg, nil, nil)

	if err := s.Submit(ctx, "recoverable", "flaky-recoverable", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if state := waitTerminal(t, s, "recoverable"); state.Status != flight.StatusSuccess {
		t.Fatalf("recoverable = %s, want SUCCESS", state.Status)
	}

	if err := s.Submit(ctx, "hopeless", "flaky-hopeless", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	state := waitTerminal(t, s, "hopeless")
	if state.Status != flight.StatusError {
		t.Fatalf("hopeless = %s, want ERROR", state.Status)
	}
	// maxCount retries plus the initial attempt.
	if got := hopeless.Load(); got != 4 {
		t.Fatalf("hopeless attempts = %d, want 4", got)
	}
}

func TestQuietDownFloatsRunningFlight(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)

	if err := s.Submit(ctx, "slow-1", "slow", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if !s.QuietDown(ctx, 10*time.Second) {
		t.Fatal("QuietDown did not drain the pool in time")
	}

	state, err := s.GetFlightState(ctx, "slow-1")
	if err != nil {
		t.Fatalf("GetFlightState: %v", err)
	}
	if state.Status != flight.StatusReady {
		t.Fatalf("status = %s, want READY after quiesce", state.Status)
	}
	if state.StairwayID != nil {
		t.Fatal("quiesced flight still owned")
	}

	// Submissions are deflected once quiescing.
	err = s.Submit(ctx, "late", "noop", flight.NewFlightMap())
	if !errors.Is(err, errs.ErrStairwayShutdown) {
		t.Fatalf("submit during quiesce = %v, want ErrStairwayShutdown", err)
	}
}

func TestRestartEachStepDebug(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)

	debug := &flight.DebugInfo{RestartEachStep: true}
	if err := s.SubmitWithDebugInfo(ctx, "restarting", "counter", flight.NewFlightMap(), debug, false); err != nil {
		t.Fatalf("SubmitWithDebugInfo: %v", err)
	}
	state := waitTerminal(t, s, "restarting")
	if state.Status != flight.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", state.Status)
	}

	logs, err := s.GetControl().LogQuery(ctx, "restarting")
	if err != nil {
		t.Fatalf("LogQuery: %v", err)
	}
	restarts := 0
	for _, record := range logs {
		if record.Status == flight.StepRestartFlight {
			restarts++
		}
	}
	if restarts == 0 {
		t.Fatal("no RESTART_FLIGHT entries in the log")
	}
}

func TestLastStepFailureDebug(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)

	debug := &flight.DebugInfo{LastStepFailure: true}
	if err := s.SubmitWithDebugInfo(ctx, "lastfail", "counter", flight.NewFlightMap(), debug, false); err != nil {
		t.Fatalf("SubmitWithDebugInfo: %v", err)
	}
	state := waitTerminal(t, s, "lastfail")
	if state.Status != flight.StatusError {
		t.Fatalf("status = %s, want ERROR after full undo", state.Status)
	}
}

func TestWaitForFlightTimeout(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	ctrl := &pauseController{}
	reg := testRegistry(t)
	if err := reg.Register("pause", pauseFlight(ctrl)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s := startEngine(t, db, "engine-1", reg, nil, nil)

	if err := s.Submit(ctx, "pausing", "pause", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err := s.WaitForFlight(ctx, "pausing", 10*time.Millisecond, 3)
	if !errors.Is(err, errs.ErrFlightWaitTimedOut) {
		t.Fatalf("WaitForFlight = %v, want ErrFlightWaitTimedOut", err)
	}
	ctrl.release()
	waitTerminal(t, s, "pausing")
}

func TestRetentionRemovesTerminalFlights(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, func(b *Builder) {
		b.Retention(time.Millisecond, 40*time.Millisecond)
	})

	for _, id := range []string{"r1", "r2", "r3"} {
		if err := s.Submit(ctx, id, "noop", flight.NewFlightMap()); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
		waitTerminal(t, s, id)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		enum, err := s.GetFlights(ctx, 0, 100, nil)
		if err != nil {
			t.Fatalf("GetFlights: %v", err)
		}
		if enum.Total == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retention left %d flights", enum.Total)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestSubmitValidation(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)

	if err := s.Submit(ctx, "v1", "", flight.NewFlightMap()); !errors.Is(err, errs.ErrBadRequest) {
		t.Fatalf("empty class = %v, want ErrBadRequest", err)
	}
	if err := s.Submit(ctx, "v1", "noop", nil); !errors.Is(err, errs.ErrBadRequest) {
		t.Fatalf("nil inputs = %v, want ErrBadRequest", err)
	}
	if err := s.Submit(ctx, "", "noop", flight.NewFlightMap()); !errors.Is(err, errs.ErrBadRequest) {
		t.Fatalf("empty id = %v, want ErrBadRequest", err)
	}
	if err := s.Submit(ctx, "v1", "ghost", flight.NewFlightMap()); !errors.Is(err, errs.ErrMakeFlight) {
		t.Fatalf("unknown class = %v, want ErrMakeFlight", err)
	}
	if err := s.SubmitToQueue(ctx, "v1", "noop", flight.NewFlightMap()); !errors.Is(err, errs.ErrBadRequest) {
		t.Fatalf("queue submit without queue = %v, want ErrBadRequest", err)
	}

	if err := s.Submit(ctx, "v1", "noop", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, s, "v1")
	if err := s.Submit(ctx, "v1", "noop", flight.NewFlightMap()); !errors.Is(err, errs.ErrDuplicateFlightID) {
		t.Fatalf("duplicate id = %v, want ErrDuplicateFlightID", err)
	}
}

func TestControlSurface(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)

	if err := s.Submit(ctx, "c1", "noop", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, s, "c1")

	control := s.GetControl()
	total, err := control.CountFlights(ctx, nil)
	if err != nil || total != 1 {
		t.Fatalf("CountFlights = %d, %v", total, err)
	}
	success := flight.StatusSuccess
	count, err := control.CountFlights(ctx, &success)
	if err != nil || count != 1 {
		t.Fatalf("CountFlights(SUCCESS) = %d, %v", count, err)
	}

	got, err := control.GetFlight(ctx, "c1")
	if err != nil || got.Status != flight.StatusSuccess {
		t.Fatalf("GetFlight = %+v, %v", got, err)
	}
	if _, err := control.GetFlight(ctx, "ghost"); !errors.Is(err, errs.ErrFlightNotFound) {
		t.Fatalf("GetFlight ghost = %v", err)
	}

	stairways, err := control.ListStairways(ctx)
	if err != nil || len(stairways) != 1 || stairways[0].Name != "engine-1" {
		t.Fatalf("ListStairways = %v, %v", stairways, err)
	}

	if err := control.ForceFatal(ctx, "c1"); err != nil {
		t.Fatalf("ForceFatal: %v", err)
	}
	got, _ = control.GetFlight(ctx, "c1")
	if got.Status != flight.StatusFatal || got.CompletedTime == nil {
		t.Fatalf("after ForceFatal: %+v", got)
	}
}

func TestDeleteFlight(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)

	if err := s.Submit(ctx, "d1", "noop", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, s, "d1")
	if err := s.DeleteFlight(ctx, "d1", false); err != nil {
		t.Fatalf("DeleteFlight: %v", err)
	}
	if _, err := s.GetFlightState(ctx, "d1"); !errors.Is(err, errs.ErrFlightNotFound) {
		t.Fatalf("after delete = %v, want ErrFlightNotFound", err)
	}
}

func TestWaitingFlightResumesOnSignal(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg := testRegistry(t)
	if err := reg.Register("waiting", waitingFlight(&calls)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s := startEngine(t, db, "engine-1", reg, nil, nil)

	if err := s.Submit(ctx, "w1", "waiting", flight.NewFlightMap()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The flight parks itself WAITING, unowned.
	deadline := time.Now().Add(5 * time.Second)
	for {
		state, err := s.GetFlightState(ctx, "w1")
		if err != nil {
			t.Fatalf("GetFlightState: %v", err)
		}
		if state.Status == flight.StatusWaiting {
			if state.StairwayID != nil {
				t.Fatal("WAITING flight still owned")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("flight stuck in %s", state.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The external event arrives: resume re-runs the waiting step.
	resumed, err := s.Resume(ctx, "w1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed {
		t.Fatal("resume of WAITING flight failed")
	}
	state := waitTerminal(t, s, "w1")
	if state.Status != flight.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", state.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("waiting step ran %d times, want 2", calls.Load())
	}
}

func TestRecoverStairwayPeer(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	d := dao.New(db, testutil.Logger(t), nil)

	peerID, err := d.RegisterStairway(ctx, "peer-engine")
	if err != nil {
		t.Fatalf("RegisterStairway: %v", err)
	}
	rc := flight.NewRunContext("orphan", "counter", flight.NewFlightMap())
	if err := d.Create(ctx, rc, peerID); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s := startEngine(t, db, "engine-1", testRegistry(t), nil, nil)
	if err := s.RecoverStairway(ctx, "peer-engine"); err != nil {
		t.Fatalf("RecoverStairway: %v", err)
	}
	state := waitTerminal(t, s, "orphan")
	if state.Status != flight.StatusSuccess {
		t.Fatalf("orphan = %s, want SUCCESS", state.Status)
	}
}
