package stairway

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/stairway/errs"
	"github.com/yungbote/stairway/filter"
	"github.com/yungbote/stairway/flight"
	"github.com/yungbote/stairway/internal/dao"
	"github.com/yungbote/stairway/logger"
	"github.com/yungbote/stairway/queue"
)

const (
	queueListenerBatch   = 5
	queueListenerBackoff = 500 * time.Millisecond
	queueListenerIdle    = 100 * time.Millisecond

	defaultWaitPollInterval = 500 * time.Millisecond
	defaultWaitMaxPolls     = 600
)

/*
Stairway is the workflow engine: it accepts flight submissions, executes
them step-by-step with per-step persistence, survives crashes by letting
any instance resume abandoned work, and shares load across a cluster
through a work queue.

Lifecycle is three-phase:

 1. Builder.Build: configuration only, no database access
 2. Initialize: open the DAO, migrate, allocate the pool
 3. RecoverAndStart: disown stale instances, register self, re-float
    READY work, start the queue listener and retention loop

The database is the synchronizer for all flight state; the only mutable
process-wide state here is the pool, the quiescing flag, and the
instance identity written once during RecoverAndStart.
*/
type Stairway struct {
	stairwayName             string
	clusterName              string
	maxParallelFlights       int
	maxQueuedFlights         int
	workQueue                queue.WorkQueue
	applicationContext       any
	exceptionSerializer      flight.ExceptionSerializer
	retentionCheckInterval   time.Duration
	completedFlightRetention time.Duration
	factory                  FlightFactory
	log                      *logger.Logger
	hooks                    *hookSet

	db         *gorm.DB
	dao        *dao.FlightDao
	stairwayID uuid.UUID

	quiescing   atomic.Bool
	initialized atomic.Bool
	started     atomic.Bool

	poolCtx    context.Context
	poolCancel context.CancelFunc
	tasks      chan *flightRun
	workers    sync.WaitGroup
	active     atomic.Int64

	listenerCancel context.CancelFunc
	listenerDone   chan struct{}

	retentionCancel context.CancelFunc
	retentionDone   chan struct{}
}

// flightRun is one unit of pool work: a constructed flight plus its
// execution state.
type flightRun struct {
	fl *flight.Flight
	rc *flight.RunContext
}

/*
Initialize opens the persistence layer on db, optionally migrating the
schema (dropping it first under forceClean, which is how tests get a
clean database). It allocates the worker pool but starts no background
work. The returned list is every instance name recorded in the database;
the caller decides which of those are stale and passes them to
RecoverAndStart.
*/
func (s *Stairway) Initialize(ctx context.Context, db *gorm.DB, forceClean, migrate bool) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", errs.ErrBadRequest)
	}
	if s.initialized.Swap(true) {
		return nil, fmt.Errorf("%w: already initialized", errs.ErrBadRequest)
	}
	if migrate {
		if err := dao.Migrate(db, forceClean); err != nil {
			return nil, err
		}
	}
	s.db = db
	s.dao = dao.New(db, s.log, s.exceptionSerializer)

	s.poolCtx, s.poolCancel = context.WithCancel(context.Background())
	s.tasks = make(chan *flightRun, s.maxParallelFlights+s.maxQueuedFlights+64)
	for i := 0; i < s.maxParallelFlights; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	return s.dao.ListStairwayNames(ctx)
}

/*
RecoverAndStart completes startup. Every obsolete instance has its
non-terminal flights floated back to READY and unowned; this instance is
then registered (or re-found by name), unowned READY work is routed back
into execution, and the queue listener and retention loop start.
*/
func (s *Stairway) RecoverAndStart(ctx context.Context, obsoleteStairways []string) error {
	if !s.initialized.Load() {
		return fmt.Errorf("%w: initialize before recoverAndStart", errs.ErrBadRequest)
	}
	if s.started.Swap(true) {
		return fmt.Errorf("%w: already started", errs.ErrBadRequest)
	}

	for _, name := range obsoleteStairways {
		if err := s.recoverInstance(ctx, name); err != nil {
			return err
		}
	}

	id, err := s.dao.RegisterStairway(ctx, s.stairwayName)
	if err != nil {
		return err
	}
	s.stairwayID = id
	s.log.Info("Stairway registered", "stairway_id", id)

	if err := s.recoverReady(ctx); err != nil {
		return err
	}

	if s.workQueue != nil {
		listenerCtx, cancel := context.WithCancel(context.Background())
		s.listenerCancel = cancel
		s.listenerDone = make(chan struct{})
		go s.queueListener(listenerCtx)
	}

	if s.retentionCheckInterval > 0 && s.completedFlightRetention > 0 {
		retentionCtx, cancel := context.WithCancel(context.Background())
		s.retentionCancel = cancel
		s.retentionDone = make(chan struct{})
		go s.retentionLoop(retentionCtx)
	}
	return nil
}

func (s *Stairway) recoverInstance(ctx context.Context, name string) error {
	id, err := s.dao.LookupStairway(ctx, name)
	if err != nil {
		// An unknown name is not fatal: the instance may never have
		// registered before it died.
		s.log.Warn("Obsolete stairway not found in registry", "stairway_name", name)
		return nil
	}
	recovered, err := s.dao.DisownRecovery(ctx, id)
	if err != nil {
		return err
	}
	s.log.Info("Recovered flights from obsolete stairway",
		"stairway_name", name,
		"recovered", recovered,
	)
	return nil
}

/*
recoverReady routes every unowned READY flight back into execution:
through the work queue when one is configured, otherwise into the local
pool by capturing ownership directly.
*/
func (s *Stairway) recoverReady(ctx context.Context) error {
	ids, err := s.dao.GetReadyFlights(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	s.log.Info("Re-dispatching ready flights", "count", len(ids))

	if s.workQueue == nil {
		for _, id := range ids {
			if _, err := s.Resume(ctx, id); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		flightID := id
		g.Go(func() error {
			return s.publishReady(gctx, flightID)
		})
	}
	return g.Wait()
}

/*
publishReady runs the two-step READY -> publish -> QUEUED protocol. The
ordering is load-bearing: the flight is committed READY before the
message exists, so a crash at any point leaves it discoverable either by
getReadyFlights or by a queue consumer.
*/
func (s *Stairway) publishReady(ctx context.Context, flightID string) error {
	text, err := queue.NewReadyMessage(flightID, callingContext(ctx)).Marshal()
	if err != nil {
		return err
	}
	if err := s.workQueue.EnqueueMessage(ctx, text); err != nil {
		return err
	}
	return s.dao.Queued(ctx, flightID)
}

// CreateFlightID mints a 22-character base64url flight id.
func (s *Stairway) CreateFlightID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

// GetStairwayName returns this instance's stable name.
func (s *Stairway) GetStairwayName() string { return s.stairwayName }

// GetControl returns the debugging surface.
func (s *Stairway) GetControl() *Control {
	return &Control{dao: s.dao, log: s.log.With("component", "Control")}
}

// Submit runs a flight, preferring local execution under the admission
// rules.
func (s *Stairway) Submit(ctx context.Context, flightID, className string, inputs *flight.FlightMap) error {
	return s.submit(ctx, flightID, className, inputs, nil, false)
}

// SubmitToQueue forces the flight onto the cluster work queue.
func (s *Stairway) SubmitToQueue(ctx context.Context, flightID, className string, inputs *flight.FlightMap) error {
	return s.submit(ctx, flightID, className, inputs, nil, true)
}

// SubmitWithDebugInfo submits with fault injection attached. Debug info
// is not persisted; once the flight is resumed from the database (after a
// crash, a suspension or a RESTART_FLIGHT yield, here or elsewhere) it
// runs clean.
func (s *Stairway) SubmitWithDebugInfo(ctx context.Context, flightID, className string, inputs *flight.FlightMap, debug *flight.DebugInfo, toQueue bool) error {
	return s.submit(ctx, flightID, className, inputs, debug, toQueue)
}

func (s *Stairway) submit(ctx context.Context, flightID, className string, inputs *flight.FlightMap, debug *flight.DebugInfo, toQueue bool) error {
	if !s.started.Load() {
		return fmt.Errorf("%w: submit before recoverAndStart", errs.ErrBadRequest)
	}
	if flightID == "" {
		return fmt.Errorf("%w: empty flight id", errs.ErrBadRequest)
	}
	if className == "" {
		return fmt.Errorf("%w: nil flight class", errs.ErrBadRequest)
	}
	if inputs == nil {
		return fmt.Errorf("%w: nil input parameters", errs.ErrBadRequest)
	}

	// Constructing up front validates the class and gives the local path
	// its step list; the queue path throws the object away.
	fl, err := s.factory.Make(className, inputs, s.applicationContext)
	if err != nil {
		return err
	}

	rc := flight.NewRunContext(flightID, className, inputs)
	rc.Debug = debug
	rc.StepClassNames = fl.StepNames()
	if cc := callingContext(ctx); cc != nil {
		for k, v := range cc {
			rc.ContextMap[k] = v
		}
	}

	if s.quiescing.Load() {
		if s.workQueue == nil {
			return fmt.Errorf("%w: submission rejected during shutdown", errs.ErrStairwayShutdown)
		}
		return s.submitQueued(ctx, rc)
	}
	if toQueue {
		if s.workQueue == nil {
			return fmt.Errorf("%w: no work queue configured", errs.ErrBadRequest)
		}
		return s.submitQueued(ctx, rc)
	}
	if s.workQueue != nil && !s.hasLocalCapacity() {
		return s.submitQueued(ctx, rc)
	}

	if err := s.dao.Create(ctx, rc, s.stairwayID); err != nil {
		return err
	}
	s.hooks.stateTransition(ctx, rc, flight.StatusRunning)
	s.dispatchLocal(&flightRun{fl: fl, rc: rc})
	return nil
}

func (s *Stairway) submitQueued(ctx context.Context, rc *flight.RunContext) error {
	if err := s.dao.Submit(ctx, rc); err != nil {
		return err
	}
	s.hooks.stateTransition(ctx, rc, flight.StatusReady)
	return s.publishReady(ctx, rc.FlightID)
}

// hasLocalCapacity applies the admission rule: a free worker, or room in
// the in-process queue.
func (s *Stairway) hasLocalCapacity() bool {
	return int(s.active.Load()) < s.maxParallelFlights || len(s.tasks) < s.maxQueuedFlights
}

// dispatchLocal hands a run to the pool without ever blocking the
// caller; overflow beyond the channel's headroom is pushed from a
// goroutine.
func (s *Stairway) dispatchLocal(run *flightRun) {
	select {
	case s.tasks <- run:
	default:
		go func() {
			select {
			case s.tasks <- run:
			case <-s.poolCtx.Done():
				// terminate path marks it READY while draining
				if err := s.dao.ForceReady(context.Background(), run.rc.FlightID); err != nil {
					s.log.Warn("Unable to re-float undispatched flight", "flight_id", run.rc.FlightID, "error", err)
				}
			}
		}()
	}
}

func (s *Stairway) worker() {
	defer s.workers.Done()
	for {
		select {
		case <-s.poolCtx.Done():
			return
		case run := <-s.tasks:
			s.active.Add(1)
			newFlightRunner(s, run.fl, run.rc, s.log).run(s.poolCtx)
			s.active.Add(-1)
			s.afterRun(run.rc)
		}
	}
}

// afterRun re-dispatches a flight that yielded through persistence with
// READY_TO_RESTART: back onto the work queue when one is configured,
// otherwise straight into another ownership capture here. While quiescing
// the flight is floated to READY instead, so READY recovery finds it.
func (s *Stairway) afterRun(rc *flight.RunContext) {
	if rc.Status != flight.StatusReadyToRestart {
		return
	}
	if s.quiescing.Load() {
		if err := s.dao.ForceReady(context.Background(), rc.FlightID); err != nil {
			s.log.Warn("Unable to re-float restarting flight", "flight_id", rc.FlightID, "error", err)
		}
		return
	}
	ctx := s.poolCtx
	if s.workQueue != nil {
		if err := s.publishReady(ctx, rc.FlightID); err != nil {
			s.log.Warn("Unable to re-queue restarting flight", "flight_id", rc.FlightID, "error", err)
		}
		return
	}
	if _, err := s.Resume(ctx, rc.FlightID); err != nil {
		s.log.Warn("Unable to restart flight", "flight_id", rc.FlightID, "error", err)
	}
}

/*
Resume attempts to capture ownership of an unowned resumable flight and
run it locally. Returns false when another instance won the race or the
flight is not resumable.
*/
func (s *Stairway) Resume(ctx context.Context, flightID string) (bool, error) {
	if !s.started.Load() {
		return false, fmt.Errorf("%w: resume before recoverAndStart", errs.ErrBadRequest)
	}
	if s.quiescing.Load() {
		return false, nil
	}
	rc, err := s.dao.Resume(ctx, s.stairwayID, flightID)
	if err != nil {
		return false, err
	}
	if rc == nil {
		return false, nil
	}
	for k, v := range callingContext(ctx) {
		rc.ContextMap[k] = v
	}

	fl, err := s.factory.Make(rc.ClassName, rc.InputParameters, s.applicationContext)
	if err != nil {
		// We own a flight we cannot run; float it back immediately.
		if disownErr := s.dao.ForceReady(ctx, flightID); disownErr != nil {
			s.log.Error("Unable to disown unconstructible flight", "flight_id", flightID, "error", disownErr)
		}
		return false, err
	}
	s.hooks.stateTransition(ctx, rc, flight.StatusRunning)
	s.dispatchLocal(&flightRun{fl: fl, rc: rc})
	return true, nil
}

/*
queueListener pulls READY messages in small batches while the engine has
capacity. Messages it cannot take (over capacity, quiescing) are left
unacknowledged for another instance.
*/
func (s *Stairway) queueListener(ctx context.Context) {
	defer close(s.listenerDone)
	log := s.log.With("component", "QueueListener")
	log.Info("Queue listener started")
	for ctx.Err() == nil && !s.quiescing.Load() {
		if !s.hasLocalCapacity() {
			if sleepErr := sleepCtx(ctx, queueListenerBackoff); sleepErr != nil {
				return
			}
			continue
		}
		err := s.workQueue.DispatchMessages(ctx, queueListenerBatch, s.processQueueMessage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Queue dispatch failed", "error", err)
			if sleepErr := sleepCtx(ctx, queueListenerBackoff); sleepErr != nil {
				return
			}
			continue
		}
		if sleepErr := sleepCtx(ctx, queueListenerIdle); sleepErr != nil {
			return
		}
	}
	log.Info("Queue listener stopped")
}

/*
processQueueMessage acknowledges a message when its flight no longer
needs the queue: we resumed it, it is already owned or terminal, or it
is gone. It declines (leaving the message for redelivery) when this
engine cannot take the work right now or when the flight is still
floating and the resume race was lost transiently.
*/
func (s *Stairway) processQueueMessage(ctx context.Context, text string) bool {
	msg, err := queue.ParseMessage(text)
	if err != nil {
		// Poison message: discard rather than redeliver forever.
		s.log.Warn("Discarding undecodable queue message", "error", err)
		return true
	}
	if s.quiescing.Load() || !s.hasLocalCapacity() {
		return false
	}

	resumeCtx := ctx
	if len(msg.CallingThreadContext) > 0 {
		resumeCtx = withDiagnostics(ctx, msg.CallingThreadContext)
	}
	resumed, err := s.Resume(resumeCtx, msg.FlightID)
	if err != nil {
		s.log.Warn("Resume from queue failed", "flight_id", msg.FlightID, "error", err)
		return false
	}
	if resumed {
		return true
	}

	// Lost the race or nothing to do; ack unless the flight is still
	// genuinely floating.
	state, err := s.dao.GetFlightState(ctx, msg.FlightID)
	if err != nil {
		return true // gone (deleted) or unreadable; nothing to run
	}
	switch state.Status {
	case flight.StatusReady, flight.StatusQueued, flight.StatusWaiting, flight.StatusReadyToRestart:
		return false
	}
	return true
}

// retentionLoop periodically removes terminal flights older than the
// configured retention.
func (s *Stairway) retentionLoop(ctx context.Context) {
	defer close(s.retentionDone)
	log := s.log.With("component", "RetentionLoop")
	ticker := time.NewTicker(s.retentionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.completedFlightRetention)
			deleted, err := s.dao.CleanCompleted(ctx, cutoff)
			if err != nil {
				log.Warn("Retention sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				log.Info("Retention sweep removed completed flights", "deleted", deleted)
			}
		}
	}
}

/*
RecoverStairway floats every non-terminal flight owned by the named peer
back to READY and re-dispatches. Intended to be driven by an external
liveness signal, e.g. an orchestrator's pod-failure notification.
*/
func (s *Stairway) RecoverStairway(ctx context.Context, name string) error {
	if !s.started.Load() {
		return fmt.Errorf("%w: recoverStairway before recoverAndStart", errs.ErrBadRequest)
	}
	id, err := s.dao.LookupStairway(ctx, name)
	if err != nil {
		return err
	}
	recovered, err := s.dao.DisownRecovery(ctx, id)
	if err != nil {
		return err
	}
	s.log.Info("Recovered peer stairway", "peer", name, "recovered", recovered)
	return s.recoverReady(ctx)
}

// GetFlightState returns the external view of one flight.
func (s *Stairway) GetFlightState(ctx context.Context, flightID string) (*flight.State, error) {
	return s.dao.GetFlightState(ctx, flightID)
}

// GetFlights lists flights matching the filter with offset/limit
// pagination.
func (s *Stairway) GetFlights(ctx context.Context, offset, limit int, expr filter.Expression) (*flight.Enumeration, error) {
	return s.dao.GetFlights(ctx, expr, filter.PageSpec{Offset: &offset, Limit: &limit})
}

// GetFlightsByPage lists flights matching the filter with page-token
// pagination. An empty token starts from the beginning.
func (s *Stairway) GetFlightsByPage(ctx context.Context, pageToken string, limit int, expr filter.Expression) (*flight.Enumeration, error) {
	page := filter.PageSpec{PageToken: pageToken, Limit: &limit}
	if pageToken == "" {
		offset := 0
		page.Offset = &offset
	}
	return s.dao.GetFlights(ctx, expr, page)
}

// DeleteFlight removes every trace of a flight. force overrides the
// refusal to delete a running flight.
func (s *Stairway) DeleteFlight(ctx context.Context, flightID string, force bool) error {
	return s.dao.Delete(ctx, flightID, force)
}

/*
WaitForFlight polls until the flight reaches a terminal status.

Deprecated: polling exists for tests and simple embeddings; applications
needing completion signals should watch their own notification surface.
*/
func (s *Stairway) WaitForFlight(ctx context.Context, flightID string, pollInterval time.Duration, maxPolls int) (*flight.State, error) {
	if pollInterval <= 0 {
		pollInterval = defaultWaitPollInterval
	}
	if maxPolls <= 0 {
		maxPolls = defaultWaitMaxPolls
	}
	for i := 0; i < maxPolls; i++ {
		state, err := s.dao.GetFlightState(ctx, flightID)
		if err != nil {
			return nil, err
		}
		if state.Status.Terminal() {
			return state, nil
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: flight %q after %d polls", errs.ErrFlightWaitTimedOut, flightID, maxPolls)
}

/*
QuietDown begins cooperative shutdown: new submissions are deflected,
the queue listener is joined, and workers exit their flights through the
STOP -> READY path at the next step boundary. Returns true if the pool
drained within the timeout.
*/
func (s *Stairway) QuietDown(ctx context.Context, timeout time.Duration) bool {
	s.quiescing.Store(true)

	// Reserve a small slice of the budget for the listener join.
	listenerBudget := 5 * time.Second
	if timeout < 30*time.Second {
		listenerBudget = time.Second
	}
	deadline := time.Now().Add(timeout)
	s.stopListener(listenerBudget)
	s.stopRetention()

	// Workers observe the flag and exit their flights READY at the next
	// step boundary; wait for the pool to drain, then release it.
	for time.Now().Before(deadline) {
		if s.active.Load() == 0 && len(s.tasks) == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.poolCancel()
	return s.awaitWorkers(time.Until(deadline))
}

/*
Terminate is the impatient shutdown: the listener and pool contexts are
canceled outright, running workers get a bounded window to commit their
STOP/READY exit, and runnables that never started are marked READY so
another instance picks them up.
*/
func (s *Stairway) Terminate(ctx context.Context, timeout time.Duration) bool {
	s.quiescing.Store(true)
	s.stopListener(time.Second)
	s.stopRetention()
	s.poolCancel()

	finished := s.awaitWorkers(timeout)

	// Anything still sitting in the pool queue never ran.
	for {
		select {
		case run := <-s.tasks:
			if err := s.dao.ForceReady(context.Background(), run.rc.FlightID); err != nil {
				s.log.Warn("Unable to re-float unstarted flight", "flight_id", run.rc.FlightID, "error", err)
			}
		default:
			return finished
		}
	}
}

func (s *Stairway) stopListener(budget time.Duration) {
	if s.listenerCancel == nil {
		return
	}
	s.listenerCancel()
	select {
	case <-s.listenerDone:
	case <-time.After(budget):
		s.log.Warn("Queue listener did not stop within budget")
	}
}

func (s *Stairway) stopRetention() {
	if s.retentionCancel == nil {
		return
	}
	s.retentionCancel()
	select {
	case <-s.retentionDone:
	case <-time.After(time.Second):
	}
}

func (s *Stairway) awaitWorkers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// flightSupport implementation for runners.

func (s *Stairway) isQuiescing() bool { return s.quiescing.Load() }
func (s *Stairway) flightDao() *dao.FlightDao { return s.dao }
func (s *Stairway) flightHooks() *hookSet { return s.hooks }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
