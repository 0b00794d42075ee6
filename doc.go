/*
Package stairway is a durable, distributed workflow execution engine.

Clients define a flight as an ordered list of steps, each with a forward
and reverse operation and a retry rule. The engine persists a checkpoint
after every step under serializable isolation, so a flight survives
process crashes and orderly shutdowns and resumes from its last commit,
possibly on a different instance. A cluster of engines shares work
through an at-least-once message queue; the database's ownership
discipline arbitrates which instance runs a flight.

Step code must be idempotent: a step may re-run after recovery. A step
that cannot complete reports a retryable or fatal failure through its
StepResult; exhausted retries and fatal failures reverse the flight
through the undo operation of the failing step and of every step before
it. A failed undo parks the
flight FATAL for operator intervention through the Control surface.

Typical embedding:

	reg := flight.NewRegistry()
	reg.Register("copyFile", newCopyFileFlight)

	s, err := stairway.NewBuilder().
		StairwayName("worker-7").
		FlightFactory(reg).
		Logger(log).
		Build()
	recorded, err := s.Initialize(ctx, db, false, true)
	err = s.RecoverAndStart(ctx, staleOf(recorded))

	inputs := flight.NewFlightMap()
	inputs.Put("source", "/data/in")
	err = s.Submit(ctx, s.CreateFlightID(), "copyFile", inputs)
*/
package stairway
