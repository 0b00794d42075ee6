package stairway

import (
	"context"

	"github.com/yungbote/stairway/flight"
	"github.com/yungbote/stairway/internal/dao"
	"github.com/yungbote/stairway/logger"
)

/*
Control is the read-and-force surface for debugging tools. Everything
here goes straight to the DAO with no application context: no step
deserialization, no flight construction, so it works on flights whose
classes this process has never heard of.
*/
type Control struct {
	dao *dao.FlightDao
	log *logger.Logger
}

// CountFlights counts all flights, or flights in the given status.
func (c *Control) CountFlights(ctx context.Context, status *flight.FlightStatus) (int, error) {
	return c.dao.CountFlights(ctx, status)
}

// CountOwned counts flights currently stamped with an owner.
func (c *Control) CountOwned(ctx context.Context) (int, error) {
	return c.dao.CountOwned(ctx)
}

// ListFlights pages over flights, optionally restricted to one status.
func (c *Control) ListFlights(ctx context.Context, offset, limit int, status *flight.FlightStatus) ([]flight.State, error) {
	return c.dao.ListFlights(ctx, offset, limit, status)
}

// ListOwned pages over owned flights.
func (c *Control) ListOwned(ctx context.Context, offset, limit int) ([]flight.State, error) {
	return c.dao.ListOwned(ctx, offset, limit)
}

// GetFlight returns one flight's state.
func (c *Control) GetFlight(ctx context.Context, flightID string) (*flight.State, error) {
	return c.dao.GetFlightState(ctx, flightID)
}

/*
ForceReady unconditionally floats a flight back to READY and unowned.
The operator path for re-running a FATAL flight once its underlying
cause is fixed; the next resume continues where the log left off.
*/
func (c *Control) ForceReady(ctx context.Context, flightID string) error {
	c.log.Warn("Forcing flight to READY", "flight_id", flightID)
	return c.dao.ForceReady(ctx, flightID)
}

/*
ForceFatal unconditionally terminates a flight as FATAL, clearing
ownership and stamping completion. The operator path for stopping
endless recovery of a flight that can never succeed.
*/
func (c *Control) ForceFatal(ctx context.Context, flightID string) error {
	c.log.Warn("Forcing flight to FATAL", "flight_id", flightID)
	return c.dao.ForceFatal(ctx, flightID)
}

// InputQuery returns the raw input rows without deserialization.
func (c *Control) InputQuery(ctx context.Context, flightID string) ([]flight.InputPair, error) {
	return c.dao.InputQuery(ctx, flightID)
}

// LogQuery returns the raw step-log rows with their working-map
// snapshots.
func (c *Control) LogQuery(ctx context.Context, flightID string) ([]flight.LogRecord, error) {
	return c.dao.LogQuery(ctx, flightID)
}

// ListStairways returns every registered engine instance.
func (c *Control) ListStairways(ctx context.Context) ([]flight.Instance, error) {
	return c.dao.ListStairways(ctx)
}
