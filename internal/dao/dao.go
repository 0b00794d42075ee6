package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/stairway/errs"
	"github.com/yungbote/stairway/filter"
	"github.com/yungbote/stairway/flight"
	"github.com/yungbote/stairway/internal/models"
	"github.com/yungbote/stairway/logger"
)

/*
FlightDao is the sole mutator of persistent flight state. The database is
the synchronizer for the whole engine: ownership transfers, step commits,
and recovery all reduce to conditional updates executed here under
serializable isolation (see serializedTx).
*/
type FlightDao struct {
	db         *gorm.DB
	log        *logger.Logger
	exceptions flight.ExceptionSerializer
}

// New wires a DAO onto an open GORM handle.
func New(db *gorm.DB, baseLog *logger.Logger, exceptions flight.ExceptionSerializer) *FlightDao {
	if exceptions == nil {
		exceptions = flight.NewJSONExceptionSerializer()
	}
	return &FlightDao{
		db:         db,
		log:        baseLog.With("component", "FlightDao"),
		exceptions: exceptions,
	}
}

// statuses an unowned flight may hold while waiting to be resumed.
var resumableStatuses = []string{
	string(flight.StatusReady),
	string(flight.StatusQueued),
	string(flight.StatusWaiting),
	string(flight.StatusReadyToRestart),
}

var terminalStatuses = []string{
	string(flight.StatusSuccess),
	string(flight.StatusError),
	string(flight.StatusFatal),
}

/*
Create inserts the flight row and its input entries for a locally run
flight: status RUNNING, owned by stairwayID. Fails with
errs.ErrDuplicateFlightID when the client-supplied id collides.
*/
func (d *FlightDao) Create(ctx context.Context, rc *flight.RunContext, stairwayID uuid.UUID) error {
	rc.Status = flight.StatusRunning
	return d.serializedTx(ctx, func(tx *gorm.DB) error {
		return d.insertFlight(tx, rc, &stairwayID)
	})
}

// Submit inserts the flight for a queued submission: READY and unowned,
// so any instance (including this one) can capture it later.
func (d *FlightDao) Submit(ctx context.Context, rc *flight.RunContext) error {
	rc.Status = flight.StatusReady
	return d.serializedTx(ctx, func(tx *gorm.DB) error {
		return d.insertFlight(tx, rc, nil)
	})
}

func (d *FlightDao) insertFlight(tx *gorm.DB, rc *flight.RunContext, owner *uuid.UUID) error {
	rc.SubmitTime = time.Now().UTC()
	row := models.Flight{
		FlightID:   rc.FlightID,
		ClassName:  rc.ClassName,
		Status:     string(rc.Status),
		SubmitTime: rc.SubmitTime,
		StairwayID: owner,
	}
	if err := tx.Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", errs.ErrDuplicateFlightID, rc.FlightID)
		}
		return err
	}
	inputs := rc.InputParameters.MakeFlightInputList()
	for _, pair := range inputs {
		entry := models.FlightInput{FlightID: rc.FlightID, Key: pair.Key, Value: pair.Value}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
	}
	return nil
}

/*
Step appends one step-log entry and the full working-map snapshot in a
single transaction. This is the flight's checkpoint: recovery
reconstitutes execution state from the most recent committed entry.
*/
func (d *FlightDao) Step(ctx context.Context, rc *flight.RunContext) error {
	return d.serializedTx(ctx, func(tx *gorm.DB) error {
		return d.insertLogEntry(tx, rc)
	})
}

func (d *FlightDao) insertLogEntry(tx *gorm.DB, rc *flight.RunContext) error {
	entry := models.FlightLog{
		ID:        uuid.New(),
		FlightID:  rc.FlightID,
		LogTime:   time.Now().UTC(),
		StepIndex: rc.StepIndex,
		Direction: string(rc.Direction),
		Status:    string(rc.Result.Status()),
		Rerun:     rc.Rerun,
	}
	if stepErr := rc.Result.Err(); stepErr != nil {
		text := d.exceptions.Serialize(stepErr)
		entry.SerializedException = &text
	}
	if err := tx.Create(&entry).Error; err != nil {
		return err
	}
	for _, pair := range rc.WorkingMap.MakeFlightInputList() {
		working := models.FlightWorking{FlightLogID: entry.ID, Key: pair.Key, Value: pair.Value}
		if err := tx.Create(&working).Error; err != nil {
			return err
		}
	}
	return nil
}

/*
Exit commits the flight's suspended or terminal state together with its
final log entry. Ownership is cleared for the suspend statuses so another
instance can resume the flight; terminal statuses set completed_time and
write outputs/exception as appropriate.
*/
func (d *FlightDao) Exit(ctx context.Context, rc *flight.RunContext) error {
	return d.serializedTx(ctx, func(tx *gorm.DB) error {
		if err := d.insertLogEntry(tx, rc); err != nil {
			return err
		}

		updates := map[string]any{"status": string(rc.Status)}
		switch rc.Status {
		case flight.StatusReady, flight.StatusReadyToRestart, flight.StatusWaiting:
			updates["stairway_id"] = nil
		case flight.StatusSuccess, flight.StatusError, flight.StatusFatal:
			updates["completed_time"] = time.Now().UTC()
			if stepErr := rc.Result.Err(); stepErr != nil {
				updates["serialized_exception"] = d.exceptions.Serialize(stepErr)
			}
			if rc.Status != flight.StatusFatal {
				out, err := rc.WorkingMap.ToJSON()
				if err != nil {
					return err
				}
				updates["output_parameters"] = datatypes.JSON(out)
				updates["output_parameters_version"] = 1
			}
		}

		result := tx.Model(&models.Flight{}).Where("flight_id = ?", rc.FlightID).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return notFound(rc.FlightID)
		}
		return nil
	})
}

// Queued marks a READY flight as QUEUED after its message was published.
// Losing the race (the flight already resumed elsewhere) is not an error.
func (d *FlightDao) Queued(ctx context.Context, flightID string) error {
	return d.serializedTx(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Flight{}).
			Where("flight_id = ? AND status = ?", flightID, string(flight.StatusReady)).
			Update("status", string(flight.StatusQueued)).Error
	})
}

/*
Resume atomically captures ownership of an unowned, resumable flight.
The conditional update linearizes racing instances: exactly one observes
an affected row and receives the reconstituted run context; the rest get
nil and move on.
*/
func (d *FlightDao) Resume(ctx context.Context, stairwayID uuid.UUID, flightID string) (*flight.RunContext, error) {
	var rc *flight.RunContext
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		rc = nil
		result := tx.Model(&models.Flight{}).
			Where("flight_id = ? AND stairway_id IS NULL AND status IN ?", flightID, resumableStatuses).
			Updates(map[string]any{
				"status":      string(flight.StatusRunning),
				"stairway_id": stairwayID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		rebuilt, err := d.makeRunContext(tx, flightID)
		if err != nil {
			return err
		}
		rebuilt.Status = flight.StatusRunning
		rc = rebuilt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

/*
DisownRecovery floats every non-terminal flight owned by stairwayID back
to READY and unowned. Called during startup recovery for instances whose
registrations are stale, and by RecoverStairway for a failed peer. The
bulk conditional update makes concurrent invocations idempotent.
*/
func (d *FlightDao) DisownRecovery(ctx context.Context, stairwayID uuid.UUID) (int, error) {
	var recovered int64
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&models.Flight{}).
			Where("stairway_id = ? AND status NOT IN ?", stairwayID, terminalStatuses).
			Updates(map[string]any{
				"status":      string(flight.StatusReady),
				"stairway_id": nil,
			})
		if result.Error != nil {
			return result.Error
		}
		recovered = result.RowsAffected
		return nil
	})
	return int(recovered), err
}

// GetReadyFlights returns the ids of every unowned READY flight.
func (d *FlightDao) GetReadyFlights(ctx context.Context) ([]string, error) {
	var ids []string
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		ids = ids[:0]
		return tx.Model(&models.Flight{}).
			Where("status = ? AND stairway_id IS NULL", string(flight.StatusReady)).
			Order("submit_time ASC").
			Pluck("flight_id", &ids).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MakeRunContextByID rebuilds the full execution state of a flight from
// its row, inputs, and most recent step-log checkpoint.
func (d *FlightDao) MakeRunContextByID(ctx context.Context, flightID string) (*flight.RunContext, error) {
	var rc *flight.RunContext
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		rebuilt, err := d.makeRunContext(tx, flightID)
		if err != nil {
			return err
		}
		rc = rebuilt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (d *FlightDao) makeRunContext(tx *gorm.DB, flightID string) (*flight.RunContext, error) {
	var row models.Flight
	if err := tx.Where("flight_id = ?", flightID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(flightID)
		}
		return nil, err
	}
	status, err := badStatus(row.Status)
	if err != nil {
		return nil, err
	}

	var inputRows []models.FlightInput
	if err := tx.Where("flight_id = ?", flightID).Find(&inputRows).Error; err != nil {
		return nil, err
	}
	pairs := make([]flight.InputPair, len(inputRows))
	for i, r := range inputRows {
		pairs[i] = flight.InputPair{Key: r.Key, Value: r.Value}
	}
	inputs := flight.FromInputList(pairs)
	inputs.MakeImmutable()

	rc := &flight.RunContext{
		FlightID:        row.FlightID,
		ClassName:       row.ClassName,
		InputParameters: inputs,
		WorkingMap:      flight.NewFlightMap(),
		Direction:       flight.DirectionStart,
		Result:          flight.NewStepResultSuccess(),
		Status:          status,
		SubmitTime:      row.SubmitTime,
		ContextMap:      make(map[string]string),
	}

	var last models.FlightLog
	err = tx.Where("flight_id = ?", flightID).Order("log_time DESC, id DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rc, nil // never ran a step; fresh context
	}
	if err != nil {
		return nil, err
	}

	direction, err := flight.ParseDirection(last.Direction)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt direction %q in flight log", errs.ErrDatabase, last.Direction)
	}
	rc.StepIndex = last.StepIndex
	rc.Direction = direction
	rc.Rerun = last.Rerun
	var stepErr error
	if last.SerializedException != nil {
		stepErr = d.exceptions.Deserialize(*last.SerializedException)
	}
	rc.Result = flight.NewStepResultWithStatus(flight.StepStatus(last.Status), stepErr)

	// A flight resumed on the undo path still reports the error that
	// turned it around; that error travels on the SWITCH entry.
	if direction.Undoing() {
		var switchEntry models.FlightLog
		err := tx.Where("flight_id = ? AND direction = ?", flightID, string(flight.DirectionSwitch)).
			Order("log_time DESC, id DESC").First(&switchEntry).Error
		if err == nil && switchEntry.SerializedException != nil {
			rc.SavedFailure = d.exceptions.Deserialize(*switchEntry.SerializedException)
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var workingRows []models.FlightWorking
	if err := tx.Where("flightlog_id = ?", last.ID).Find(&workingRows).Error; err != nil {
		return nil, err
	}
	workingPairs := make([]flight.InputPair, len(workingRows))
	for i, r := range workingRows {
		workingPairs[i] = flight.InputPair{Key: r.Key, Value: r.Value}
	}
	rc.WorkingMap = flight.FromInputList(workingPairs)
	return rc, nil
}

// GetFlightState returns the external view of one flight.
func (d *FlightDao) GetFlightState(ctx context.Context, flightID string) (*flight.State, error) {
	var state *flight.State
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		var row models.Flight
		if err := tx.Where("flight_id = ?", flightID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(flightID)
			}
			return err
		}
		built, err := d.buildState(row)
		if err != nil {
			return err
		}
		state = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (d *FlightDao) buildState(row models.Flight) (*flight.State, error) {
	status, err := badStatus(row.Status)
	if err != nil {
		return nil, err
	}
	state := &flight.State{
		FlightID:      row.FlightID,
		ClassName:     row.ClassName,
		Status:        status,
		SubmitTime:    row.SubmitTime,
		CompletedTime: row.CompletedTime,
		StairwayID:    row.StairwayID,
	}
	if len(row.OutputParameters) > 0 {
		resultMap, err := flight.FromJSON(string(row.OutputParameters))
		if err != nil {
			return nil, err
		}
		state.ResultMap = resultMap
	}
	if row.SerializedException != nil {
		state.Err = d.exceptions.Deserialize(*row.SerializedException)
	}
	return state, nil
}

/*
GetFlights runs a compiled filter: a count of all matching rows plus the
requested page, and hands back the page token for the next call.
*/
func (d *FlightDao) GetFlights(ctx context.Context, expr filter.Expression, page filter.PageSpec) (*flight.Enumeration, error) {
	compiled, err := filter.Compile(expr, page)
	if err != nil {
		return nil, err
	}
	var enum *flight.Enumeration
	err = d.serializedTx(ctx, func(tx *gorm.DB) error {
		var total int64
		if err := tx.Raw(compiled.CountSQL, compiled.CountArgs...).Scan(&total).Error; err != nil {
			return err
		}
		var rows []models.Flight
		if err := tx.Raw(compiled.QuerySQL, compiled.QueryArgs...).Scan(&rows).Error; err != nil {
			return err
		}
		states := make([]flight.State, 0, len(rows))
		for _, row := range rows {
			state, err := d.buildState(row)
			if err != nil {
				return err
			}
			states = append(states, *state)
		}
		enum = &flight.Enumeration{Total: int(total), Flights: states}
		if len(states) > 0 {
			enum.NextPageToken = filter.EncodePageToken(states[len(states)-1].SubmitTime)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return enum, nil
}

/*
Delete removes every row belonging to a flight. An actively running
flight is refused unless force is set; force exists for operators
cleaning up after a dead instance that cannot be recovered normally.
*/
func (d *FlightDao) Delete(ctx context.Context, flightID string, force bool) error {
	return d.serializedTx(ctx, func(tx *gorm.DB) error {
		var row models.Flight
		if err := tx.Where("flight_id = ?", flightID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(flightID)
			}
			return err
		}
		if !force && flight.FlightStatus(row.Status) == flight.StatusRunning {
			return fmt.Errorf("%w: flight %q is running; use force to delete", errs.ErrBadRequest, flightID)
		}
		return deleteFlightRows(tx, flightID)
	})
}

func deleteFlightRows(tx *gorm.DB, flightID string) error {
	var logIDs []uuid.UUID
	if err := tx.Model(&models.FlightLog{}).Where("flight_id = ?", flightID).Pluck("id", &logIDs).Error; err != nil {
		return err
	}
	if len(logIDs) > 0 {
		if err := tx.Where("flightlog_id IN ?", logIDs).Delete(&models.FlightWorking{}).Error; err != nil {
			return err
		}
	}
	if err := tx.Where("flight_id = ?", flightID).Delete(&models.FlightLog{}).Error; err != nil {
		return err
	}
	if err := tx.Where("flight_id = ?", flightID).Delete(&models.FlightInput{}).Error; err != nil {
		return err
	}
	return tx.Where("flight_id = ?", flightID).Delete(&models.Flight{}).Error
}

// CleanCompleted deletes terminal flights whose completed_time is older
// than the cutoff. Used by the retention loop.
func (d *FlightDao) CleanCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	var deleted int
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		deleted = 0
		var ids []string
		err := tx.Model(&models.Flight{}).
			Where("status IN ? AND completed_time < ?", terminalStatuses, olderThan).
			Pluck("flight_id", &ids).Error
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := deleteFlightRows(tx, id); err != nil {
				return err
			}
		}
		deleted = len(ids)
		return nil
	})
	return deleted, err
}

/*
RegisterStairway finds or creates the instance record for name and
returns its id. The name is the stable identity across restarts; the id
is minted once and stamped onto every flight the instance owns.
*/
func (d *FlightDao) RegisterStairway(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		var row models.StairwayInstance
		err := tx.Where("stairway_name = ?", name).First(&row).Error
		if err == nil {
			id = row.StairwayID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		row = models.StairwayInstance{StairwayID: uuid.New(), StairwayName: name}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		id = row.StairwayID
		return nil
	})
	return id, err
}

// LookupStairway returns the id registered for name.
func (d *FlightDao) LookupStairway(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		var row models.StairwayInstance
		if err := tx.Where("stairway_name = ?", name).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown stairway %q", errs.ErrFlightNotFound, name)
			}
			return err
		}
		id = row.StairwayID
		return nil
	})
	return id, err
}

// ListStairways returns every registered instance.
func (d *FlightDao) ListStairways(ctx context.Context) ([]flight.Instance, error) {
	var out []flight.Instance
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		var rows []models.StairwayInstance
		if err := tx.Order("stairway_name ASC").Find(&rows).Error; err != nil {
			return err
		}
		out = make([]flight.Instance, len(rows))
		for i, r := range rows {
			out[i] = flight.Instance{ID: r.StairwayID, Name: r.StairwayName}
		}
		return nil
	})
	return out, err
}

// ListStairwayNames returns the registered instance names. Initialize
// hands this list to the caller, who decides which are stale.
func (d *FlightDao) ListStairwayNames(ctx context.Context) ([]string, error) {
	instances, err := d.ListStairways(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(instances))
	for i, inst := range instances {
		names[i] = inst.Name
	}
	return names, nil
}
