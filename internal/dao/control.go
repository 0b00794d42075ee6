package dao

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/stairway/flight"
	"github.com/yungbote/stairway/internal/models"
)

/*
Control queries read and force flight state without any application
context: no step deserialization, no flight construction. They back the
debugging surface, so they work even when the flight's class is not
registered in this process.
*/

// CountFlights counts all flights, or flights in one status.
func (d *FlightDao) CountFlights(ctx context.Context, status *flight.FlightStatus) (int, error) {
	var count int64
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		q := tx.Model(&models.Flight{})
		if status != nil {
			q = q.Where("status = ?", string(*status))
		}
		return q.Count(&count).Error
	})
	return int(count), err
}

// CountOwned counts flights currently stamped with any owner.
func (d *FlightDao) CountOwned(ctx context.Context) (int, error) {
	var count int64
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Flight{}).
			Where("stairway_id IS NOT NULL").
			Count(&count).Error
	})
	return int(count), err
}

// ListFlights pages over flights ordered by submit time, optionally
// restricted to one status.
func (d *FlightDao) ListFlights(ctx context.Context, offset, limit int, status *flight.FlightStatus) ([]flight.State, error) {
	var states []flight.State
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		q := tx.Model(&models.Flight{})
		if status != nil {
			q = q.Where("status = ?", string(*status))
		}
		var rows []models.Flight
		if err := q.Order("submit_time ASC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
			return err
		}
		states = states[:0]
		for _, row := range rows {
			state, err := d.buildState(row)
			if err != nil {
				return err
			}
			states = append(states, *state)
		}
		return nil
	})
	return states, err
}

// ListOwned pages over flights stamped with an owner.
func (d *FlightDao) ListOwned(ctx context.Context, offset, limit int) ([]flight.State, error) {
	var states []flight.State
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		var rows []models.Flight
		err := tx.Model(&models.Flight{}).
			Where("stairway_id IS NOT NULL").
			Order("submit_time ASC").Offset(offset).Limit(limit).
			Find(&rows).Error
		if err != nil {
			return err
		}
		states = states[:0]
		for _, row := range rows {
			state, err := d.buildState(row)
			if err != nil {
				return err
			}
			states = append(states, *state)
		}
		return nil
	})
	return states, err
}

/*
ForceReady unconditionally floats a flight back to READY and unowned.
The operator path for re-running a FATAL flight once the underlying
cause is fixed.
*/
func (d *FlightDao) ForceReady(ctx context.Context, flightID string) error {
	return d.serializedTx(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&models.Flight{}).
			Where("flight_id = ?", flightID).
			Updates(map[string]any{
				"status":      string(flight.StatusReady),
				"stairway_id": nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return notFound(flightID)
		}
		return nil
	})
}

/*
ForceFatal unconditionally terminates a flight as FATAL. The operator
path for stopping infinite recovery attempts on a flight that can never
succeed.
*/
func (d *FlightDao) ForceFatal(ctx context.Context, flightID string) error {
	return d.serializedTx(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&models.Flight{}).
			Where("flight_id = ?", flightID).
			Updates(map[string]any{
				"status":         string(flight.StatusFatal),
				"stairway_id":    nil,
				"completed_time": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return notFound(flightID)
		}
		return nil
	})
}

// InputQuery returns the raw input rows for a flight, undeserialized.
func (d *FlightDao) InputQuery(ctx context.Context, flightID string) ([]flight.InputPair, error) {
	var pairs []flight.InputPair
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		if err := d.requireFlight(tx, flightID); err != nil {
			return err
		}
		var rows []models.FlightInput
		if err := tx.Where("flight_id = ?", flightID).Order("key ASC").Find(&rows).Error; err != nil {
			return err
		}
		pairs = make([]flight.InputPair, len(rows))
		for i, r := range rows {
			pairs[i] = flight.InputPair{Key: r.Key, Value: r.Value}
		}
		return nil
	})
	return pairs, err
}

// LogQuery returns the raw step-log rows for a flight in commit order,
// each with its working-map snapshot.
func (d *FlightDao) LogQuery(ctx context.Context, flightID string) ([]flight.LogRecord, error) {
	var records []flight.LogRecord
	err := d.serializedTx(ctx, func(tx *gorm.DB) error {
		if err := d.requireFlight(tx, flightID); err != nil {
			return err
		}
		var rows []models.FlightLog
		if err := tx.Where("flight_id = ?", flightID).Order("log_time ASC, id ASC").Find(&rows).Error; err != nil {
			return err
		}
		records = make([]flight.LogRecord, 0, len(rows))
		for _, row := range rows {
			record := flight.LogRecord{
				ID:        row.ID,
				FlightID:  row.FlightID,
				LogTime:   row.LogTime,
				StepIndex: row.StepIndex,
				Direction: flight.Direction(row.Direction),
				Status:    flight.StepStatus(row.Status),
				Rerun:     row.Rerun,
			}
			if row.SerializedException != nil {
				record.SerializedException = *row.SerializedException
			}
			var workingRows []models.FlightWorking
			if err := tx.Where("flightlog_id = ?", row.ID).Order("key ASC").Find(&workingRows).Error; err != nil {
				return err
			}
			for _, w := range workingRows {
				record.Working = append(record.Working, flight.InputPair{Key: w.Key, Value: w.Value})
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

func (d *FlightDao) requireFlight(tx *gorm.DB, flightID string) error {
	var row models.Flight
	if err := tx.Select("flight_id").Where("flight_id = ?", flightID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(flightID)
		}
		return err
	}
	return nil
}
