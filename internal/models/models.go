package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Flight is one row of the flight table: one per submitted workflow.
type Flight struct {
	FlightID                string         `gorm:"column:flight_id;primaryKey"`
	ClassName               string         `gorm:"column:class_name;not null"`
	Status                  string         `gorm:"column:status;not null;index"`
	SubmitTime              time.Time      `gorm:"column:submit_time;not null;index"`
	CompletedTime           *time.Time     `gorm:"column:completed_time;index"`
	StairwayID              *uuid.UUID     `gorm:"column:stairway_id;type:uuid;index"`
	SerializedException     *string        `gorm:"column:serialized_exception"`
	OutputParameters        datatypes.JSON `gorm:"column:output_parameters"`
	OutputParametersVersion *int           `gorm:"column:output_parameters_version"`
}

func (Flight) TableName() string { return "flight" }

// FlightInput is one (flight, key, value) input entry, written once at
// submission and never mutated.
type FlightInput struct {
	FlightID string `gorm:"column:flight_id;primaryKey"`
	Key      string `gorm:"column:key;primaryKey"`
	Value    string `gorm:"column:value;not null"`
}

func (FlightInput) TableName() string { return "flightinput" }

// FlightLog is one step-log entry, appended after every executed step.
type FlightLog struct {
	ID                  uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	FlightID            string    `gorm:"column:flight_id;not null;index:idx_flightlog_flight_time,priority:1"`
	LogTime             time.Time `gorm:"column:log_time;not null;index:idx_flightlog_flight_time,priority:2"`
	StepIndex           int       `gorm:"column:step_index;not null"`
	Direction           string    `gorm:"column:direction;not null"`
	Status              string    `gorm:"column:status;not null"`
	SerializedException *string   `gorm:"column:serialized_exception"`
	Rerun               bool      `gorm:"column:rerun;not null"`
}

func (FlightLog) TableName() string { return "flightlog" }

// FlightWorking is one entry of the working-map snapshot taken with a
// step-log entry.
type FlightWorking struct {
	FlightLogID uuid.UUID `gorm:"column:flightlog_id;type:uuid;primaryKey"`
	Key         string    `gorm:"column:key;primaryKey"`
	Value       string    `gorm:"column:value;not null"`
}

func (FlightWorking) TableName() string { return "flightworking" }

// StairwayInstance is one row of the instance registry. The name is
// client-chosen and stable across restarts; the id is minted on first
// registration and stamped onto flights the instance owns.
type StairwayInstance struct {
	StairwayID   uuid.UUID `gorm:"column:stairway_id;type:uuid;primaryKey"`
	StairwayName string    `gorm:"column:stairway_name;uniqueIndex;not null"`
}

func (StairwayInstance) TableName() string { return "stairway_instance" }
