package flight

import (
	"time"

	"github.com/google/uuid"
)

/*
State is the external, application-context-free view of a flight row.
It is what GetFlightState, GetFlights, and the control surface return;
nothing in it requires the flight class to be constructible.
*/
type State struct {
	FlightID      string
	ClassName     string
	Status        FlightStatus
	SubmitTime    time.Time
	CompletedTime *time.Time
	StairwayID    *uuid.UUID

	// ResultMap holds the output parameters; present when the flight
	// completed with SUCCESS (and on ERROR when outputs were written).
	ResultMap *FlightMap
	// Err is the rehydrated failure; present on ERROR and FATAL.
	Err error
}

// Enumeration is a filtered, paginated flight listing.
type Enumeration struct {
	// Total is the number of rows matching the filter, ignoring
	// pagination.
	Total int
	// NextPageToken encodes the submit time of the last returned row;
	// empty when Flights is empty.
	NextPageToken string
	Flights       []State
}

// LogRecord is one raw step-log row, as exposed by the control surface.
type LogRecord struct {
	ID                  uuid.UUID
	FlightID            string
	LogTime             time.Time
	StepIndex           int
	Direction           Direction
	Status              StepStatus
	SerializedException string
	Rerun               bool
	// Working holds the raw working-map snapshot for this entry.
	Working []InputPair
}

// Instance is one row of the instance registry.
type Instance struct {
	ID   uuid.UUID
	Name string
}
