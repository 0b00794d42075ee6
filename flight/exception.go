package flight

import (
	"encoding/json"
	"strings"
)

/*
ExceptionSerializer converts step errors to and from the opaque text
persisted in flightlog.serialized_exception and
flight.serialized_exception. The default JSON form keeps only the
message; applications that need typed errors across persistence supply
their own implementation through the builder.
*/
type ExceptionSerializer interface {
	Serialize(err error) string
	Deserialize(text string) error
}

type serializedError struct {
	Message string `json:"message"`
}

type jsonExceptionSerializer struct{}

// NewJSONExceptionSerializer returns the default serializer.
func NewJSONExceptionSerializer() ExceptionSerializer {
	return jsonExceptionSerializer{}
}

func (jsonExceptionSerializer) Serialize(err error) string {
	if err == nil {
		return ""
	}
	out, marshalErr := json.Marshal(serializedError{Message: err.Error()})
	if marshalErr != nil {
		return err.Error()
	}
	return string(out)
}

func (jsonExceptionSerializer) Deserialize(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var se serializedError
	if err := json.Unmarshal([]byte(text), &se); err != nil || se.Message == "" {
		// Rows written by a foreign serializer: surface the raw text.
		return &FlightError{Message: text}
	}
	return &FlightError{Message: se.Message}
}

// FlightError is the rehydrated form of a persisted step failure.
type FlightError struct {
	Message string
}

func (e *FlightError) Error() string { return e.Message }
