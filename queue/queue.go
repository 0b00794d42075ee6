package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yungbote/stairway/errs"
)

/*
WorkQueue is the at-least-once message bus the engine uses to share work
across a cluster. Duplicate delivery is expected; the database's
ownership discipline arbitrates duplicates, so drivers only have to
guarantee that an unacknowledged message comes back.
*/
type WorkQueue interface {
	// EnqueueMessage durably publishes one message. It blocks until the
	// enqueue is confirmed and fails with errs.ErrQueue otherwise.
	EnqueueMessage(ctx context.Context, message string) error

	// DispatchMessages pulls up to maxMessages messages and hands each to
	// handler. A true return acknowledges the message (it is removed); a
	// false return leaves it for redelivery. The call may return before
	// maxMessages are processed and must honor ctx cancellation.
	DispatchMessages(ctx context.Context, maxMessages int, handler func(ctx context.Context, message string) bool) error

	// PurgeQueueForTesting drains every message without processing it.
	// Test support only.
	PurgeQueueForTesting(ctx context.Context) error
}

const (
	// MessageVersion is the envelope version this engine emits and accepts.
	MessageVersion = 0
	// MessageEnumReady asks the receiver to attempt to resume a flight.
	MessageEnumReady = "QUEUE_MESSAGE_READY"
)

// MessageType versions the envelope so receivers can reject messages
// from incompatible senders.
type MessageType struct {
	Version     int    `json:"version"`
	MessageEnum string `json:"messageEnum"`
}

// Message is the JSON envelope carried on the work queue.
type Message struct {
	Type     MessageType `json:"type"`
	FlightID string      `json:"flightId"`
	// CallingThreadContext propagates the submitter's diagnostic context
	// (minus step-specific keys) to the instance that runs the flight.
	CallingThreadContext map[string]string `json:"callingThreadContext,omitempty"`
}

// NewReadyMessage builds a READY envelope for flightID.
func NewReadyMessage(flightID string, callingContext map[string]string) Message {
	return Message{
		Type:                 MessageType{Version: MessageVersion, MessageEnum: MessageEnumReady},
		FlightID:             flightID,
		CallingThreadContext: callingContext,
	}
}

// Marshal serializes the envelope.
func (m Message) Marshal() (string, error) {
	out, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: marshal queue message: %v", errs.ErrSerialization, err)
	}
	return string(out), nil
}

// ParseMessage deserializes and validates an envelope. Unknown versions
// and message kinds are rejected.
func ParseMessage(text string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return Message{}, fmt.Errorf("%w: unmarshal queue message: %v", errs.ErrSerialization, err)
	}
	if m.Type.Version != MessageVersion {
		return Message{}, fmt.Errorf("%w: unsupported queue message version %d", errs.ErrBadRequest, m.Type.Version)
	}
	if m.Type.MessageEnum != MessageEnumReady {
		return Message{}, fmt.Errorf("%w: unsupported queue message kind %q", errs.ErrBadRequest, m.Type.MessageEnum)
	}
	if m.FlightID == "" {
		return Message{}, fmt.Errorf("%w: queue message without flight id", errs.ErrBadRequest)
	}
	return m, nil
}
