package stairway

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/stairway/flight"
	"github.com/yungbote/stairway/logger"
)

/*
StairwayHook observes flight and step boundaries. Hooks compose in
registration order; a hook's error or panic is logged and suppressed, so
no observer can change a flight's outcome.
*/
type StairwayHook interface {
	StartFlight(ctx context.Context, rc *flight.RunContext) error
	StartStep(ctx context.Context, rc *flight.RunContext) error
	EndStep(ctx context.Context, rc *flight.RunContext) error
	EndFlight(ctx context.Context, rc *flight.RunContext) error
	StateTransition(ctx context.Context, rc *flight.RunContext, newStatus flight.FlightStatus) error
}

// hookSet fans an event out to every registered hook, isolating failures.
type hookSet struct {
	hooks []StairwayHook
	log   *logger.Logger
}

func newHookSet(hooks []StairwayHook, log *logger.Logger) *hookSet {
	return &hookSet{hooks: hooks, log: log.With("component", "hooks")}
}

func (h *hookSet) dispatch(name string, fn func(hook StairwayHook) error) {
	for _, hook := range h.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.log.Warn("Hook panicked", "event", name, "hook", fmt.Sprintf("%T", hook), "panic", r)
				}
			}()
			if err := fn(hook); err != nil {
				h.log.Warn("Hook failed", "event", name, "hook", fmt.Sprintf("%T", hook), "error", err)
			}
		}()
	}
}

func (h *hookSet) startFlight(ctx context.Context, rc *flight.RunContext) {
	h.dispatch("startFlight", func(hook StairwayHook) error { return hook.StartFlight(ctx, rc) })
}

func (h *hookSet) startStep(ctx context.Context, rc *flight.RunContext) {
	h.dispatch("startStep", func(hook StairwayHook) error { return hook.StartStep(ctx, rc) })
}

func (h *hookSet) endStep(ctx context.Context, rc *flight.RunContext) {
	h.dispatch("endStep", func(hook StairwayHook) error { return hook.EndStep(ctx, rc) })
}

func (h *hookSet) endFlight(ctx context.Context, rc *flight.RunContext) {
	h.dispatch("endFlight", func(hook StairwayHook) error { return hook.EndFlight(ctx, rc) })
}

func (h *hookSet) stateTransition(ctx context.Context, rc *flight.RunContext, newStatus flight.FlightStatus) {
	h.dispatch("stateTransition", func(hook StairwayHook) error { return hook.StateTransition(ctx, rc, newStatus) })
}

/*
Diagnostic context keys installed around step invocation. Steps and
application logging read them back with DiagnosticContext; sub-flight
submissions propagate the map minus the step-specific keys.
*/
const (
	ContextKeyFlightID    = "flightId"
	ContextKeyFlightClass = "flightClass"
	ContextKeyStepIndex   = "stepIndex"
	ContextKeyStepClass   = "stepClass"
)

type diagnosticContextKey struct{}

// withDiagnostics installs the flight's context map on ctx.
func withDiagnostics(ctx context.Context, m map[string]string) context.Context {
	return context.WithValue(ctx, diagnosticContextKey{}, m)
}

// DiagnosticContext returns the diagnostic labels installed by the
// runner, or nil outside a step invocation.
func DiagnosticContext(ctx context.Context) map[string]string {
	m, _ := ctx.Value(diagnosticContextKey{}).(map[string]string)
	return m
}

// callingContext extracts the propagatable subset of the current
// diagnostic context: everything except the step-specific keys.
func callingContext(ctx context.Context) map[string]string {
	src := DiagnosticContext(ctx)
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == ContextKeyStepIndex || k == ContextKeyStepClass {
			continue
		}
		out[k] = v
	}
	return out
}

/*
LoggingHook logs flight and step boundaries through the engine logger.
*/
type LoggingHook struct {
	Log *logger.Logger
}

func (h *LoggingHook) StartFlight(ctx context.Context, rc *flight.RunContext) error {
	h.Log.Info("Flight starting", "flight_id", rc.FlightID, "class", rc.ClassName)
	return nil
}

func (h *LoggingHook) StartStep(ctx context.Context, rc *flight.RunContext) error {
	h.Log.Debug("Step starting",
		"flight_id", rc.FlightID,
		"step_index", rc.StepIndex,
		"direction", rc.Direction,
	)
	return nil
}

func (h *LoggingHook) EndStep(ctx context.Context, rc *flight.RunContext) error {
	h.Log.Debug("Step finished",
		"flight_id", rc.FlightID,
		"step_index", rc.StepIndex,
		"direction", rc.Direction,
		"result", rc.Result.Status(),
	)
	return nil
}

func (h *LoggingHook) EndFlight(ctx context.Context, rc *flight.RunContext) error {
	h.Log.Info("Flight finished", "flight_id", rc.FlightID, "status", rc.Status)
	return nil
}

func (h *LoggingHook) StateTransition(ctx context.Context, rc *flight.RunContext, newStatus flight.FlightStatus) error {
	h.Log.Debug("Flight state transition", "flight_id", rc.FlightID, "status", newStatus)
	return nil
}

/*
TracingHook opens an OpenTelemetry span per flight and annotates step
boundaries as span events. Spans are tracked by flight id because hook
invocations cannot thread a derived context back to the runner.
*/
type TracingHook struct {
	Tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

func NewTracingHook(tracer trace.Tracer) *TracingHook {
	return &TracingHook{Tracer: tracer, spans: make(map[string]trace.Span)}
}

func (h *TracingHook) StartFlight(ctx context.Context, rc *flight.RunContext) error {
	_, span := h.Tracer.Start(ctx, "flight "+rc.ClassName,
		trace.WithAttributes(
			attribute.String("stairway.flight_id", rc.FlightID),
			attribute.String("stairway.flight_class", rc.ClassName),
		))
	h.mu.Lock()
	h.spans[rc.FlightID] = span
	h.mu.Unlock()
	return nil
}

func (h *TracingHook) StartStep(ctx context.Context, rc *flight.RunContext) error {
	if span := h.span(rc.FlightID); span != nil {
		span.AddEvent("step start", trace.WithAttributes(
			attribute.Int("stairway.step_index", rc.StepIndex),
			attribute.String("stairway.direction", string(rc.Direction)),
		))
	}
	return nil
}

func (h *TracingHook) EndStep(ctx context.Context, rc *flight.RunContext) error {
	if span := h.span(rc.FlightID); span != nil {
		span.AddEvent("step end", trace.WithAttributes(
			attribute.Int("stairway.step_index", rc.StepIndex),
			attribute.String("stairway.result", string(rc.Result.Status())),
		))
	}
	return nil
}

func (h *TracingHook) EndFlight(ctx context.Context, rc *flight.RunContext) error {
	h.mu.Lock()
	span := h.spans[rc.FlightID]
	delete(h.spans, rc.FlightID)
	h.mu.Unlock()
	if span != nil {
		span.SetAttributes(attribute.String("stairway.status", string(rc.Status)))
		span.End()
	}
	return nil
}

func (h *TracingHook) StateTransition(ctx context.Context, rc *flight.RunContext, newStatus flight.FlightStatus) error {
	if span := h.span(rc.FlightID); span != nil {
		span.AddEvent("state transition", trace.WithAttributes(
			attribute.String("stairway.status", string(newStatus)),
		))
	}
	return nil
}

func (h *TracingHook) span(flightID string) trace.Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spans[flightID]
}
