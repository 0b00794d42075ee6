package stairway

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/stairway/errs"
	"github.com/yungbote/stairway/flight"
	"github.com/yungbote/stairway/logger"
	"github.com/yungbote/stairway/queue"
)

const (
	defaultMaxParallelFlights = 20
	defaultMaxQueuedFlights   = 2
)

// FlightFactory builds a flight object from its persisted class name.
// flight.Registry is the stock implementation; applications with their
// own wiring can satisfy the interface directly.
type FlightFactory interface {
	Make(className string, inputs *flight.FlightMap, appContext any) (*flight.Flight, error)
}

/*
Builder collects engine configuration. This is construction phase one:
nothing here touches the database. Defaults come from the STAIRWAY_*
environment where that makes operational sense, the same way the rest of
our services pick up deployment knobs.
*/
type Builder struct {
	stairwayName             string
	clusterName              string
	maxParallelFlights       int
	maxQueuedFlights         int
	workQueue                queue.WorkQueue
	applicationContext       any
	hooks                    []StairwayHook
	exceptionSerializer      flight.ExceptionSerializer
	retentionCheckInterval   time.Duration
	completedFlightRetention time.Duration
	factory                  FlightFactory
	log                      *logger.Logger
}

// NewBuilder seeds a builder with environment-derived defaults.
func NewBuilder() *Builder {
	return &Builder{
		maxParallelFlights: getEnvInt("STAIRWAY_MAX_PARALLEL_FLIGHTS", defaultMaxParallelFlights),
		maxQueuedFlights:   getEnvInt("STAIRWAY_MAX_QUEUED_FLIGHTS", defaultMaxQueuedFlights),
	}
}

// StairwayName sets this instance's stable name. Unset, a unique
// throwaway name is generated, which opts the instance out of cross-
// restart recovery by name.
func (b *Builder) StairwayName(name string) *Builder {
	b.stairwayName = name
	return b
}

// ClusterName seeds work-queue naming for queue drivers that need it.
func (b *Builder) ClusterName(name string) *Builder {
	b.clusterName = name
	return b
}

// MaxParallelFlights sets the worker pool size.
func (b *Builder) MaxParallelFlights(n int) *Builder {
	b.maxParallelFlights = n
	return b
}

// MaxQueuedFlights sets the tolerated in-process queue depth used by the
// admission decision.
func (b *Builder) MaxQueuedFlights(n int) *Builder {
	b.maxQueuedFlights = n
	return b
}

// WorkQueue enables cluster work sharing through q.
func (b *Builder) WorkQueue(q queue.WorkQueue) *Builder {
	b.workQueue = q
	return b
}

// ApplicationContext is the opaque handle passed to flight constructors.
func (b *Builder) ApplicationContext(appContext any) *Builder {
	b.applicationContext = appContext
	return b
}

// Hook appends a boundary observer. Hooks run in registration order.
func (b *Builder) Hook(h StairwayHook) *Builder {
	b.hooks = append(b.hooks, h)
	return b
}

// ExceptionSerializer overrides the default JSON error serializer.
func (b *Builder) ExceptionSerializer(s flight.ExceptionSerializer) *Builder {
	b.exceptionSerializer = s
	return b
}

// Retention enables the cleanup loop: every checkInterval, terminal
// flights older than retention are deleted.
func (b *Builder) Retention(checkInterval, retention time.Duration) *Builder {
	b.retentionCheckInterval = checkInterval
	b.completedFlightRetention = retention
	return b
}

// FlightFactory sets the class-name-to-flight constructor bridge.
func (b *Builder) FlightFactory(f FlightFactory) *Builder {
	b.factory = f
	return b
}

// Logger sets the engine logger; default is a no-op logger.
func (b *Builder) Logger(log *logger.Logger) *Builder {
	b.log = log
	return b
}

// fileConfig is the YAML shape accepted by FromYAMLFile.
type fileConfig struct {
	StairwayName             string `yaml:"stairwayName"`
	ClusterName              string `yaml:"clusterName"`
	MaxParallelFlights       *int   `yaml:"maxParallelFlights"`
	MaxQueuedFlights         *int   `yaml:"maxQueuedFlights"`
	RetentionCheckInterval   string `yaml:"retentionCheckInterval"`
	CompletedFlightRetention string `yaml:"completedFlightRetention"`
}

// FromYAMLFile overlays configuration from a YAML file onto the builder.
// Only keys present in the file are applied.
func (b *Builder) FromYAMLFile(path string) (*Builder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %s: %v", errs.ErrBadRequest, path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", errs.ErrBadRequest, path, err)
	}
	if cfg.StairwayName != "" {
		b.stairwayName = cfg.StairwayName
	}
	if cfg.ClusterName != "" {
		b.clusterName = cfg.ClusterName
	}
	if cfg.MaxParallelFlights != nil {
		b.maxParallelFlights = *cfg.MaxParallelFlights
	}
	if cfg.MaxQueuedFlights != nil {
		b.maxQueuedFlights = *cfg.MaxQueuedFlights
	}
	if cfg.RetentionCheckInterval != "" {
		d, err := time.ParseDuration(cfg.RetentionCheckInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: retentionCheckInterval: %v", errs.ErrBadRequest, err)
		}
		b.retentionCheckInterval = d
	}
	if cfg.CompletedFlightRetention != "" {
		d, err := time.ParseDuration(cfg.CompletedFlightRetention)
		if err != nil {
			return nil, fmt.Errorf("%w: completedFlightRetention: %v", errs.ErrBadRequest, err)
		}
		b.completedFlightRetention = d
	}
	return b, nil
}

// Build validates the configuration and constructs the engine. Phase one
// only; Initialize and RecoverAndStart follow.
func (b *Builder) Build() (*Stairway, error) {
	if b.maxParallelFlights < 1 {
		return nil, fmt.Errorf("%w: maxParallelFlights must be at least 1", errs.ErrBadRequest)
	}
	if b.maxQueuedFlights < 0 {
		b.maxQueuedFlights = 0
	}
	name := b.stairwayName
	if name == "" {
		name = "stairway" + uuid.NewString()
	}
	log := b.log
	if log == nil {
		log = logger.Nop()
	}
	factory := b.factory
	if factory == nil {
		factory = flight.NewRegistry()
	}
	serializer := b.exceptionSerializer
	if serializer == nil {
		serializer = flight.NewJSONExceptionSerializer()
	}
	s := &Stairway{
		stairwayName:             name,
		clusterName:              b.clusterName,
		maxParallelFlights:       b.maxParallelFlights,
		maxQueuedFlights:         b.maxQueuedFlights,
		workQueue:                b.workQueue,
		applicationContext:       b.applicationContext,
		exceptionSerializer:      serializer,
		retentionCheckInterval:   b.retentionCheckInterval,
		completedFlightRetention: b.completedFlightRetention,
		factory:                  factory,
		log:                      log.With("component", "Stairway", "stairway_name", name),
	}
	s.hooks = newHookSet(b.hooks, log)
	return s, nil
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
