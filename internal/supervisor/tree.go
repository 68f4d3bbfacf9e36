// Package supervisor runs the long-lived parts of the propagator under a suture supervisor tree.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// TreeConfig holds supervisor tree configuration. Zero values fall back to suture's defaults.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Tree separates the change pipeline from the ops API and the maintenance jobs so a crash in one layer does
// not restart the others.
type Tree struct {
	root        *suture.Supervisor
	pipeline    *suture.Supervisor
	api         *suture.Supervisor
	maintenance *suture.Supervisor
}

// NewTree builds the supervisor hierarchy. Supervisor events are logged through logger.
func NewTree(logger *zap.Logger, config TreeConfig) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = eventHook(logger)

	root := suture.New("naturenet-propagator", rootSpec)
	pipeline := suture.New("pipeline", childSpec)
	api := suture.New("api", childSpec)
	maintenance := suture.New("maintenance", childSpec)
	root.Add(pipeline)
	root.Add(api)
	root.Add(maintenance)

	return &Tree{root: root, pipeline: pipeline, api: api, maintenance: maintenance}
}

func eventHook(logger *zap.Logger) suture.EventHook {
	return func(event suture.Event) {
		fields := make([]zap.Field, 0, 4)
		for key, value := range event.Map() {
			fields = append(fields, zap.Any(key, value))
		}
		switch event.(type) {
		case suture.EventServicePanic, suture.EventServiceTerminate, suture.EventBackoff:
			logger.Warn(event.String(), fields...)
		default:
			logger.Info(event.String(), fields...)
		}
	}
}

// AddPipelineService adds a service to the change pipeline layer.
func (t *Tree) AddPipelineService(service suture.Service) suture.ServiceToken {
	return t.pipeline.Add(service)
}

// AddAPIService adds a service to the ops API layer.
func (t *Tree) AddAPIService(service suture.Service) suture.ServiceToken {
	return t.api.Add(service)
}

// AddMaintenanceService adds a service to the maintenance layer.
func (t *Tree) AddMaintenanceService(service suture.Service) suture.ServiceToken {
	return t.maintenance.Add(service)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine and reports its exit on the returned channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
