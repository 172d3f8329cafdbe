package fautest

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var StatusSensor = resource.NewModel("oxlab", "fau-production-test", "status-sensor")

func init() {
	resource.RegisterComponent(sensor.API, StatusSensor,
		resource.Registration[sensor.Sensor, *StatusSensorConfig]{
			Constructor: newStatusSensor,
		},
	)
}

type StatusSensorConfig struct {
	Sequencer string `json:"sequencer"`
}

func (cfg *StatusSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Sequencer == "" {
		return nil, nil, fmt.Errorf("%s: sequencer is required", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Sequencer)
	return []string{dep.String()}, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
}

// statusSensor exposes the live sequencer state (current phase, sample
// progress, last run outcome) as sensor readings for dashboards.
type statusSensor struct {
	resource.AlwaysRebuild

	name      resource.Name
	logger    logging.Logger
	sequencer stateProvider
}

func newStatusSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*StatusSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	seqName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Sequencer)
	seq, ok := deps[seqName]
	if !ok {
		return nil, fmt.Errorf("sequencer %q not found in dependencies", conf.Sequencer)
	}

	provider, ok := seq.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("sequencer %q does not implement GetState", conf.Sequencer)
	}

	return &statusSensor{
		name:      rawConf.ResourceName(),
		logger:    logger,
		sequencer: provider,
	}, nil
}

func (s *statusSensor) Name() resource.Name {
	return s.name
}

func (s *statusSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return s.sequencer.GetState(), nil
}

func (s *statusSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on status-sensor")
}

func (s *statusSensor) Close(context.Context) error {
	return nil
}
