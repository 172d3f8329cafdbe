package fautest

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var HistorySensor = resource.NewModel("oxlab", "fau-production-test", "history-sensor")

func init() {
	resource.RegisterComponent(sensor.API, HistorySensor,
		resource.Registration[sensor.Sensor, *HistorySensorConfig]{
			Constructor: newHistorySensor,
		},
	)
}

type HistorySensorConfig struct {
	Sequencer string `json:"sequencer"`
}

func (cfg *HistorySensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Sequencer == "" {
		return nil, nil, fmt.Errorf("%s: sequencer is required", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Sequencer)
	return []string{dep.String()}, nil, nil
}

type historyProvider interface {
	HistoryState() map[string]interface{}
}

// historySensor exposes the recent session history (pass/fail, rerun counts)
// as sensor readings.
type historySensor struct {
	resource.AlwaysRebuild

	name      resource.Name
	logger    logging.Logger
	sequencer historyProvider
}

func newHistorySensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*HistorySensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	seqName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Sequencer)
	seq, ok := deps[seqName]
	if !ok {
		return nil, fmt.Errorf("sequencer %q not found in dependencies", conf.Sequencer)
	}

	provider, ok := seq.(historyProvider)
	if !ok {
		return nil, fmt.Errorf("sequencer %q does not implement HistoryState", conf.Sequencer)
	}

	return &historySensor{
		name:      rawConf.ResourceName(),
		logger:    logger,
		sequencer: provider,
	}, nil
}

func (s *historySensor) Name() resource.Name {
	return s.name
}

func (s *historySensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return s.sequencer.HistoryState(), nil
}

func (s *historySensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on history-sensor")
}

func (s *historySensor) Close(context.Context) error {
	return nil
}
