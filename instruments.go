package fautest

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.viam.com/rdk/components/sensor"
)

// Capability surfaces consumed by the sequencer. The sequencer depends only
// on these, never on instrument wire protocols.

type smuDriver interface {
	Connect(ctx context.Context) error
	Status(ctx context.Context) (string, error)
	SetModeSourceVoltage(ctx context.Context) error
	SetCurrentLimit(ctx context.Context, limitA float64) error
	SetSourceVoltage(ctx context.Context, volts float64) error
	MeasureCurrent(ctx context.Context) (float64, error)
	EnableOutput(ctx context.Context, on bool) error
}

type psuDriver interface {
	Connect(ctx context.Context) error
	Status(ctx context.Context) (string, error)
	DisableOutputs(ctx context.Context) error
}

type laserDriver interface {
	Connect(ctx context.Context) error
	Status(ctx context.Context) (string, error)
	SetTemperature(ctx context.Context, celsius float64) error
	WaitTemperatureStable(ctx context.Context, timeout time.Duration) error
	SetCurrent(ctx context.Context, milliamps float64) error
	On(ctx context.Context) error
	Off(ctx context.Context) error
	Measure(ctx context.Context) (laserReading, error)
}

type laserReading struct {
	WavelengthNM float64
	PowerMW      float64
}

type powerMeterDriver interface {
	Connect(ctx context.Context) error
	Status(ctx context.Context) (string, error)
	Configure(ctx context.Context, wavelengthNM float64) error
	ReadPowerMW(ctx context.Context) (float64, error)
	Channel() int
}

// instrumentBench holds the exclusive set of instrument connections owned by
// one sequencer. Nil entries are tolerated everywhere so a partially
// configured bench still shuts down safely.
type instrumentBench struct {
	smu   smuDriver
	psu   psuDriver
	laser laserDriver
	pm3   powerMeterDriver
	pm4   powerMeterDriver
}

const connectRetryInterval = 500 * time.Millisecond

// connectAll performs the pre-flight connection of every instrument.
// Transient failures are retried per the configured retry count; the safe
// default is zero retries.
func (b instrumentBench) connectAll(ctx context.Context, retries uint64) error {
	targets := []struct {
		name    string
		connect func(context.Context) error
	}{
		{"smu", nilSafe(b.smu == nil, func(ctx context.Context) error { return b.smu.Connect(ctx) })},
		{"psu", nilSafe(b.psu == nil, func(ctx context.Context) error { return b.psu.Connect(ctx) })},
		{"laser", nilSafe(b.laser == nil, func(ctx context.Context) error { return b.laser.Connect(ctx) })},
		{"pm3", nilSafe(b.pm3 == nil, func(ctx context.Context) error { return b.pm3.Connect(ctx) })},
		{"pm4", nilSafe(b.pm4 == nil, func(ctx context.Context) error { return b.pm4.Connect(ctx) })},
	}
	for _, t := range targets {
		if t.connect == nil {
			continue
		}
		op := func() error { return t.connect(ctx) }
		bo := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(connectRetryInterval), retries), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			return connectionFault(t.name, err)
		}
	}
	return nil
}

func nilSafe(isNil bool, f func(context.Context) error) func(context.Context) error {
	if isNil {
		return nil
	}
	return f
}

// doCommander is the slice of resource.Resource the generic-component
// adapters need. Narrowing it keeps the adapters testable without a robot.
type doCommander interface {
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// genericInstrument adapts a generic component that exposes its SCPI-style
// surface through DoCommand maps.
type genericInstrument struct {
	unit string
	res  doCommander
}

func (g *genericInstrument) do(ctx context.Context, command string, args map[string]interface{}) (map[string]interface{}, error) {
	cmd := map[string]interface{}{"command": command}
	for k, v := range args {
		cmd[k] = v
	}
	resp, err := g.res.DoCommand(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", g.unit, command, err)
	}
	return resp, nil
}

func (g *genericInstrument) Connect(ctx context.Context) error {
	_, err := g.do(ctx, "connect", nil)
	return err
}

func (g *genericInstrument) Status(ctx context.Context) (string, error) {
	resp, err := g.do(ctx, "get_status", nil)
	if err != nil {
		return "", err
	}
	if s, ok := resp["status"].(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("%s: status response missing 'status' field", g.unit)
}

// genericSMU drives an Aim-TTi SMU4000-class source measure unit.
type genericSMU struct {
	genericInstrument
}

func newGenericSMU(unit string, res doCommander) *genericSMU {
	return &genericSMU{genericInstrument{unit: unit, res: res}}
}

func (s *genericSMU) SetModeSourceVoltage(ctx context.Context) error {
	_, err := s.do(ctx, "set_mode_source_voltage", nil)
	return err
}

func (s *genericSMU) SetCurrentLimit(ctx context.Context, limitA float64) error {
	_, err := s.do(ctx, "set_current_limit", map[string]interface{}{"limit_a": limitA})
	return err
}

func (s *genericSMU) SetSourceVoltage(ctx context.Context, volts float64) error {
	_, err := s.do(ctx, "set_source_voltage", map[string]interface{}{"voltage": volts})
	return err
}

func (s *genericSMU) MeasureCurrent(ctx context.Context) (float64, error) {
	resp, err := s.do(ctx, "measure_current", nil)
	if err != nil {
		return 0, err
	}
	if tripped, ok := resp["compliance_tripped"].(bool); ok && tripped {
		return 0, complianceFault(s.unit, fmt.Errorf("source current limit reached"))
	}
	cur, err := numericField(resp, "current_a")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.unit, err)
	}
	return cur, nil
}

func (s *genericSMU) EnableOutput(ctx context.Context, on bool) error {
	_, err := s.do(ctx, "enable_output", map[string]interface{}{"enable": on})
	return err
}

// genericPSU drives a dual-channel TTi QL355TP-class supply. Only the safety
// surface is needed here: the sequence never sources from the PSU itself.
type genericPSU struct {
	genericInstrument
}

func newGenericPSU(unit string, res doCommander) *genericPSU {
	return &genericPSU{genericInstrument{unit: unit, res: res}}
}

func (p *genericPSU) DisableOutputs(ctx context.Context) error {
	for _, ch := range []int{1, 2} {
		if _, err := p.do(ctx, "enable_output", map[string]interface{}{"channel": ch, "enable": false}); err != nil {
			return err
		}
	}
	return nil
}

// genericLaser drives a DFB13TK-class 1310 nm DFB laser.
type genericLaser struct {
	genericInstrument
}

func newGenericLaser(unit string, res doCommander) *genericLaser {
	return &genericLaser{genericInstrument{unit: unit, res: res}}
}

func (l *genericLaser) SetTemperature(ctx context.Context, celsius float64) error {
	_, err := l.do(ctx, "set_temperature", map[string]interface{}{"temp_c": celsius})
	return err
}

func (l *genericLaser) WaitTemperatureStable(ctx context.Context, timeout time.Duration) error {
	_, err := l.do(ctx, "wait_temperature_stable", map[string]interface{}{"timeout_s": timeout.Seconds()})
	return err
}

func (l *genericLaser) SetCurrent(ctx context.Context, milliamps float64) error {
	_, err := l.do(ctx, "set_current", map[string]interface{}{"current_ma": milliamps})
	return err
}

func (l *genericLaser) On(ctx context.Context) error {
	_, err := l.do(ctx, "laser_on", nil)
	return err
}

func (l *genericLaser) Off(ctx context.Context) error {
	_, err := l.do(ctx, "laser_off", nil)
	return err
}

func (l *genericLaser) Measure(ctx context.Context) (laserReading, error) {
	resp, err := l.do(ctx, "measure_all", nil)
	if err != nil {
		return laserReading{}, err
	}
	wl, err := numericField(resp, "wavelength_nm")
	if err != nil {
		return laserReading{}, fmt.Errorf("%s: %w", l.unit, err)
	}
	mw, err := numericField(resp, "power_mw")
	if err != nil {
		return laserReading{}, fmt.Errorf("%s: %w", l.unit, err)
	}
	return laserReading{WavelengthNM: wl, PowerMW: mw}, nil
}

// sensorPowerMeter wraps a Viam sensor component exposing an optical power
// meter. Readings carry the power under the "power_mw" key.
type sensorPowerMeter struct {
	unit    string
	channel int
	sensor  sensor.Sensor
}

func newSensorPowerMeter(unit string, channel int, s sensor.Sensor) *sensorPowerMeter {
	return &sensorPowerMeter{unit: unit, channel: channel, sensor: s}
}

func (r *sensorPowerMeter) Channel() int { return r.channel }

func (r *sensorPowerMeter) Connect(ctx context.Context) error {
	// The sensor is connected by the framework; a read proves liveness.
	_, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", r.unit, err)
	}
	return nil
}

func (r *sensorPowerMeter) Status(ctx context.Context) (string, error) {
	if err := r.Connect(ctx); err != nil {
		return "", err
	}
	return "ok", nil
}

func (r *sensorPowerMeter) Configure(ctx context.Context, wavelengthNM float64) error {
	_, err := r.sensor.DoCommand(ctx, map[string]interface{}{
		"command":       "configure",
		"wavelength_nm": wavelengthNM,
		"power_unit":    "W",
		"auto_range":    true,
	})
	if err != nil {
		return fmt.Errorf("%s configure: %w", r.unit, err)
	}
	return nil
}

func (r *sensorPowerMeter) ReadPowerMW(ctx context.Context) (float64, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", r.unit, err)
	}
	mw, err := numericField(readings, "power_mw")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", r.unit, err)
	}
	return mw, nil
}

func numericField(m map[string]interface{}, key string) (float64, error) {
	val, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("reading missing %q key", key)
	}
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("reading %q is not numeric: %T", key, val)
	}
}
