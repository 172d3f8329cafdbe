package fautest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.viam.com/rdk/testutils/inject"
)

// fakeInstrument records every DoCommand map it receives and answers with a
// canned response.
type fakeInstrument struct {
	mu       sync.Mutex
	commands []map[string]interface{}
	respond  func(cmd map[string]interface{}) (map[string]interface{}, error)
}

func (f *fakeInstrument) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(cmd)
	}
	return map[string]interface{}{}, nil
}

func (f *fakeInstrument) received() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands
}

func TestGenericSMUMeasureCurrent(t *testing.T) {
	fake := &fakeInstrument{respond: func(cmd map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"current_a": 0.0025, "compliance_tripped": false}, nil
	}}
	smu := newGenericSMU("smu", fake)

	got, err := smu.MeasureCurrent(context.Background())
	if err != nil {
		t.Fatalf("MeasureCurrent failed: %v", err)
	}
	if got != 0.0025 {
		t.Errorf("current = %v, want 0.0025", got)
	}
	if cmds := fake.received(); cmds[0]["command"] != "measure_current" {
		t.Errorf("sent command %v, want measure_current", cmds[0])
	}
}

func TestGenericSMUComplianceTrip(t *testing.T) {
	fake := &fakeInstrument{respond: func(cmd map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"current_a": 0.01, "compliance_tripped": true}, nil
	}}
	smu := newGenericSMU("smu", fake)

	_, err := smu.MeasureCurrent(context.Background())
	if err == nil {
		t.Fatal("expected compliance error")
	}
	if kind := faultKind(err); kind != FaultCompliance {
		t.Errorf("fault kind = %v, want compliance", kind)
	}
}

func TestGenericSMUSweepCommands(t *testing.T) {
	fake := &fakeInstrument{}
	smu := newGenericSMU("smu", fake)
	ctx := context.Background()

	if err := smu.SetModeSourceVoltage(ctx); err != nil {
		t.Fatal(err)
	}
	if err := smu.SetCurrentLimit(ctx, 0.01); err != nil {
		t.Fatal(err)
	}
	if err := smu.SetSourceVoltage(ctx, 2.5); err != nil {
		t.Fatal(err)
	}
	if err := smu.EnableOutput(ctx, true); err != nil {
		t.Fatal(err)
	}

	cmds := fake.received()
	if len(cmds) != 4 {
		t.Fatalf("got %d commands, want 4", len(cmds))
	}
	if cmds[1]["limit_a"] != 0.01 {
		t.Errorf("set_current_limit args = %v", cmds[1])
	}
	if cmds[2]["command"] != "set_source_voltage" || cmds[2]["voltage"] != 2.5 {
		t.Errorf("set_source_voltage args = %v", cmds[2])
	}
	if cmds[3]["enable"] != true {
		t.Errorf("enable_output args = %v", cmds[3])
	}
}

func TestGenericPSUDisablesBothChannels(t *testing.T) {
	fake := &fakeInstrument{}
	psu := newGenericPSU("psu", fake)

	if err := psu.DisableOutputs(context.Background()); err != nil {
		t.Fatalf("DisableOutputs failed: %v", err)
	}
	cmds := fake.received()
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want one per channel", len(cmds))
	}
	for i, want := range []int{1, 2} {
		if cmds[i]["command"] != "enable_output" || cmds[i]["channel"] != want || cmds[i]["enable"] != false {
			t.Errorf("channel %d disable = %v", want, cmds[i])
		}
	}
}

func TestGenericLaserMeasure(t *testing.T) {
	fake := &fakeInstrument{respond: func(cmd map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"wavelength_nm": 1310.2, "power_mw": 4.5}, nil
	}}
	laser := newGenericLaser("laser", fake)

	lm, err := laser.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if lm.WavelengthNM != 1310.2 || lm.PowerMW != 4.5 {
		t.Errorf("reading = %+v", lm)
	}
}

func TestGenericInstrumentStatus(t *testing.T) {
	fake := &fakeInstrument{respond: func(cmd map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "output_on=false"}, nil
	}}
	smu := newGenericSMU("smu", fake)

	status, err := smu.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != "output_on=false" {
		t.Errorf("status = %q", status)
	}

	fake.respond = func(cmd map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}
	if _, err := smu.Status(context.Background()); err == nil {
		t.Error("expected error for response without status field")
	}
}

func TestGenericInstrumentWrapsErrors(t *testing.T) {
	fake := &fakeInstrument{respond: func(cmd map[string]interface{}) (map[string]interface{}, error) {
		return nil, fmt.Errorf("serial timeout")
	}}
	laser := newGenericLaser("dfb", fake)

	err := laser.On(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "dfb laser_on: serial timeout" {
		t.Errorf("error = %q", got)
	}
}

func TestSensorPowerMeterRead(t *testing.T) {
	s := inject.NewSensor("pm3")
	s.ReadingsFunc = func(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"power_mw": 1.5, "wavelength_nm": 1310.0}, nil
	}
	pm := newSensorPowerMeter("pm3", 3, s)

	if pm.Channel() != 3 {
		t.Errorf("Channel() = %d, want 3", pm.Channel())
	}
	got, err := pm.ReadPowerMW(context.Background())
	if err != nil {
		t.Fatalf("ReadPowerMW failed: %v", err)
	}
	if got != 1.5 {
		t.Errorf("power = %v, want 1.5", got)
	}

	s.ReadingsFunc = func(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"temperature_c": 22.0}, nil
	}
	if _, err := pm.ReadPowerMW(context.Background()); err == nil {
		t.Error("expected error for readings without power_mw")
	}
}

func TestSensorPowerMeterConfigure(t *testing.T) {
	s := inject.NewSensor("pm4")
	var got map[string]interface{}
	s.DoFunc = func(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
		got = cmd
		return map[string]interface{}{}, nil
	}
	pm := newSensorPowerMeter("pm4", 4, s)

	if err := pm.Configure(context.Background(), 1310.0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if got["command"] != "configure" || got["wavelength_nm"] != 1310.0 {
		t.Errorf("configure command = %v", got)
	}
}

func TestConnectAllRetries(t *testing.T) {
	bench := newMockBench()
	attempts := 0
	bench.smu.ConnectFunc = func() error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("port busy")
		}
		return nil
	}

	err := bench.instruments().connectAll(context.Background(), 1)
	if err != nil {
		t.Fatalf("connectAll with retry failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestConnectAllNoRetryByDefault(t *testing.T) {
	bench := newMockBench()
	attempts := 0
	bench.smu.ConnectFunc = func() error {
		attempts++
		return fmt.Errorf("port busy")
	}

	err := bench.instruments().connectAll(context.Background(), 0)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if kind := faultKind(err); kind != FaultConnection {
		t.Errorf("fault kind = %v, want connection", kind)
	}
}

func TestNumericFieldCoercion(t *testing.T) {
	m := map[string]interface{}{
		"f64": 1.5,
		"f32": float32(2.5),
		"i":   3,
		"i64": int64(4),
		"s":   "nope",
	}
	for key, want := range map[string]float64{"f64": 1.5, "f32": 2.5, "i": 3, "i64": 4} {
		got, err := numericField(m, key)
		if err != nil || got != want {
			t.Errorf("numericField(%q) = %v, %v, want %v", key, got, err, want)
		}
	}
	if _, err := numericField(m, "s"); err == nil {
		t.Error("expected error for string value")
	}
	if _, err := numericField(m, "missing"); err == nil {
		t.Error("expected error for missing key")
	}
}
