package fautest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Mock instruments simulate the production bench: a diode-like I-V curve on
// the SMU and an L-I curve on the laser with a fixed split onto the two
// power-meter channels. Each mock accepts optional Func overrides so tests
// can inject faults at precise sweep indices without real hardware.

type mockSMU struct {
	mu sync.Mutex

	connected bool
	outputOn  bool
	sourceV   float64
	limitA    float64
	modeSet   bool

	measureCalls int
	disableCalls int

	ConnectFunc        func() error
	MeasureCurrentFunc func(call int, sourceV float64) (float64, error)
}

func (m *mockSMU) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(); err != nil {
			return err
		}
	}
	m.connected = true
	return nil
}

func (m *mockSMU) Status(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("smu not connected")
	}
	return fmt.Sprintf("output_on=%t", m.outputOn), nil
}

func (m *mockSMU) SetModeSourceVoltage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeSet = true
	return nil
}

func (m *mockSMU) SetCurrentLimit(ctx context.Context, limitA float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limitA = limitA
	return nil
}

func (m *mockSMU) SetSourceVoltage(ctx context.Context, volts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceV = volts
	return nil
}

func (m *mockSMU) MeasureCurrent(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.measureCalls
	m.measureCalls++
	if m.MeasureCurrentFunc != nil {
		return m.MeasureCurrentFunc(call, m.sourceV)
	}
	// 1 kOhm resistive load: 0-5 V maps to 0-5 mA, inside the 10 mA limit.
	current := m.sourceV / 1000.0
	if m.limitA > 0 && current >= m.limitA {
		return 0, complianceFault("smu", fmt.Errorf("measured %.4f A at limit %.4f A", current, m.limitA))
	}
	return current, nil
}

func (m *mockSMU) EnableOutput(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputOn = on
	if !on {
		m.disableCalls++
	}
	return nil
}

func (m *mockSMU) OutputOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputOn
}

type mockPSU struct {
	mu sync.Mutex

	connected    bool
	outputsOn    bool
	disableCalls int

	ConnectFunc        func() error
	DisableOutputsFunc func() error
}

func (m *mockPSU) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(); err != nil {
			return err
		}
	}
	m.connected = true
	m.outputsOn = true
	return nil
}

func (m *mockPSU) Status(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("psu not connected")
	}
	return fmt.Sprintf("outputs_on=%t", m.outputsOn), nil
}

func (m *mockPSU) DisableOutputs(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableCalls++
	if m.DisableOutputsFunc != nil {
		if err := m.DisableOutputsFunc(); err != nil {
			return err
		}
	}
	m.outputsOn = false
	return nil
}

func (m *mockPSU) OutputsOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputsOn
}

type mockLaser struct {
	mu sync.Mutex

	connected bool
	emitting  bool
	currentMA float64
	tempC     float64

	measureCalls int
	offCalls     int

	ConnectFunc func() error
	MeasureFunc func(call int, currentMA float64) (laserReading, error)
	OffFunc     func() error
}

// mockLaserThresholdMA is the lasing threshold of the simulated diode;
// mockLaserSlopeMWPerMA its slope efficiency.
const (
	mockLaserThresholdMA  = 12.0
	mockLaserSlopeMWPerMA = 0.4
)

func (m *mockLaser) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(); err != nil {
			return err
		}
	}
	m.connected = true
	return nil
}

func (m *mockLaser) Status(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("laser not connected")
	}
	if m.emitting {
		return "emitting", nil
	}
	return "off", nil
}

func (m *mockLaser) SetTemperature(ctx context.Context, celsius float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempC = celsius
	return nil
}

func (m *mockLaser) WaitTemperatureStable(ctx context.Context, timeout time.Duration) error {
	// The simulated TEC settles instantly.
	return nil
}

func (m *mockLaser) SetCurrent(ctx context.Context, milliamps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentMA = milliamps
	return nil
}

func (m *mockLaser) On(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitting = true
	return nil
}

func (m *mockLaser) Off(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offCalls++
	if m.OffFunc != nil {
		if err := m.OffFunc(); err != nil {
			return err
		}
	}
	m.emitting = false
	return nil
}

func (m *mockLaser) Measure(ctx context.Context) (laserReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.measureCalls
	m.measureCalls++
	if m.MeasureFunc != nil {
		return m.MeasureFunc(call, m.currentMA)
	}
	return laserReading{
		WavelengthNM: 1310.0 + 0.005*(m.currentMA-mockLaserThresholdMA),
		PowerMW:      m.powerMWLocked(),
	}, nil
}

func (m *mockLaser) powerMWLocked() float64 {
	if !m.emitting {
		return 0
	}
	return math.Max(0, (m.currentMA-mockLaserThresholdMA)*mockLaserSlopeMWPerMA)
}

func (m *mockLaser) Emitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitting
}

func (m *mockLaser) OffCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offCalls
}

type mockPowerMeter struct {
	mu sync.Mutex

	unit      string
	channel   int
	coupling  float64
	laser     *mockLaser
	connected bool

	readCalls int

	ConnectFunc     func() error
	ReadPowerMWFunc func(call int) (float64, error)
}

func newMockPowerMeter(unit string, channel int, coupling float64, laser *mockLaser) *mockPowerMeter {
	return &mockPowerMeter{unit: unit, channel: channel, coupling: coupling, laser: laser}
}

func (m *mockPowerMeter) Channel() int { return m.channel }

func (m *mockPowerMeter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(); err != nil {
			return err
		}
	}
	m.connected = true
	return nil
}

func (m *mockPowerMeter) Status(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("%s not connected", m.unit)
	}
	return "ok", nil
}

func (m *mockPowerMeter) Configure(ctx context.Context, wavelengthNM float64) error {
	return nil
}

func (m *mockPowerMeter) ReadPowerMW(ctx context.Context) (float64, error) {
	m.mu.Lock()
	call := m.readCalls
	m.readCalls++
	fn := m.ReadPowerMWFunc
	coupling := m.coupling
	m.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	m.laser.mu.Lock()
	power := m.laser.powerMWLocked()
	m.laser.mu.Unlock()
	return power * coupling, nil
}

// mockBench bundles the simulated instruments so tests and the
// use_mock_bench config path can reach both the driver surfaces and the
// injection hooks.
type mockBench struct {
	smu   *mockSMU
	psu   *mockPSU
	laser *mockLaser
	pm3   *mockPowerMeter
	pm4   *mockPowerMeter
}

func newMockBench() *mockBench {
	laser := &mockLaser{}
	return &mockBench{
		smu:   &mockSMU{},
		psu:   &mockPSU{},
		laser: laser,
		pm3:   newMockPowerMeter("pm3", 3, 0.45, laser),
		pm4:   newMockPowerMeter("pm4", 4, 0.42, laser),
	}
}

func (m *mockBench) instruments() instrumentBench {
	return instrumentBench{
		smu:   m.smu,
		psu:   m.psu,
		laser: m.laser,
		pm3:   m.pm3,
		pm4:   m.pm4,
	}
}
