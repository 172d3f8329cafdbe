package fautest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.viam.com/rdk/logging"
)

type sequenceState int

const (
	stateIdle sequenceState = iota
	stateAligningIV
	stateCharacterizing
	stateShuttingDown
	stateDone
)

func (s sequenceState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAligningIV:
		return "aligning_iv"
	case stateCharacterizing:
		return "characterizing"
	case stateShuttingDown:
		return "shutting_down"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// testPlan is selected once at sequence start from the device element count.
type testPlan int

const (
	planWithAlignment testPlan = iota
	planDirectOnly
)

// alignmentDeviceThreshold: samples with fewer elements need the FAU
// alignment IV sweep before characterization.
const alignmentDeviceThreshold = 4

func planFor(deviceCount int) testPlan {
	if deviceCount < alignmentDeviceThreshold {
		return planWithAlignment
	}
	return planDirectOnly
}

func (p testPlan) String() string {
	if p == planWithAlignment {
		return "with_alignment"
	}
	return "direct_only"
}

const (
	phaseAlignment        = "fau_alignment"
	phaseCharacterization = "laser_characterization"
)

// TestInfo identifies the device under test and who is running it.
type TestInfo struct {
	DeviceID    string
	Operator    string
	Workstation string
}

// EnvironmentInfo is advisory metadata recorded with the run; no range is
// enforced.
type EnvironmentInfo struct {
	TemperatureC float64
	HumidityPct  float64
}

// PhaseResult holds the ordered samples of one sub-procedure. On a fault the
// samples recorded before the faulting step are preserved.
type PhaseResult struct {
	Name    string
	Samples []MeasurementSample
}

// TestResult is one sequence invocation's outcome, handed to the data
// manager once and then owned by the caller.
type TestResult struct {
	RunID       string
	DeviceID    string
	Operator    string
	DeviceCount int
	Plan        string
	StartedAt   time.Time
	CompletedAt time.Time

	Phases         []PhaseResult
	Success        bool
	Faults         []string
	ResidualSafety []string
}

func (r *TestResult) SampleCount() int {
	n := 0
	for _, p := range r.Phases {
		n += len(p.Samples)
	}
	return n
}

func (r *TestResult) recordFault(err error) {
	r.Success = false
	r.Faults = append(r.Faults, fmt.Sprintf("%s: %v", faultKind(err), err))
}

// sequencer runs the production test procedure against an exclusively owned
// instrument bench. One invocation at a time; a rerun is a fresh invocation.
type sequencer struct {
	logger logging.Logger
	bench  instrumentBench

	ivSweep           SweepSpec
	laserSweep        SweepSpec
	currentLimitA     float64
	laserTempC        float64
	wavelengthNM      float64
	tempStableTimeout time.Duration
	connectRetries    uint64
	settle            time.Duration

	mu              sync.Mutex
	state           sequenceState
	running         bool
	progressPhase   string
	progressSamples int
	lastResult      *TestResult
}

func newSequencer(bench instrumentBench, logger logging.Logger) *sequencer {
	return &sequencer{
		logger:            logger,
		bench:             bench,
		ivSweep:           defaultIVSweep,
		laserSweep:        defaultLaserSweep,
		currentLimitA:     0.010,
		laserTempC:        25.0,
		wavelengthNM:      1310.0,
		tempStableTimeout: 30 * time.Second,
		settle:            50 * time.Millisecond,
	}
}

var errSequenceInProgress = fmt.Errorf("test sequence already in progress")

// run executes the full test sequence. A non-nil error is returned only for
// input-constraint violations or a busy bench; instrument faults are recorded
// on the returned TestResult with Success=false. The mandatory shutdown runs
// on every exit path, including cancellation.
func (s *sequencer) run(ctx context.Context, deviceCount int, info TestInfo, env EnvironmentInfo) (*TestResult, error) {
	if deviceCount < 0 {
		return nil, fmt.Errorf("device count must be >= 0, got %d", deviceCount)
	}
	if info.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	if info.Operator == "" {
		return nil, fmt.Errorf("operator is required")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, errSequenceInProgress
	}
	s.running = true
	s.state = stateIdle
	s.progressPhase = ""
	s.progressSamples = 0
	s.mu.Unlock()

	plan := planFor(deviceCount)
	res := &TestResult{
		RunID:       uuid.New().String(),
		DeviceID:    info.DeviceID,
		Operator:    info.Operator,
		DeviceCount: deviceCount,
		Plan:        plan.String(),
		StartedAt:   time.Now(),
	}
	s.logger.Infof("test sequence %s started: device %s, %d elements, plan %s (env %.1fC %.1f%%)",
		res.RunID, info.DeviceID, deviceCount, plan, env.TemperatureC, env.HumidityPct)

	defer func() {
		s.setState(stateShuttingDown)
		// Shutdown must run even when the run context was cancelled.
		if err := s.bench.forceSafeState(context.WithoutCancel(ctx), s.logger); err != nil {
			res.ResidualSafety = residualFailures(err)
			s.logger.Errorf("residual safety failures after shutdown: %v", err)
		}
		res.CompletedAt = time.Now()
		s.mu.Lock()
		s.state = stateDone
		s.running = false
		s.lastResult = res
		s.mu.Unlock()
		s.logger.Infof("test sequence %s done: success=%t, %d samples", res.RunID, res.Success, res.SampleCount())
	}()

	if err := s.bench.connectAll(ctx, s.connectRetries); err != nil {
		s.logger.Errorf("pre-flight connection failed: %v", err)
		res.recordFault(err)
		return res, nil
	}

	if plan == planWithAlignment {
		s.setState(stateAligningIV)
		s.setProgress(phaseAlignment, 0)
		phase, err := s.runAlignment(ctx)
		res.Phases = append(res.Phases, phase)
		if err != nil {
			s.logger.Errorf("fau alignment aborted after %d samples: %v", len(phase.Samples), err)
			res.recordFault(err)
			return res, nil
		}
		s.logger.Infof("fau alignment complete: %d samples", len(phase.Samples))
	}

	s.setState(stateCharacterizing)
	s.setProgress(phaseCharacterization, 0)
	phase, err := s.runCharacterization(ctx)
	res.Phases = append(res.Phases, phase)
	if err != nil {
		s.logger.Errorf("laser characterization aborted after %d samples: %v", len(phase.Samples), err)
		res.recordFault(err)
		return res, nil
	}
	s.logger.Infof("laser characterization complete: %d samples", len(phase.Samples))

	res.Success = true
	return res, nil
}

// runAlignment drives the SMU voltage sweep used to verify FAU alignment on
// low-element-count samples.
func (s *sequencer) runAlignment(ctx context.Context) (PhaseResult, error) {
	phase := PhaseResult{Name: phaseAlignment}
	smu := s.bench.smu

	if err := smu.SetModeSourceVoltage(ctx); err != nil {
		return phase, commandFault("smu", err)
	}
	if err := smu.SetCurrentLimit(ctx, s.currentLimitA); err != nil {
		return phase, commandFault("smu", err)
	}
	if err := smu.EnableOutput(ctx, true); err != nil {
		return phase, commandFault("smu", err)
	}

	n := s.ivSweep.SampleCount()
	for i := 0; i < n; i++ {
		if err := s.stepBoundary(ctx); err != nil {
			return phase, err
		}
		volts := s.ivSweep.Value(i)
		if err := smu.SetSourceVoltage(ctx, volts); err != nil {
			return phase, commandFault("smu", err)
		}
		current, err := smu.MeasureCurrent(ctx)
		if err != nil {
			return phase, commandFault("smu", err)
		}
		phase.Samples = append(phase.Samples, MeasurementSample{
			Timestamp:        time.Now(),
			SetPoint:         volts,
			MeasuredCurrentA: current,
		})
		s.setProgress(phaseAlignment, len(phase.Samples))
	}

	if err := smu.EnableOutput(ctx, false); err != nil {
		return phase, commandFault("smu", err)
	}
	return phase, nil
}

// runCharacterization drives the laser current sweep while sampling both
// power-meter channels as a matched pair.
func (s *sequencer) runCharacterization(ctx context.Context) (PhaseResult, error) {
	phase := PhaseResult{Name: phaseCharacterization}
	laser := s.bench.laser
	pm3, pm4 := s.bench.pm3, s.bench.pm4

	if err := laser.SetTemperature(ctx, s.laserTempC); err != nil {
		return phase, commandFault("laser", err)
	}
	if err := laser.WaitTemperatureStable(ctx, s.tempStableTimeout); err != nil {
		return phase, commandFault("laser", err)
	}
	if err := laser.On(ctx); err != nil {
		return phase, commandFault("laser", err)
	}
	for _, pm := range []powerMeterDriver{pm3, pm4} {
		if err := pm.Configure(ctx, s.wavelengthNM); err != nil {
			return phase, commandFault(fmt.Sprintf("pm%d", pm.Channel()), err)
		}
	}

	n := s.laserSweep.SampleCount()
	for i := 0; i < n; i++ {
		if err := s.stepBoundary(ctx); err != nil {
			return phase, err
		}
		ma := s.laserSweep.Value(i)
		if err := laser.SetCurrent(ctx, ma); err != nil {
			return phase, commandFault("laser", err)
		}
		lm, err := laser.Measure(ctx)
		if err != nil {
			return phase, commandFault("laser", err)
		}

		// Matched pair: one failed channel invalidates that channel only,
		// never the point. Both failing aborts the sub-procedure.
		p3, err3 := pm3.ReadPowerMW(ctx)
		p4, err4 := pm4.ReadPowerMW(ctx)
		if err3 != nil && err4 != nil {
			return phase, commandFault("pm3+pm4", err3)
		}
		if err3 != nil {
			s.logger.Warnf("channel %d read failed at %.1f mA: %v", pm3.Channel(), ma, err3)
		}
		if err4 != nil {
			s.logger.Warnf("channel %d read failed at %.1f mA: %v", pm4.Channel(), ma, err4)
		}

		phase.Samples = append(phase.Samples, MeasurementSample{
			Timestamp:    time.Now(),
			SetPoint:     ma,
			WavelengthNM: lm.WavelengthNM,
			LaserPowerMW: lm.PowerMW,
			Readings: []ChannelReading{
				{Channel: pm3.Channel(), PowerMW: p3, Valid: err3 == nil},
				{Channel: pm4.Channel(), PowerMW: p4, Valid: err4 == nil},
			},
		})
		s.setProgress(phaseCharacterization, len(phase.Samples))
	}

	if err := laser.Off(ctx); err != nil {
		return phase, commandFault("laser", err)
	}
	return phase, nil
}

// stepBoundary commits one settling interval between sweep steps and is the
// point where operator aborts become observable.
func (s *sequencer) stepBoundary(ctx context.Context) error {
	if s.settle <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settle):
		return nil
	}
}

func (s *sequencer) setState(st sequenceState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *sequencer) setProgress(phase string, samples int) {
	s.mu.Lock()
	s.progressPhase = phase
	s.progressSamples = samples
	s.mu.Unlock()
}

// snapshot reports live sequencer state for the status sensor.
func (s *sequencer) snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := map[string]interface{}{
		"state":   s.state.String(),
		"running": s.running,
	}
	if s.progressPhase != "" {
		m["phase"] = s.progressPhase
		m["phase_samples"] = s.progressSamples
	}
	if s.lastResult != nil {
		m["last_run_id"] = s.lastResult.RunID
		m["last_device_id"] = s.lastResult.DeviceID
		m["last_success"] = s.lastResult.Success
		m["last_sample_count"] = s.lastResult.SampleCount()
		m["last_completed_at"] = s.lastResult.CompletedAt.Format(time.RFC3339)
	}
	return m
}
