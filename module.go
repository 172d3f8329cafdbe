package fautest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var Sequencer = resource.NewModel("oxlab", "fau-production-test", "sequencer")

func init() {
	resource.RegisterService(generic.API, Sequencer,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newSequencerService,
		},
	)
}

type Config struct {
	// Instrument resource names. SMU, PSU, and laser are generic components
	// whose drivers expose a command surface through DoCommand; the power
	// meters are sensor components reporting "power_mw".
	SMU         string `json:"smu,omitempty"`
	PSU         string `json:"psu,omitempty"`
	Laser       string `json:"laser,omitempty"`
	PowerMeter3 string `json:"power_meter_3,omitempty"`
	PowerMeter4 string `json:"power_meter_4,omitempty"`

	// UseMockBench runs against simulated instruments instead of hardware.
	UseMockBench bool `json:"use_mock_bench,omitempty"`

	DataDir         string `json:"data_dir,omitempty"`
	SessionFile     string `json:"session_file,omitempty"`
	PreferencesFile string `json:"preferences_file,omitempty"`

	// ConnectRetries is the number of automatic retries after a transient
	// pre-flight connection failure. Zero (the default) declares failure on
	// the first error.
	ConnectRetries int `json:"connect_retries,omitempty"`

	StepSettleMS  int     `json:"step_settle_ms,omitempty"`
	CurrentLimitA float64 `json:"current_limit_a,omitempty"`

	IVSweep    *SweepSpec `json:"iv_sweep,omitempty"`
	LaserSweep *SweepSpec `json:"laser_sweep,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.IVSweep != nil && !cfg.IVSweep.valid() {
		return nil, nil, fmt.Errorf("%s: iv_sweep must have step > 0 and stop >= start", path)
	}
	if cfg.LaserSweep != nil && !cfg.LaserSweep.valid() {
		return nil, nil, fmt.Errorf("%s: laser_sweep must have step > 0 and stop >= start", path)
	}
	if cfg.ConnectRetries < 0 {
		return nil, nil, fmt.Errorf("%s: connect_retries must be >= 0", path)
	}
	if cfg.UseMockBench {
		return nil, nil, nil
	}
	if cfg.SMU == "" {
		return nil, nil, fmt.Errorf("%s: smu is required", path)
	}
	if cfg.PSU == "" {
		return nil, nil, fmt.Errorf("%s: psu is required", path)
	}
	if cfg.Laser == "" {
		return nil, nil, fmt.Errorf("%s: laser is required", path)
	}
	if cfg.PowerMeter3 == "" {
		return nil, nil, fmt.Errorf("%s: power_meter_3 is required", path)
	}
	if cfg.PowerMeter4 == "" {
		return nil, nil, fmt.Errorf("%s: power_meter_4 is required", path)
	}
	deps := []string{
		genericComponentName(cfg.SMU).String(),
		genericComponentName(cfg.PSU).String(),
		genericComponentName(cfg.Laser).String(),
		cfg.PowerMeter3,
		cfg.PowerMeter4,
	}
	return deps, nil, nil
}

func genericComponentName(name string) resource.Name {
	return resource.NewName(resource.APINamespaceRDK.WithComponentType("generic"), name)
}

// sequencerService owns the instrument bench for the duration of each test
// sequence and exposes the production test contract to the front-end through
// DoCommand.
type sequencerService struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	seq      *sequencer
	data     *DataManager
	sessions *sessionStore

	mu        sync.Mutex
	cancelRun context.CancelFunc
}

func newSequencerService(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewSequencerService(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewSequencerService(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	bench, err := benchFromConfig(deps, conf, logger)
	if err != nil {
		return nil, err
	}

	seq := newSequencer(bench, logger)
	if conf.IVSweep != nil {
		seq.ivSweep = *conf.IVSweep
	}
	if conf.LaserSweep != nil {
		seq.laserSweep = *conf.LaserSweep
	}
	if conf.CurrentLimitA > 0 {
		seq.currentLimitA = conf.CurrentLimitA
	}
	if conf.ConnectRetries > 0 {
		seq.connectRetries = uint64(conf.ConnectRetries)
	}
	if conf.StepSettleMS > 0 {
		seq.settle = time.Duration(conf.StepSettleMS) * time.Millisecond
	}

	dataDir := conf.DataDir
	if dataDir == "" {
		dataDir = "./test_data"
	}
	prefsFile := conf.PreferencesFile
	if prefsFile == "" {
		prefsFile = filepath.Join(dataDir, "data_preferences.json")
	}
	prefs, err := loadPreferences(prefsFile)
	if err != nil {
		logger.Debugf("no saved data preferences (%v), using defaults", err)
	}
	prefs.BaseDirectory = dataDir

	sessionFile := conf.SessionFile
	if sessionFile == "" {
		sessionFile = filepath.Join(dataDir, "session_data.json")
	}

	s := &sequencerService{
		name:     name,
		logger:   logger,
		cfg:      conf,
		seq:      seq,
		data:     newDataManager(prefs, logger),
		sessions: newSessionStore(sessionFile, logger),
	}
	return s, nil
}

func benchFromConfig(deps resource.Dependencies, conf *Config, logger logging.Logger) (instrumentBench, error) {
	if conf.UseMockBench {
		logger.Infof("using mock instrument bench (use_mock_bench=true)")
		return newMockBench().instruments(), nil
	}

	smuRes, err := genericFromDependencies(deps, conf.SMU)
	if err != nil {
		return instrumentBench{}, fmt.Errorf("getting smu: %w", err)
	}
	psuRes, err := genericFromDependencies(deps, conf.PSU)
	if err != nil {
		return instrumentBench{}, fmt.Errorf("getting psu: %w", err)
	}
	laserRes, err := genericFromDependencies(deps, conf.Laser)
	if err != nil {
		return instrumentBench{}, fmt.Errorf("getting laser: %w", err)
	}
	pm3, err := sensor.FromDependencies(deps, conf.PowerMeter3)
	if err != nil {
		return instrumentBench{}, fmt.Errorf("getting power_meter_3: %w", err)
	}
	pm4, err := sensor.FromDependencies(deps, conf.PowerMeter4)
	if err != nil {
		return instrumentBench{}, fmt.Errorf("getting power_meter_4: %w", err)
	}

	return instrumentBench{
		smu:   newGenericSMU(conf.SMU, smuRes),
		psu:   newGenericPSU(conf.PSU, psuRes),
		laser: newGenericLaser(conf.Laser, laserRes),
		pm3:   newSensorPowerMeter(conf.PowerMeter3, 3, pm3),
		pm4:   newSensorPowerMeter(conf.PowerMeter4, 4, pm4),
	}, nil
}

func genericFromDependencies(deps resource.Dependencies, name string) (doCommander, error) {
	res, ok := deps[genericComponentName(name)]
	if !ok {
		return nil, fmt.Errorf("%q not found in dependencies", name)
	}
	dc, ok := res.(doCommander)
	if !ok {
		return nil, fmt.Errorf("%q does not implement DoCommand", name)
	}
	return dc, nil
}

func (s *sequencerService) Name() resource.Name {
	return s.name
}

func (s *sequencerService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "run_test":
		return s.handleRunTest(ctx, cmd)
	case "abort":
		return s.handleAbort()
	case "status":
		return s.seq.snapshot(), nil
	case "health_check":
		quick, _ := cmd["quick"].(bool)
		results, allOK := healthResultsToMaps(s.seq.bench.healthCheck(ctx, quick))
		return map[string]interface{}{"ok": allOK, "instruments": results}, nil
	case "last_session":
		return s.handleLastSession()
	case "history":
		return s.historyState(), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *sequencerService) handleRunTest(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	deviceCount, err := intArg(cmd, "device_count")
	if err != nil {
		return nil, err
	}
	info := TestInfo{
		DeviceID:    stringArg(cmd, "device_id"),
		Operator:    stringArg(cmd, "operator"),
		Workstation: stringArg(cmd, "workstation"),
	}
	env := EnvironmentInfo{
		TemperatureC: floatArg(cmd, "environment_temp"),
		HumidityPct:  floatArg(cmd, "environment_humidity"),
	}

	s.mu.Lock()
	if s.cancelRun != nil {
		s.mu.Unlock()
		return nil, errSequenceInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelRun = nil
		s.mu.Unlock()
	}()

	res, err := s.seq.run(runCtx, deviceCount, info, env)
	if err != nil {
		return nil, err
	}

	resp := map[string]interface{}{
		"success":      res.Success,
		"run_id":       res.RunID,
		"plan":         res.Plan,
		"sample_count": res.SampleCount(),
	}
	phases := make([]interface{}, 0, len(res.Phases))
	for _, p := range res.Phases {
		phases = append(phases, map[string]interface{}{"name": p.Name, "samples": len(p.Samples)})
	}
	resp["phases"] = phases

	// Persistence runs after shutdown: a data fault is reported but never
	// re-triggers instrument shutdown or invalidates recorded measurements.
	paths, perr := s.data.CreateDataStructure(res.DeviceID, res.StartedAt)
	if perr == nil {
		perr = s.data.Save(paths, res, env)
	}
	if perr != nil {
		s.logger.Errorf("data persistence failed: %v", perr)
		res.Faults = append(res.Faults, fmt.Sprintf("%s: %v", FaultData, perr))
	} else {
		resp["data_dir"] = paths.Base
	}

	rec := s.sessions.Record(res)
	resp["run_type"] = rec.RunType
	resp["rerun_count"] = rec.RerunCount

	if len(res.Faults) > 0 {
		resp["faults"] = stringsToInterfaces(res.Faults)
	}
	if len(res.ResidualSafety) > 0 {
		resp["residual_safety"] = stringsToInterfaces(res.ResidualSafety)
	}
	return resp, nil
}

func (s *sequencerService) handleAbort() (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRun == nil {
		return nil, fmt.Errorf("no test sequence in progress")
	}
	s.cancelRun()
	return map[string]interface{}{"status": "aborting"}, nil
}

func (s *sequencerService) handleLastSession() (map[string]interface{}, error) {
	rec, ok := s.sessions.Last()
	if !ok {
		return map[string]interface{}{"available": false}, nil
	}
	m := sessionRecordToMap(rec)
	m["available"] = true
	return m, nil
}

// GetState reports live sequencer state for the status sensor.
func (s *sequencerService) GetState() map[string]interface{} {
	return s.seq.snapshot()
}

// HistoryState reports recorded sessions for the history sensor.
func (s *sequencerService) HistoryState() map[string]interface{} {
	return s.historyState()
}

func (s *sequencerService) historyState() map[string]interface{} {
	records := s.sessions.History(10)
	history := make([]interface{}, 0, len(records))
	for _, rec := range records {
		history = append(history, sessionRecordToMap(rec))
	}
	m := map[string]interface{}{
		"record_count": len(records),
		"history":      history,
	}
	if rec, ok := s.sessions.Last(); ok {
		m["last_session"] = sessionRecordToMap(rec)
	}
	return m
}

func sessionRecordToMap(rec SessionRecord) map[string]interface{} {
	m := map[string]interface{}{
		"device_id":    rec.DeviceID,
		"timestamp":    rec.Timestamp.Format(time.RFC3339),
		"result":       rec.Result,
		"operator":     rec.Operator,
		"device_count": rec.DeviceCount,
		"run_type":     rec.RunType,
		"rerun_count":  rec.RerunCount,
	}
	if rec.Error != "" {
		m["error"] = rec.Error
	}
	return m
}

func (s *sequencerService) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	return nil
}

func stringArg(cmd map[string]interface{}, key string) string {
	v, _ := cmd[key].(string)
	return v
}

func floatArg(cmd map[string]interface{}, key string) float64 {
	v, _ := numericField(cmd, key)
	return v
}

func intArg(cmd map[string]interface{}, key string) (int, error) {
	v, err := numericField(cmd, key)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return int(v), nil
}

func stringsToInterfaces(ss []string) []interface{} {
	out := make([]interface{}, 0, len(ss))
	for _, v := range ss {
		out = append(out, v)
	}
	return out
}
