package fautest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"go.viam.com/rdk/logging"
)

// SavePreferences controls which optional artifacts a run produces. Raw
// measurements, parameters, and the session log are always written.
type SavePreferences struct {
	SavePlots         bool   `json:"save_plots"`
	ExportJSON        bool   `json:"export_json"`
	CreateDateFolders bool   `json:"create_date_folders"`
	BaseDirectory     string `json:"base_directory"`
}

func defaultPreferences() SavePreferences {
	return SavePreferences{
		SavePlots:         true,
		ExportJSON:        true,
		CreateDateFolders: true,
		BaseDirectory:     "./test_data",
	}
}

func minimalPreferences() SavePreferences {
	return SavePreferences{BaseDirectory: "./test_data"}
}

func loadPreferences(path string) (SavePreferences, error) {
	prefs := defaultPreferences()
	raw, err := os.ReadFile(path)
	if err != nil {
		return prefs, err
	}
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return defaultPreferences(), err
	}
	return prefs, nil
}

func (p SavePreferences) save(path string) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// DataPaths are the directories of one recorded run.
type DataPaths struct {
	Base  string
	Plots string
}

// DataManager persists measurement payloads to the per-run directory
// structure: base / date / deviceID / <deviceID>_<timestamp>.
type DataManager struct {
	prefs  SavePreferences
	logger logging.Logger
}

func newDataManager(prefs SavePreferences, logger logging.Logger) *DataManager {
	return &DataManager{prefs: prefs, logger: logger}
}

// CreateDataStructure creates the run directory (and plots subdirectory when
// plots are enabled) and returns its paths.
func (dm *DataManager) CreateDataStructure(deviceID string, t time.Time) (DataPaths, error) {
	base := dm.prefs.BaseDirectory
	if dm.prefs.CreateDateFolders {
		base = filepath.Join(base, t.Format("2006-01-02"))
	}
	runDir := filepath.Join(base, deviceID, fmt.Sprintf("%s_%s", deviceID, t.Format("20060102_150405")))

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return DataPaths{}, dataFault(fmt.Errorf("creating run directory: %w", err))
	}
	paths := DataPaths{Base: runDir}
	if dm.prefs.SavePlots {
		paths.Plots = filepath.Join(runDir, "plots")
		if err := os.MkdirAll(paths.Plots, 0o755); err != nil {
			return DataPaths{}, dataFault(fmt.Errorf("creating plots directory: %w", err))
		}
	}
	return paths, nil
}

// Save writes every artifact of one completed run. A failure writing an
// optional artifact is reported but does not prevent the remaining ones.
func (dm *DataManager) Save(paths DataPaths, res *TestResult, env EnvironmentInfo) error {
	for _, phase := range res.Phases {
		if len(phase.Samples) == 0 {
			continue
		}
		csvPath := filepath.Join(paths.Base, phase.Name+".csv")
		if err := writePhaseCSV(csvPath, phase); err != nil {
			return dataFault(fmt.Errorf("writing %s: %w", csvPath, err))
		}
		dm.logger.Infof("saved csv: %s (%d rows)", csvPath, len(phase.Samples))
	}

	if err := dm.writeParameters(paths, res, env); err != nil {
		return err
	}
	if err := dm.writeSessionLog(paths, res, env); err != nil {
		return err
	}

	if dm.prefs.ExportJSON {
		if err := dm.writeRawJSON(paths, res); err != nil {
			return err
		}
	}
	if dm.prefs.SavePlots {
		for _, phase := range res.Phases {
			if len(phase.Samples) == 0 {
				continue
			}
			if err := dm.writePlot(paths, phase); err != nil {
				// Plots are a best-effort artifact.
				dm.logger.Warnf("could not save plot for %s: %v", phase.Name, err)
			}
		}
	}
	return nil
}

func writePhaseCSV(path string, phase PhaseResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(phaseCSVHeader(phase)); err != nil {
		return err
	}
	for _, s := range phase.Samples {
		if err := w.Write(phaseCSVRow(phase.Name, s)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func phaseCSVHeader(phase PhaseResult) []string {
	if phase.Name == phaseAlignment {
		return []string{"timestamp", "set_voltage_v", "measured_current_a"}
	}
	header := []string{"timestamp", "current_ma", "laser_wavelength_nm", "laser_power_mw"}
	for _, r := range phase.Samples[0].Readings {
		header = append(header,
			fmt.Sprintf("channel%d_power_mw", r.Channel),
			fmt.Sprintf("channel%d_valid", r.Channel))
	}
	return header
}

func phaseCSVRow(phaseName string, s MeasurementSample) []string {
	ts := s.Timestamp.Format(time.RFC3339Nano)
	if phaseName == phaseAlignment {
		return []string{ts, formatFloat(s.SetPoint), formatFloat(s.MeasuredCurrentA)}
	}
	row := []string{ts, formatFloat(s.SetPoint), formatFloat(s.WavelengthNM), formatFloat(s.LaserPowerMW)}
	for _, r := range s.Readings {
		row = append(row, formatFloat(r.PowerMW), strconv.FormatBool(r.Valid))
	}
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// columnStats summarizes one numeric column for the parameters file.
type columnStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func summarize(vals []float64) columnStats {
	if len(vals) == 0 {
		return columnStats{}
	}
	return columnStats{
		Count:  len(vals),
		Mean:   stat.Mean(vals, nil),
		StdDev: stat.StdDev(vals, nil),
		Min:    floats.Min(vals),
		Max:    floats.Max(vals),
	}
}

func phaseStatistics(phase PhaseResult) map[string]columnStats {
	setPoints := make([]float64, 0, len(phase.Samples))
	stats := map[string]columnStats{}

	if phase.Name == phaseAlignment {
		currents := make([]float64, 0, len(phase.Samples))
		for _, s := range phase.Samples {
			setPoints = append(setPoints, s.SetPoint)
			currents = append(currents, s.MeasuredCurrentA)
		}
		stats["set_voltage_v"] = summarize(setPoints)
		stats["measured_current_a"] = summarize(currents)
		return stats
	}

	byChannel := map[int][]float64{}
	laserPower := make([]float64, 0, len(phase.Samples))
	for _, s := range phase.Samples {
		setPoints = append(setPoints, s.SetPoint)
		laserPower = append(laserPower, s.LaserPowerMW)
		for _, r := range s.Readings {
			if r.Valid {
				byChannel[r.Channel] = append(byChannel[r.Channel], r.PowerMW)
			}
		}
	}
	stats["current_ma"] = summarize(setPoints)
	stats["laser_power_mw"] = summarize(laserPower)
	for ch, vals := range byChannel {
		stats[fmt.Sprintf("channel%d_power_mw", ch)] = summarize(vals)
	}
	return stats
}

func (dm *DataManager) writeParameters(paths DataPaths, res *TestResult, env EnvironmentInfo) error {
	statistics := map[string]map[string]columnStats{}
	for _, phase := range res.Phases {
		if len(phase.Samples) > 0 {
			statistics[phase.Name] = phaseStatistics(phase)
		}
	}

	params := map[string]interface{}{
		"run_id":       res.RunID,
		"device_id":    res.DeviceID,
		"operator":     res.Operator,
		"device_count": res.DeviceCount,
		"plan":         res.Plan,
		"started_at":   res.StartedAt.Format(time.RFC3339),
		"completed_at": res.CompletedAt.Format(time.RFC3339),
		"result":       verdict(res.Success),
		"environment": map[string]float64{
			"temperature_c": env.TemperatureC,
			"humidity_pct":  env.HumidityPct,
		},
		"statistics": statistics,
	}
	if len(res.Faults) > 0 {
		params["faults"] = res.Faults
	}
	if len(res.ResidualSafety) > 0 {
		params["residual_safety"] = res.ResidualSafety
	}

	raw, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return dataFault(err)
	}
	path := filepath.Join(paths.Base, "parameters.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return dataFault(fmt.Errorf("writing %s: %w", path, err))
	}
	return nil
}

func (dm *DataManager) writeSessionLog(paths DataPaths, res *TestResult, env EnvironmentInfo) error {
	var lines []string
	lines = append(lines,
		fmt.Sprintf("TEST_RUN_START: %s run %s by %s", res.DeviceID, res.RunID, res.Operator),
		fmt.Sprintf("PLAN: %s (%d elements)", res.Plan, res.DeviceCount),
		fmt.Sprintf("ENVIRONMENT: %.1f C, %.1f %%RH", env.TemperatureC, env.HumidityPct))
	for i, phase := range res.Phases {
		lines = append(lines, fmt.Sprintf("PHASE %d: %s, %d samples", i+1, phase.Name, len(phase.Samples)))
	}
	for _, f := range res.Faults {
		lines = append(lines, "FAULT: "+f)
	}
	for _, r := range res.ResidualSafety {
		lines = append(lines, "RESIDUAL_SAFETY: "+r)
	}
	lines = append(lines, fmt.Sprintf("RUN_END: %s at %s", verdict(res.Success), res.CompletedAt.Format(time.RFC3339)))

	path := filepath.Join(paths.Base, "session_log.txt")
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return dataFault(fmt.Errorf("writing %s: %w", path, err))
	}
	return nil
}

func (dm *DataManager) writeRawJSON(paths DataPaths, res *TestResult) error {
	raw, err := json.MarshalIndent(res.Phases, "", "  ")
	if err != nil {
		return dataFault(err)
	}
	path := filepath.Join(paths.Base, "measurements.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return dataFault(fmt.Errorf("writing %s: %w", path, err))
	}
	return nil
}

func (dm *DataManager) writePlot(paths DataPaths, phase PhaseResult) error {
	p := plot.New()
	p.Add(plotter.NewGrid())

	if phase.Name == phaseAlignment {
		p.Title.Text = "FAU Alignment IV Sweep"
		p.X.Label.Text = "Set voltage (V)"
		p.Y.Label.Text = "Measured current (mA)"
		xys := make(plotter.XYs, 0, len(phase.Samples))
		for _, s := range phase.Samples {
			xys = append(xys, plotter.XY{X: s.SetPoint, Y: s.MeasuredCurrentA * 1000})
		}
		if err := plotutil.AddLines(p, "measured current", xys); err != nil {
			return err
		}
	} else {
		p.Title.Text = "Laser Power Characterization"
		p.X.Label.Text = "Laser current (mA)"
		p.Y.Label.Text = "Optical power (mW)"
		series := map[int]plotter.XYs{}
		for _, s := range phase.Samples {
			for _, r := range s.Readings {
				if r.Valid {
					series[r.Channel] = append(series[r.Channel], plotter.XY{X: s.SetPoint, Y: r.PowerMW})
				}
			}
		}
		var args []interface{}
		for _, ch := range sortedChannels(series) {
			args = append(args, fmt.Sprintf("channel %d", ch), series[ch])
		}
		if err := plotutil.AddLines(p, args...); err != nil {
			return err
		}
	}

	path := filepath.Join(paths.Plots, phase.Name+".png")
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return err
	}
	dm.logger.Infof("saved plot: %s", path)
	return nil
}

func sortedChannels(series map[int]plotter.XYs) []int {
	chans := make([]int, 0, len(series))
	for ch := range series {
		chans = append(chans, ch)
	}
	sort.Ints(chans)
	return chans
}
