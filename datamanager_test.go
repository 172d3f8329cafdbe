package fautest

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

func persistableResult() *TestResult {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	align := PhaseResult{Name: phaseAlignment}
	for i := 0; i < 5; i++ {
		v := 0.1 * float64(i)
		align.Samples = append(align.Samples, MeasurementSample{
			Timestamp:        now,
			SetPoint:         v,
			MeasuredCurrentA: v / 1000.0,
		})
	}

	char := PhaseResult{Name: phaseCharacterization}
	for i := 0; i < 4; i++ {
		char.Samples = append(char.Samples, MeasurementSample{
			Timestamp:    now,
			SetPoint:     15.0 + float64(i),
			WavelengthNM: 1310.0,
			LaserPowerMW: 1.2,
			Readings: []ChannelReading{
				{Channel: 3, PowerMW: 0.5, Valid: true},
				{Channel: 4, PowerMW: 0.45, Valid: i != 2},
			},
		})
	}

	return &TestResult{
		RunID:       "run-1",
		DeviceID:    "FAU_001",
		Operator:    "alice",
		DeviceCount: 2,
		Plan:        "with_alignment",
		StartedAt:   now,
		CompletedAt: now.Add(time.Minute),
		Phases:      []PhaseResult{align, char},
		Success:     true,
	}
}

func TestCreateDataStructure(t *testing.T) {
	base := t.TempDir()
	prefs := defaultPreferences()
	prefs.BaseDirectory = base
	dm := newDataManager(prefs, logging.NewTestLogger(t))

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	paths, err := dm.CreateDataStructure("FAU_001", ts)
	if err != nil {
		t.Fatalf("CreateDataStructure failed: %v", err)
	}

	want := filepath.Join(base, "2026-03-14", "FAU_001", "FAU_001_20260314_093000")
	if paths.Base != want {
		t.Errorf("run dir = %q, want %q", paths.Base, want)
	}
	if fi, err := os.Stat(paths.Plots); err != nil || !fi.IsDir() {
		t.Errorf("plots dir missing: %v", err)
	}
}

func TestCreateDataStructureFlat(t *testing.T) {
	base := t.TempDir()
	prefs := minimalPreferences()
	prefs.BaseDirectory = base
	dm := newDataManager(prefs, logging.NewTestLogger(t))

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	paths, err := dm.CreateDataStructure("FAU_001", ts)
	if err != nil {
		t.Fatalf("CreateDataStructure failed: %v", err)
	}
	if strings.Contains(paths.Base, "2026-03-14") {
		t.Errorf("run dir %q contains date folder with date folders disabled", paths.Base)
	}
	if paths.Plots != "" {
		t.Errorf("plots dir = %q, want none", paths.Plots)
	}
}

func TestSaveWritesArtifacts(t *testing.T) {
	base := t.TempDir()
	prefs := SavePreferences{ExportJSON: true, BaseDirectory: base}
	dm := newDataManager(prefs, logging.NewTestLogger(t))
	res := persistableResult()

	paths, err := dm.CreateDataStructure(res.DeviceID, res.StartedAt)
	if err != nil {
		t.Fatalf("CreateDataStructure failed: %v", err)
	}
	if err := dm.Save(paths, res, EnvironmentInfo{TemperatureC: 22.0, HumidityPct: 45.0}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Run("alignment csv", func(t *testing.T) {
		rows := readCSV(t, filepath.Join(paths.Base, phaseAlignment+".csv"))
		if len(rows) != 6 {
			t.Fatalf("got %d rows, want header + 5 samples", len(rows))
		}
		wantHeader := []string{"timestamp", "set_voltage_v", "measured_current_a"}
		for i, col := range wantHeader {
			if rows[0][i] != col {
				t.Errorf("header[%d] = %q, want %q", i, rows[0][i], col)
			}
		}
	})

	t.Run("characterization csv", func(t *testing.T) {
		rows := readCSV(t, filepath.Join(paths.Base, phaseCharacterization+".csv"))
		if len(rows) != 5 {
			t.Fatalf("got %d rows, want header + 4 samples", len(rows))
		}
		header := strings.Join(rows[0], ",")
		for _, col := range []string{"current_ma", "channel3_power_mw", "channel4_valid"} {
			if !strings.Contains(header, col) {
				t.Errorf("header %q missing column %q", header, col)
			}
		}
		// Sample 2's channel 4 read failed.
		if rows[3][len(rows[3])-1] != "false" {
			t.Errorf("row 3 channel4_valid = %q, want false", rows[3][len(rows[3])-1])
		}
	})

	t.Run("parameters", func(t *testing.T) {
		raw, err := os.ReadFile(filepath.Join(paths.Base, "parameters.json"))
		if err != nil {
			t.Fatal(err)
		}
		var params map[string]interface{}
		if err := json.Unmarshal(raw, &params); err != nil {
			t.Fatalf("parameters.json is not valid json: %v", err)
		}
		if params["result"] != "PASSED" {
			t.Errorf("result = %v, want PASSED", params["result"])
		}
		if params["device_id"] != "FAU_001" {
			t.Errorf("device_id = %v", params["device_id"])
		}
		stats, ok := params["statistics"].(map[string]interface{})
		if !ok {
			t.Fatal("statistics missing")
		}
		if _, ok := stats[phaseAlignment]; !ok {
			t.Error("alignment statistics missing")
		}
		if _, ok := stats[phaseCharacterization]; !ok {
			t.Error("characterization statistics missing")
		}
	})

	t.Run("session log", func(t *testing.T) {
		raw, err := os.ReadFile(filepath.Join(paths.Base, "session_log.txt"))
		if err != nil {
			t.Fatal(err)
		}
		log := string(raw)
		for _, want := range []string{"TEST_RUN_START: FAU_001", "PLAN: with_alignment", "RUN_END: PASSED"} {
			if !strings.Contains(log, want) {
				t.Errorf("session log missing %q", want)
			}
		}
	})

	t.Run("raw json", func(t *testing.T) {
		raw, err := os.ReadFile(filepath.Join(paths.Base, "measurements.json"))
		if err != nil {
			t.Fatal(err)
		}
		var phases []PhaseResult
		if err := json.Unmarshal(raw, &phases); err != nil {
			t.Fatalf("measurements.json is not valid json: %v", err)
		}
		if len(phases) != 2 {
			t.Errorf("got %d phases in raw export, want 2", len(phases))
		}
	})
}

func TestSaveWritesPlots(t *testing.T) {
	base := t.TempDir()
	prefs := SavePreferences{SavePlots: true, BaseDirectory: base}
	dm := newDataManager(prefs, logging.NewTestLogger(t))
	res := persistableResult()

	paths, err := dm.CreateDataStructure(res.DeviceID, res.StartedAt)
	if err != nil {
		t.Fatalf("CreateDataStructure failed: %v", err)
	}
	if err := dm.Save(paths, res, EnvironmentInfo{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for _, phase := range []string{phaseAlignment, phaseCharacterization} {
		png := filepath.Join(paths.Plots, phase+".png")
		if fi, err := os.Stat(png); err != nil || fi.Size() == 0 {
			t.Errorf("plot %s missing or empty: %v", png, err)
		}
	}
}

func TestSaveSkipsEmptyPhases(t *testing.T) {
	base := t.TempDir()
	dm := newDataManager(SavePreferences{BaseDirectory: base}, logging.NewTestLogger(t))

	res := persistableResult()
	res.Phases[1].Samples = nil
	res.Success = false
	res.Faults = []string{"command: read timeout"}

	paths, err := dm.CreateDataStructure(res.DeviceID, res.StartedAt)
	if err != nil {
		t.Fatalf("CreateDataStructure failed: %v", err)
	}
	if err := dm.Save(paths, res, EnvironmentInfo{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(paths.Base, phaseCharacterization+".csv")); !os.IsNotExist(err) {
		t.Error("empty phase produced a csv file")
	}
	raw, err := os.ReadFile(filepath.Join(paths.Base, "session_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "FAULT: command: read timeout") {
		t.Error("session log missing fault line")
	}
	if !strings.Contains(string(raw), "RUN_END: FAILED") {
		t.Error("session log missing failed verdict")
	}
}

func TestSummarize(t *testing.T) {
	stats := summarize([]float64{1, 2, 3, 4})
	if stats.Count != 4 || stats.Min != 1 || stats.Max != 4 {
		t.Errorf("stats = %+v", stats)
	}
	if math.Abs(stats.Mean-2.5) > 1e-12 {
		t.Errorf("mean = %v, want 2.5", stats.Mean)
	}
	if empty := summarize(nil); empty.Count != 0 {
		t.Errorf("summarize(nil) = %+v, want zero", empty)
	}
}

func TestPhaseStatisticsSkipsInvalidReadings(t *testing.T) {
	res := persistableResult()
	stats := phaseStatistics(res.Phases[1])
	if got := stats["channel3_power_mw"].Count; got != 4 {
		t.Errorf("channel 3 count = %d, want 4", got)
	}
	// Sample 2's channel 4 reading is invalid and must not enter statistics.
	if got := stats["channel4_power_mw"].Count; got != 3 {
		t.Errorf("channel 4 count = %d, want 3", got)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data_preferences.json")

	if _, err := loadPreferences(path); err == nil {
		t.Error("expected error loading missing preferences")
	}

	prefs := SavePreferences{SavePlots: true, CreateDateFolders: true, BaseDirectory: "/data"}
	if err := prefs.save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := loadPreferences(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded != prefs {
		t.Errorf("loaded = %+v, want %+v", loaded, prefs)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return rows
}
