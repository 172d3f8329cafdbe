package fautest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
)

// SessionRecord is one entry of the operator-convenience test history. The
// store is not correctness-critical: load failures degrade to an empty
// history.
type SessionRecord struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Result      string    `json:"result"`
	Operator    string    `json:"operator"`
	DeviceCount int       `json:"device_count"`
	RunType     string    `json:"run_type"`
	RerunCount  int       `json:"rerun_count"`
	Error       string    `json:"error,omitempty"`
}

type sessionData struct {
	TestHistory []SessionRecord `json:"test_history"`
	LastSession *SessionRecord  `json:"last_session,omitempty"`
}

type sessionStore struct {
	path   string
	logger logging.Logger

	mu   sync.Mutex
	data sessionData
}

func newSessionStore(path string, logger logging.Logger) *sessionStore {
	st := &sessionStore{path: path, logger: logger}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("could not load session data from %s: %v", path, err)
		}
		return st
	}
	if err := json.Unmarshal(raw, &st.data); err != nil {
		logger.Warnf("could not parse session data from %s: %v", path, err)
		st.data = sessionData{}
		return st
	}
	logger.Infof("loaded %d previous test records from %s", len(st.data.TestHistory), path)
	return st
}

// Record appends a history entry for a completed run, classifying it as a
// rerun when the device has been tested before, and rewrites the store.
func (st *sessionStore) Record(res *TestResult) SessionRecord {
	rec := SessionRecord{
		DeviceID:    res.DeviceID,
		Timestamp:   res.CompletedAt,
		Result:      verdict(res.Success),
		Operator:    res.Operator,
		DeviceCount: res.DeviceCount,
		RunType:     "new",
	}
	if len(res.Faults) > 0 {
		rec.Error = res.Faults[0]
	}

	st.mu.Lock()
	if prev, ok := st.lookupLocked(res.DeviceID); ok {
		rec.RunType = "rerun"
		rec.RerunCount = prev.RerunCount + 1
	}
	st.data.TestHistory = append(st.data.TestHistory, rec)
	st.data.LastSession = &rec
	st.mu.Unlock()

	if err := st.save(); err != nil {
		st.logger.Warnf("could not save session data: %v", err)
	}
	return rec
}

// Lookup returns the most recent record for a device.
func (st *sessionStore) Lookup(deviceID string) (SessionRecord, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lookupLocked(deviceID)
}

func (st *sessionStore) lookupLocked(deviceID string) (SessionRecord, bool) {
	for i := len(st.data.TestHistory) - 1; i >= 0; i-- {
		if st.data.TestHistory[i].DeviceID == deviceID {
			return st.data.TestHistory[i], true
		}
	}
	return SessionRecord{}, false
}

// History returns up to limit records, newest first. limit <= 0 returns all.
func (st *sessionStore) History(limit int) []SessionRecord {
	st.mu.Lock()
	defer st.mu.Unlock()

	n := len(st.data.TestHistory)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]SessionRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, st.data.TestHistory[i])
	}
	return out
}

func (st *sessionStore) Last() (SessionRecord, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.data.LastSession == nil {
		return SessionRecord{}, false
	}
	return *st.data.LastSession, true
}

func (st *sessionStore) save() error {
	st.mu.Lock()
	raw, err := json.MarshalIndent(st.data, "", "  ")
	st.mu.Unlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(st.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating session directory: %w", err)
		}
	}
	return os.WriteFile(st.path, raw, 0o644)
}

func verdict(success bool) string {
	if success {
		return "PASSED"
	}
	return "FAILED"
}
