package fautest

import (
	"context"
	"fmt"
)

// HealthCheckResult is one instrument's connectivity/status verdict.
type HealthCheckResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// healthCheck probes every instrument on the bench. Quick mode verifies
// connectivity only; the full check also queries instrument status so a
// laser left emitting or an SMU with its output enabled is surfaced before
// a sequence starts.
func (b instrumentBench) healthCheck(ctx context.Context, quick bool) []HealthCheckResult {
	type probe struct {
		name    string
		connect func(context.Context) error
		status  func(context.Context) (string, error)
	}
	var probes []probe
	if b.smu != nil {
		probes = append(probes, probe{"smu", b.smu.Connect, b.smu.Status})
	}
	if b.psu != nil {
		probes = append(probes, probe{"psu", b.psu.Connect, b.psu.Status})
	}
	if b.laser != nil {
		probes = append(probes, probe{"laser", b.laser.Connect, b.laser.Status})
	}
	if b.pm3 != nil {
		probes = append(probes, probe{"pm3", b.pm3.Connect, b.pm3.Status})
	}
	if b.pm4 != nil {
		probes = append(probes, probe{"pm4", b.pm4.Connect, b.pm4.Status})
	}

	results := make([]HealthCheckResult, 0, len(probes))
	for _, p := range probes {
		if err := p.connect(ctx); err != nil {
			results = append(results, HealthCheckResult{Name: p.name, Message: fmt.Sprintf("unreachable: %v", err)})
			continue
		}
		if quick {
			results = append(results, HealthCheckResult{Name: p.name, OK: true, Message: "connected"})
			continue
		}
		status, err := p.status(ctx)
		if err != nil {
			results = append(results, HealthCheckResult{Name: p.name, Message: fmt.Sprintf("status query failed: %v", err)})
			continue
		}
		results = append(results, HealthCheckResult{Name: p.name, OK: true, Message: status})
	}
	return results
}

func healthResultsToMaps(results []HealthCheckResult) ([]interface{}, bool) {
	out := make([]interface{}, 0, len(results))
	allOK := true
	for _, r := range results {
		if !r.OK {
			allOK = false
		}
		out = append(out, map[string]interface{}{
			"name":    r.Name,
			"ok":      r.OK,
			"message": r.Message,
		})
	}
	return out, allOK
}
