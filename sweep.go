package fautest

import (
	"math"
	"time"
)

// SweepSpec describes a fixed-step sweep over a closed interval. Both
// endpoints are sampled; the number of samples is floor((stop-start)/step)+1.
type SweepSpec struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Step  float64 `json:"step"`
	Unit  string  `json:"unit"`
}

// Production sweep definitions: the FAU alignment IV sweep and the laser
// power characterization sweep.
var (
	defaultIVSweep    = SweepSpec{Start: 0.0, Stop: 5.0, Step: 0.1, Unit: "V"}
	defaultLaserSweep = SweepSpec{Start: 15.0, Stop: 35.0, Step: 0.2, Unit: "mA"}
)

// stepEpsilon absorbs float accumulation error so that an interval whose
// width is an exact multiple of the step still includes the stop point.
const stepEpsilon = 1e-9

func (s SweepSpec) valid() bool {
	return s.Step > 0 && s.Stop >= s.Start
}

// SampleCount returns the number of set-points in the sweep, closed-interval
// semantics.
func (s SweepSpec) SampleCount() int {
	if !s.valid() {
		return 0
	}
	return int(math.Floor((s.Stop-s.Start)/s.Step+stepEpsilon)) + 1
}

// Value returns the set-point for sample index i. The final sample is forced
// to equal Stop so rounding can never skip it.
func (s SweepSpec) Value(i int) float64 {
	if i >= s.SampleCount()-1 {
		return s.Stop
	}
	v := s.Start + float64(i)*s.Step
	if v > s.Stop {
		return s.Stop
	}
	return v
}

// ChannelReading is one optical power reading in a matched dual-channel
// sample. Valid is false when the channel's read failed but the point was
// kept for the sake of the other channel.
type ChannelReading struct {
	Channel int     `json:"channel"`
	PowerMW float64 `json:"power_mw"`
	Valid   bool    `json:"valid"`
}

// MeasurementSample is one committed sweep step. Samples are appended to a
// phase in order and never mutated afterward.
type MeasurementSample struct {
	Timestamp time.Time `json:"timestamp"`
	SetPoint  float64   `json:"set_point"`

	// Alignment sweep: the SMU's measured current at the set voltage.
	MeasuredCurrentA float64 `json:"measured_current_a,omitempty"`

	// Characterization sweep: matched dual-channel power readings plus
	// laser telemetry.
	Readings     []ChannelReading `json:"readings,omitempty"`
	WavelengthNM float64          `json:"wavelength_nm,omitempty"`
	LaserPowerMW float64          `json:"laser_power_mw,omitempty"`
}
