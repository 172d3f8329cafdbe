package fautest

import (
	"math"
	"testing"
)

func TestSweepSampleCount(t *testing.T) {
	cases := []struct {
		name  string
		sweep SweepSpec
		want  int
	}{
		{"iv default", defaultIVSweep, 51},
		{"laser default", defaultLaserSweep, 101},
		{"single point", SweepSpec{Start: 2, Stop: 2, Step: 1}, 1},
		{"non-multiple interval", SweepSpec{Start: 0, Stop: 1, Step: 0.3}, 4},
		{"zero step invalid", SweepSpec{Start: 0, Stop: 5, Step: 0}, 0},
		{"reversed invalid", SweepSpec{Start: 5, Stop: 0, Step: 0.1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sweep.SampleCount(); got != tc.want {
				t.Errorf("SampleCount() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSweepValueEndpoints(t *testing.T) {
	for _, sweep := range []SweepSpec{defaultIVSweep, defaultLaserSweep} {
		n := sweep.SampleCount()
		if got := sweep.Value(0); got != sweep.Start {
			t.Errorf("Value(0) = %v, want start %v", got, sweep.Start)
		}
		if got := sweep.Value(n - 1); got != sweep.Stop {
			t.Errorf("Value(%d) = %v, want stop %v", n-1, got, sweep.Stop)
		}
	}
}

func TestSweepValueMonotonic(t *testing.T) {
	sweep := defaultLaserSweep
	n := sweep.SampleCount()
	prev := math.Inf(-1)
	for i := 0; i < n; i++ {
		v := sweep.Value(i)
		if v <= prev {
			t.Fatalf("Value(%d) = %v not strictly increasing after %v", i, v, prev)
		}
		if v > sweep.Stop {
			t.Fatalf("Value(%d) = %v exceeds stop %v", i, v, sweep.Stop)
		}
		prev = v
	}
}

func TestSweepValueStepSpacing(t *testing.T) {
	sweep := defaultIVSweep
	for i := 1; i < sweep.SampleCount()-1; i++ {
		got := sweep.Value(i) - sweep.Value(i-1)
		if math.Abs(got-sweep.Step) > 1e-9 {
			t.Fatalf("spacing at %d = %v, want %v", i, got, sweep.Step)
		}
	}
}
