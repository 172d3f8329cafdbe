package fautest

import (
	"errors"
	"fmt"
	"testing"
)

func TestFaultClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FaultKind
	}{
		{"connection", connectionFault("smu", fmt.Errorf("port busy")), FaultConnection},
		{"command", commandFault("laser", fmt.Errorf("timeout")), FaultCommand},
		{"compliance", complianceFault("smu", fmt.Errorf("limit reached")), FaultCompliance},
		{"data", dataFault(fmt.Errorf("disk full")), FaultData},
		{"plain error", fmt.Errorf("something"), FaultCommand},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := faultKind(tc.err); got != tc.want {
				t.Errorf("faultKind = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCommandFaultPreservesClassification(t *testing.T) {
	inner := complianceFault("smu", fmt.Errorf("limit reached"))
	wrapped := commandFault("smu", fmt.Errorf("measure: %w", inner))
	if wrapped.Kind != FaultCompliance {
		t.Errorf("kind = %v, compliance classification lost through wrapping", wrapped.Kind)
	}
}

func TestFaultUnwrap(t *testing.T) {
	sentinel := errors.New("port busy")
	f := connectionFault("smu", sentinel)
	if !errors.Is(f, sentinel) {
		t.Error("fault does not unwrap to underlying error")
	}
	if got := f.Error(); got != "connection fault on smu: port busy" {
		t.Errorf("Error() = %q", got)
	}
}
