package fautest

import (
	"errors"
	"fmt"
)

// FaultKind classifies instrument and persistence failures. Connection and
// command faults abort the current sub-procedure; a compliance fault aborts
// immediately and is never retried; a data fault is reported but does not
// re-trigger instrument shutdown.
type FaultKind int

const (
	FaultConnection FaultKind = iota
	FaultCommand
	FaultCompliance
	FaultData
)

func (k FaultKind) String() string {
	switch k {
	case FaultConnection:
		return "connection"
	case FaultCommand:
		return "command"
	case FaultCompliance:
		return "compliance"
	case FaultData:
		return "data"
	}
	return "unknown"
}

// Fault wraps an underlying error with its classification and the instrument
// it originated from.
type Fault struct {
	Kind       FaultKind
	Instrument string
	Err        error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault on %s: %v", f.Kind, f.Instrument, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func connectionFault(instrument string, err error) *Fault {
	return &Fault{Kind: FaultConnection, Instrument: instrument, Err: err}
}

func commandFault(instrument string, err error) *Fault {
	// Keep an existing classification: a driver may already have reported a
	// compliance trip or connection loss.
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: FaultCommand, Instrument: instrument, Err: err}
}

func complianceFault(instrument string, err error) *Fault {
	return &Fault{Kind: FaultCompliance, Instrument: instrument, Err: err}
}

func dataFault(err error) *Fault {
	return &Fault{Kind: FaultData, Instrument: "datamanager", Err: err}
}

// faultKind extracts the classification from an error chain. Errors that are
// not Faults (context cancellation, plain errors) report as command faults.
func faultKind(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultCommand
}
