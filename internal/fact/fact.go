package fact

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is the terminal state of a transaction.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeError     Outcome = "error"
)

// Error codes carried by non-completed transactions.
const (
	ErrCodeDepTimeout  = "DEP_TIMEOUT"
	ErrCodeOrchTimeout = "ORCH_TIMEOUT"
	ErrCodeWorkerFault = "WORKER_FAULT"
)

// DependencyService is the downstream service every cross-region call
// targets.
const DependencyService = "inventory-client"

// Fact is one canonical transaction, the single source of truth every
// derived table projects from. All timestamps are UTC and fall inside the
// scenario window.
type Fact struct {
	// Seq is the zero-based generation index; TransactionID embeds it.
	Seq           int
	TransactionID string
	TraceID       string
	CustomerID    string
	OriginRegion  string
	TxnType       string
	ServiceType   string

	StartTS time.Time
	EndTS   time.Time
	// E2ELatencyMS is derived from EndTS-StartTS, never stored
	// independently.
	E2ELatencyMS float64

	Outcome    Outcome
	ErrorCode  string
	HTTPStatus int
	RetryCount int

	// Cross-region dependency call, when made. CircuitID names the circuit
	// whose endpoints are (OriginRegion, DependencyRegion).
	CrossRegion         bool
	DependencyRegion    string
	DependencyService   string
	CircuitID           string
	DependencyLatencyMS float64

	// ClockSkewMS perturbs derived log and span timestamps; it is part of
	// the dataset's realism and is never corrected downstream.
	ClockSkewMS int

	// Ground-truth attribution. IncidentImpacted marks facts hit by the
	// primary incident overlay; ConfounderName names the confounder in
	// scope, if any. The two are mutually exclusive.
	IncidentImpacted bool
	ConfounderName   string
}

// Attempts returns the number of processing attempts, at least one.
func (f *Fact) Attempts() int {
	if f.RetryCount < 0 {
		return 1
	}
	return f.RetryCount + 1
}

// Validate checks the fact's internal invariants. The generator runs it on
// every fact before emission so a construction bug surfaces as an error
// rather than a corrupt table.
func (f *Fact) Validate() error {
	if f.TransactionID == "" || f.TraceID == "" || f.CustomerID == "" {
		return errors.New("fact identifiers must not be empty")
	}
	if f.EndTS.Before(f.StartTS) {
		return fmt.Errorf("fact %s ends before it starts", f.TransactionID)
	}
	if derived := float64(f.EndTS.Sub(f.StartTS)) / float64(time.Millisecond); abs(derived-f.E2ELatencyMS) > 0.01 {
		return fmt.Errorf("fact %s latency %.3f does not match its timestamps (%.3f)", f.TransactionID, f.E2ELatencyMS, derived)
	}
	switch f.Outcome {
	case OutcomeCompleted:
		if f.ErrorCode != "" {
			return fmt.Errorf("completed fact %s carries error code %s", f.TransactionID, f.ErrorCode)
		}
	case OutcomeTimeout, OutcomeError:
		if f.ErrorCode == "" {
			return fmt.Errorf("%s fact %s has no error code", f.Outcome, f.TransactionID)
		}
	default:
		return fmt.Errorf("fact %s has unknown outcome %q", f.TransactionID, f.Outcome)
	}
	if f.CrossRegion {
		if f.DependencyRegion == "" || f.CircuitID == "" {
			return fmt.Errorf("cross-region fact %s is missing its dependency route", f.TransactionID)
		}
	} else if f.DependencyRegion != "" || f.CircuitID != "" {
		return fmt.Errorf("local fact %s carries dependency fields", f.TransactionID)
	}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
