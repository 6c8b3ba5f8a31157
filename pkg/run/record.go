// Package run provides the per-entry outcome records and the bounded worker
// pool shared by the repository and asset engines.
package run

import "github.com/bundlekit/bundlekit/pkg/probe"

// Action is what the engine did for one manifest entry.
type Action string

const (
	ActionSkipped    Action = "skipped"
	ActionCloned     Action = "cloned"
	ActionUpdated    Action = "updated"
	ActionDownloaded Action = "downloaded"
	ActionFailed     Action = "failed"
)

// Failure reasons. Per-entry failures carry one of these; they never abort
// the run.
const (
	ReasonLocalDivergence       = "local-divergence"
	ReasonConflictingLocalState = "conflicting-local-state"
	ReasonVerificationMismatch  = "verification-mismatch"
	ReasonNetworkFailure        = "network-failure"
	ReasonStagingWriteFailure   = "staging-write-failure"
	ReasonCancelled             = "cancelled"
)

// Record is the runtime outcome for one manifest entry. Commit holds the
// resolved revision for repository entries so the result manifest can pin it.
type Record struct {
	Name          string      `json:"name"`
	PreviousState probe.State `json:"previous_state"`
	Action        Action      `json:"action"`
	Reason        string      `json:"reason,omitempty"`
	Error         string      `json:"error,omitempty"`
	Commit        string      `json:"commit,omitempty"`
}

// Failed reports whether the entry ended in a failure.
func (r Record) Failed() bool {
	return r.Action == ActionFailed
}

// Fail builds a failed record.
func Fail(name string, prev probe.State, reason string, err error) Record {
	rec := Record{
		Name:          name,
		PreviousState: prev,
		Action:        ActionFailed,
		Reason:        reason,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
