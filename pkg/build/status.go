package build

import "encoding/json"

// Status is the lifecycle state of a build record. It is a closed set;
// every consumer switches exhaustively over it.
type Status int

const (
	// StatusInvalid marks a record whose submission was rejected after
	// allocation. Terminal.
	StatusInvalid Status = iota

	// StatusQueued means the build is waiting in the FIFO for the worker.
	StatusQueued

	// StatusBuilding means the toolchain process is currently running.
	// At most one record holds this status at any time.
	StatusBuilding

	// StatusComplete means the toolchain exited with code zero. Terminal.
	StatusComplete

	// StatusError means the toolchain failed to spawn or exited non-zero.
	// Terminal.
	StatusError
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusQueued:
		return "queued"
	case StatusBuilding:
		return "building"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	}

	return "unknown"
}

// Terminal reports whether no further toolchain invocation may mutate
// the record's status.
func (s Status) Terminal() bool {
	switch s {
	case StatusInvalid, StatusComplete, StatusError:
		return true
	case StatusQueued, StatusBuilding:
		return false
	}

	return false
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Action is a one-shot post-build operation permitted only on a
// complete build. Successful actions are recorded as side annotations
// on the record; they never overwrite the status.
type Action string

const (
	ActionDownload Action = "download"
	ActionEmulate  Action = "emulate"
	ActionDeploy   Action = "deploy"
	ActionRun      Action = "run"
	ActionDebug    Action = "debug"
)

// ParseAction maps a request path segment to an Action.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionDownload, ActionEmulate, ActionDeploy, ActionRun, ActionDebug:
		return Action(s), true
	}

	return "", false
}
