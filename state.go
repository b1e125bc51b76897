// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package offload

// State is the runtime state of an invocation. State values are
// defined so that their magnitudes correspond with invocation
// progression.
type State int

const (
	// Idle is the initial state of an invocation.
	Idle State = iota
	// Acquired indicates that the invocation's input has been
	// retrieved from the event.
	Acquired
	// Staged indicates that the input has been flattened into
	// host-resident column buffers.
	Staged
	// TransferringIn indicates that host-to-device copies have been
	// issued.
	TransferringIn
	// Computing indicates that device kernels have been issued.
	Computing
	// TransferringOut indicates that device-to-host copies have been
	// issued.
	TransferringOut
	// Materializing indicates that all device work has completed and
	// the output container is being built on the host.
	Materializing
	// Published indicates that the invocation's output has been
	// recorded. Published is terminal.
	Published
	// Failed indicates that the invocation failed. Failed is
	// terminal, and may be entered from any non-terminal state.
	Failed

	maxState
)

var states = [...]string{
	Idle:            "IDLE",
	Acquired:        "ACQUIRED",
	Staged:          "STAGED",
	TransferringIn:  "TRANSFERRING_IN",
	Computing:       "COMPUTING",
	TransferringOut: "TRANSFERRING_OUT",
	Materializing:   "MATERIALIZING",
	Published:       "PUBLISHED",
	Failed:          "FAILED",
}

// String returns the state as an upper-case string.
func (s State) String() string {
	if s < 0 || s >= maxState {
		return "UNKNOWN"
	}
	return states[s]
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == Published || s == Failed
}

// Legal reports whether an invocation may move from state from to
// state to. States advance one at a time, except that an acquired
// invocation with empty input may publish directly, and any
// non-terminal state may fail.
func Legal(from, to State) bool {
	switch {
	case from.Terminal():
		return false
	case to == Failed:
		return true
	case from == Acquired && to == Published:
		return true
	default:
		return to == from+1
	}
}
