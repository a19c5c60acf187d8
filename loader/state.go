package loader

import "github.com/visimg/go-imagepool/decode"

// LoadState is the lifecycle state of a controller's binding
type LoadState int

const (
	// StateUninitialized is the reset state entered on every rebind
	StateUninitialized LoadState = iota
	// StateNotYetLoaded means the key missed the cache and a decode is queued
	StateNotYetLoaded
	// StateLoading means a worker is decoding the key
	StateLoading
	// StateLoaded is terminal success; the controller holds a buffer
	StateLoaded
	// StateFailed is terminal failure, including the empty bind
	StateFailed
)

// String returns the state name
func (state LoadState) String() string {
	switch state {
	case StateUninitialized:
		return "uninitialized"
	case StateNotYetLoaded:
		return "notyetloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateObserver is notified of every load-state transition. Notifications
// fire synchronously within the call that caused the transition, after the
// controller's internal lock is dropped, so observers may call back into
// the controller.
type StateObserver interface {
	OnLoadStateChanged(key decode.RequestKey, state LoadState)
}
