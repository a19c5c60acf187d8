package loader

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/visimg/go-imagepool/cache"
	"github.com/visimg/go-imagepool/decode"
	"github.com/visimg/go-imagepool/report"
)

// LoadController owns one binding slot. It resolves a bound request key
// against the buffer cache, dispatches and cancels background decode work
// across rapid rebinds, and applies completions in request order through
// the aggregator.
//
// Public operations are expected from a single logical owner; decode
// completions re-enter from worker goroutines through the controller's
// mutex. A decode result is applied only when its handle is still the
// controller's current pending handle. Handle identity, not key equality,
// because two different binds can share an equal key.
type LoadController struct {
	cache      *cache.Cache
	executor   decode.Executor
	aggregator *CompletionAggregator
	reporter   *report.MetricsReporter

	observer StateObserver

	currKey       decode.RequestKey
	buffer        *cache.Buffer
	state         LoadState
	pendingHandle *decode.Handle
	expected      bool
	decodeWidth   int
	decodeHeight  int
	sizeSet       bool

	mutex sync.Mutex
}

// NewLoadController creates a new LoadController. The aggregator and
// reporter may be nil; without an aggregator completions apply in arrival
// order.
func NewLoadController(bufferCache *cache.Cache, executor decode.Executor, aggregator *CompletionAggregator, reporter *report.MetricsReporter) *LoadController {
	return &LoadController{
		cache:      bufferCache,
		executor:   executor,
		aggregator: aggregator,
		reporter:   reporter,

		state: StateUninitialized,
	}
}

// SetObserver installs the state-transition hook
func (controller *LoadController) SetObserver(observer StateObserver) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()

	controller.observer = observer
}

// SetDecodeSize sets the dimensions to decode into; zero dimensions decode
// at natural size. A bind made before SetDecodeSize stays NotYetLoaded;
// setting the size submits the decode. Changing it while a decode is
// pending cancels it and resubmits.
func (controller *LoadController) SetDecodeSize(width int, height int) {
	controller.mutex.Lock()

	if controller.sizeSet && controller.decodeWidth == width && controller.decodeHeight == height {
		controller.mutex.Unlock()
		return
	}

	controller.decodeWidth = width
	controller.decodeHeight = height
	controller.sizeSet = true

	key := controller.currKey
	awaiting := key != nil && controller.buffer == nil &&
		(controller.state == StateNotYetLoaded || controller.state == StateLoading)
	if !awaiting {
		controller.mutex.Unlock()
		return
	}

	flushNeeded := controller.pendingHandle != nil && controller.expected && controller.aggregator != nil

	if controller.pendingHandle != nil {
		controller.pendingHandle.Cancel()
		controller.pendingHandle = nil
	}

	if flushNeeded {
		// a completion for the canceled handle may already be buffered
		// behind earlier keys; flushing it now lets it discard against the
		// cleared pending handle instead of being overwritten by the
		// resubmission's completion
		controller.expected = false
		controller.mutex.Unlock()

		controller.aggregator.Forget(key)

		controller.mutex.Lock()

		if controller.currKey == nil || controller.currKey.ID() != key.ID() || controller.buffer != nil {
			// superseded while flushing
			controller.mutex.Unlock()
			return
		}
	}

	if controller.aggregator != nil {
		controller.aggregator.Expect(key)
		controller.expected = true
	}

	failed := !controller.submitLocked(key)
	if failed {
		controller.expected = false
	}
	controller.mutex.Unlock()

	if failed {
		if controller.aggregator != nil {
			controller.aggregator.Forget(key)
		}
		controller.notifyState(key, StateFailed)
	}
}

// Bind binds the slot to the key. Rebinding the current key is a no-op.
// A nil key is a terminal failure, a cached key transitions to Loaded
// synchronously within this call, and anything else queues a decode.
func (controller *LoadController) Bind(key decode.RequestKey) {
	logger := log.WithFields(log.Fields{
		"package":  "loader",
		"struct":   "LoadController",
		"function": "Bind",
	})

	controller.mutex.Lock()

	if key != nil && controller.currKey != nil && controller.currKey.ID() == key.ID() {
		// idempotent rebind
		controller.mutex.Unlock()
		return
	}

	if key == nil && controller.currKey == nil && controller.state == StateFailed {
		// repeated unbind
		controller.mutex.Unlock()
		return
	}

	oldKey := controller.currKey
	oldExpected := controller.expected
	oldHandle := controller.pendingHandle
	oldBuffer := controller.buffer

	controller.currKey = key
	controller.pendingHandle = nil
	controller.buffer = nil
	controller.expected = false
	controller.state = StateUninitialized

	controller.mutex.Unlock()

	controller.notifyState(key, StateUninitialized)

	// Forget may flush a delivery buffered for the old key; the delivery
	// re-checks handle identity, so it must not run under our lock.
	if oldExpected && controller.aggregator != nil && oldKey != nil {
		controller.aggregator.Forget(oldKey)
	}

	if oldHandle != nil {
		oldHandle.Cancel()
	}

	if oldBuffer != nil && oldKey != nil {
		err := controller.cache.Release(oldKey.ID())
		if err != nil {
			logger.Errorf("%+v", err)
		}
	}

	if key == nil {
		// an empty bind is a terminal failure, not "not yet loaded"
		controller.mutex.Lock()
		if controller.currKey != nil {
			controller.mutex.Unlock()
			return
		}

		controller.state = StateFailed
		controller.mutex.Unlock()

		controller.notifyState(nil, StateFailed)
		return
	}

	controller.mutex.Lock()

	if controller.currKey == nil || controller.currKey.ID() != key.ID() {
		// superseded while tearing down the old binding
		controller.mutex.Unlock()
		return
	}

	if buffer := controller.cache.Checkout(key.ID()); buffer != nil {
		controller.buffer = buffer
		controller.state = StateLoaded
		controller.mutex.Unlock()

		if controller.reporter != nil {
			controller.reporter.ReportCacheHit()
		}
		logger.Debugf("cache hit for key %q", key.ID())

		controller.notifyState(key, StateLoaded)
		return
	}

	controller.state = StateNotYetLoaded

	if controller.aggregator != nil {
		controller.aggregator.Expect(key)
		controller.expected = true
	}
	controller.mutex.Unlock()

	if controller.reporter != nil {
		controller.reporter.ReportCacheMiss()
	}
	logger.Debugf("cache miss for key %q", key.ID())

	// notify before submitting so a fast worker cannot get its Loaded
	// notification out ahead of this one
	controller.notifyState(key, StateNotYetLoaded)

	controller.mutex.Lock()

	if controller.currKey == nil || controller.currKey.ID() != key.ID() || controller.pendingHandle != nil {
		// superseded, or the observer already triggered a submission
		controller.mutex.Unlock()
		return
	}

	submitted := true
	if controller.sizeSet {
		submitted = controller.submitLocked(key)
		if !submitted {
			controller.expected = false
		}
	}
	controller.mutex.Unlock()

	if !submitted {
		if controller.aggregator != nil {
			controller.aggregator.Forget(key)
		}
		controller.notifyState(key, StateFailed)
	}
}

// Unbind releases the binding, equivalent to Bind(nil)
func (controller *LoadController) Unbind() {
	controller.Bind(nil)
}

// Key returns the currently bound request key
func (controller *LoadController) Key() decode.RequestKey {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()

	return controller.currKey
}

// State returns the current load state
func (controller *LoadController) State() LoadState {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()

	return controller.state
}

// CurrentBuffer returns the held buffer, or nil when none is loaded. The
// buffer stays valid while this controller holds its reference.
func (controller *LoadController) CurrentBuffer() *cache.Buffer {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()

	return controller.buffer
}

// OnDecodeBegin implements decode.Callback
func (controller *LoadController) OnDecodeBegin(handle *decode.Handle) {
	controller.mutex.Lock()

	if handle != controller.pendingHandle || controller.state != StateNotYetLoaded {
		controller.mutex.Unlock()
		return
	}

	key := controller.currKey
	controller.state = StateLoading
	controller.mutex.Unlock()

	controller.notifyState(key, StateLoading)
}

// OnDecodeComplete implements decode.Callback. A completion for a handle
// superseded by a rebind is discarded; a live one is routed through the
// aggregator so observers see completions in request order.
func (controller *LoadController) OnDecodeComplete(handle *decode.Handle, result decode.Result) {
	controller.mutex.Lock()

	if handle != controller.pendingHandle {
		controller.mutex.Unlock()
		controller.discardStale(handle, result)
		return
	}

	key := controller.currKey
	controller.mutex.Unlock()

	if controller.aggregator != nil {
		controller.aggregator.Execute(key, func() {
			controller.deliver(handle, result)
		})
	} else {
		controller.deliver(handle, result)
	}
}

// deliver applies a completion. It may run long after OnDecodeComplete
// when the aggregator held it back, so the handle identity is re-checked.
func (controller *LoadController) deliver(handle *decode.Handle, result decode.Result) {
	controller.mutex.Lock()

	if handle != controller.pendingHandle {
		controller.mutex.Unlock()
		controller.discardStale(handle, result)
		return
	}

	controller.pendingHandle = nil
	controller.expected = false
	key := controller.currKey

	if result.Err != nil {
		controller.state = StateFailed
		controller.mutex.Unlock()

		if controller.reporter != nil {
			controller.reporter.ReportDecodeFailure()
		}

		controller.notifyState(key, StateFailed)
		return
	}

	resident := controller.cache.Insert(key.ID(), result.Buffer)
	controller.buffer = resident
	controller.state = StateLoaded
	controller.mutex.Unlock()

	if controller.reporter != nil {
		controller.reporter.ReportDecodeSuccess()
	}

	controller.notifyState(key, StateLoaded)
}

// discardStale drops a completion whose handle is no longer current. The
// buffer was never cached, so releasing the creator reference retires it.
func (controller *LoadController) discardStale(handle *decode.Handle, result decode.Result) {
	logger := log.WithFields(log.Fields{
		"package":  "loader",
		"struct":   "LoadController",
		"function": "discardStale",
	})

	if result.Buffer != nil {
		result.Buffer.ReleaseReference()
	}

	if controller.reporter != nil {
		controller.reporter.ReportStaleDiscard()
	}

	logger.Debugf("discarded stale decode result for key %q (handle %s)", handle.Key().ID(), handle.ID())
}

// submitLocked submits a decode for the key and stores the pending handle.
// The controller mutex must be held; holding it across Submit means a
// completion cannot observe the handle before it is stored. Returns false
// when the submission failed, leaving the controller Failed.
func (controller *LoadController) submitLocked(key decode.RequestKey) bool {
	logger := log.WithFields(log.Fields{
		"package":  "loader",
		"struct":   "LoadController",
		"function": "submitLocked",
	})

	handle, err := controller.executor.Submit(key, controller.decodeWidth, controller.decodeHeight, controller)
	if err != nil {
		logger.WithError(err).Errorf("failed to submit decode for key %q", key.ID())
		controller.state = StateFailed
		return false
	}

	controller.pendingHandle = handle

	if controller.reporter != nil {
		controller.reporter.ReportDecodeSubmit()
	}

	return true
}

// notifyState fires the observer hook outside the controller lock
func (controller *LoadController) notifyState(key decode.RequestKey, state LoadState) {
	controller.mutex.Lock()
	observer := controller.observer
	controller.mutex.Unlock()

	if observer != nil {
		observer.OnLoadStateChanged(key, state)
	}
}
