package decode

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/eapache/channels"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/visimg/go-imagepool/cache"
)

var (
	// ErrDecodeCanceled is the failure reported for a job canceled
	// before a worker picked it up
	ErrDecodeCanceled = xerrors.New("decode canceled")
	// ErrExecutorReleased is returned by Submit after Release
	ErrExecutorReleased = xerrors.New("executor released")
)

// Result is the outcome of one decode attempt. Exactly one of Buffer and
// Err is set.
type Result struct {
	Key    RequestKey
	Buffer *cache.Buffer
	Err    error
}

// Callback receives decode lifecycle notifications. Both methods are
// invoked from a worker goroutine, never synchronously from Submit.
// OnDecodeComplete fires exactly once per handle.
type Callback interface {
	OnDecodeBegin(handle *Handle)
	OnDecodeComplete(handle *Handle, result Result)
}

// Handle identifies one asynchronous decode attempt. Two submissions for
// equal keys produce distinct handles, which is what lets a controller
// tell a live result from a stale one.
type Handle struct {
	id  string
	key RequestKey

	canceled int32
}

// NewHandle creates a new Handle for the key. Executor implementations
// create one per submission.
func NewHandle(key RequestKey) *Handle {
	return &Handle{
		id:  xid.New().String(),
		key: key,
	}
}

// ID returns the handle's unique identity token
func (handle *Handle) ID() string {
	return handle.id
}

// Key returns the request key the handle was submitted for
func (handle *Handle) Key() RequestKey {
	return handle.key
}

// Cancel requests cancellation. Idempotent and best-effort: a job not yet
// started will not run; a job mid-flight still completes.
func (handle *Handle) Cancel() {
	atomic.StoreInt32(&handle.canceled, 1)
}

// Canceled returns whether Cancel was called
func (handle *Handle) Canceled() bool {
	return atomic.LoadInt32(&handle.canceled) != 0
}

// Executor runs cancellable decode jobs on a bounded worker pool
type Executor interface {
	Submit(key RequestKey, width int, height int, callback Callback) (*Handle, error)
	Release()
}

type decodeJob struct {
	handle   *Handle
	width    int
	height   int
	callback Callback
}

// PoolExecutor is the default Executor. Jobs queue on an unbounded channel
// so Submit never blocks the binder; a fixed set of workers drains it.
type PoolExecutor struct {
	decoder  Decoder
	poolSize int

	jobQueue  channels.Channel
	waitGroup sync.WaitGroup

	released bool
	mutex    sync.Mutex // guards jobQueue close against Submit
}

// NewPoolExecutor creates a new PoolExecutor and starts its workers.
// A poolSize of zero or less uses NumCPU+1 workers.
func NewPoolExecutor(decoder Decoder, poolSize int) *PoolExecutor {
	if poolSize <= 0 {
		poolSize = runtime.NumCPU() + 1
	}

	executor := &PoolExecutor{
		decoder:  decoder,
		poolSize: poolSize,

		jobQueue: channels.NewInfiniteChannel(),
	}

	for i := 0; i < poolSize; i++ {
		executor.waitGroup.Add(1)
		go executor.decodeTask()
	}

	return executor
}

// Submit enqueues a decode job for the key and returns its handle
// immediately
func (executor *PoolExecutor) Submit(key RequestKey, width int, height int, callback Callback) (*Handle, error) {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()

	if executor.released {
		return nil, xerrors.Errorf("failed to submit decode for key %q: %w", key.ID(), ErrExecutorReleased)
	}

	handle := NewHandle(key)

	executor.jobQueue.In() <- &decodeJob{
		handle:   handle,
		width:    width,
		height:   height,
		callback: callback,
	}

	return handle, nil
}

// Release stops intake, drains queued jobs, and joins the workers
func (executor *PoolExecutor) Release() {
	executor.mutex.Lock()
	if executor.released {
		executor.mutex.Unlock()
		return
	}

	executor.released = true
	executor.jobQueue.Close()
	executor.mutex.Unlock()

	executor.waitGroup.Wait()
}

// decodeTask is one worker loop
func (executor *PoolExecutor) decodeTask() {
	defer executor.waitGroup.Done()

	for item := range executor.jobQueue.Out() {
		job := item.(*decodeJob)
		executor.runJob(job)
	}
}

func (executor *PoolExecutor) runJob(job *decodeJob) {
	logger := log.WithFields(log.Fields{
		"package":  "decode",
		"struct":   "PoolExecutor",
		"function": "runJob",
	})

	handle := job.handle

	if handle.Canceled() {
		job.callback.OnDecodeComplete(handle, Result{
			Key: handle.key,
			Err: ErrDecodeCanceled,
		})
		return
	}

	job.callback.OnDecodeBegin(handle)

	buffer, err := executor.decode(job)
	if err != nil {
		logger.WithError(err).Errorf("failed to decode key %q", handle.key.ID())
		job.callback.OnDecodeComplete(handle, Result{
			Key: handle.key,
			Err: err,
		})
		return
	}

	job.callback.OnDecodeComplete(handle, Result{
		Key:    handle.key,
		Buffer: buffer,
	})
}

// decode runs the decoder, converting a panic into a failed result so one
// bad image cannot take a worker down
func (executor *PoolExecutor) decode(job *decodeJob) (buffer *cache.Buffer, err error) {
	logger := log.WithFields(log.Fields{
		"package":  "decode",
		"struct":   "PoolExecutor",
		"function": "decode",
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("decode panic for key %q: %v\nstacktrace:\n%s", job.handle.key.ID(), r, string(debug.Stack()))
			buffer = nil
			err = xerrors.Errorf("decode panic for key %q: %v", job.handle.key.ID(), r)
		}
	}()

	return executor.decoder.Decode(job.handle.key, job.width, job.height)
}
