package decode

import (
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/visimg/go-imagepool/cache"
)

// memoryKey is an in-memory RequestKey for tests
type memoryKey struct {
	id string
}

func newMemoryKey(id string) *memoryKey {
	return &memoryKey{
		id: id,
	}
}

func (key *memoryKey) ID() string {
	return key.id
}

func (key *memoryKey) OpenSource() (io.ReadCloser, error) {
	return nil, ErrSourceUnavailable
}

func (key *memoryKey) SupportsDirectHandle() bool {
	return false
}

func (key *memoryKey) OpenHandle() (*os.File, error) {
	return nil, ErrSourceUnavailable
}

// stubDecoder returns a fixed-size buffer, optionally blocking on a gate
// so tests can hold a worker busy
type stubDecoder struct {
	gate    chan struct{}
	calls   int32
	failErr error
}

func (decoder *stubDecoder) Decode(key RequestKey, width int, height int) (*cache.Buffer, error) {
	atomic.AddInt32(&decoder.calls, 1)

	if decoder.gate != nil {
		<-decoder.gate
	}

	if decoder.failErr != nil {
		return nil, decoder.failErr
	}

	return cache.NewBuffer(2, 2), nil
}

// collectingCallback funnels completions into a channel
type collectingCallback struct {
	begins  int32
	results chan Result
}

func newCollectingCallback(capacity int) *collectingCallback {
	return &collectingCallback{
		results: make(chan Result, capacity),
	}
}

func (callback *collectingCallback) OnDecodeBegin(handle *Handle) {
	atomic.AddInt32(&callback.begins, 1)
}

func (callback *collectingCallback) OnDecodeComplete(handle *Handle, result Result) {
	callback.results <- result
}

func (callback *collectingCallback) wait(t *testing.T) Result {
	select {
	case result := <-callback.results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for decode completion")
		return Result{}
	}
}

func TestExecutorCompletesEveryJob(t *testing.T) {
	decoder := &stubDecoder{}
	executor := NewPoolExecutor(decoder, 2)
	defer executor.Release()

	jobCount := 16
	callback := newCollectingCallback(jobCount)

	for i := 0; i < jobCount; i++ {
		handle, err := executor.Submit(newMemoryKey("k"), 4, 4, callback)
		assert.NoError(t, err)
		assert.NotNil(t, handle)
	}

	for i := 0; i < jobCount; i++ {
		result := callback.wait(t)
		assert.NoError(t, result.Err)
		assert.NotNil(t, result.Buffer)
	}

	assert.Equal(t, int32(jobCount), atomic.LoadInt32(&decoder.calls))
	assert.Equal(t, int32(jobCount), atomic.LoadInt32(&callback.begins))
}

func TestExecutorDistinctHandlesForEqualKeys(t *testing.T) {
	decoder := &stubDecoder{}
	executor := NewPoolExecutor(decoder, 1)
	defer executor.Release()

	callback := newCollectingCallback(2)

	first, err := executor.Submit(newMemoryKey("k"), 4, 4, callback)
	assert.NoError(t, err)
	second, err := executor.Submit(newMemoryKey("k"), 4, 4, callback)
	assert.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())

	callback.wait(t)
	callback.wait(t)
}

func TestExecutorCancelBeforeStart(t *testing.T) {
	gate := make(chan struct{})
	decoder := &stubDecoder{
		gate: gate,
	}
	executor := NewPoolExecutor(decoder, 1)

	blocker := newCollectingCallback(1)
	_, err := executor.Submit(newMemoryKey("blocker"), 4, 4, blocker)
	assert.NoError(t, err)

	// wait until the single worker is inside the decoder
	for atomic.LoadInt32(&decoder.calls) == 0 {
		time.Sleep(time.Millisecond)
	}

	callback := newCollectingCallback(1)
	handle, err := executor.Submit(newMemoryKey("canceled"), 4, 4, callback)
	assert.NoError(t, err)

	handle.Cancel()
	assert.True(t, handle.Canceled())

	close(gate)

	result := callback.wait(t)
	assert.ErrorIs(t, result.Err, ErrDecodeCanceled)
	assert.Nil(t, result.Buffer)

	// the canceled job never reached the decoder
	blockerResult := blocker.wait(t)
	assert.NoError(t, blockerResult.Err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&decoder.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&callback.begins))

	executor.Release()
}

func TestExecutorDecodeFailure(t *testing.T) {
	decoder := &stubDecoder{
		failErr: ErrSourceUnavailable,
	}
	executor := NewPoolExecutor(decoder, 1)
	defer executor.Release()

	callback := newCollectingCallback(1)
	_, err := executor.Submit(newMemoryKey("k"), 4, 4, callback)
	assert.NoError(t, err)

	result := callback.wait(t)
	assert.ErrorIs(t, result.Err, ErrSourceUnavailable)
	assert.Nil(t, result.Buffer)
}

func TestExecutorSubmitAfterRelease(t *testing.T) {
	decoder := &stubDecoder{}
	executor := NewPoolExecutor(decoder, 1)
	executor.Release()

	handle, err := executor.Submit(newMemoryKey("k"), 4, 4, newCollectingCallback(1))
	assert.ErrorIs(t, err, ErrExecutorReleased)
	assert.Nil(t, handle)

	// double release is a no-op
	executor.Release()
}

// panicDecoder exercises worker panic containment
type panicDecoder struct{}

func (decoder *panicDecoder) Decode(key RequestKey, width int, height int) (*cache.Buffer, error) {
	panic("corrupt input")
}

func TestExecutorDecodePanicBecomesFailure(t *testing.T) {
	executor := NewPoolExecutor(&panicDecoder{}, 1)
	defer executor.Release()

	callback := newCollectingCallback(2)
	_, err := executor.Submit(newMemoryKey("bad"), 4, 4, callback)
	assert.NoError(t, err)

	result := callback.wait(t)
	assert.Error(t, result.Err)
	assert.Nil(t, result.Buffer)

	// the worker survived the panic
	_, err = executor.Submit(newMemoryKey("bad2"), 4, 4, callback)
	assert.NoError(t, err)

	result = callback.wait(t)
	assert.Error(t, result.Err)
}
