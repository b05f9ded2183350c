package stream

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func produced(s *Stream) uint64 {
	s.ccMu.Lock()
	defer s.ccMu.Unlock()
	return s.produced
}

func remoteConsumed(s *Stream) uint64 {
	s.ccMu.Lock()
	defer s.ccMu.Unlock()
	return s.remoteConsumed
}

// S1: window fill and release. Two 40-byte writes fit a 100-byte window;
// once the window is filled exactly, the next write is rejected with a retry
// hint, and feedback for 40 bytes makes room again.
func TestWindowFillAndRelease(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) {
		o.MaxBufSize = 100
		o.MinBufSize = 0
	}, host)
	s := registry.lookup(id)
	require.NotNil(t, s)

	require.NoError(t, StreamWrite(id, make([]byte, 40), nil))
	assert.Equal(t, uint64(40), produced(s))
	require.NoError(t, StreamWrite(id, make([]byte, 40), nil))
	assert.Equal(t, uint64(80), produced(s))

	// 80 >= 0+100 is false, so a third write is admitted; fill the window
	// exactly first.
	require.NoError(t, StreamWrite(id, make([]byte, 20), nil))
	assert.Equal(t, uint64(100), produced(s))

	err := StreamWrite(id, make([]byte, 40), nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeWouldBlock, CodeOf(err))
	assert.Equal(t, uint64(100), produced(s))

	s.setRemoteConsumed(40)
	require.NoError(t, StreamWrite(id, make([]byte, 40), nil))
	assert.Equal(t, uint64(140), produced(s))
	assert.Equal(t, uint64(40), remoteConsumed(s))
}

// S2: a parked waiter resumes with status 0 when feedback frees the window
// before the deadline.
func TestParkedWaiterWakesOnFeedback(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 80 }, host)
	s := registry.lookup(id)
	require.NotNil(t, s)

	require.NoError(t, StreamWrite(id, make([]byte, 80), nil))

	statusCh := make(chan ErrorCode, 1)
	start := time.Now()
	go func() { statusCh <- StreamWait(id, time.Now().Add(time.Second)) }()

	time.Sleep(50 * time.Millisecond)
	s.setRemoteConsumed(30)

	select {
	case ec := <-statusCh:
		assert.Equal(t, ErrCodeOK, ec)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resumed")
	}
}

// S3: the deadline fires TIMED_OUT, the stream stays open, and later
// feedback still adjusts state.
func TestWaiterDeadline(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 80 }, host)
	s := registry.lookup(id)
	require.NotNil(t, s)

	require.NoError(t, StreamWrite(id, make([]byte, 80), nil))

	ec := StreamWait(id, time.Now().Add(50*time.Millisecond))
	assert.Equal(t, ErrCodeTimedOut, ec)

	s.setRemoteConsumed(30)
	require.NoError(t, StreamWrite(id, make([]byte, 10), nil))
	assert.Equal(t, uint64(90), produced(s))
}

func TestWaiterResumesImmediatelyWhenNotFull(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 100 }, host)

	ec := StreamWait(id, time.Now().Add(time.Second))
	assert.Equal(t, ErrCodeOK, ec)
}

func TestWaiterSingleFire(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 80 }, host)
	s := registry.lookup(id)
	require.NotNil(t, s)
	require.NoError(t, StreamWrite(id, make([]byte, 80), nil))

	var fires atomic.Int32
	deadline := time.Now().Add(50 * time.Millisecond)
	s.wait(func(StreamId, ErrorCode) { fires.Add(1) }, deadline, true)

	// Race the deadline with a wakeup; exactly one resumption must win.
	time.Sleep(45 * time.Millisecond)
	s.setRemoteConsumed(40)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestUnboundedWindowNeverBlocks(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 0 }, host)
	s := registry.lookup(id)
	require.NotNil(t, s)

	for i := 0; i < 50; i++ {
		require.NoError(t, StreamWrite(id, make([]byte, 1024), nil))
	}
	// Admission is unconditional: produced is not even tracked.
	assert.Equal(t, uint64(0), produced(s))
	assert.Equal(t, ErrCodeOK, StreamWait(id, time.Now().Add(time.Second)))
}

func TestStaleFeedbackIsIgnored(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 1000 }, host)
	s := registry.lookup(id)
	require.NotNil(t, s)

	require.NoError(t, StreamWrite(id, make([]byte, 500), nil))
	s.setRemoteConsumed(100)
	assert.Equal(t, uint64(100), remoteConsumed(s))
	s.setRemoteConsumed(50)
	assert.Equal(t, uint64(100), remoteConsumed(s))
	s.setRemoteConsumed(100)
	assert.Equal(t, uint64(100), remoteConsumed(s))
}

func TestWriteRollsBackOnSubmitFailure(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 1000 }, host)
	s := registry.lookup(id)
	require.NotNil(t, s)

	require.NoError(t, StreamWrite(id, make([]byte, 100), nil))
	host.setFailWrites(true)
	err := StreamWrite(id, make([]byte, 100), nil)
	require.Error(t, err)
	assert.Equal(t, uint64(100), produced(s))

	host.setFailWrites(false)
	require.NoError(t, StreamWrite(id, make([]byte, 100), nil))
	assert.Equal(t, uint64(200), produced(s))
}

func withUnconsumedCap(t *testing.T, capBytes int64) {
	t.Helper()
	require.NoError(t, SetSocketMaxUnconsumedBytes(capBytes))
	t.Cleanup(func() { require.NoError(t, SetSocketMaxUnconsumedBytes(0)) })
}

func TestInitialWindowStartsAtMinUnderGlobalCap(t *testing.T) {
	withUnconsumedCap(t, 1000)
	opts := DefaultStreamOptions()
	opts.MaxBufSize = 400
	opts.MinBufSize = 50
	id, err := Create(opts, nil, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { StreamClose(id) })

	s := registry.lookup(id)
	require.NotNil(t, s)
	assert.Equal(t, int64(50), s.curBufSize.Load())
}

func TestWindowShrinksToMinUnderPressure(t *testing.T) {
	withUnconsumedCap(t, 100)
	host := newFakeHostSocket()
	opts := DefaultStreamOptions()
	opts.MaxBufSize = 400
	opts.MinBufSize = 50
	id, err := Create(opts, nil, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { StreamClose(id) })
	require.NoError(t, AttachHostSocket(id, host))
	require.NoError(t, SetConnected(id, &StreamSettings{StreamID: remoteID, Writable: true}))

	s := registry.lookup(id)
	require.NotNil(t, s)
	s.curBufSize.Store(400)

	// Other streams keep the socket crowded even after our 10 bytes clear.
	host.AddUnconsumed(500)
	require.NoError(t, StreamWrite(id, make([]byte, 100), nil))
	s.setRemoteConsumed(10)
	assert.Equal(t, int64(50), s.curBufSize.Load())
	// P7: the clamp never goes below MinBufSize.
	assert.GreaterOrEqual(t, s.curBufSize.Load(), opts.MinBufSize)
}

func TestWindowHalvesWithoutMin(t *testing.T) {
	withUnconsumedCap(t, 100)
	host := newFakeHostSocket()
	opts := DefaultStreamOptions()
	opts.MaxBufSize = 400
	opts.MinBufSize = 0
	id, err := Create(opts, nil, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { StreamClose(id) })
	require.NoError(t, AttachHostSocket(id, host))
	require.NoError(t, SetConnected(id, &StreamSettings{StreamID: remoteID, Writable: true}))

	s := registry.lookup(id)
	require.NotNil(t, s)
	host.AddUnconsumed(500)
	require.NoError(t, StreamWrite(id, make([]byte, 100), nil))
	s.setRemoteConsumed(10)
	assert.Equal(t, int64(200), s.curBufSize.Load())
}

func TestWindowGrowsWhenStillFull(t *testing.T) {
	withUnconsumedCap(t, 1000)
	host := newFakeHostSocket()
	opts := DefaultStreamOptions()
	opts.MaxBufSize = 400
	opts.MinBufSize = 50
	id, err := Create(opts, nil, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { StreamClose(id) })
	require.NoError(t, AttachHostSocket(id, host))
	require.NoError(t, SetConnected(id, &StreamSettings{StreamID: remoteID, Writable: true}))

	s := registry.lookup(id)
	require.NotNil(t, s)
	require.Equal(t, int64(50), s.curBufSize.Load())

	// A deep backlog: the stream is still full at each new consumed value,
	// so the window doubles on every feedback until it hits MaxBufSize.
	s.ccMu.Lock()
	s.produced = 500
	s.ccMu.Unlock()

	s.setRemoteConsumed(10)
	assert.Equal(t, int64(100), s.curBufSize.Load())
	s.setRemoteConsumed(20)
	assert.Equal(t, int64(200), s.curBufSize.Load())
	// Doubling clamps at MaxBufSize.
	s.curBufSize.Store(300)
	s.setRemoteConsumed(30)
	assert.Equal(t, int64(400), s.curBufSize.Load())
	// At MaxBufSize the window stops growing.
	s.setRemoteConsumed(40)
	assert.Equal(t, int64(400), s.curBufSize.Load())
}

func TestProducedNeverBelowRemoteConsumed(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 1000 }, host)
	s := registry.lookup(id)
	require.NotNil(t, s)

	for i := 0; i < 10; i++ {
		require.NoError(t, StreamWrite(id, make([]byte, 50), nil))
		s.setRemoteConsumed(uint64((i + 1) * 50))
		assert.GreaterOrEqual(t, produced(s), remoteConsumed(s))
	}
}

func TestCloseResumesParkedWaiters(t *testing.T) {
	host := newFakeHostSocket()
	id := newConnectedStream(t, func(o *StreamOptions) { o.MaxBufSize = 80 }, host)
	require.NoError(t, StreamWrite(id, make([]byte, 80), nil))

	statusCh := make(chan ErrorCode, 1)
	go func() { statusCh <- StreamWait(id, time.Time{}) }()
	time.Sleep(20 * time.Millisecond)
	StreamClose(id)

	select {
	case ec := <-statusCh:
		assert.Equal(t, ErrCodeConnReset, ec)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resumed on close")
	}
}

func TestAsyncWaitOnUnknownStream(t *testing.T) {
	statusCh := make(chan ErrorCode, 1)
	StreamWaitAsync(StreamId(1<<60), time.Time{}, func(_ StreamId, ec ErrorCode) {
		statusCh <- ec
	})
	select {
	case ec := <-statusCh:
		assert.Equal(t, ErrCodeInvalid, ec)
	case <-time.After(2 * time.Second):
		t.Fatal("async waiter never resumed")
	}
}
