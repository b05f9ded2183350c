package stream

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// StreamId identifies a stream within this process. Ids are never reused.
type StreamId uint64

// InvalidStreamId is returned when allocation fails.
const InvalidStreamId StreamId = 0

// Handler receives the events of one stream. All callbacks for a stream are
// invoked from its consumer pipeline, one at a time and in order. OnClosed
// is always the last callback; OnFailed (abnormal close only) strictly
// precedes it.
type Handler interface {
	// OnReceivedMessages delivers a batch of reassembled messages. The
	// handler owns the buffers only for the duration of the call.
	OnReceivedMessages(id StreamId, msgs [][]byte)

	// OnIdleTimeout fires when no payload arrived within the configured
	// idle window.
	OnIdleTimeout(id StreamId)

	// OnFailed reports an abnormal close, before OnClosed.
	OnFailed(id StreamId, code ErrorCode, text string)

	// OnClosed reports that the stream is gone. Invoked exactly once.
	OnClosed(id StreamId)
}

// RPCResponseFn consumes the first inbound payload of a client-side stream,
// which is the tail of the RPC response that established the stream. A
// non-nil error closes the stream with a protocol error.
type RPCResponseFn func(id StreamId, payload []byte) error

// StreamOptions configures a stream at creation. DefaultStreamOptions
// returns the documented defaults; Create substitutes a default only for a
// non-positive MessagesInBatch.
type StreamOptions struct {
	// MaxBufSize bounds the bytes in flight before writes report
	// ErrCodeWouldBlock. 0 disables flow control, unless the per-socket
	// unconsumed-bytes cap is set and MinBufSize is positive: the window
	// then starts at MinBufSize.
	MaxBufSize int64

	// MinBufSize is the floor the window may be clamped to under global
	// socket pressure. Reset to 0 if MaxBufSize is positive and smaller.
	MinBufSize int64

	// IdleTimeoutMs triggers Handler.OnIdleTimeout after this many
	// milliseconds without inbound payload. Negative disables.
	IdleTimeoutMs int64

	// MessagesInBatch caps the messages per OnReceivedMessages call.
	MessagesInBatch int

	// Handler receives stream events. A nil handler makes the stream
	// write-only: the peer is told writable=false and refuses data.
	Handler Handler
}

// DefaultStreamOptions mirrors the defaults of the original runtime.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		MaxBufSize:      2 * 1024 * 1024,
		MinBufSize:      0,
		IdleTimeoutMs:   -1,
		MessagesInBatch: 128,
	}
}

// WriteOptions tunes a single write call.
type WriteOptions struct {
	// WriteInBackground queues the frames to the host socket without
	// waiting for the socket write to complete.
	WriteInBackground bool
}

// Process-wide knobs, set once at startup from configuration. They mirror
// the stream_write_max_segment_size and socket_max_streams_unconsumed_bytes
// flags of the original runtime.

const DefaultMaxSegmentSize int64 = 512 * 1024 * 1024

var (
	maxSegmentSize      atomic.Int64
	socketMaxUnconsumed atomic.Int64
)

func init() {
	maxSegmentSize.Store(DefaultMaxSegmentSize)
}

// SetMaxSegmentSize replaces the segmentation threshold. Values must be
// positive.
func SetMaxSegmentSize(n int64) error {
	if n <= 0 {
		return fmt.Errorf("stream: max segment size must be positive, got %d", n)
	}
	maxSegmentSize.Store(n)
	return nil
}

// MaxSegmentSize returns the current segmentation threshold.
func MaxSegmentSize() int64 {
	return maxSegmentSize.Load()
}

// SetSocketMaxUnconsumedBytes sets the per-socket cap on unconsumed stream
// bytes. 0 disables the dynamic window policy.
func SetSocketMaxUnconsumedBytes(n int64) error {
	if n < 0 {
		return fmt.Errorf("stream: socket max unconsumed bytes must be >= 0, got %d", n)
	}
	socketMaxUnconsumed.Store(n)
	return nil
}

// SocketMaxUnconsumedBytes returns the per-socket unconsumed-bytes cap.
func SocketMaxUnconsumedBytes() int64 {
	return socketMaxUnconsumed.Load()
}

var logMu sync.RWMutex
var pkgLog = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

// SetLogger replaces the package logger.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	pkgLog = l
	logMu.Unlock()
}

func logger() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	l := pkgLog
	return &l
}
