package stream

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"
)

// HostSocket is the stream's view of the shared connection carrying it. The
// socket is shared across every stream it carries; streams only write packed
// frames, maintain their membership in its registry, and adjust the
// socket-wide unconsumed-bytes accountant.
type HostSocket interface {
	// Write submits packed frames. A background write returns once the
	// frames are queued; a foreground write returns once the socket write
	// completed.
	Write(frames []byte, background bool) error

	// AddStream and RemoveStream maintain the socket's stream registry.
	AddStream(id StreamId) error
	RemoveStream(id StreamId)

	// AddUnconsumed adjusts the socket-wide unconsumed-bytes accountant by
	// delta and returns the new total.
	AddUnconsumed(delta int64) int64
}

type hostBox struct {
	sock HostSocket
}

type connectMeta struct {
	fn  func(ErrorCode)
	set bool
	ec  ErrorCode
}

// Stream is a logical, bidirectional, ordered message channel multiplexed
// over a shared reliable connection. Multiple goroutines may invoke the
// public API concurrently; handler callbacks are serialized by the consumer
// pipeline.
type Stream struct {
	id      StreamId
	options StreamOptions

	// connectMu guards the lifecycle fields. No suspension while held.
	connectMu      sync.Mutex
	remoteSettings StreamSettings
	remoteSet      bool
	connected      bool
	closed         bool
	errorCode      ErrorCode
	errorText      string
	connect        connectMeta

	// failed is the fake-socket failed flag: once set, writes routed
	// through this stream are rejected.
	failed atomic.Bool

	hostOnce sync.Once
	host     atomic.Pointer[hostBox]

	// ccMu guards the congestion-control fields. No suspension while held.
	ccMu           sync.Mutex
	produced       uint64
	remoteConsumed uint64
	curBufSize     atomic.Int64
	waiters        []*writableWaiter

	localConsumed uint64 // consumer goroutine only
	pendingBuf    []byte // dispatch goroutine only

	queue *consumerQueue

	timerMu   sync.Mutex
	idleTimer *time.Timer // single-use per arm cycle

	parseRPCResponse bool // cleared by the consumer on the first payload
	onRPCResponse    RPCResponseFn

	recycleOnce sync.Once
}

// Create allocates a Stream, starts its consumer pipeline, publishes it in
// the process-wide registry, and returns its id. remoteSettings may be nil
// for client-side streams, whose settings arrive at SetConnected.
// parseRPCResponse marks the very first inbound payload as the tail of the
// RPC response establishing the stream, to be handed to onRPCResponse
// instead of the handler.
func Create(options StreamOptions, remoteSettings *StreamSettings, parseRPCResponse bool, onRPCResponse RPCResponseFn) (StreamId, error) {
	s := &Stream{
		options:          options,
		parseRPCResponse: parseRPCResponse,
		onRPCResponse:    onRPCResponse,
	}
	if s.options.MessagesInBatch <= 0 {
		s.options.MessagesInBatch = DefaultStreamOptions().MessagesInBatch
	}
	if options.MaxBufSize > 0 && options.MinBufSize > options.MaxBufSize {
		s.options.MinBufSize = 0
		logger().Warn().
			Int64("min_buf_size", options.MinBufSize).
			Int64("max_buf_size", options.MaxBufSize).
			Msg("options.MinBufSize is larger than options.MaxBufSize, it will be set to 0")
	}
	if options.MaxBufSize > 0 {
		s.curBufSize.Store(options.MaxBufSize)
	}
	if SocketMaxUnconsumedBytes() > 0 && s.options.MinBufSize > 0 {
		s.curBufSize.Store(s.options.MinBufSize)
	}
	if remoteSettings != nil {
		s.remoteSettings = *remoteSettings
		s.remoteSet = true
	}
	s.queue = newConsumerQueue()
	s.id = registry.insert(s)
	s.queue.start(s)
	return s.id, nil
}

// ID returns the stream's id.
func (s *Stream) ID() StreamId { return s.id }

// Connect registers the connect callback. Must be called at most once. If
// the stream already reached its pending outcome (connected, or closed
// before connecting), the callback is scheduled immediately on a fresh
// goroutine.
func (s *Stream) Connect(onConnect func(ErrorCode)) error {
	s.connectMu.Lock()
	if s.connect.set {
		s.connectMu.Unlock()
		logger().Error().Uint64("stream_id", uint64(s.id)).Msg("Connect is supposed to be called once")
		return NewStreamError(s.id, ErrCodeInvalid, "Connect is supposed to be called once")
	}
	s.connect.fn = onConnect
	s.connect.set = true
	if s.connected || s.closed {
		ec := s.connect.ec
		s.connectMu.Unlock()
		go onConnect(ec)
		return nil
	}
	s.connectMu.Unlock()
	return nil
}

// SetConnected marks the stream connected and fires any pending connect
// callback. remoteSettings must be provided here unless it was provided at
// Create (the server side). The server side arms the idle timer now; the
// client side arms it after the first inbound payload, which is the RPC
// response tail, via the trailing re-arm of the consume drain.
func (s *Stream) SetConnected(remoteSettings *StreamSettings) {
	s.connectMu.Lock()
	if s.closed {
		s.connectMu.Unlock()
		return
	}
	if s.connected {
		s.connectMu.Unlock()
		logger().Error().Uint64("stream_id", uint64(s.id)).Msg("SetConnected on a connected stream")
		return
	}
	if remoteSettings != nil {
		s.remoteSettings = *remoteSettings
		s.remoteSet = true
	}
	if !s.remoteSet {
		s.connectMu.Unlock()
		logger().Error().Uint64("stream_id", uint64(s.id)).Msg("remote settings are unknown at SetConnected")
		return
	}
	logger().Debug().
		Uint64("stream_id", uint64(s.id)).
		Uint64("remote_stream_id", uint64(s.remoteSettings.StreamID)).
		Msg("stream connected")
	s.connected = true
	s.connect.ec = ErrCodeOK
	s.triggerOnConnectLocked()
	if remoteSettings == nil {
		s.startIdleTimer()
	}
}

// triggerOnConnectLocked fires the pending connect callback, if any, on a
// fresh goroutine. Called with connectMu held; always releases it.
func (s *Stream) triggerOnConnectLocked() {
	if s.connect.set && s.connect.fn != nil {
		fn := s.connect.fn
		ec := s.connect.ec
		s.connectMu.Unlock()
		go fn(ec)
		return
	}
	s.connectMu.Unlock()
}

// Close is idempotent: the first call records the error and triggers
// teardown, later calls are no-ops. It marks the fake-socket identity
// failed (failing in-flight writes), and if the stream never connected it
// resolves the pending connect outcome to CONN_RESET. The reason must be
// pre-formatted.
func (s *Stream) Close(code ErrorCode, reason string) {
	s.failed.Store(true)
	s.connectMu.Lock()
	if s.closed {
		s.connectMu.Unlock()
		return
	}
	s.closed = true
	s.errorCode = code
	s.errorText = reason
	wasConnected := s.connected
	if !wasConnected {
		s.connect.ec = ErrCodeConnReset
		s.triggerOnConnectLocked()
	} else {
		s.connectMu.Unlock()
	}
	s.recycle(wasConnected)
}

// recycle runs the teardown exactly once: parked waiters resume with
// CONN_RESET, a best-effort CLOSE frame goes out iff the stream reached
// connected, the stream leaves the socket registry, and the consumer queue
// is stopped. Destruction completes in the queue's stopped branch.
func (s *Stream) recycle(wasConnected bool) {
	s.recycleOnce.Do(func() {
		s.resumeAllWaiters(ErrCodeConnReset)
		host := s.hostSocket()
		if host != nil {
			if wasConnected {
				if remote, ok := s.remoteSettingsSnapshot(); ok {
					logger().Debug().Uint64("stream_id", uint64(s.id)).Msg("sending CLOSE frame")
					var out bytes.Buffer
					packCloseFrame(&out, remote.StreamID, s.id)
					if err := host.Write(out.Bytes(), false); err != nil {
						logger().Debug().Uint64("stream_id", uint64(s.id)).Err(err).Msg("failed to send CLOSE frame")
					}
				}
			}
			host.RemoveStream(s.id)
		}
		s.queue.stop()
	})
}

// SetHostSocket records the shared connection carrying this stream. Only
// the first call has any effect; the association is stable until teardown.
func (s *Stream) SetHostSocket(sock HostSocket) {
	s.hostOnce.Do(func() {
		if err := sock.AddStream(s.id); err != nil {
			logger().Error().Uint64("stream_id", uint64(s.id)).Err(err).Msg("failed to add stream to the host socket")
			return
		}
		s.host.Store(&hostBox{sock: sock})
	})
}

func (s *Stream) hostSocket() HostSocket {
	if box := s.host.Load(); box != nil {
		return box.sock
	}
	return nil
}

func (s *Stream) remoteSettingsSnapshot() (StreamSettings, bool) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	return s.remoteSettings, s.remoteSet
}

// FillSettings populates the handshake record advertised to the peer.
func (s *Stream) FillSettings(settings *StreamSettings) {
	settings.StreamID = s.id
	settings.NeedFeedback = s.curBufSize.Load() > 0
	settings.Writable = s.options.Handler != nil
}

// fakeSocketWrite is the stream's fake-socket identity: writes are routed
// through the stream and fail once it has been marked failed.
func (s *Stream) fakeSocketWrite(data []byte, background bool) (int64, error) {
	if s.failed.Load() {
		return -1, NewStreamError(s.id, ErrCodeConnReset, "stream is closed")
	}
	return s.cutMessage([][]byte{data}, background)
}

// OnReceived dispatches one inbound frame to this stream. Called from the
// host socket's read loop. DATA segments accumulate in the pending buffer
// until the terminal segment hands the message to the consumer pipeline.
func (s *Stream) OnReceived(fh FrameHeader, payload []byte, sock HostSocket) error {
	if s.hostSocket() == nil {
		s.SetHostSocket(sock)
	}
	switch fh.Type {
	case FrameFeedback:
		consumed, err := parseFeedbackPayload(payload)
		if err != nil {
			logger().Warn().Uint64("stream_id", uint64(s.id)).Err(err).Msg("malformed FEEDBACK frame")
			return NewStreamErrorWithCause(s.id, ErrCodeProtocol, "malformed FEEDBACK frame", err)
		}
		s.setRemoteConsumed(consumed)
	case FrameData:
		if s.pendingBuf != nil {
			s.pendingBuf = append(s.pendingBuf, payload...)
		} else if payload != nil {
			s.pendingBuf = payload
		} else {
			s.pendingBuf = []byte{}
		}
		if !fh.HasContinuation() {
			buf := s.pendingBuf
			s.pendingBuf = nil
			if err := s.queue.push(queueItem{buf: buf}); err != nil {
				s.Close(ErrCodeInternal, "failed to push into the consumer queue")
			}
		}
	case FrameRST:
		logger().Debug().Uint64("stream_id", uint64(s.id)).Msg("received RST frame")
		s.Close(ErrCodeConnReset, "Received RST frame")
	case FrameClose:
		logger().Debug().Uint64("stream_id", uint64(s.id)).Msg("received CLOSE frame")
		s.Close(ErrCodeOK, "Received CLOSE frame")
	default:
		logger().Warn().
			Uint64("stream_id", uint64(s.id)).
			Str("frame_type", fh.Type.String()).
			Msg("received unknown frame")
		return NewStreamError(s.id, ErrCodeProtocol, "unknown frame type")
	}
	return nil
}

// consume drains one batch of pipeline items: messages are delivered to the
// handler in batches of up to MessagesInBatch, the idle sentinel triggers
// OnIdleTimeout only when the drain carried no message bytes, and the
// cumulative FEEDBACK goes out after delivery when the peer asked for it.
func (s *Stream) consume(items []queueItem) {
	s.stopIdleTimer()

	batch := make([][]byte, 0, s.options.MessagesInBatch)
	var totalLen uint64
	hasTimeoutTask := false
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if s.options.Handler != nil {
			// The handler owns the buffers only for the duration of the
			// call.
			s.options.Handler.OnReceivedMessages(s.id, batch)
		}
		batch = batch[:0]
	}

	for _, it := range items {
		if it.timeout {
			hasTimeoutTask = true
			continue
		}
		if s.parseRPCResponse {
			s.parseRPCResponse = false
			s.handleRPCResponse(it.buf)
			continue
		}
		if len(batch) == s.options.MessagesInBatch {
			flush()
		}
		batch = append(batch, it.buf)
		totalLen += uint64(len(it.buf))
	}
	if s.options.Handler != nil && hasTimeoutTask && totalLen == 0 {
		s.options.Handler.OnIdleTimeout(s.id)
	}
	flush()

	if remote, ok := s.remoteSettingsSnapshot(); ok && remote.NeedFeedback && totalLen > 0 {
		s.localConsumed += totalLen
		s.sendFeedback(remote)
	}
	s.startIdleTimer()
}

// consumeStopped is the queue's stopped branch, observed exactly once per
// stream: take ownership for destruction, detach the host-socket reference,
// fire the terminal callbacks.
func (s *Stream) consumeStopped() {
	s.stopIdleTimer()
	registry.remove(s.id)
	s.host.Store(nil)

	s.connectMu.Lock()
	code := s.errorCode
	text := s.errorText
	s.connectMu.Unlock()

	if h := s.options.Handler; h != nil {
		if code != ErrCodeOK {
			h.OnFailed(s.id, code, text)
		}
		h.OnClosed(s.id)
	}
}

func (s *Stream) handleRPCResponse(buf []byte) {
	if s.onRPCResponse == nil {
		s.Close(ErrCodeProtocol, "no RPC response handler installed")
		return
	}
	if err := s.onRPCResponse(s.id, buf); err != nil {
		logger().Warn().Uint64("stream_id", uint64(s.id)).Err(err).Msg("failed to parse RPC response message")
		s.Close(ErrCodeProtocol, "Fail to parse RPC response message")
	}
}

// sendFeedback emits one FEEDBACK frame carrying the cumulative bytes
// delivered to the local handler.
func (s *Stream) sendFeedback(remote StreamSettings) {
	host := s.hostSocket()
	if host == nil {
		return
	}
	var out bytes.Buffer
	packFeedbackFrame(&out, remote.StreamID, s.id, s.localConsumed)
	if err := host.Write(out.Bytes(), false); err != nil {
		logger().Warn().Uint64("stream_id", uint64(s.id)).Err(err).Msg("failed to write FEEDBACK frame")
	}
}

func (s *Stream) startIdleTimer() {
	if s.options.IdleTimeoutMs < 0 {
		return
	}
	d := time.Duration(s.options.IdleTimeoutMs) * time.Millisecond
	s.timerMu.Lock()
	s.idleTimer = time.AfterFunc(d, func() {
		// A sentinel racing a stopped queue is discarded by the stopped
		// branch.
		_ = s.queue.push(queueItem{timeout: true})
	})
	s.timerMu.Unlock()
}

func (s *Stream) stopIdleTimer() {
	if s.options.IdleTimeoutMs < 0 {
		return
	}
	s.timerMu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.timerMu.Unlock()
}

// Dispatch routes an inbound frame to its destination stream. Frames for
// unknown streams are dropped: the stream was already recycled.
func Dispatch(sock HostSocket, fh FrameHeader, payload []byte) error {
	s := registry.lookup(fh.StreamID)
	if s == nil {
		logger().Debug().
			Uint64("stream_id", uint64(fh.StreamID)).
			Str("frame_type", fh.Type.String()).
			Msg("frame for unknown stream, dropped")
		return nil
	}
	return s.OnReceived(fh, payload, sock)
}
