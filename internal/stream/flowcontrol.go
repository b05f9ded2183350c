package stream

import (
	"sync/atomic"
	"time"
)

// writableWaiter is a single-fire rendezvous parked on the congestion
// controller until the window has space, a deadline fires, or the stream
// closes. Exactly one resumption is delivered; any later path that would
// resume again is absorbed by the fired flag.
type writableWaiter struct {
	id           StreamId
	onWritable   func(StreamId, ErrorCode)
	newGoroutine bool
	fired        atomic.Bool
	timer        atomic.Pointer[time.Timer]
}

// fire resumes the waiter with ec. Only the first call has any effect.
func (w *writableWaiter) fire(ec ErrorCode) {
	if !w.fired.CompareAndSwap(false, true) {
		return
	}
	if t := w.timer.Load(); t != nil {
		t.Stop()
	}
	if w.newGoroutine {
		go w.onWritable(w.id, ec)
	} else {
		w.onWritable(w.id, ec)
	}
}

// appendIfNotFull admits data into the send window and submits it through
// the stream's fake-socket identity. Returns 0 on success, 1 when the
// window is full (retry later), -1 with the submit error otherwise.
func (s *Stream) appendIfNotFull(data []byte, options *WriteOptions) (int, error) {
	admitted := false
	if cur := s.curBufSize.Load(); cur > 0 {
		s.ccMu.Lock()
		if s.produced >= s.remoteConsumed+uint64(cur) {
			produced := s.produced
			remoteConsumed := s.remoteConsumed
			s.ccMu.Unlock()
			logger().Debug().
				Uint64("stream_id", uint64(s.id)).
				Uint64("produced", produced).
				Uint64("remote_consumed", remoteConsumed).
				Int64("cur_buf_size", cur).
				Msg("stream is full")
			return 1, nil
		}
		s.produced += uint64(len(data))
		admitted = true
		s.ccMu.Unlock()
	}

	background := options != nil && options.WriteInBackground
	if _, err := s.fakeSocketWrite(data, background); err != nil {
		// The stream may have been closed by the peer in the meantime.
		logger().Warn().
			Uint64("stream_id", uint64(s.id)).
			Err(err).
			Msg("failed to write through the fake socket")
		if admitted {
			s.ccMu.Lock()
			s.produced -= uint64(len(data))
			s.ccMu.Unlock()
		}
		return -1, err
	}
	if SocketMaxUnconsumedBytes() > 0 {
		if host := s.hostSocket(); host != nil {
			host.AddUnconsumed(int64(len(data)))
		}
	}
	return 0, nil
}

// setRemoteConsumed applies a cumulative FEEDBACK value. Stale values are
// ignored. When the global per-socket accountant is enabled the admission
// window shrinks under pressure (to MinBufSize, or halved) and doubles back
// up to MaxBufSize once the stream is still full at the new consumed value.
// Waiters parked on a full window are detached under the lock and resumed
// after it is released.
func (s *Stream) setRemoteConsumed(newRemoteConsumed uint64) {
	var detached []*writableWaiter

	s.ccMu.Lock()
	if newRemoteConsumed <= s.remoteConsumed {
		s.ccMu.Unlock()
		return
	}
	cur := s.curBufSize.Load()
	wasFull := cur > 0 && s.produced >= s.remoteConsumed+uint64(cur)

	if capBytes := SocketMaxUnconsumedBytes(); capBytes > 0 {
		if host := s.hostSocket(); host != nil {
			total := host.AddUnconsumed(-int64(newRemoteConsumed - s.remoteConsumed))
			if total > capBytes {
				if s.options.MinBufSize > 0 {
					cur = s.options.MinBufSize
				} else {
					cur /= 2
				}
				s.curBufSize.Store(cur)
				logger().Info().
					Uint64("stream_id", uint64(s.id)).
					Int64("cur_buf_size", cur).
					Msg("stream consumers on the socket are crowded, cutting the stream buffer")
			} else if s.produced >= newRemoteConsumed+uint64(cur) && (s.options.MaxBufSize <= 0 || cur < s.options.MaxBufSize) {
				if s.options.MaxBufSize > 0 && cur*2 > s.options.MaxBufSize {
					cur = s.options.MaxBufSize
				} else {
					cur *= 2
				}
				s.curBufSize.Store(cur)
			}
		}
	}

	s.remoteConsumed = newRemoteConsumed
	isFull := cur > 0 && s.produced >= s.remoteConsumed+uint64(cur)
	if wasFull && !isFull {
		detached = s.waiters
		s.waiters = nil
	}
	s.ccMu.Unlock()

	for _, w := range detached {
		w.fire(ErrCodeOK)
	}
}

// wait arms a writable waiter. A zero deadline means no deadline. When the
// window already has space the waiter resumes immediately, synchronously or
// on a fresh goroutine per newGoroutine.
func (s *Stream) wait(onWritable func(StreamId, ErrorCode), deadline time.Time, newGoroutine bool) {
	w := &writableWaiter{id: s.id, onWritable: onWritable, newGoroutine: newGoroutine}
	if !deadline.IsZero() {
		w.timer.Store(time.AfterFunc(time.Until(deadline), func() {
			w.fire(ErrCodeTimedOut)
		}))
	}

	s.ccMu.Lock()
	cur := s.curBufSize.Load()
	if cur <= 0 || s.produced < s.remoteConsumed+uint64(cur) {
		s.ccMu.Unlock()
		w.fire(ErrCodeOK)
		return
	}
	s.waiters = append(s.waiters, w)
	s.ccMu.Unlock()

	// Close marks the stream failed before sweeping the waiter list; if
	// this waiter enlisted after the sweep, resume it here instead.
	if s.failed.Load() {
		w.fire(ErrCodeConnReset)
	}
}

// waitBlocking parks the caller until the waiter resumes and returns the
// resumption status.
func (s *Stream) waitBlocking(deadline time.Time) ErrorCode {
	ch := make(chan ErrorCode, 1)
	s.wait(func(_ StreamId, ec ErrorCode) { ch <- ec }, deadline, false)
	return <-ch
}

// resumeAllWaiters detaches every parked waiter and resumes it with ec.
func (s *Stream) resumeAllWaiters(ec ErrorCode) {
	s.ccMu.Lock()
	detached := s.waiters
	s.waiters = nil
	s.ccMu.Unlock()
	for _, w := range detached {
		w.fire(ec)
	}
}
