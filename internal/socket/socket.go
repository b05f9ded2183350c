// Package socket implements the shared-connection engine carrying
// multiplexed streams: a serialized frame writer, a read loop dispatching
// inbound frames to their streams, the socket-wide unconsumed-bytes
// accountant, and failure propagation to every stream the socket carries.
package socket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"example.com/streammux/v2/internal/stream"
)

var errSocketClosed = errors.New("socket: connection closed")

var nextSocketID atomic.Uint64

// writeRequest carries one packed frame batch to the writer goroutine.
// done is nil for background writes.
type writeRequest struct {
	buf  []byte
	done chan error
}

// Socket wraps one reliable connection shared by many streams. It
// implements stream.HostSocket.
type Socket struct {
	id   uint64
	conn net.Conn
	log  zerolog.Logger

	writeCh   chan writeRequest
	closing   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	streams map[stream.StreamId]struct{}

	unconsumed atomic.Int64
	failed     atomic.Bool

	wg sync.WaitGroup
}

// New wraps conn and starts the writer goroutine. The caller is expected to
// run Serve on its own goroutine to pump inbound frames.
func New(conn net.Conn, log zerolog.Logger) *Socket {
	s := &Socket{
		id:      nextSocketID.Add(1),
		conn:    conn,
		log:     log,
		writeCh: make(chan writeRequest, 64),
		closing: make(chan struct{}),
		streams: make(map[stream.StreamId]struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// ID returns the socket's process-unique id.
func (s *Socket) ID() uint64 { return s.id }

// RemoteAddr returns the remote address of the underlying connection.
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Write submits packed frames. Foreground writes return once the connection
// write completed; background writes return once the frames are queued.
func (s *Socket) Write(frames []byte, background bool) error {
	if s.failed.Load() {
		return errSocketClosed
	}
	req := writeRequest{buf: frames}
	if !background {
		req.done = make(chan error, 1)
	}
	select {
	case s.writeCh <- req:
	case <-s.closing:
		return errSocketClosed
	}
	if req.done != nil {
		select {
		case err := <-req.done:
			return err
		case <-s.closing:
			return errSocketClosed
		}
	}
	return nil
}

func (s *Socket) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.writeCh:
			_, err := s.conn.Write(req.buf)
			if req.done != nil {
				req.done <- err
			}
			if err != nil {
				s.fail(fmt.Sprintf("socket write error: %v", err))
				return
			}
		case <-s.closing:
			// Unblock any foreground writers still queued.
			for {
				select {
				case req := <-s.writeCh:
					if req.done != nil {
						req.done <- errSocketClosed
					}
				default:
					return
				}
			}
		}
	}
}

// Serve reads frames and dispatches them to their destination streams until
// the connection fails or closes. Every stream carried by the socket is
// failed with CONN_RESET when Serve returns.
func (s *Socket) Serve() error {
	br := bufio.NewReader(s.conn)
	for {
		fh, err := stream.ReadFrameHeader(br)
		if err != nil {
			if s.failed.Load() {
				// Local teardown already ran; the read error is its echo.
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.fail("connection closed by peer")
				return nil
			}
			s.fail(fmt.Sprintf("socket read error: %v", err))
			return err
		}
		if int64(fh.Length) > stream.MaxSegmentSize() {
			err := fmt.Errorf("socket: frame payload %d exceeds segment limit %d", fh.Length, stream.MaxSegmentSize())
			s.fail(err.Error())
			return err
		}
		var payload []byte
		if fh.Length > 0 {
			// Each frame gets its own buffer: the destination stream takes
			// ownership of the payload.
			payload = make([]byte, fh.Length)
			if _, err := io.ReadFull(br, payload); err != nil {
				s.fail(fmt.Sprintf("socket read error: %v", err))
				return err
			}
		}
		if err := stream.Dispatch(s, fh, payload); err != nil {
			s.log.Debug().
				Uint64("socket_id", s.id).
				Uint64("stream_id", uint64(fh.StreamID)).
				Err(err).
				Msg("frame dispatch failed")
		}
	}
}

// fail marks the socket failed once: pending writers are released, every
// carried stream closes with CONN_RESET, and the connection is torn down.
func (s *Socket) fail(reason string) {
	if !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.closeOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	ids := make([]stream.StreamId, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		s.log.Warn().
			Uint64("socket_id", s.id).
			Int("streams", len(ids)).
			Str("reason", reason).
			Msg("failing streams on socket teardown")
	}
	stream.SetFailedAll(ids, stream.ErrCodeConnReset, reason)
	_ = s.conn.Close()
}

// Close tears the socket down locally.
func (s *Socket) Close() error {
	s.fail("socket closed locally")
	s.wg.Wait()
	return nil
}

// AddStream registers a stream with the socket.
func (s *Socket) AddStream(id stream.StreamId) error {
	if s.failed.Load() {
		return errSocketClosed
	}
	s.mu.Lock()
	s.streams[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

// RemoveStream drops a stream from the socket's registry.
func (s *Socket) RemoveStream(id stream.StreamId) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// AddUnconsumed adjusts the socket-wide unconsumed-bytes accountant and
// returns the new total.
func (s *Socket) AddUnconsumed(delta int64) int64 {
	return s.unconsumed.Add(delta)
}

// Settings handshake. One length-prefixed settings record in each
// direction establishes the streams before frame traffic starts; this is
// the reduced form of the RPC exchange that carries StreamSettings in the
// original protocol.

// WriteSettings sends one length-prefixed settings record on conn.
func WriteSettings(conn net.Conn, settings *stream.StreamSettings) error {
	b, err := settings.MarshalBinary()
	if err != nil {
		return err
	}
	if len(b) > 0xFFFF {
		return fmt.Errorf("socket: settings record too large (%d bytes)", len(b))
	}
	out := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(b)))
	copy(out[2:], b)
	_, err = conn.Write(out)
	return err
}

// ReadSettings reads one length-prefixed settings record from conn.
func ReadSettings(conn net.Conn) (*stream.StreamSettings, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	b := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(conn, b); err != nil {
		return nil, err
	}
	var settings stream.StreamSettings
	if err := settings.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &settings, nil
}
