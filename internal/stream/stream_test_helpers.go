package stream

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
)

// fakeHostSocket records every frame batch written through it, so tests can
// parse the wire bytes back and assert on framing.
type fakeHostSocket struct {
	mu         sync.Mutex
	writes     [][]byte
	streams    map[StreamId]struct{}
	failWrites bool

	unconsumed atomic.Int64
}

func newFakeHostSocket() *fakeHostSocket {
	return &fakeHostSocket{streams: make(map[StreamId]struct{})}
}

func (f *fakeHostSocket) Write(frames []byte, background bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("injected write failure")
	}
	b := make([]byte, len(frames))
	copy(b, frames)
	f.writes = append(f.writes, b)
	return nil
}

func (f *fakeHostSocket) AddStream(id StreamId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[id] = struct{}{}
	return nil
}

func (f *fakeHostSocket) RemoveStream(id StreamId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, id)
}

func (f *fakeHostSocket) AddUnconsumed(delta int64) int64 {
	return f.unconsumed.Add(delta)
}

func (f *fakeHostSocket) setFailWrites(fail bool) {
	f.mu.Lock()
	f.failWrites = fail
	f.mu.Unlock()
}

type recordedFrame struct {
	header  FrameHeader
	payload []byte
}

// frames parses everything written so far into individual frames.
func (f *fakeHostSocket) frames() []recordedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedFrame
	for _, w := range f.writes {
		for off := 0; off < len(w); {
			fh, err := ReadFrameHeader(bytes.NewReader(w[off:]))
			if err != nil {
				panic(err)
			}
			start := off + FrameHeaderLen
			end := start + int(fh.Length)
			out = append(out, recordedFrame{header: fh, payload: w[start:end]})
			off = end
		}
	}
	return out
}

// framesOfType filters the recorded frames by type.
func (f *fakeHostSocket) framesOfType(t FrameType) []recordedFrame {
	var out []recordedFrame
	for _, fr := range f.frames() {
		if fr.header.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

// eventRecorder captures handler callbacks in order.
type eventRecorder struct {
	mu       sync.Mutex
	messages [][]byte
	batches  [][]int // message lengths per OnReceivedMessages call
	idle     int
	failures []ErrorCode
	texts    []string
	closedCh chan struct{}
	idleCh   chan struct{}
	msgCh    chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		closedCh: make(chan struct{}),
		idleCh:   make(chan struct{}, 64),
		msgCh:    make(chan struct{}, 64),
	}
}

func (r *eventRecorder) OnReceivedMessages(id StreamId, msgs [][]byte) {
	r.mu.Lock()
	lens := make([]int, 0, len(msgs))
	for _, m := range msgs {
		// The pipeline reclaims buffers after the call; keep copies.
		b := make([]byte, len(m))
		copy(b, m)
		r.messages = append(r.messages, b)
		lens = append(lens, len(m))
	}
	r.batches = append(r.batches, lens)
	r.mu.Unlock()
	select {
	case r.msgCh <- struct{}{}:
	default:
	}
}

func (r *eventRecorder) OnIdleTimeout(id StreamId) {
	r.mu.Lock()
	r.idle++
	r.mu.Unlock()
	select {
	case r.idleCh <- struct{}{}:
	default:
	}
}

func (r *eventRecorder) OnFailed(id StreamId, code ErrorCode, text string) {
	r.mu.Lock()
	r.failures = append(r.failures, code)
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *eventRecorder) OnClosed(id StreamId) {
	close(r.closedCh)
}

func (r *eventRecorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *eventRecorder) totalBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		n += len(m)
	}
	return n
}

func (r *eventRecorder) idleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle
}

// dataFrame packs one inbound DATA frame addressed to id.
func dataFrame(dest, src StreamId, hasContinuation bool, payload []byte) (FrameHeader, []byte) {
	fh := FrameHeader{Type: FrameData, StreamID: dest, SourceStreamID: src, Length: uint32(len(payload))}
	if hasContinuation {
		fh.Flags |= FlagHasContinuation
	}
	return fh, payload
}

func feedbackFrame(dest, src StreamId, consumed uint64) (FrameHeader, []byte) {
	var payload [feedbackPayloadLen]byte
	for i := 0; i < 8; i++ {
		payload[7-i] = byte(consumed >> (8 * i))
	}
	return FrameHeader{Type: FrameFeedback, StreamID: dest, SourceStreamID: src, Length: feedbackPayloadLen}, payload[:]
}
