package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType represents a stream frame type.
type FrameType uint8

const (
	// FrameUnknown (0x0) is any unrecognized frame; it is logged and
	// dropped at dispatch.
	FrameUnknown FrameType = 0x0
	// FrameData (0x1) carries application payload, possibly one segment of
	// a larger message.
	FrameData FrameType = 0x1
	// FrameRST (0x2) signals abnormal peer close.
	FrameRST FrameType = 0x2
	// FrameClose (0x3) signals graceful peer close.
	FrameClose FrameType = 0x3
	// FrameFeedback (0x4) carries the cumulative byte count the peer has
	// delivered to its handler.
	FrameFeedback FrameType = 0x4
)

// String returns the string representation of the FrameType.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameRST:
		return "RST"
	case FrameClose:
		return "CLOSE"
	case FrameFeedback:
		return "FEEDBACK"
	case FrameUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
	}
}

// Flags represents flags for a stream frame.
type Flags uint8

const (
	// FlagHasContinuation marks a DATA frame whose payload is a non-terminal
	// segment of a larger message.
	FlagHasContinuation Flags = 0x1
)

const (
	// FrameHeaderLen is the length of the fixed frame header:
	// Length(4) + Type(1) + Flags(1) + StreamID(8) + SourceStreamID(8).
	FrameHeaderLen = 22

	// feedbackPayloadLen is the size of a FEEDBACK payload: one cumulative
	// consumed-bytes counter.
	feedbackPayloadLen = 8
)

// FrameHeader is the fixed header common to all frames. StreamID is the
// destination, i.e. the receiver's id for the stream; SourceStreamID is the
// originator's id.
type FrameHeader struct {
	Length         uint32
	Type           FrameType
	Flags          Flags
	StreamID       StreamId
	SourceStreamID StreamId

	raw [FrameHeaderLen]byte
}

// HasContinuation reports whether the DATA frame is a non-terminal segment.
func (fh *FrameHeader) HasContinuation() bool {
	return fh.Flags&FlagHasContinuation != 0
}

// ReadFrameHeader reads a frame header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var fh FrameHeader
	if _, err := io.ReadFull(r, fh.raw[:]); err != nil {
		return FrameHeader{}, err
	}
	fh.Length = binary.BigEndian.Uint32(fh.raw[0:4])
	fh.Type = FrameType(fh.raw[4])
	fh.Flags = Flags(fh.raw[5])
	fh.StreamID = StreamId(binary.BigEndian.Uint64(fh.raw[6:14]))
	fh.SourceStreamID = StreamId(binary.BigEndian.Uint64(fh.raw[14:22]))
	return fh, nil
}

// WriteTo serializes the frame header to w.
func (fh *FrameHeader) WriteTo(w io.Writer) (int64, error) {
	fh.encode()
	n, err := w.Write(fh.raw[:])
	return int64(n), err
}

func (fh *FrameHeader) encode() {
	binary.BigEndian.PutUint32(fh.raw[0:4], fh.Length)
	fh.raw[4] = byte(fh.Type)
	fh.raw[5] = byte(fh.Flags)
	binary.BigEndian.PutUint64(fh.raw[6:14], uint64(fh.StreamID))
	binary.BigEndian.PutUint64(fh.raw[14:22], uint64(fh.SourceStreamID))
}

// packFrame appends header+payload to buf.
func packFrame(buf *bytes.Buffer, fh FrameHeader, payload []byte) {
	fh.Length = uint32(len(payload))
	fh.encode()
	buf.Write(fh.raw[:])
	buf.Write(payload)
}

func packDataFrame(buf *bytes.Buffer, dest, src StreamId, hasContinuation bool, payload []byte) {
	fh := FrameHeader{Type: FrameData, StreamID: dest, SourceStreamID: src}
	if hasContinuation {
		fh.Flags |= FlagHasContinuation
	}
	packFrame(buf, fh, payload)
}

func packFeedbackFrame(buf *bytes.Buffer, dest, src StreamId, consumed uint64) {
	var payload [feedbackPayloadLen]byte
	binary.BigEndian.PutUint64(payload[:], consumed)
	packFrame(buf, FrameHeader{Type: FrameFeedback, StreamID: dest, SourceStreamID: src}, payload[:])
}

func packRSTFrame(buf *bytes.Buffer, dest, src StreamId) {
	packFrame(buf, FrameHeader{Type: FrameRST, StreamID: dest, SourceStreamID: src}, nil)
}

func packCloseFrame(buf *bytes.Buffer, dest, src StreamId) {
	packFrame(buf, FrameHeader{Type: FrameClose, StreamID: dest, SourceStreamID: src}, nil)
}

func parseFeedbackPayload(p []byte) (uint64, error) {
	if len(p) != feedbackPayloadLen {
		return 0, fmt.Errorf("stream: FEEDBACK payload has %d bytes, want %d", len(p), feedbackPayloadLen)
	}
	return binary.BigEndian.Uint64(p), nil
}

// StreamSettings is the handshake record describing one side of a stream.
// ExtraStreamIDs lets a single accept spawn additional streams sharing the
// same initial remote settings; the field is cleared on the spawned copies.
type StreamSettings struct {
	StreamID       StreamId
	NeedFeedback   bool
	Writable       bool
	ExtraStreamIDs []StreamId
}

const (
	settingsFlagNeedFeedback = 0x1
	settingsFlagWritable     = 0x2
)

// MarshalBinary encodes the settings record:
// StreamID(8) + flags(1) + extra count(2) + 8 bytes per extra id.
func (s *StreamSettings) MarshalBinary() ([]byte, error) {
	if len(s.ExtraStreamIDs) > 0xFFFF {
		return nil, fmt.Errorf("stream: too many extra stream ids (%d)", len(s.ExtraStreamIDs))
	}
	out := make([]byte, 11+8*len(s.ExtraStreamIDs))
	binary.BigEndian.PutUint64(out[0:8], uint64(s.StreamID))
	var flags byte
	if s.NeedFeedback {
		flags |= settingsFlagNeedFeedback
	}
	if s.Writable {
		flags |= settingsFlagWritable
	}
	out[8] = flags
	binary.BigEndian.PutUint16(out[9:11], uint16(len(s.ExtraStreamIDs)))
	for i, id := range s.ExtraStreamIDs {
		binary.BigEndian.PutUint64(out[11+8*i:], uint64(id))
	}
	return out, nil
}

// UnmarshalBinary decodes a settings record produced by MarshalBinary.
func (s *StreamSettings) UnmarshalBinary(data []byte) error {
	if len(data) < 11 {
		return fmt.Errorf("stream: settings record too short (%d bytes)", len(data))
	}
	s.StreamID = StreamId(binary.BigEndian.Uint64(data[0:8]))
	flags := data[8]
	s.NeedFeedback = flags&settingsFlagNeedFeedback != 0
	s.Writable = flags&settingsFlagWritable != 0
	n := int(binary.BigEndian.Uint16(data[9:11]))
	if len(data) != 11+8*n {
		return fmt.Errorf("stream: settings record has %d bytes, want %d for %d extra ids", len(data), 11+8*n, n)
	}
	s.ExtraStreamIDs = nil
	for i := 0; i < n; i++ {
		s.ExtraStreamIDs = append(s.ExtraStreamIDs, StreamId(binary.BigEndian.Uint64(data[11+8*i:])))
	}
	return nil
}

// cutMessage packs payloads into DATA frames addressed to the peer and
// submits them to the host socket. Payloads above the segment threshold are
// split into consecutive frames, all but the last carrying the continuation
// flag. Consecutive small payloads are coalesced into one socket write as
// long as the batch does not exceed the threshold.
func (s *Stream) cutMessage(payloads [][]byte, background bool) (int64, error) {
	host := s.hostSocket()
	if host == nil {
		return -1, NewStreamError(s.id, ErrCodeInvalid, "not connected")
	}
	remote, ok := s.remoteSettingsSnapshot()
	if !ok {
		return -1, NewStreamError(s.id, ErrCodeInvalid, "remote settings unknown")
	}
	if !remote.Writable {
		logger().Warn().
			Uint64("stream_id", uint64(s.id)).
			Uint64("remote_stream_id", uint64(remote.StreamID)).
			Msg("the remote side of the stream doesn't have a handler")
		return -1, NewStreamError(s.id, ErrCodeNotWritable, "remote side is not writable")
	}

	maxSeg := MaxSegmentSize()
	var out bytes.Buffer
	var written int64
	var unwritten int64
	flush := func() error {
		if out.Len() == 0 {
			return nil
		}
		b := make([]byte, out.Len())
		copy(b, out.Bytes())
		out.Reset()
		unwritten = 0
		return host.Write(b, background)
	}

	for _, data := range payloads {
		if int64(len(data)) > maxSeg {
			if unwritten > 0 {
				if err := flush(); err != nil {
					return written, err
				}
			}
			// Split large payloads into consecutive segments, each written
			// to the socket as soon as it is packed.
			for off := int64(0); off < int64(len(data)); {
				end := off + maxSeg
				if end > int64(len(data)) {
					end = int64(len(data))
				}
				hasContinuation := end < int64(len(data))
				packDataFrame(&out, remote.StreamID, s.id, hasContinuation, data[off:end])
				written += end - off
				if err := flush(); err != nil {
					return written, err
				}
				off = end
			}
		} else {
			if unwritten+int64(len(data)) > maxSeg {
				if err := flush(); err != nil {
					return written, err
				}
			}
			unwritten += int64(len(data))
			packDataFrame(&out, remote.StreamID, s.id, false, data)
			written += int64(len(data))
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}
