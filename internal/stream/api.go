package stream

import (
	"fmt"
	"time"
)

// Controller carries the stream metadata that the RPC layer plumbs between
// a create/accept call and the settings handshake.
type Controller struct {
	// RequestStreams are the ids created locally by StreamCreate.
	RequestStreams []StreamId
	// ResponseStreams are the ids accepted locally by StreamAccept.
	ResponseStreams []StreamId
	// RemoteStreamSettings is the settings record received from the peer,
	// required by StreamAccept.
	RemoteStreamSettings *StreamSettings
	// OnRPCResponse consumes the RPC response tail arriving as the first
	// inbound payload on the first created stream.
	OnRPCResponse RPCResponseFn
}

// HasRemoteStream reports whether a settings record arrived with the
// request.
func (c *Controller) HasRemoteStream() bool {
	return c.RemoteStreamSettings != nil
}

// StreamCreate allocates count client-side streams on the controller and
// returns their ids. Only the first stream parses the RPC response. On
// failure every stream created so far is failed.
func StreamCreate(cntl *Controller, count int, options *StreamOptions) ([]StreamId, error) {
	if cntl == nil {
		return nil, NewStreamError(InvalidStreamId, ErrCodeInvalid, "controller is nil")
	}
	if len(cntl.RequestStreams) != 0 {
		logger().Error().Msg("can't create request streams more than once")
		return nil, NewStreamError(InvalidStreamId, ErrCodeInvalid, "request streams already created")
	}
	if count <= 0 {
		return nil, NewStreamError(InvalidStreamId, ErrCodeInvalid, fmt.Sprintf("invalid stream count %d", count))
	}
	opts := DefaultStreamOptions()
	if options != nil {
		opts = *options
	}
	var ids []StreamId
	for i := 0; i < count; i++ {
		parseRPCResponse := i == 0
		id, err := Create(opts, nil, parseRPCResponse, cntl.OnRPCResponse)
		if err != nil {
			SetFailedAll(ids, ErrCodeInternal, fmt.Sprintf("Fail to create stream at %d index", i))
			logger().Error().Err(err).Msg("failed to create stream")
			return nil, err
		}
		ids = append(ids, id)
		cntl.RequestStreams = append(cntl.RequestStreams, id)
	}
	return ids, nil
}

// StreamAccept allocates the server-side streams described by the remote
// settings on the controller. When the settings carry extra stream ids, one
// additional stream is spawned per id, each sharing the initial settings
// with the extra-id list cleared.
func StreamAccept(cntl *Controller, options *StreamOptions) ([]StreamId, error) {
	if cntl == nil {
		return nil, NewStreamError(InvalidStreamId, ErrCodeInvalid, "controller is nil")
	}
	if len(cntl.ResponseStreams) != 0 {
		logger().Error().Msg("can't accept response streams more than once")
		return nil, NewStreamError(InvalidStreamId, ErrCodeInvalid, "response streams already accepted")
	}
	if !cntl.HasRemoteStream() {
		logger().Error().Msg("no stream along with this request")
		return nil, NewStreamError(InvalidStreamId, ErrCodeInvalid, "no stream along with this request")
	}
	opts := DefaultStreamOptions()
	if options != nil {
		opts = *options
	}

	remote := *cntl.RemoteStreamSettings
	extras := remote.ExtraStreamIDs
	remote.ExtraStreamIDs = nil

	id, err := Create(opts, &remote, false, nil)
	if err != nil {
		logger().Error().Err(err).Msg("failed to accept stream")
		return nil, err
	}
	ids := []StreamId{id}
	cntl.ResponseStreams = append(cntl.ResponseStreams, id)

	for i, extraRemoteID := range extras {
		extraRemote := remote
		extraRemote.StreamID = extraRemoteID
		extraID, err := Create(opts, &extraRemote, false, nil)
		if err != nil {
			SetFailedAll(ids, ErrCodeInternal, fmt.Sprintf("Fail to accept stream at %d index", i))
			cntl.ResponseStreams = nil
			logger().Error().Err(err).Msg("failed to accept stream")
			return nil, err
		}
		ids = append(ids, extraID)
		cntl.ResponseStreams = append(cntl.ResponseStreams, extraID)
	}
	return ids, nil
}

// StreamWrite submits one message on the stream. It returns nil on success,
// a WOULD_BLOCK StreamError when the send window is full, an INVALID
// StreamError for unknown ids, or the submit error.
func StreamWrite(id StreamId, payload []byte, options *WriteOptions) error {
	s := registry.lookup(id)
	if s == nil {
		return NewStreamError(id, ErrCodeInvalid, "unknown stream")
	}
	rc, err := s.appendIfNotFull(payload, options)
	switch rc {
	case 0:
		return nil
	case 1:
		return NewStreamError(id, ErrCodeWouldBlock, "stream send window is full")
	default:
		return err
	}
}

// StreamWait parks the caller until the stream is writable, its deadline
// fires, or the stream closes. A zero deadline waits indefinitely. Returns
// the resumption status: ErrCodeOK, ErrCodeTimedOut, ErrCodeConnReset, or
// ErrCodeInvalid for unknown ids.
func StreamWait(id StreamId, deadline time.Time) ErrorCode {
	s := registry.lookup(id)
	if s == nil {
		return ErrCodeInvalid
	}
	return s.waitBlocking(deadline)
}

// StreamWaitAsync arms a writable waiter that resumes onWritable exactly
// once, on a fresh goroutine. Unknown ids resume with ErrCodeInvalid.
func StreamWaitAsync(id StreamId, deadline time.Time, onWritable func(StreamId, ErrorCode)) {
	s := registry.lookup(id)
	if s == nil {
		go onWritable(id, ErrCodeInvalid)
		return
	}
	s.wait(onWritable, deadline, true)
}

// StreamClose closes the stream gracefully.
func StreamClose(id StreamId) {
	SetFailed(id, ErrCodeOK, "Local close")
}

// SetFailed resolves id and closes the stream with the given pre-formatted
// reason. Unknown ids are silently ignored: the stream was already
// recycled.
func SetFailed(id StreamId, code ErrorCode, reason string) {
	s := registry.lookup(id)
	if s == nil {
		return
	}
	s.Close(code, reason)
}

// SetFailedAll applies SetFailed to every id in the list.
func SetFailedAll(ids []StreamId, code ErrorCode, reason string) {
	for _, id := range ids {
		SetFailed(id, code, reason)
	}
}

// SetConnected marks the stream connected, merging the remote settings if
// they were not provided at creation.
func SetConnected(id StreamId, remoteSettings *StreamSettings) error {
	s := registry.lookup(id)
	if s == nil {
		return NewStreamError(id, ErrCodeInvalid, "unknown stream")
	}
	s.SetConnected(remoteSettings)
	return nil
}

// SettingsOf fills the handshake record advertised to the peer for an
// existing stream.
func SettingsOf(id StreamId) (StreamSettings, error) {
	s := registry.lookup(id)
	if s == nil {
		return StreamSettings{}, NewStreamError(id, ErrCodeInvalid, "unknown stream")
	}
	var settings StreamSettings
	s.FillSettings(&settings)
	return settings, nil
}

// AttachHostSocket binds the stream to the shared connection carrying it.
// Only the first attachment has any effect.
func AttachHostSocket(id StreamId, sock HostSocket) error {
	s := registry.lookup(id)
	if s == nil {
		return NewStreamError(id, ErrCodeInvalid, "unknown stream")
	}
	s.SetHostSocket(sock)
	return nil
}

// StreamConnect registers the one-shot connect callback for the stream.
func StreamConnect(id StreamId, onConnect func(ErrorCode)) error {
	s := registry.lookup(id)
	if s == nil {
		return NewStreamError(id, ErrCodeInvalid, "unknown stream")
	}
	return s.Connect(onConnect)
}
