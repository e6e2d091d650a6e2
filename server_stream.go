package wsbridge

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"github.com/golang/protobuf/proto"
)

// WebSocketServerStream implements grpc.ServerStream (C4): it is what
// a generated handler sees in place of the usual HTTP/2-backed stream.
type WebSocketServerStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	conn     *wsConnection
	streamID uint32
	recvChan chan []byte
	method   string
	log      *zap.SugaredLogger

	headerMu   sync.Mutex
	header     metadata.MD
	headerSent bool
	trailer    metadata.MD

	activityMu   sync.Mutex
	lastActivity time.Time
}

func (s *WebSocketServerStream) updateActivity(now time.Time) {
	s.activityMu.Lock()
	s.lastActivity = now
	s.activityMu.Unlock()
}

func (s *WebSocketServerStream) activityTime() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

// SetHeader merges md into the pending header map. Fails once headers
// have already been sent.
func (s *WebSocketServerStream) SetHeader(md metadata.MD) error {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headerSent {
		return errors.New("wsbridge: headers already sent")
	}
	if s.header == nil {
		s.header = metadata.MD{}
	}
	for k, v := range md {
		s.header[k] = append(s.header[k], v...)
	}
	return nil
}

// SendHeader merges md and immediately emits a HEADERS frame. Calling
// it twice on the same stream fails the second call and never emits a
// second frame (§8 idempotence property).
func (s *WebSocketServerStream) SendHeader(md metadata.MD) error {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headerSent {
		return errors.New("wsbridge: headers already sent")
	}
	if s.header == nil {
		s.header = metadata.MD{}
	}
	for k, v := range md {
		s.header[k] = append(s.header[k], v...)
	}

	payload, err := encodeHeaderBlock(s.header)
	if err != nil {
		return err
	}
	if err := s.conn.send(encodeFrame(s.streamID, FlagHEADERS, []byte(payload))); err != nil {
		return errors.Wrap(err, "failed to send headers")
	}
	s.headerSent = true
	s.log.Debugw("sent HEADERS frame", "stream_id", s.streamID)
	return nil
}

// SetTrailer merges md into the trailer map, applied when the handler
// returns (§4.4).
func (s *WebSocketServerStream) SetTrailer(md metadata.MD) {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.trailer == nil {
		s.trailer = metadata.MD{}
	}
	for k, v := range md {
		s.trailer[k] = append(s.trailer[k], v...)
	}
}

// Context returns a child of the connection context carrying the
// incoming metadata extracted from the initial HEADERS frame.
func (s *WebSocketServerStream) Context() context.Context {
	return s.ctx
}

// SendMsg marshals m and enqueues it as a DATA frame. The first
// SendMsg auto-emits any pending headers, matching grpc.ServerStream
// semantics.
func (s *WebSocketServerStream) SendMsg(m interface{}) error {
	s.updateActivity(time.Now())

	msg, ok := m.(proto.Message)
	if !ok {
		return errors.New("wsbridge: message does not implement proto.Message")
	}

	s.headerMu.Lock()
	alreadySent := s.headerSent
	s.headerMu.Unlock()
	if !alreadySent {
		if err := s.SendHeader(nil); err != nil {
			return err
		}
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	if err := s.conn.send(encodeFrame(s.streamID, FlagDATA, data)); err != nil {
		return errors.Wrap(err, "failed to send frame")
	}
	s.log.Debugw("sent DATA frame", "stream_id", s.streamID, "size", len(data))
	return nil
}

// RecvMsg blocks for the next inbound message, EOS, or stream
// cancellation.
func (s *WebSocketServerStream) RecvMsg(m interface{}) error {
	select {
	case data, ok := <-s.recvChan:
		if !ok {
			return io.EOF
		}
		s.updateActivity(time.Now())

		msg, ok := m.(proto.Message)
		if !ok {
			return errors.New("wsbridge: message does not implement proto.Message")
		}
		if err := proto.Unmarshal(data, msg); err != nil {
			return errors.Wrap(err, "failed to unmarshal message")
		}
		s.log.Debugw("received message", "stream_id", s.streamID, "size", len(data))
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}
