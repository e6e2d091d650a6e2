package wsbridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"nhooyr.io/websocket"
)

// methodInfo pairs a registered gRPC method/stream descriptor with the
// service implementation it dispatches into (§4.4 dispatch).
type methodInfo struct {
	unaryHandler  *grpc.MethodDesc
	streamHandler *grpc.StreamDesc
	srv           interface{}
}

// Server presents wsbridge's multiplexed WebSocket transport as a
// standard gRPC server: RegisterService accepts the same
// *grpc.ServiceDesc generated code already produces.
type Server struct {
	mu          sync.RWMutex
	methods     map[string]*methodInfo
	options     ServerOption
	log         *zap.SugaredLogger
	connections map[*wsConnection]struct{}
	shutdown    bool
}

// NewServer constructs a Server. Omitted fields in opt take the
// defaults from §6.3.
func NewServer(opt ServerOption) *Server {
	resolved := opt.withDefaults()
	return &Server{
		methods:     make(map[string]*methodInfo),
		options:     resolved,
		log:         newLogger(resolved.EnableLogging),
		connections: make(map[*wsConnection]struct{}),
	}
}

// RegisterService implements grpc.ServiceRegistrar so generated
// RegisterXServer(srv, impl) calls work unmodified against a Server.
func (s *Server) RegisterService(sd *grpc.ServiceDesc, ss interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range sd.Methods {
		m := sd.Methods[i]
		path := "/" + sd.ServiceName + "/" + m.MethodName
		s.methods[path] = &methodInfo{unaryHandler: &m, srv: ss}
		s.log.Debugw("registered unary method", "path", path)
	}
	for i := range sd.Streams {
		st := sd.Streams[i]
		path := "/" + sd.ServiceName + "/" + st.StreamName
		s.methods[path] = &methodInfo{streamHandler: &st, srv: ss}
		s.log.Debugw("registered streaming method", "path", path)
	}
}

// wsConnection owns one physical WebSocket on the server side: the
// registry of its active streams, and (via writerActor) the single
// writer task.
type wsConnection struct {
	*writerActor
	id           string
	server       *Server
	mu           sync.Mutex
	streamMap    map[uint32]*WebSocketServerStream
}

// HandleWebSocket upgrades an incoming HTTP request and runs the
// connection's read loop until it ends.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	shuttingDown := s.shutdown
	s.mu.RUnlock()
	if shuttingDown {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.options.InsecureSkipOriginCheck,
	})
	if err != nil {
		s.log.Debugw("failed to accept websocket connection", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	s.log.Debugw("websocket connection established", "remote", r.RemoteAddr)

	if err := s.handleConnection(r.Context(), conn); err != nil {
		s.log.Debugw("connection ended", "error", err)
		conn.Close(websocket.StatusInternalError, truncateForLog(err.Error()))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "goodbye")
}

// handleConnection runs the server's read loop (C6) for one socket.
func (s *Server) handleConnection(ctx context.Context, socket *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	connID := uuid.NewString()
	log := s.log.With("conn_id", connID)

	wsConn := &wsConnection{
		writerActor: newWriterActor(connCtx, cancel, socket, log, "server"),
		id:          connID,
		server:      s,
		streamMap:   make(map[uint32]*WebSocketServerStream),
	}

	s.mu.Lock()
	s.connections[wsConn] = struct{}{}
	s.mu.Unlock()
	connectionsActive.WithLabelValues("server").Inc()

	defer func() {
		wsConn.close()
		s.mu.Lock()
		delete(s.connections, wsConn)
		s.mu.Unlock()
		connectionsActive.WithLabelValues("server").Dec()
	}()

	go wsConn.run()
	go s.idleTimeoutMonitor(wsConn)

	for {
		msgType, data, err := socket.Read(connCtx)
		if err != nil {
			return errors.Wrap(err, "read error")
		}
		if msgType != websocket.MessageBinary {
			log.Debugw("ignoring non-binary message", "type", msgType)
			continue
		}

		frame, err := decodeFrame(data, s.options.MaxPayloadSize)
		if err != nil {
			var derr *frameDecodeError
			if errors.As(err, &derr) {
				decodeErrorsTotal.WithLabelValues("server", decodeErrorKindLabel(derr)).Inc()
				log.Debugw("frame decode error", "error", err)
				if derr.isOversize() {
					return errors.Wrap(err, "policy violation: oversize frame")
				}
			}
			continue
		}

		framesTotal.WithLabelValues("server", "in", flagKindLabel(frame.Flags)).Inc()

		if frame.Flags&FlagPING != 0 {
			wsConn.send(encodeFrame(0, FlagPONG, nil))
			continue
		}
		if frame.Flags&FlagPONG != 0 {
			continue
		}

		switch {
		case frame.Flags&FlagHEADERS != 0:
			s.handleHeaders(wsConn, frame, log)
		case frame.Flags&FlagDATA != 0:
			s.handleData(wsConn, frame, log)
		case frame.Flags&FlagRST_STREAM != 0:
			s.handleRstStream(wsConn, frame, log)
		}
	}
}

func (s *Server) handleHeaders(c *wsConnection, frame *Frame, log *zap.SugaredLogger) {
	block := parseHeaderBlock(frame.Payload)
	if block.Path == "" {
		log.Debugw("malformed HEADERS: missing path", "stream_id", frame.StreamID)
		c.send(encodeFrame(frame.StreamID, FlagRST_STREAM, resetPayload(ResetProtocolError)))
		resetStreamTotal.WithLabelValues("server", ResetProtocolError.String()).Inc()
		return
	}

	c.mu.Lock()
	_, exists := c.streamMap[frame.StreamID]
	count := len(c.streamMap)
	c.mu.Unlock()

	if exists {
		log.Debugw("duplicate HEADERS for existing stream", "stream_id", frame.StreamID)
		c.send(encodeFrame(frame.StreamID, FlagRST_STREAM, resetPayload(ResetProtocolError)))
		resetStreamTotal.WithLabelValues("server", ResetProtocolError.String()).Inc()
		return
	}

	if count >= s.options.MaxConcurrentStreams {
		log.Debugw("concurrent stream cap exceeded", "stream_id", frame.StreamID, "cap", s.options.MaxConcurrentStreams)
		c.send(encodeFrame(frame.StreamID, FlagRST_STREAM, resetPayload(ResetResourceExhausted)))
		resetStreamTotal.WithLabelValues("server", ResetResourceExhausted.String()).Inc()
		return
	}

	s.mu.RLock()
	info, ok := s.methods[block.Path]
	s.mu.RUnlock()
	if !ok {
		log.Debugw("unknown method", "path", block.Path, "stream_id", frame.StreamID)
		c.send(encodeFrame(frame.StreamID, FlagRST_STREAM, resetPayload(ResetRefusedStream)))
		resetStreamTotal.WithLabelValues("server", ResetRefusedStream.String()).Inc()
		return
	}

	streamCtx := metadata.NewIncomingContext(c.ctx, block.MD)
	streamCtx, streamCancel := context.WithCancel(streamCtx)

	stream := &WebSocketServerStream{
		ctx:          streamCtx,
		cancel:       streamCancel,
		conn:         c,
		streamID:     frame.StreamID,
		recvChan:     make(chan []byte, 10),
		method:       block.Path,
		lastActivity: s.options.Clock.Now(),
		log:          log,
	}

	c.mu.Lock()
	c.streamMap[frame.StreamID] = stream
	c.mu.Unlock()
	streamsActive.WithLabelValues("server").Inc()

	go s.handleStream(stream, info)
}

func (s *Server) handleData(c *wsConnection, frame *Frame, log *zap.SugaredLogger) {
	c.mu.Lock()
	stream, ok := c.streamMap[frame.StreamID]
	c.mu.Unlock()
	if !ok {
		log.Debugw("DATA for unknown stream dropped", "stream_id", frame.StreamID)
		return
	}

	stream.updateActivity(s.options.Clock.Now())

	// Payload may alias the read buffer; copy before handing off
	// across the channel boundary so a later read doesn't mutate it.
	payload := append([]byte(nil), frame.Payload...)

	func() {
		// recvChan may already be closed by a concurrent idle sweep or
		// RST_STREAM; a panic here would take the whole read loop down.
		defer func() {
			if r := recover(); r != nil {
				log.Debugw("send on closed recv channel", "stream_id", frame.StreamID)
			}
		}()
		stream.recvChan <- payload
	}()
	if frame.Flags&FlagEOS != 0 {
		closeRecvChanSafely(stream.recvChan)
	}
}

func (s *Server) handleRstStream(c *wsConnection, frame *Frame, log *zap.SugaredLogger) {
	c.mu.Lock()
	stream, ok := c.streamMap[frame.StreamID]
	if ok {
		delete(c.streamMap, frame.StreamID)
	}
	c.mu.Unlock()

	if !ok {
		log.Debugw("RST_STREAM for unknown stream", "stream_id", frame.StreamID)
		return
	}

	log.Debugw("stream reset by peer", "stream_id", frame.StreamID)
	stream.cancel()
	closeRecvChanSafely(stream.recvChan)
	streamsActive.WithLabelValues("server").Dec()
}

// handleStream invokes the registered handler and, on return, emits
// the terminal TRAILERS frame (§4.4 completion protocol).
func (s *Server) handleStream(stream *WebSocketServerStream, info *methodInfo) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = status.Errorf(13 /* Internal */, "panic in handler: %v", r)
			}
		}()
		if info.unaryHandler != nil {
			dec := func(m interface{}) error { return stream.RecvMsg(m) }
			var resp interface{}
			resp, err = info.unaryHandler.Handler(info.srv, stream.ctx, dec, nil)
			if err == nil {
				err = stream.SendMsg(resp)
			}
		} else if info.streamHandler != nil {
			err = info.streamHandler.Handler(info.srv, stream)
		} else {
			err = errors.New("no handler found for method")
		}
	}()

	code := 0
	message := "OK"
	if err != nil {
		if st, ok := status.FromError(err); ok {
			code = int(st.Code())
			message = st.Message()
		} else {
			code = 2 // Unknown
			message = err.Error()
		}
	}

	stream.headerMu.Lock()
	trailer := stream.trailer
	stream.headerMu.Unlock()

	payload, encErr := buildTrailerLines(code, message, trailer)
	if encErr != nil {
		stream.log.Debugw("failed to encode trailers", "error", encErr, "stream_id", stream.streamID)
		payload, _ = buildTrailerLines(13, "failed to encode trailers", nil)
	}

	stream.conn.send(encodeFrame(stream.streamID, FlagTRAILERS|FlagEOS, []byte(payload)))

	stream.conn.mu.Lock()
	delete(stream.conn.streamMap, stream.streamID)
	stream.conn.mu.Unlock()
	streamsActive.WithLabelValues("server").Dec()
}

// idleTimeoutMonitor periodically resets streams that have seen no
// activity for IdleTimeout (§4.6 step 7).
func (s *Server) idleTimeoutMonitor(c *wsConnection) {
	clock := s.options.Clock
	ticker := clock.NewTicker(s.options.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.sweepIdleStreams(c)
		case <-c.ctx.Done():
			return
		}
	}
}

func (s *Server) sweepIdleStreams(c *wsConnection) {
	now := s.options.Clock.Now()
	idleTimeout := s.options.IdleTimeout

	c.mu.Lock()
	var idle []*WebSocketServerStream
	for id, stream := range c.streamMap {
		if now.Sub(stream.activityTime()) > idleTimeout {
			idle = append(idle, stream)
			delete(c.streamMap, id)
		}
	}
	c.mu.Unlock()

	for _, stream := range idle {
		c.server.log.Debugw("stream idle, closing", "stream_id", stream.streamID)
		c.send(encodeFrame(stream.streamID, FlagRST_STREAM, resetPayload(ResetStreamClosed)))
		resetStreamTotal.WithLabelValues("server", ResetStreamClosed.String()).Inc()
		stream.cancel()
		closeRecvChanSafely(stream.recvChan)
		streamsActive.WithLabelValues("server").Dec()
	}
}

// Shutdown gracefully drains the server (§4.8 C8): new upgrades are
// refused, every active stream is reset with NO_ERROR and its handler
// context cancelled, and Shutdown waits (bounded by ctx) for every
// connection's read loop to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*wsConnection, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, c := range conns {
		c.mu.Lock()
		for id, stream := range c.streamMap {
			rst := encodeFrame(id, FlagRST_STREAM, resetPayload(ResetNoError))
			if !c.trySend(rst) {
				result = multierror.Append(result, errors.Errorf("timed out sending RST_STREAM to stream %d", id))
			}
			stream.cancel()
		}
		c.mu.Unlock()
		c.cancel()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.RLock()
		remaining := len(s.connections)
		s.mu.RUnlock()
		if remaining == 0 {
			return result.ErrorOrNil()
		}
		select {
		case <-ctx.Done():
			return multierror.Append(result, errors.Wrapf(ctx.Err(), "shutdown deadline exceeded with %d connections remaining", remaining)).ErrorOrNil()
		case <-ticker.C:
		}
	}
}

// resetPayload encodes a ResetCode as the 4-byte big-endian RST_STREAM
// payload (§6.1).
func resetPayload(code ResetCode) []byte {
	return []byte{
		byte(code >> 24),
		byte(code >> 16),
		byte(code >> 8),
		byte(code),
	}
}

// closeRecvChanSafely closes a stream's inbound channel, tolerating a
// channel that a concurrent handler path already closed (EOS raced
// with RST_STREAM/idle-sweep).
func closeRecvChanSafely(ch chan []byte) {
	defer func() { recover() }()
	close(ch)
}
