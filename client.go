package wsbridge

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"github.com/golang/protobuf/proto"
	"nhooyr.io/websocket"
)

// Client is the client-side counterpart of Server: it dials a single
// WebSocket, multiplexes Calls over it, and reconnects with
// exponential backoff when the socket drops (C7).
type Client struct {
	url string
	opt ClientOption
	log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *clientConn

	mu    sync.Mutex
	calls map[uint32]*Call
}

// clientConn owns one physical WebSocket on the client side: its own
// writer actor, pong-wait signal, and per-connection stream-id
// allocator (ids are only guaranteed unique within one connection,
// §3 invariant 1).
type clientConn struct {
	*writerActor
	pongCh chan struct{}

	idMu         sync.Mutex
	nextStreamID uint32
}

func (conn *clientConn) allocateStreamID() (uint32, error) {
	conn.idMu.Lock()
	defer conn.idMu.Unlock()
	if conn.nextStreamID == 0 {
		conn.nextStreamID = 1
	}
	id := conn.nextStreamID
	next := id + 2
	if next <= id { // uint32 wraparound
		conn.socket.Close(websocket.StatusCode(4000), "stream id space exhausted")
		return 0, ErrStreamIDExhausted
	}
	conn.nextStreamID = next
	return id, nil
}

// Dial opens the WebSocket and starts the client's background
// machinery (read loop, ping scheduler, reconnect supervisor). The
// returned Client stays usable across reconnects until Close.
func Dial(ctx context.Context, url string, opt ClientOption) (*Client, error) {
	resolved := opt.withDefaults()
	cctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		url:    url,
		opt:    resolved,
		log:    newLogger(resolved.EnableLogging),
		ctx:    cctx,
		cancel: cancel,
		calls:  make(map[uint32]*Call),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	go c.supervise(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*clientConn, error) {
	connCtx, cancel := context.WithCancel(c.ctx)
	socket, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "wsbridge: dial failed")
	}
	return &clientConn{
		writerActor: newWriterActor(connCtx, cancel, socket, c.log, "client"),
		pongCh:      make(chan struct{}, 1),
	}, nil
}

func (c *Client) currentConn() *clientConn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) attachConnection(conn *clientConn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	connectionsActive.WithLabelValues("client").Inc()
	go conn.run()
	go c.pingScheduler(conn)
}

// supervise runs conn's read loop to completion and, when the
// connection dies and reconnection is enabled, redials with
// exponential backoff until a new connection succeeds or the client
// is closed (§4.7).
func (c *Client) supervise(conn *clientConn) {
	c.attachConnection(conn)
	for {
		c.readLoop(conn)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		c.teardownConnection(ErrUnavailable)

		if c.ctx.Err() != nil || c.opt.DisableReconnect {
			return
		}
		newConn, ok := c.reconnectLoop()
		if !ok {
			return
		}
		conn = newConn
		c.attachConnection(conn)
	}
}

func (c *Client) reconnectLoop() (*clientConn, bool) {
	attempt := 0
	clock := c.opt.Clock
	for {
		delay := backoffDelay(c.opt.BaseReconnectDelay, c.opt.MaxReconnectDelay, attempt)
		timer := clock.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.Chan():
		}

		reconnectsTotal.Inc()
		conn, err := c.dial(c.ctx)
		if err != nil {
			c.log.Debugw("reconnect attempt failed", "attempt", attempt, "error", err)
			attempt++
			continue
		}
		return conn, true
	}
}

// backoffDelay computes min(maxDelay, base*2^attempt) (§4.7 step 4, §6.3).
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// pingScheduler enqueues a PING on stream 0 every PingInterval and
// arms a PongTimeout watchdog; watchdog expiry closes the socket with
// WS code 4000, which the supervisor sees as a dead connection (§4.7
// step 3).
func (c *Client) pingScheduler(conn *clientConn) {
	clock := c.opt.Clock
	ticker := clock.NewTicker(c.opt.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := conn.send(encodeFrame(0, FlagPING, nil)); err != nil {
				return
			}
			if !c.awaitPong(conn) {
				c.log.Debugw("pong watchdog expired, closing socket")
				conn.socket.Close(websocket.StatusCode(4000), "ping timeout")
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

func (c *Client) awaitPong(conn *clientConn) bool {
	clock := c.opt.Clock
	timer := clock.NewTimer(c.opt.PongTimeout)
	defer timer.Stop()

	select {
	case <-conn.pongCh:
		return true
	case <-timer.Chan():
		return false
	case <-conn.ctx.Done():
		return true
	}
}

// readLoop decodes frames from conn until the socket dies.
func (c *Client) readLoop(conn *clientConn) {
	for {
		msgType, data, err := conn.socket.Read(conn.ctx)
		if err != nil {
			c.log.Debugw("client read error", "error", err)
			return
		}
		if msgType != websocket.MessageBinary {
			continue
		}

		frame, err := decodeFrame(data, c.opt.MaxPayloadSize)
		if err != nil {
			var derr *frameDecodeError
			if errors.As(err, &derr) {
				decodeErrorsTotal.WithLabelValues("client", decodeErrorKindLabel(derr)).Inc()
				if derr.isOversize() {
					conn.socket.Close(websocket.StatusPolicyViolation, "oversize frame")
					return
				}
			}
			continue
		}
		framesTotal.WithLabelValues("client", "in", flagKindLabel(frame.Flags)).Inc()

		if frame.Flags&FlagPING != 0 {
			conn.send(encodeFrame(0, FlagPONG, nil))
			continue
		}
		if frame.Flags&FlagPONG != 0 {
			select {
			case conn.pongCh <- struct{}{}:
			default:
			}
			continue
		}

		switch {
		case frame.Flags&FlagDATA != 0:
			c.dispatchData(frame)
		case frame.Flags&FlagTRAILERS != 0:
			c.dispatchTrailers(frame)
		case frame.Flags&FlagRST_STREAM != 0:
			c.dispatchReset(frame)
		}
	}
}

func (c *Client) dispatchData(frame *Frame) {
	c.mu.Lock()
	call, ok := c.calls[frame.StreamID]
	c.mu.Unlock()
	if !ok {
		c.log.Debugw("DATA for unknown stream dropped", "stream_id", frame.StreamID)
		return
	}
	payload := append([]byte(nil), frame.Payload...)
	call.deliver(payload)
}

func (c *Client) dispatchTrailers(frame *Frame) {
	call, ok := c.removeCall(frame.StreamID)
	if !ok {
		return // already completed via a racing RST_STREAM (§9 open question)
	}
	block := parseHeaderBlock(frame.Payload)
	code, message := parseGRPCStatus(block)
	if code == 0 {
		call.complete(nil)
	} else {
		call.complete(&StatusError{Code: code, Message: message})
	}
	streamsActive.WithLabelValues("client").Dec()
}

func (c *Client) dispatchReset(frame *Frame) {
	call, ok := c.removeCall(frame.StreamID)
	if !ok {
		return // RST_STREAM observed after TRAILERS already processed; ignored
	}
	resetCode := parseResetCode(frame.Payload)
	resetStreamTotal.WithLabelValues("client", resetCode.String()).Inc()
	call.complete(&ResetError{Code: resetCode})
	streamsActive.WithLabelValues("client").Dec()
}

func parseResetCode(payload []byte) ResetCode {
	if len(payload) < 4 {
		return ResetProtocolError
	}
	return ResetCode(uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3]))
}

func (c *Client) removeCall(streamID uint32) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[streamID]
	if ok {
		delete(c.calls, streamID)
	}
	return call, ok
}

// teardownConnection fails every still-registered call with err and
// clears the registry (§4.7 step 4, §7 transport errors).
func (c *Client) teardownConnection(err error) {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.calls))
	for id, call := range c.calls {
		calls = append(calls, call)
		delete(c.calls, id)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.fail(err)
		streamsActive.WithLabelValues("client").Dec()
	}
	connectionsActive.WithLabelValues("client").Dec()
}

// Call starts a new RPC: it allocates a stream id, sends HEADERS and a
// DATA|EOS frame carrying the marshaled request, and registers the
// stream so dispatched frames reach the returned *Call (§4.5).
func (c *Client) Call(ctx context.Context, fullMethod string, req proto.Message, md metadata.MD) (*Call, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, ErrUnavailable
	}

	streamID, err := conn.allocateStreamID()
	if err != nil {
		return nil, err
	}

	data, err := proto.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "wsbridge: failed to marshal request")
	}

	headerMD := metadata.MD{}
	for k, v := range md {
		headerMD[k] = append([]string(nil), v...)
	}
	if c.opt.AuthToken != "" {
		headerMD.Set("authorization", "Bearer "+c.opt.AuthToken)
	}
	headerPayload, err := encodeHeaderBlock(headerMD, "path: "+fullMethod)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	call := &Call{
		client:    c,
		streamID:  streamID,
		ctx:       callCtx,
		cancelCtx: cancel,
		msgChan:   make(chan []byte, 10),
		scheduler: schedulerOrInline(c.opt.Scheduler),
	}

	c.mu.Lock()
	c.calls[streamID] = call
	c.mu.Unlock()
	streamsActive.WithLabelValues("client").Inc()

	if err := conn.send(encodeFrame(streamID, FlagHEADERS, []byte(headerPayload))); err != nil {
		c.removeCall(streamID)
		cancel()
		return nil, errors.Wrap(err, "wsbridge: failed to send headers")
	}
	if err := conn.send(encodeFrame(streamID, FlagDATA|FlagEOS, data)); err != nil {
		c.removeCall(streamID)
		cancel()
		return nil, errors.Wrap(err, "wsbridge: failed to send request")
	}

	return call, nil
}

func schedulerOrInline(s EventScheduler) EventScheduler {
	if s == nil {
		return inlineScheduler{}
	}
	return s
}

// Close tears down the client: the root context is cancelled, the
// current socket (if any) is closed, and all registered calls fail
// with ErrUnavailable. Close does not wait for the supervisor
// goroutine to observe the cancellation.
func (c *Client) Close() error {
	c.cancel()
	conn := c.currentConn()
	if conn != nil {
		conn.socket.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}
