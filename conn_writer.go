package wsbridge

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// writerActor is the single serialized-writer task described in §4.2.
// Both the server's wsConnection and the client's clientConn embed it
// so neither side re-implements the actor pattern: most WebSocket
// libraries forbid concurrent writes, so centralizing the write
// eliminates lock contention and makes backpressure explicit (queue
// full blocks the producer on ctx, not on a mutex).
type writerActor struct {
	socket   *websocket.Conn
	sendChan chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.SugaredLogger
	role     string // "server" or "client", for logging/metrics labels
}

func newWriterActor(ctx context.Context, cancel context.CancelFunc, socket *websocket.Conn, log *zap.SugaredLogger, role string) *writerActor {
	return &writerActor{
		socket:   socket,
		sendChan: make(chan []byte, 100),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		role:     role,
	}
}

// send enqueues a fully encoded frame. It blocks if the bounded queue
// is full (TCP backpressure, §5), and returns the connection's
// cancellation cause if the connection is already torn down.
func (w *writerActor) send(frame []byte) error {
	select {
	case w.sendChan <- frame:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// trySend attempts a non-blocking enqueue; used during graceful
// shutdown where callers want a bounded best-effort attempt rather
// than blocking indefinitely on a producer that may never drain.
func (w *writerActor) trySend(frame []byte) bool {
	select {
	case w.sendChan <- frame:
		return true
	default:
		return false
	}
}

// run drains sendChan and writes each frame as one binary WebSocket
// message. Any write error or channel closure cancels the connection
// context, tearing down every dependent (readers, stream handlers).
func (w *writerActor) run() {
	for {
		select {
		case frame, ok := <-w.sendChan:
			if !ok {
				w.log.Debugw("send channel closed, cancelling connection", "role", w.role)
				w.cancel()
				return
			}
			if err := w.socket.Write(w.ctx, websocket.MessageBinary, frame); err != nil {
				w.log.Debugw("write error, cancelling connection", "role", w.role, "error", err)
				w.cancel()
				return
			}
			framesTotal.WithLabelValues(w.role, "out", frameKindLabel(frame)).Inc()
		case <-w.ctx.Done():
			return
		}
	}
}

// close cancels the connection and closes the send channel. Safe to
// call once; callers own not double-closing sendChan.
func (w *writerActor) close() {
	w.cancel()
	close(w.sendChan)
}

// frameKindLabel derives a coarse metrics label from an already
// encoded frame's flags byte (byte 0).
func frameKindLabel(encoded []byte) string {
	if len(encoded) == 0 {
		return "unknown"
	}
	return flagKindLabel(encoded[0])
}

// flagKindLabel derives a coarse metrics label directly from a decoded
// frame's flags byte, with no re-encoding required.
func flagKindLabel(flags uint8) string {
	switch {
	case flags&FlagHEADERS != 0:
		return "headers"
	case flags&FlagTRAILERS != 0:
		return "trailers"
	case flags&FlagRST_STREAM != 0:
		return "rst_stream"
	case flags&FlagPING != 0:
		return "ping"
	case flags&FlagPONG != 0:
		return "pong"
	case flags&FlagDATA != 0:
		return "data"
	default:
		return "unknown"
	}
}
