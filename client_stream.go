package wsbridge

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/golang/protobuf/proto"
)

// Call is the client-side view of one multiplexed stream (C5): a
// lazy, pull-based, cancelable sequence of decoded response messages.
// Recv is called repeatedly until it returns io.EOF (clean
// completion) or a non-nil error (*StatusError, *ResetError, or a
// context/connection error).
type Call struct {
	client    *Client
	streamID  uint32
	ctx       context.Context
	cancelCtx context.CancelFunc
	msgChan   chan []byte
	scheduler EventScheduler

	mu          sync.Mutex
	closed      bool
	terminalErr error
}

// Recv blocks until the next message arrives, the stream completes,
// or ctx is done. On clean completion it returns io.EOF. Messages
// observed by Recv appear in the order they were sent (§8).
func (call *Call) Recv(ctx context.Context, msg proto.Message) error {
	select {
	case data, ok := <-call.msgChan:
		if !ok {
			call.mu.Lock()
			err := call.terminalErr
			call.mu.Unlock()
			if err != nil {
				return err
			}
			return io.EOF
		}
		if err := proto.Unmarshal(data, msg); err != nil {
			return errors.Wrap(err, "wsbridge: failed to unmarshal response")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-call.ctx.Done():
		return call.ctx.Err()
	}
}

// Subscribe drives Recv in a background goroutine until the stream
// completes or ctx ends: newResponse produces a fresh message to
// unmarshal into for each delivery. onMsg and onDone are invoked via
// the configured EventScheduler (§6.2) rather than on the protocol
// goroutine, so message delivery can be hopped onto e.g. a UI
// change-detection zone without coupling protocol throughput to it.
// onDone is called exactly once with nil for a clean completion.
func (call *Call) Subscribe(ctx context.Context, newResponse func() proto.Message, onMsg func(proto.Message), onDone func(error)) {
	go func() {
		for {
			msg := newResponse()
			err := call.Recv(ctx, msg)
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				call.scheduler.RunOnUIScheduler(func() { onDone(err) })
				return
			}
			delivered := msg
			call.scheduler.RunOnUIScheduler(func() { onMsg(delivered) })
		}
	}()
}

// Cancel tears down the stream: it is removed from the client's
// registry and, if the socket is still open, a RST_STREAM(CANCEL)
// frame is enqueued. Idempotent — teardown after the stream has
// already reached a terminal state (TRAILERS/RST_STREAM/close) is a
// no-op and never emits a second RST_STREAM (§4.5, §8).
func (call *Call) Cancel() {
	call.mu.Lock()
	if call.closed {
		call.mu.Unlock()
		return
	}
	call.closed = true
	call.terminalErr = context.Canceled
	call.mu.Unlock()

	call.client.removeCall(call.streamID)
	call.cancelCtx()
	closeMsgChanSafely(call.msgChan)

	if conn := call.client.currentConn(); conn != nil {
		conn.trySend(encodeFrame(call.streamID, FlagRST_STREAM, resetPayload(ResetCancel)))
		resetStreamTotal.WithLabelValues("client", ResetCancel.String()).Inc()
	}
}

// deliver pushes a decoded DATA frame's payload to the consumer. It is
// only ever called from the client's single read-loop goroutine for
// this stream, so no locking is needed around the channel send.
func (call *Call) deliver(payload []byte) {
	select {
	case call.msgChan <- payload:
	case <-call.ctx.Done():
	}
}

// complete marks the call terminal (err nil means clean EOS) and
// closes msgChan so a blocked Recv wakes up.
func (call *Call) complete(err error) {
	call.mu.Lock()
	if call.closed {
		call.mu.Unlock()
		return
	}
	call.closed = true
	call.terminalErr = err
	call.mu.Unlock()

	closeMsgChanSafely(call.msgChan)
}

// fail is complete's counterpart for connection-level teardown
// (§4.7 step 4: every still-registered stream observes ErrUnavailable).
func (call *Call) fail(err error) {
	call.complete(err)
	call.cancelCtx()
}

func closeMsgChanSafely(ch chan []byte) {
	defer func() { recover() }()
	close(ch)
}
