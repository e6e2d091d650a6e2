package wsbridge

import (
	"github.com/pkg/errors"
)

// ResetCode is the 4-byte big-endian error code carried by a RST_STREAM
// frame's payload (wire format §6.1).
type ResetCode uint32

const (
	ResetNoError           ResetCode = 0
	ResetProtocolError     ResetCode = 1
	ResetInternalError     ResetCode = 2
	ResetFlowControlError  ResetCode = 3
	ResetStreamClosed      ResetCode = 4
	ResetFrameSizeError    ResetCode = 5
	ResetRefusedStream     ResetCode = 6
	ResetCancel            ResetCode = 7
	ResetResourceExhausted ResetCode = 8
	ResetUnavailable       ResetCode = 9
)

func (c ResetCode) String() string {
	switch c {
	case ResetNoError:
		return "NO_ERROR"
	case ResetProtocolError:
		return "PROTOCOL_ERROR"
	case ResetInternalError:
		return "INTERNAL_ERROR"
	case ResetFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case ResetStreamClosed:
		return "STREAM_CLOSED"
	case ResetFrameSizeError:
		return "FRAME_SIZE_ERROR"
	case ResetRefusedStream:
		return "REFUSED_STREAM"
	case ResetCancel:
		return "CANCEL"
	case ResetResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case ResetUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// decodeErrorKind classifies a frame-decode failure so callers can tell
// a recoverable per-frame problem (log and continue) from one that must
// tear down the connection (oversize payload, §4.1/§7).
type decodeErrorKind int

const (
	decodeErrTooSmall decodeErrorKind = iota
	decodeErrOversize
	decodeErrTruncated
)

// frameDecodeError is a recoverable decode error, tagged with a kind so
// the connection read loop can decide whether to keep the connection
// alive (most cases) or close it (oversize, an attack-surface concern).
type frameDecodeError struct {
	kind decodeErrorKind
	msg  string
}

func (e *frameDecodeError) Error() string { return e.msg }

func (e *frameDecodeError) isOversize() bool { return e.kind == decodeErrOversize }

// ErrStreamIDExhausted is surfaced synchronously to the caller of
// Client.Call when the client-side odd stream-id space is exhausted
// (§3 invariant 1, §8 boundary case). The connection is closed with WS
// code 4000 when this happens.
var ErrStreamIDExhausted = errors.New("wsbridge: client stream id space exhausted")

// ErrUnavailable is the error delivered to every still-registered
// stream when the client's socket closes (§4.7 step 4, §7 transport).
var ErrUnavailable = errors.New("wsbridge: connection unavailable")

// ErrHeaderValueNewline is returned by the header-block encoder when a
// metadata value contains an embedded newline, which the wire format
// cannot represent unambiguously (spec §9 design note: "do not guess").
var ErrHeaderValueNewline = errors.New("wsbridge: header value must not contain a newline")

// StatusError is the error type surfaced to a client Call when the
// stream completes with a non-zero grpc-status (§4.5 completion).
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return errors.Errorf("wsbridge: rpc error: code = %d desc = %s", e.Code, e.Message).Error()
}

// ResetError is the error surfaced when a stream is torn down by a
// RST_STREAM frame rather than a TRAILERS frame.
type ResetError struct {
	Code ResetCode
}

func (e *ResetError) Error() string {
	return "wsbridge: stream reset: " + e.Code.String()
}
