package wsbridge

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Frame flag bits, OR-combinable (wire format §6.1).
const (
	FlagHEADERS    = 0x01 // initial metadata for a new stream
	FlagDATA       = 0x02 // a serialized protobuf message
	FlagTRAILERS   = 0x04 // final RPC status from the server
	FlagRST_STREAM = 0x08 // abnormal termination signal
	FlagEOS        = 0x10 // no further frames on this stream from the sender
	FlagPING       = 0x20 // connection-level liveness probe
	FlagPONG       = 0x40 // liveness probe response
)

// frameHeaderSize is the fixed 9-byte header: 1 byte flags, 4 bytes
// stream id, 4 bytes length, all big-endian.
const frameHeaderSize = 9

// defaultMaxPayloadSize is the wire-format default (§6.1, §6.3).
const defaultMaxPayloadSize = 4 * 1024 * 1024

// maxHeadersPayloadSize is the recommended soft cap on HEADERS payload
// size (§6.1); it is advisory, not enforced by the codec itself.
const maxHeadersPayloadSize = 16 * 1024

// Frame is a decoded wsbridge protocol frame. It is immutable once
// returned by decodeFrame; its Payload aliases the input buffer.
type Frame struct {
	Flags    uint8
	StreamID uint32
	Payload  []byte
}

// encodeFrame lays out the 9-byte header followed by payload, per the
// bit-exact wire layout in spec §6.1.
func encodeFrame(streamID uint32, flags uint8, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = flags
	binary.BigEndian.PutUint32(frame[1:5], streamID)
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// decodeFrame parses a binary frame. It never allocates before the
// declared-length/maxPayloadSize check passes, and never panics on
// arbitrary input — see frame_fuzz_test.go.
func decodeFrame(data []byte, maxPayloadSize uint32) (*Frame, error) {
	if len(data) < frameHeaderSize {
		return nil, &frameDecodeError{
			kind: decodeErrTooSmall,
			msg:  errors.Errorf("frame too small: expected at least %d bytes, got %d", frameHeaderSize, len(data)).Error(),
		}
	}

	flags := data[0]
	streamID := binary.BigEndian.Uint32(data[1:5])
	length := binary.BigEndian.Uint32(data[5:9])

	if length > maxPayloadSize {
		return nil, &frameDecodeError{
			kind: decodeErrOversize,
			msg:  errors.Errorf("payload too large: %d bytes exceeds maximum of %d bytes", length, maxPayloadSize).Error(),
		}
	}

	// int(length) is safe here: length <= maxPayloadSize, and
	// maxPayloadSize is a caller-configured uint32 that in practice
	// never approaches the int overflow boundary on supported platforms.
	expectedSize := frameHeaderSize + int(length)
	if len(data) < expectedSize {
		return nil, &frameDecodeError{
			kind: decodeErrTruncated,
			msg:  errors.Errorf("incomplete frame: header specifies %d bytes payload, but only %d bytes available", length, len(data)-frameHeaderSize).Error(),
		}
	}

	return &Frame{
		Flags:    flags,
		StreamID: streamID,
		Payload:  data[frameHeaderSize:expectedSize],
	}, nil
}

// isClientStreamID reports whether id is a valid client-initiated
// stream id (odd, non-zero) per §3's identity rule.
func isClientStreamID(id uint32) bool {
	return id != 0 && id%2 == 1
}
