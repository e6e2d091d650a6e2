package wsbridge

import (
	"strconv"

	"google.golang.org/grpc/metadata"
)

// buildTrailerLines renders the canonical "grpc-status"/"grpc-message"
// lines plus any custom trailer metadata, in the writer form the §9
// design note requires ("grpc-status: 0", with the space).
func buildTrailerLines(code int, message string, trailer metadata.MD) (string, error) {
	md := metadata.MD{}
	for k, v := range trailer {
		md[k] = v
	}
	extra := []string{
		"grpc-status: " + strconv.Itoa(code),
		"grpc-message: " + message,
	}
	return encodeHeaderBlock(md, extra...)
}

// parseGRPCStatus converts the parsed TRAILERS text fields into a
// numeric status code and message. An absent grpc-status defaults to
// OK (a handler that never sets one implies success by convention,
// matching the teacher's "default status OK"); a non-numeric value
// maps to 2 (Unknown).
func parseGRPCStatus(block parsedHeaderBlock) (code int, message string) {
	if block.GRPCStatus == "" {
		return 0, block.GRPCMessage
	}
	n, err := strconv.Atoi(block.GRPCStatus)
	if err != nil {
		return 2, block.GRPCMessage // Unknown
	}
	return n, block.GRPCMessage
}
