package wsbridge

import (
	"sort"
	"strings"

	"google.golang.org/grpc/metadata"
)

// encodeHeaderBlock renders metadata as the newline-separated
// "key: value" text block used by HEADERS/TRAILERS payloads (§6.1).
// Keys are sorted so output is deterministic, which matters for tests
// that assert on wire bytes. Writers always emit the space form
// ("key: value") per the §9 design note on trailer-parsing tolerance.
//
// A value containing an embedded newline cannot be represented
// unambiguously by this line-oriented format; rather than guess at an
// escaping scheme the source never specified, encoding fails outright
// (§9: "do not guess").
func encodeHeaderBlock(md metadata.MD, extra ...string) (string, error) {
	lines := make([]string, 0, len(md)+len(extra))

	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range md[k] {
			if strings.ContainsAny(v, "\n\r") {
				return "", ErrHeaderValueNewline
			}
			lines = append(lines, k+": "+v)
		}
	}
	for _, extraLine := range extra {
		lines = append(lines, extraLine)
	}
	return strings.Join(lines, "\n"), nil
}

// parsedHeaderBlock is the result of parsing a HEADERS/TRAILERS text
// block: reserved keys pulled out individually, everything else folded
// into metadata.
type parsedHeaderBlock struct {
	Path        string // HEADERS only
	GRPCStatus  string // TRAILERS only
	GRPCMessage string // TRAILERS only
	Authorization string // HEADERS only
	MD          metadata.MD
}

// parseHeaderBlock parses a "key: value" newline-separated text block.
// Readers accept optional whitespace around the colon (§9 design note),
// e.g. both "grpc-status:0" and "grpc-status: 0" are valid.
func parseHeaderBlock(payload []byte) parsedHeaderBlock {
	out := parsedHeaderBlock{MD: metadata.MD{}}
	text := string(payload)

	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx == -1 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}

		switch strings.ToLower(key) {
		case "path":
			out.Path = value
		case "grpc-status":
			out.GRPCStatus = value
		case "grpc-message":
			out.GRPCMessage = value
		case "authorization":
			out.Authorization = value
			out.MD.Append(key, value)
		default:
			out.MD.Append(key, value)
		}
	}
	return out
}
