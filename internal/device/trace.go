package device

import (
	"encoding/binary"
	"fmt"
)

// Code-object marker flags carried in Args[3] of a marker command.
const (
	// MarkerFromStart marks a replay of an object loaded before tracing
	// started.
	MarkerFromStart uint64 = 1 << 0
	// MarkerUnload marks an unload event.
	MarkerUnload uint64 = 1 << 1
)

// TraceSummarySize is the size of the summary the device writes into the
// trace control block on trace stop.
const TraceSummarySize = 24

// TraceSummary is what the device reports for a finished trace window.
type TraceSummary struct {
	// Dispatches is the number of kernels executed while tracing.
	Dispatches uint64
	// Markers is the number of code-object markers seen.
	Markers uint64
	// Bytes is how much of the trace buffer was filled.
	Bytes uint64
}

// PutTraceSummary encodes s at the start of buf.
func PutTraceSummary(buf []byte, s TraceSummary) error {
	if len(buf) < TraceSummarySize {
		return fmt.Errorf("trace control block too small: %d bytes", len(buf))
	}

	binary.LittleEndian.PutUint64(buf[0:8], s.Dispatches)
	binary.LittleEndian.PutUint64(buf[8:16], s.Markers)
	binary.LittleEndian.PutUint64(buf[16:24], s.Bytes)

	return nil
}

// DecodeTraceSummary reads a summary from a control block.
func DecodeTraceSummary(buf []byte) (TraceSummary, error) {
	if len(buf) < TraceSummarySize {
		return TraceSummary{}, fmt.Errorf("trace control block too small: %d bytes", len(buf))
	}

	return TraceSummary{
		Dispatches: binary.LittleEndian.Uint64(buf[0:8]),
		Markers:    binary.LittleEndian.Uint64(buf[8:16]),
		Bytes:      binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}
