package device

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// ProgramMagic tags a counter program in a command buffer.
	ProgramMagic uint32 = 0x51544150
	// ProgramVersion is the command buffer layout version.
	ProgramVersion uint32 = 1
	// ProgramHeaderSize is the fixed header in front of the selects.
	ProgramHeaderSize = 16
	// SelectSize is the size of one encoded CounterSelect.
	SelectSize = 8
	// RecordSize is the size of one counter record in an output buffer.
	RecordSize = 16
	// MaxBlockInstances is the most instances a block can expose; instance
	// indices travel as 16-bit fields.
	MaxBlockInstances = math.MaxUint16 + 1
)

// CounterSelect programs one event on one block instance.
type CounterSelect struct {
	BlockID  uint16
	Instance uint16
	EventID  uint32
}

// CounterRecord is one fixed-width entry of a counter output buffer.
type CounterRecord struct {
	BlockID  uint16
	Instance uint16
	EventID  uint32
	Value    uint64
}

// ProgramSize returns the command buffer bytes needed for n selects.
func ProgramSize(n int) int {
	return ProgramHeaderSize + n*SelectSize
}

// EncodeProgram encodes counter selects into command buffer layout:
// magic u32, version u32, count u32, reserved u32, then count selects.
func EncodeProgram(selects []CounterSelect) []byte {
	buf := make([]byte, ProgramSize(len(selects)))

	binary.LittleEndian.PutUint32(buf[0:4], ProgramMagic)
	binary.LittleEndian.PutUint32(buf[4:8], ProgramVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(selects)))

	for i, s := range selects {
		off := ProgramHeaderSize + i*SelectSize
		binary.LittleEndian.PutUint16(buf[off:off+2], s.BlockID)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], s.Instance)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], s.EventID)
	}

	return buf
}

// DecodeProgram parses a command buffer written by EncodeProgram.
func DecodeProgram(data []byte) ([]CounterSelect, error) {
	if len(data) < ProgramHeaderSize {
		return nil, fmt.Errorf("counter program too short: %d bytes", len(data))
	}

	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != ProgramMagic {
		return nil, fmt.Errorf("bad counter program magic %#x", magic)
	}

	n := int(binary.LittleEndian.Uint32(data[8:12]))
	if len(data) < ProgramSize(n) {
		return nil, fmt.Errorf("counter program truncated: %d selects in %d bytes", n, len(data))
	}

	selects := make([]CounterSelect, n)

	for i := range selects {
		off := ProgramHeaderSize + i*SelectSize
		selects[i] = CounterSelect{
			BlockID:  binary.LittleEndian.Uint16(data[off : off+2]),
			Instance: binary.LittleEndian.Uint16(data[off+2 : off+4]),
			EventID:  binary.LittleEndian.Uint32(data[off+4 : off+8]),
		}
	}

	return selects, nil
}

// PutRecord writes r at record index i of an output buffer.
func PutRecord(buf []byte, i int, r CounterRecord) {
	off := i * RecordSize
	binary.LittleEndian.PutUint16(buf[off:off+2], r.BlockID)
	binary.LittleEndian.PutUint16(buf[off+2:off+4], r.Instance)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], r.EventID)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], r.Value)
}

// DecodeRecords reads n records from an output buffer.
func DecodeRecords(buf []byte, n int) ([]CounterRecord, error) {
	if len(buf) < n*RecordSize {
		return nil, fmt.Errorf("output buffer holds %d bytes, need %d", len(buf), n*RecordSize)
	}

	records := make([]CounterRecord, n)

	for i := range records {
		off := i * RecordSize
		records[i] = CounterRecord{
			BlockID:  binary.LittleEndian.Uint16(buf[off : off+2]),
			Instance: binary.LittleEndian.Uint16(buf[off+2 : off+4]),
			EventID:  binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			Value:    binary.LittleEndian.Uint64(buf[off+8 : off+16]),
		}
	}

	return records, nil
}
