package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/queuetap/internal/device"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestMemory_AllocateAligned(t *testing.T) {
	mem := NewMemory(0)

	buf, err := mem.Allocate(10, device.MemoryKindCommand)
	require.NoError(t, err)
	assert.Equal(t, device.PageSize, buf.Size)
	assert.Len(t, buf.Bytes, device.PageSize)

	resolved, ok := mem.Resolve(buf.Addr)
	require.True(t, ok)
	assert.Same(t, buf, resolved)

	require.NoError(t, mem.Free(buf))
	assert.Equal(t, MemoryStats{Allocs: 1, Frees: 1}, mem.Stats())

	_, ok = mem.Resolve(buf.Addr)
	assert.False(t, ok)
}

func TestMemory_Limit(t *testing.T) {
	mem := NewMemory(device.PageSize)

	_, err := mem.Allocate(1, device.MemoryKindOutput)
	require.NoError(t, err)

	_, err = mem.Allocate(1, device.MemoryKindOutput)
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrResourceExhausted))
}

func TestMemory_FailAfter(t *testing.T) {
	mem := NewMemory(0)
	mem.FailAfter(1)

	_, err := mem.Allocate(1, device.MemoryKindCommand)
	require.NoError(t, err)

	_, err = mem.Allocate(1, device.MemoryKindOutput)
	require.ErrorIs(t, err, device.ErrResourceExhausted)

	// One-shot: the next allocation succeeds again.
	_, err = mem.Allocate(1, device.MemoryKindOutput)
	require.NoError(t, err)
}

func TestMemory_CopyBounds(t *testing.T) {
	mem := NewMemory(0)

	buf, err := mem.Allocate(1, device.MemoryKindCommand)
	require.NoError(t, err)

	require.NoError(t, mem.Copy(buf, 0, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, buf.Bytes[:3])

	require.Error(t, mem.Copy(buf, device.PageSize-1, []byte{1, 2}))
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Blocks = append(cfg.Blocks, BlockConfig{Name: "SQ"})
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Blocks = []BlockConfig{{Name: "TCC", Instances: device.MaxBlockInstances, MaxCounters: 4}}
	require.NoError(t, cfg.Validate())

	cfg.Blocks[0].Instances++
	require.ErrorContains(t, cfg.Validate(), "65537 instances")
}

func TestAgent_Blocks(t *testing.T) {
	agent := NewAgent(3, DefaultConfig())

	assert.Equal(t, "gfx90a", agent.Name())
	assert.Equal(t, "agent-3", agent.ID().String())

	sq, ok := agent.Block("SQ")
	require.True(t, ok)
	assert.Equal(t, uint16(2), sq.ID)
	assert.Equal(t, uint32(8), sq.MaxCounters)

	_, ok = agent.Block("NOPE")
	assert.False(t, ok)
}

func TestQueue_CountersAndSignal(t *testing.T) {
	dev := New(testLog(), DefaultConfig())
	defer dev.Close()

	q := dev.NewQueue()
	mem := dev.Agent().Memory()

	selects := []device.CounterSelect{{BlockID: 2, Instance: 0, EventID: 4}}
	program := device.EncodeProgram(selects)

	cmdBuf, err := mem.Allocate(len(program), device.MemoryKindCommand)
	require.NoError(t, err)
	require.NoError(t, mem.Copy(cmdBuf, 0, program))

	out, err := mem.Allocate(device.RecordSize, device.MemoryKindOutput)
	require.NoError(t, err)

	var args [6]uint64
	args[device.ArgProgramAddr] = cmdBuf.Addr
	args[device.ArgOutputAddr] = out.Addr
	args[device.ArgEventCount] = 1

	sig, err := q.CreateSignal(1)
	require.NoError(t, err)

	require.NoError(t, q.Write([]device.Command{
		{Type: device.PacketTypeVendorSpecific, Opcode: device.OpcodeCounterStart, Args: args},
		device.KernelDispatch(0x10, 0, 8),
		{Type: device.PacketTypeVendorSpecific, Opcode: device.OpcodeCounterStop, Args: args},
		{Type: device.PacketTypeVendorSpecific, Opcode: device.OpcodeCounterRead, Args: args},
		device.BarrierAnd(sig.Handle()),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sig.WaitZero(ctx))

	records, err := device.DecodeRecords(out.Bytes, 1)
	require.NoError(t, err)
	// Grid 8, event 4 -> weight 1.
	assert.Equal(t, uint64(8), records[0].Value)
	assert.Equal(t, uint16(2), records[0].BlockID)
}

func TestQueue_Full(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2

	dev := New(testLog(), cfg)
	defer dev.Close()

	q := dev.NewQueue()
	q.Pause()

	err := q.Write([]device.Command{device.Null, device.Null, device.Null})
	require.ErrorIs(t, err, device.ErrQueueFull)
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_PauseResume(t *testing.T) {
	dev := New(testLog(), DefaultConfig())
	defer dev.Close()

	q := dev.NewQueue()
	q.Pause()

	sig, err := q.CreateSignal(1)
	require.NoError(t, err)
	require.NoError(t, q.Write([]device.Command{device.BarrierAnd(sig.Handle())}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), sig.Load())

	q.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sig.WaitZero(ctx))
}

func TestQueue_ClosedDoorbell(t *testing.T) {
	dev := New(testLog(), DefaultConfig())

	q := dev.NewQueue()
	dev.Close()

	require.ErrorIs(t, q.Write([]device.Command{device.Null}), device.ErrInvalidDoorbell)
}

func TestQueue_TraceSummary(t *testing.T) {
	dev := New(testLog(), DefaultConfig())
	defer dev.Close()

	q := dev.NewQueue()
	mem := dev.Agent().Memory()

	control, err := mem.Allocate(device.TraceSummarySize, device.MemoryKindOutput)
	require.NoError(t, err)

	var args [6]uint64
	args[device.ArgControlAddr] = control.Addr
	args[device.ArgTraceSize] = 4096

	sig, err := q.CreateSignal(1)
	require.NoError(t, err)

	require.NoError(t, q.Write([]device.Command{
		{Type: device.PacketTypeVendorSpecific, Opcode: device.OpcodeTraceStart, Args: args},
		{Type: device.PacketTypeVendorSpecific, Opcode: device.OpcodeCodeObjectMarker},
		device.KernelDispatch(0x10, 0, 1),
		device.KernelDispatch(0x10, 0, 1),
		{Type: device.PacketTypeVendorSpecific, Opcode: device.OpcodeTraceStop, Args: args},
		device.BarrierAnd(sig.Handle()),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sig.WaitZero(ctx))

	summary, err := device.DecodeTraceSummary(control.Bytes)
	require.NoError(t, err)
	assert.Equal(t, device.TraceSummary{Dispatches: 2, Markers: 1, Bytes: 512}, summary)
}
