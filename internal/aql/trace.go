package aql

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/device"
)

// TraceConfig selects what the instruction tracer captures.
type TraceConfig struct {
	// BufferSize is the device trace buffer size in bytes.
	BufferSize int `yaml:"buffer_size"`
	// TargetCU is the compute unit traced.
	TargetCU uint32 `yaml:"target_cu"`
	// SEMask selects shader engines.
	SEMask uint32 `yaml:"se_mask"`
	// SIMDMask selects SIMDs within the target CU.
	SIMDMask uint32 `yaml:"simd_mask"`
	// WaveFilter restricts tracing to matching waves; zero traces all.
	WaveFilter uint32 `yaml:"wave_filter"`
}

// DefaultTraceConfig returns a 64 MiB trace of CU 1 on every shader engine.
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{
		BufferSize: 64 << 20,
		TargetCU:   1,
		SEMask:     0xffffffff,
		SIMDMask:   0xf,
	}
}

// Validate checks the trace configuration.
func (c *TraceConfig) Validate() error {
	if c.BufferSize <= 0 {
		return errors.New("trace.buffer_size must be positive")
	}

	if c.SEMask == 0 {
		return errors.New("trace.se_mask selects no shader engine")
	}

	if c.SIMDMask == 0 {
		return errors.New("trace.simd_mask selects no SIMD")
	}

	return nil
}

// TraceMemoryPool holds the host and device pools trace packets allocate
// from. Unset pools fall back to the agent's allocator.
type TraceMemoryPool struct {
	CPU device.Allocator
	GPU device.Allocator
}

// TracePacketFactory builds trace control packets and code-object markers
// for one agent.
type TracePacketFactory struct {
	log   logrus.FieldLogger
	agent device.Agent
	cfg   TraceConfig
	pool  TraceMemoryPool
}

// NewTracePacketFactory creates a factory.
func NewTracePacketFactory(
	log logrus.FieldLogger,
	agent device.Agent,
	cfg TraceConfig,
	pool TraceMemoryPool,
) *TracePacketFactory {
	if pool.CPU == nil {
		pool.CPU = agent.Allocator()
	}

	if pool.GPU == nil {
		pool.GPU = agent.Allocator()
	}

	return &TracePacketFactory{
		log:   log.WithField("component", "aql/trace"),
		agent: agent,
		cfg:   cfg,
		pool:  pool,
	}
}

// ConstructPacket allocates the trace buffer and control block and builds
// the start/stop commands.
func (f *TracePacketFactory) ConstructPacket() (*TraceControlPacket, error) {
	control, err := f.pool.CPU.Allocate(device.TraceSummarySize, device.MemoryKindOutput)
	if err != nil {
		return nil, fmt.Errorf("allocating trace control block: %w", exhausted(err))
	}

	buffer, err := f.pool.GPU.Allocate(f.cfg.BufferSize, device.MemoryKindDevice)
	if err != nil {
		if ferr := f.pool.CPU.Free(control); ferr != nil {
			f.log.WithError(ferr).Warn("Failed to free trace control block during rollback")
		}

		return nil, fmt.Errorf("allocating %d byte trace buffer: %w", f.cfg.BufferSize, exhausted(err))
	}

	var args [6]uint64
	args[device.ArgControlAddr] = control.Addr
	args[device.ArgTraceAddr] = buffer.Addr
	args[device.ArgTraceSize] = uint64(buffer.Size)
	args[device.ArgTraceTarget] = device.PackWords(f.cfg.TargetCU, f.cfg.SEMask)
	args[device.ArgTraceFilter] = device.PackWords(f.cfg.SIMDMask, f.cfg.WaveFilter)

	f.log.WithFields(logrus.Fields{
		"agent":  f.agent.ID(),
		"buffer": buffer.Size,
	}).Debug("Constructed trace control packet")

	return &TraceControlPacket{
		base:    newBase(KindTraceControl),
		log:     f.log,
		agent:   f.agent,
		pool:    f.pool,
		control: control,
		buffer:  buffer,
		start:   vendor(device.OpcodeTraceStart, args),
		stop:    vendor(device.OpcodeTraceStop, args),
		objects: make(map[uint64]*CodeObjectMarkerPacket, 8),
	}, nil
}

// ConstructLoadMarker builds a marker announcing a loaded code object.
func (f *TracePacketFactory) ConstructLoadMarker(id, addr, size uint64) *CodeObjectMarkerPacket {
	return newMarker(id, addr, size, false, false)
}

// ConstructUnloadMarker builds a marker announcing an unloaded code object.
func (f *TracePacketFactory) ConstructUnloadMarker(id uint64) *CodeObjectMarkerPacket {
	return newMarker(id, 0, 0, false, true)
}

// Agent returns the agent the factory builds for.
func (f *TracePacketFactory) Agent() device.Agent {
	return f.agent
}

// TraceControlPacket starts and stops the instruction tracer and replays
// the code objects loaded at start time.
type TraceControlPacket struct {
	base

	log     logrus.FieldLogger
	agent   device.Agent
	pool    TraceMemoryPool
	control *device.Buffer
	buffer  *device.Buffer
	start   device.Command
	stop    device.Command

	mu      sync.Mutex
	objects map[uint64]*CodeObjectMarkerPacket
}

var _ Packet = (*TraceControlPacket)(nil)

// Handle identifies the trace session on the device.
func (p *TraceControlPacket) Handle() uint64 { return p.control.Addr }

// Agent returns the traced agent.
func (p *TraceControlPacket) Agent() device.Agent { return p.agent }

// AddCodeObject registers a loaded code object, replacing any previous
// registration under the same id.
func (p *TraceControlPacket) AddCodeObject(id, addr, size uint64) {
	marker := newMarker(id, addr, size, true, false)

	p.mu.Lock()
	old := p.objects[id]
	p.objects[id] = marker
	p.mu.Unlock()

	if old != nil {
		p.releaseMarker(old)
	}
}

// RemoveCodeObject drops a registration. It reports whether id was
// registered.
func (p *TraceControlPacket) RemoveCodeObject(id uint64) bool {
	p.mu.Lock()
	old, ok := p.objects[id]
	delete(p.objects, id)
	p.mu.Unlock()

	if ok {
		p.releaseMarker(old)
	}

	return ok
}

// LoadedCodeObjects returns the registered ids in ascending order.
func (p *TraceControlPacket) LoadedCodeObjects() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sortedIDs()
}

func (p *TraceControlPacket) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(p.objects))
	for id := range p.objects {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// PopulateBefore places the trace start followed by one marker per loaded
// code object.
func (p *TraceControlPacket) PopulateBefore() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.before = append(p.before[:0], p.start)

	for _, id := range p.sortedIDs() {
		p.before = append(p.before, p.objects[id].cmd)
	}

	p.empty = false
}

// PopulateAfter places the trace stop.
func (p *TraceControlPacket) PopulateAfter() {
	p.after = append(p.after[:0], p.stop)
	p.empty = false
}

// Summary decodes what the device reported on the last trace stop.
func (p *TraceControlPacket) Summary() (device.TraceSummary, error) {
	if p.Released() {
		return device.TraceSummary{}, errors.New("trace packet already released")
	}

	return device.DecodeTraceSummary(p.control.Bytes)
}

// Release drops every code-object registration, then frees the trace
// buffer and control block.
func (p *TraceControlPacket) Release() error {
	if !p.release() {
		return nil
	}

	p.mu.Lock()
	objects := p.objects
	p.objects = make(map[uint64]*CodeObjectMarkerPacket)
	p.mu.Unlock()

	for _, m := range objects {
		p.releaseMarker(m)
	}

	var errs []error

	if err := p.pool.GPU.Free(p.buffer); err != nil {
		errs = append(errs, fmt.Errorf("freeing trace buffer: %w", err))
	}

	if err := p.pool.CPU.Free(p.control); err != nil {
		errs = append(errs, fmt.Errorf("freeing trace control block: %w", err))
	}

	return errors.Join(errs...)
}

func (p *TraceControlPacket) releaseMarker(m *CodeObjectMarkerPacket) {
	if err := m.Release(); err != nil {
		p.log.WithError(err).WithField("code_object", m.ID()).
			Warn("Failed to release code object marker")
	}
}

// CodeObjectMarkerPacket tells the tracer a code object was loaded or
// unloaded so trace addresses can be attributed.
type CodeObjectMarkerPacket struct {
	base

	id    uint64
	addr  uint64
	size  uint64
	flags uint64
	cmd   device.Command
}

var _ Packet = (*CodeObjectMarkerPacket)(nil)

func newMarker(id, addr, size uint64, fromStart, unload bool) *CodeObjectMarkerPacket {
	var flags uint64
	if fromStart {
		flags |= device.MarkerFromStart
	}

	if unload {
		flags |= device.MarkerUnload
	}

	var args [6]uint64
	args[device.ArgMarkerID] = id
	args[device.ArgMarkerAddr] = addr
	args[device.ArgMarkerSize] = size
	args[device.ArgMarkerFlags] = flags

	return &CodeObjectMarkerPacket{
		base:  newBase(KindCodeObjectMarker),
		id:    id,
		addr:  addr,
		size:  size,
		flags: flags,
		cmd:   vendor(device.OpcodeCodeObjectMarker, args),
	}
}

// PopulateBefore places the marker command.
func (p *CodeObjectMarkerPacket) PopulateBefore() {
	p.before = append(p.before[:0], p.cmd)
	p.empty = false
}

// PopulateAfter is a no-op: markers have no trailing command.
func (p *CodeObjectMarkerPacket) PopulateAfter() {}

// ID returns the code object id.
func (p *CodeObjectMarkerPacket) ID() uint64 { return p.id }

// Addr returns the load address; zero for unload markers.
func (p *CodeObjectMarkerPacket) Addr() uint64 { return p.addr }

// Size returns the code object size in bytes; zero for unload markers.
func (p *CodeObjectMarkerPacket) Size() uint64 { return p.size }

// FromStart reports whether the marker replays a registration at trace start.
func (p *CodeObjectMarkerPacket) FromStart() bool { return p.flags&device.MarkerFromStart != 0 }

// Unload reports whether the marker announces an unload.
func (p *CodeObjectMarkerPacket) Unload() bool { return p.flags&device.MarkerUnload != 0 }

// Command returns the marker command.
func (p *CodeObjectMarkerPacket) Command() device.Command { return p.cmd }

// Release marks the packet released. Markers own no device memory.
func (p *CodeObjectMarkerPacket) Release() error {
	p.release()

	return nil
}
