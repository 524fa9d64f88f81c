package profiler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/device"
	"github.com/ethpandaops/queuetap/internal/export"
	"github.com/ethpandaops/queuetap/internal/queue"
	"github.com/ethpandaops/queuetap/internal/sink"
)

type codeObject struct {
	addr uint64
	size uint64
}

// tracer wraps one dispatch at a time with a trace-control packet and
// keeps the tracer informed about loaded code objects.
type tracer struct {
	log     logrus.FieldLogger
	factory *aql.TracePacketFactory
	queue   *queue.Queue
	onTrace func(sink.TraceSession)
	health  *export.HealthMetrics

	mu      sync.Mutex
	active  *aql.TraceControlPacket
	objects map[uint64]codeObject
}

func newTracer(
	log logrus.FieldLogger,
	factory *aql.TracePacketFactory,
	q *queue.Queue,
	onTrace func(sink.TraceSession),
	health *export.HealthMetrics,
) *tracer {
	return &tracer{
		log:     log.WithField("component", "tracer"),
		factory: factory,
		queue:   q,
		onTrace: onTrace,
		health:  health,
		objects: make(map[uint64]codeObject, 8),
	}
}

func (t *tracer) enqueue(
	_ *queue.Queue,
	_ device.Command,
	dispatchID uint64,
	_ *queue.UserData,
	_ queue.ExternalCorrelation,
	_ uint64,
) aql.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A released active packet belonged to a submission that failed.
	if t.active != nil && !t.active.Released() {
		return nil
	}

	pkt, err := t.factory.ConstructPacket()
	if err != nil {
		t.log.WithError(err).WithField("dispatch", dispatchID).
			Warn("Skipping trace for dispatch")
		t.count("error")

		return nil
	}

	t.count("construct")

	for _, id := range t.sortedIDs() {
		obj := t.objects[id]
		pkt.AddCodeObject(id, obj.addr, obj.size)
	}

	t.active = pkt

	return pkt
}

func (t *tracer) completed(
	_ *queue.Queue,
	_ device.Command,
	s *queue.Session,
	injected *queue.Injected,
) {
	pkt, ok := injected.Take(traceClientID).(*aql.TraceControlPacket)
	if !ok {
		return
	}

	t.mu.Lock()
	if t.active == pkt {
		t.active = nil
	}
	t.mu.Unlock()

	summary, err := pkt.Summary()
	codeObjects := len(pkt.LoadedCodeObjects())

	if rerr := pkt.Release(); rerr != nil {
		t.log.WithError(rerr).Warn("Failed to release trace packet")
	}

	t.count("release")

	if err != nil {
		t.log.WithError(err).WithField("dispatch", s.DispatchID).
			Error("Failed to read trace summary")

		return
	}

	if t.health != nil {
		t.health.TraceDispatches.Add(float64(summary.Dispatches))
	}

	t.onTrace(sink.TraceSession{
		Timestamp:     time.Now(),
		AgentID:       s.Agent.ID(),
		Arch:          s.Agent.Name(),
		QueueID:       s.QueueID,
		DispatchID:    s.DispatchID,
		KernelID:      s.KernelID,
		CorrelationID: s.CorrelationID,
		Summary:       summary,
		CodeObjects:   codeObjects,
	})
}

// load records a code object and announces it to the device tracer.
func (t *tracer) load(id, addr, size uint64) error {
	t.mu.Lock()
	t.objects[id] = codeObject{addr: addr, size: size}

	if t.active != nil {
		t.active.AddCodeObject(id, addr, size)
	}

	loaded := len(t.objects)
	t.mu.Unlock()

	t.setLoaded(loaded)

	marker := t.factory.ConstructLoadMarker(id, addr, size)
	marker.PopulateBefore()

	if err := t.queue.Inject(marker.Before(), nil); err != nil {
		return fmt.Errorf("injecting load marker for code object %d: %w", id, err)
	}

	return nil
}

// unload forgets a code object and announces the unload.
func (t *tracer) unload(id uint64) error {
	t.mu.Lock()
	_, known := t.objects[id]
	delete(t.objects, id)

	if t.active != nil {
		t.active.RemoveCodeObject(id)
	}

	loaded := len(t.objects)
	t.mu.Unlock()

	if !known {
		return nil
	}

	t.setLoaded(loaded)

	marker := t.factory.ConstructUnloadMarker(id)
	marker.PopulateBefore()

	if err := t.queue.Inject(marker.Before(), nil); err != nil {
		return fmt.Errorf("injecting unload marker for code object %d: %w", id, err)
	}

	return nil
}

// sortedIDs returns loaded ids ascending. Callers hold t.mu.
func (t *tracer) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(t.objects))
	for id := range t.objects {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func (t *tracer) setLoaded(n int) {
	if t.health != nil {
		t.health.CodeObjectsLoaded.Set(float64(n))
	}
}

func (t *tracer) count(event string) {
	if t.health == nil {
		return
	}

	kind := aql.KindTraceControl.String()

	switch event {
	case "construct":
		t.health.PacketsConstructed.WithLabelValues(kind).Inc()
	case "error":
		t.health.PacketConstructErrors.WithLabelValues(kind).Inc()
	case "release":
		t.health.PacketsReleased.WithLabelValues(kind).Inc()
	}
}
