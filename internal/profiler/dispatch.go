package profiler

import (
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/device"
	"github.com/ethpandaops/queuetap/internal/export"
	"github.com/ethpandaops/queuetap/internal/queue"
	"github.com/ethpandaops/queuetap/internal/sampling"
)

// dispatchCounters brackets every dispatch with a fresh counter packet and
// turns the result into a dispatch sample.
type dispatchCounters struct {
	log      logrus.FieldLogger
	builder  *aql.CounterPacketBuilder
	onSample sampling.SampleFunc
	health   *export.HealthMetrics
}

func newDispatchCounters(
	log logrus.FieldLogger,
	builder *aql.CounterPacketBuilder,
	onSample sampling.SampleFunc,
	health *export.HealthMetrics,
) *dispatchCounters {
	return &dispatchCounters{
		log:      log.WithField("component", "dispatch_counters"),
		builder:  builder,
		onSample: onSample,
		health:   health,
	}
}

func (d *dispatchCounters) enqueue(
	_ *queue.Queue,
	_ device.Command,
	dispatchID uint64,
	userData *queue.UserData,
	_ queue.ExternalCorrelation,
	_ uint64,
) aql.Packet {
	pkt, err := d.builder.ConstructPacket(nil)
	if err != nil {
		d.log.WithError(err).WithField("dispatch", dispatchID).
			Warn("Skipping counters for dispatch")
		d.count("error")

		return nil
	}

	d.count("construct")

	userData.Value = dispatchID

	return pkt
}

func (d *dispatchCounters) completed(
	_ *queue.Queue,
	_ device.Command,
	s *queue.Session,
	injected *queue.Injected,
) {
	pkt, ok := injected.Take(dispatchClientID).(*aql.CounterPacket)
	if !ok {
		return
	}

	defer func() {
		if err := pkt.Release(); err != nil {
			d.log.WithError(err).Warn("Failed to release counter packet")
		}

		d.count("release")
	}()

	values, err := sampling.Values(d.builder, pkt)
	if err != nil {
		d.log.WithError(err).WithField("dispatch", s.DispatchID).
			Error("Failed to decode dispatch counters")

		return
	}

	sample := sampling.Sample{
		Source:        sampling.SourceDispatch,
		Tag:           s.UserData.Value,
		AgentID:       s.Agent.ID(),
		Arch:          s.Agent.Name(),
		QueueID:       s.QueueID,
		DispatchID:    s.DispatchID,
		KernelID:      s.KernelID,
		CorrelationID: s.CorrelationID,
		ThreadID:      s.ThreadID,
		Values:        values,
	}
	sample.Stamp()

	if d.health != nil {
		d.health.SamplesCollected.WithLabelValues(string(sampling.SourceDispatch)).Inc()
	}

	d.onSample(sample)
}

func (d *dispatchCounters) count(event string) {
	if d.health == nil {
		return
	}

	kind := aql.KindCounter.String()

	switch event {
	case "construct":
		d.health.PacketsConstructed.WithLabelValues(kind).Inc()
	case "error":
		d.health.PacketConstructErrors.WithLabelValues(kind).Inc()
	case "release":
		d.health.PacketsReleased.WithLabelValues(kind).Inc()
	}
}
