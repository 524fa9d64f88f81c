package sink

import (
	"time"
)

// SampleJSON is the JSON schema for HTTP export of counter values.
type SampleJSON struct {
	Timestamp     string `json:"timestamp"`
	MonotonicNs   uint64 `json:"monotonic_ns"`
	Source        string `json:"source"`
	Tag           uint64 `json:"tag,omitempty"`
	AgentID       uint64 `json:"agent_id"`
	Arch          string `json:"arch"`
	QueueID       uint64 `json:"queue_id,omitempty"`
	DispatchID    uint64 `json:"dispatch_id,omitempty"`
	KernelID      uint64 `json:"kernel_id,omitempty"`
	CorrelationID uint64 `json:"correlation_id,omitempty"`
	ThreadID      uint32 `json:"thread_id,omitempty"`
	MetricID      uint16 `json:"metric_id"`
	Metric        string `json:"metric"`
	Block         string `json:"block"`
	Instance      uint32 `json:"instance"`
	EventID       uint32 `json:"event_id"`
	Value         uint64 `json:"value"`
	MetaHost      string `json:"meta_host,omitempty"`
	MetaCluster   string `json:"meta_cluster,omitempty"`
}

// TraceSessionJSON is the JSON schema for HTTP export of trace sessions.
type TraceSessionJSON struct {
	Timestamp     string `json:"timestamp"`
	AgentID       uint64 `json:"agent_id"`
	Arch          string `json:"arch"`
	QueueID       uint64 `json:"queue_id"`
	DispatchID    uint64 `json:"dispatch_id"`
	KernelID      uint64 `json:"kernel_id,omitempty"`
	CorrelationID uint64 `json:"correlation_id,omitempty"`
	Dispatches    uint64 `json:"dispatches"`
	Markers       uint64 `json:"markers"`
	Bytes         uint64 `json:"bytes"`
	CodeObjects   uint32 `json:"code_objects"`
	MetaHost      string `json:"meta_host,omitempty"`
	MetaCluster   string `json:"meta_cluster,omitempty"`
}

func toSampleJSON(row sampleRow, metaHost, metaCluster string) SampleJSON {
	return SampleJSON{
		Timestamp:     row.Timestamp.UTC().Format(time.RFC3339Nano),
		MonotonicNs:   row.MonotonicNs,
		Source:        row.Source,
		Tag:           row.Tag,
		AgentID:       row.AgentID,
		Arch:          row.Arch,
		QueueID:       row.QueueID,
		DispatchID:    row.DispatchID,
		KernelID:      row.KernelID,
		CorrelationID: row.CorrelationID,
		ThreadID:      row.ThreadID,
		MetricID:      row.MetricID,
		Metric:        row.Metric,
		Block:         row.Block,
		Instance:      row.Instance,
		EventID:       row.EventID,
		Value:         row.Value,
		MetaHost:      metaHost,
		MetaCluster:   metaCluster,
	}
}

func toTraceSessionJSON(row traceRow, metaHost, metaCluster string) TraceSessionJSON {
	return TraceSessionJSON{
		Timestamp:     row.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentID:       row.AgentID,
		Arch:          row.Arch,
		QueueID:       row.QueueID,
		DispatchID:    row.DispatchID,
		KernelID:      row.KernelID,
		CorrelationID: row.CorrelationID,
		Dispatches:    row.Dispatches,
		Markers:       row.Markers,
		Bytes:         row.Bytes,
		CodeObjects:   row.CodeObjects,
		MetaHost:      metaHost,
		MetaCluster:   metaCluster,
	}
}
