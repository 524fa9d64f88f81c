package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/version"
)

const namespace = "queuetap"

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for profiler health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// === Queue interception ===

	DispatchesSubmitted prometheus.Counter
	PassthroughSubmits  prometheus.Counter
	SessionsCompleted   prometheus.Counter
	SubmitErrors        *prometheus.CounterVec // reason
	ActiveKernels       *prometheus.GaugeVec   // queue
	ClientsRegistered   prometheus.Gauge
	CommandsInjected    *prometheus.CounterVec   // opcode
	SessionDuration     prometheus.Histogram     // submit to completion
	CallbackDuration    *prometheus.HistogramVec // callback (enqueue/completed)

	// === Packets ===

	PacketsConstructed    *prometheus.CounterVec // kind
	PacketConstructErrors *prometheus.CounterVec // kind
	PacketsReleased       *prometheus.CounterVec // kind
	CodeObjectsLoaded     prometheus.Gauge

	// === Sampling ===

	SamplesCollected *prometheus.CounterVec // source (dispatch/agent)
	SamplingWaits    prometheus.Counter
	SamplingState    prometheus.Gauge
	TraceDispatches  prometheus.Counter

	// === Export ===

	ExportErrors            prometheus.Counter
	ClickHouseConnected     *prometheus.GaugeVec     // sink
	ExportBatchErrors       *prometheus.CounterVec   // sink, error_type
	SinkFlushDuration       *prometheus.HistogramVec // sink
	SinkBatchSize           *prometheus.HistogramVec // sink
	SinkSamplesProcessed    *prometheus.CounterVec   // sink
	SinkSamplesDropped      *prometheus.CounterVec   // sink
	HTTPExportBytes         *prometheus.CounterVec   // encoding (raw/compressed)
	ClickHouseBatchDuration *prometheus.HistogramVec // operation

	StartDuration *prometheus.GaugeVec // phase
	BuildInfo     prometheus.Gauge

	running atomic.Bool
	ready   atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		DispatchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_submitted_total",
			Help:      "Total kernel dispatches submitted through intercepted queues.",
		}),
		PassthroughSubmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passthrough_submits_total",
			Help:      "Total submissions written without injection (no clients registered).",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Total dispatch sessions whose completion signal fired.",
		}),
		SubmitErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submit_errors_total",
				Help:      "Total failed submissions by reason.",
			},
			[]string{"reason"},
		),
		ActiveKernels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_kernels",
				Help:      "Number of submitted sessions not yet completed, per queue.",
			},
			[]string{"queue"},
		),
		ClientsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_registered",
			Help:      "Number of registered interception clients.",
		}),
		CommandsInjected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_injected_total",
				Help:      "Total vendor commands injected by opcode.",
			},
			[]string{"opcode"},
		),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from submission to completion callback.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 100us-1s
		}),
		CallbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "callback_duration_seconds",
				Help:      "Time spent in client callbacks by callback type.",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005}, // 10us-5ms
			},
			[]string{"callback"},
		),
		PacketsConstructed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_constructed_total",
				Help:      "Total packets constructed by kind.",
			},
			[]string{"kind"},
		),
		PacketConstructErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packet_construct_errors_total",
				Help:      "Total packet construction failures by kind.",
			},
			[]string{"kind"},
		),
		PacketsReleased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_released_total",
				Help:      "Total packets released by kind.",
			},
			[]string{"kind"},
		),
		CodeObjectsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "code_objects_loaded",
			Help:      "Number of code objects registered with the tracer.",
		}),
		SamplesCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_collected_total",
				Help:      "Total counter samples delivered by source.",
			},
			[]string{"source"},
		),
		SamplingWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sampling_waits_total",
			Help:      "Total sampling operations that waited for a previous one to finish.",
		}),
		SamplingState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sampling_state",
			Help:      "Agent sampling state (0=ready, 1=in progress, 2=complete).",
		}),
		TraceDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_dispatches_total",
			Help:      "Total dispatches executed while instruction tracing was active.",
		}),
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_errors_total",
			Help:      "Total export errors across all sinks.",
		}),
		ClickHouseConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clickhouse_connected",
				Help:      "Whether ClickHouse connection is established (1=yes, 0=no).",
			},
			[]string{"sink"},
		),
		ExportBatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_batch_errors_total",
				Help:      "Total export batch errors by sink and error type.",
			},
			[]string{"sink", "error_type"},
		),
		SinkFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_flush_duration_seconds",
				Help:      "Time to flush a batch by sink.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
			},
			[]string{"sink"},
		),
		SinkBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_batch_size",
				Help:      "Number of rows per batch flush by sink.",
				Buckets:   []float64{1, 10, 100, 500, 1000, 5000, 10000},
			},
			[]string{"sink"},
		),
		SinkSamplesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_samples_processed_total",
				Help:      "Total samples processed by sink.",
			},
			[]string{"sink"},
		),
		SinkSamplesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_samples_dropped_total",
				Help:      "Total samples dropped because a sink channel was full.",
			},
			[]string{"sink"},
		),
		HTTPExportBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_export_bytes_total",
				Help:      "Total bytes posted by the HTTP exporter, before and after compression.",
			},
			[]string{"encoding"},
		),
		ClickHouseBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "clickhouse_batch_duration_seconds",
				Help:      "Time to write a batch to ClickHouse by operation.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5}, // 1ms-500ms
			},
			[]string{"operation"},
		),
		StartDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "start_duration_seconds",
				Help:      "Duration of profiler startup phases.",
			},
			[]string{"phase"},
		),
		BuildInfo: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "build_info",
			Help:        "Build metadata of the running binary. Always 1.",
			ConstLabels: version.Labels(),
		}),
	}

	h.BuildInfo.Set(1)

	// Queue interception
	reg.MustRegister(
		h.DispatchesSubmitted,
		h.PassthroughSubmits,
		h.SessionsCompleted,
		h.SubmitErrors,
		h.ActiveKernels,
		h.ClientsRegistered,
		h.CommandsInjected,
		h.SessionDuration,
		h.CallbackDuration,
	)

	// Packets and sampling
	reg.MustRegister(
		h.PacketsConstructed,
		h.PacketConstructErrors,
		h.PacketsReleased,
		h.CodeObjectsLoaded,
		h.SamplesCollected,
		h.SamplingWaits,
		h.SamplingState,
		h.TraceDispatches,
	)

	// Export
	reg.MustRegister(
		h.ExportErrors,
		h.ClickHouseConnected,
		h.ExportBatchErrors,
		h.SinkFlushDuration,
		h.SinkBatchSize,
		h.SinkSamplesProcessed,
		h.SinkSamplesDropped,
		h.HTTPExportBytes,
		h.ClickHouseBatchDuration,
		h.StartDuration,
		h.BuildInfo,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !h.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "starting")

			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ready")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln
	h.server = &http.Server{Handler: mux}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// SetReady flips the /readyz response. The profiler marks itself ready
// once every client is registered and unready when draining.
func (h *HealthMetrics) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Registry exposes the underlying Prometheus registry.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
