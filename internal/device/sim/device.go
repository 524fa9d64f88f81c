package sim

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/device"
)

// Device bundles one simulated agent with its signal table and queues.
type Device struct {
	log     logrus.FieldLogger
	cfg     Config
	agent   *Agent
	signals *device.SignalTable

	mu     sync.Mutex
	nextID uint64
	queues []*Queue
}

// New creates a simulated device.
func New(log logrus.FieldLogger, cfg Config) *Device {
	cfg.ApplyDefaults()

	return &Device{
		log:     log.WithField("component", "sim"),
		cfg:     cfg,
		agent:   NewAgent(1, cfg),
		signals: device.NewSignalTable(),
	}
}

// Agent returns the simulated agent.
func (d *Device) Agent() *Agent {
	return d.agent
}

// Signals returns the signal table shared by every queue.
func (d *Device) Signals() *device.SignalTable {
	return d.signals
}

// NewQueue creates and starts a hardware queue.
func (d *Device) NewQueue() *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	q := newQueue(d.log, d.nextID, d.agent, d.signals, d.cfg)
	d.queues = append(d.queues, q)

	q.start()

	return q
}

// Close stops every queue.
func (d *Device) Close() {
	d.mu.Lock()
	queues := d.queues
	d.queues = nil
	d.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
