package profiler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/device"
	"github.com/ethpandaops/queuetap/internal/queue"
)

const (
	codeObjectBase = 0x7e0000000000
	codeObjectSize = 1 << 20
)

// workload submits synthetic kernel dispatches, standing in for the
// application whose queue is intercepted.
type workload struct {
	log    logrus.FieldLogger
	cfg    WorkloadConfig
	queue  *queue.Queue
	tracer *tracer

	submitted int
}

func newWorkload(log logrus.FieldLogger, cfg WorkloadConfig, q *queue.Queue, t *tracer) *workload {
	return &workload{
		log:    log.WithField("component", "workload"),
		cfg:    cfg,
		queue:  q,
		tracer: t,
	}
}

// codeObjectID numbers code objects from 1.
func codeObjectID(i int) uint64 { return uint64(i) + 1 }

func codeObjectAddr(id uint64) uint64 { return codeObjectBase + id*codeObjectSize }

func (w *workload) loadCodeObjects() error {
	if w.tracer == nil {
		return nil
	}

	for i := 0; i < w.cfg.CodeObjects; i++ {
		id := codeObjectID(i)

		if err := w.tracer.load(id, codeObjectAddr(id), codeObjectSize); err != nil {
			return err
		}
	}

	return nil
}

func (w *workload) unloadCodeObjects() {
	if w.tracer == nil {
		return
	}

	for i := w.cfg.CodeObjects - 1; i >= 0; i-- {
		if err := w.tracer.unload(codeObjectID(i)); err != nil {
			w.log.WithError(err).Warn("Failed to unload code object")
		}
	}
}

// kernel returns the dispatch command for the i-th submission.
func (w *workload) kernel(i int) (device.Command, uint64) {
	idx := i % len(w.cfg.Kernels)
	k := w.cfg.Kernels[idx]

	id := uint64(idx) + 1

	var object uint64
	if w.cfg.CodeObjects > 0 {
		object = codeObjectAddr(codeObjectID(idx%w.cfg.CodeObjects)) + uint64(idx)*0x100
	}

	return device.KernelDispatch(object, 0, k.Grid), id
}

func (w *workload) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.cfg.Dispatches > 0 && w.submitted >= w.cfg.Dispatches {
				return
			}

			cmd, kernelID := w.kernel(w.submitted)
			w.submitted++

			dispatchID, err := w.queue.Submit(cmd, queue.SubmitOptions{
				KernelID:      kernelID,
				CorrelationID: uint64(w.submitted),
			})
			if err != nil {
				if errors.Is(err, queue.ErrQueueDestroyed) {
					return
				}

				w.log.WithError(err).WithField("kernel", w.cfg.Kernels[int(kernelID-1)].Name).
					Warn("Kernel submission failed")

				continue
			}

			w.log.WithFields(logrus.Fields{
				"dispatch": dispatchID,
				"kernel":   w.cfg.Kernels[int(kernelID-1)].Name,
			}).Debug("Submitted kernel")
		}
	}
}
