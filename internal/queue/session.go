package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/device"
)

// ClientID identifies a registered interception client.
type ClientID int64

// ContextID identifies a profiling context active for a dispatch.
type ContextID uint64

// UserData is the per-dispatch value a client may set in its enqueue
// callback and read back on completion.
type UserData struct {
	Value uint64
}

// ExternalCorrelation maps each context to the external correlation value
// the application attached to the dispatch.
type ExternalCorrelation map[ContextID]UserData

// Session tracks one submitted command until its completion signal fires.
type Session struct {
	Command       device.Command
	Injected      *Injected
	Signal        *device.Signal
	ThreadID      int
	UserData      UserData
	Agent         device.Agent
	QueueID       uint64
	KernelID      uint64
	CorrelationID uint64
	DispatchID    uint64
	Contexts      []ContextID
	External      ExternalCorrelation
	Submitted     time.Time

	clients []client
	done    func(*Session)
}

// Injected holds the packets clients injected around one dispatch. A
// completion callback takes ownership of its packet with Take; packets
// nobody takes are released after every callback has run.
type Injected struct {
	mu      sync.Mutex
	entries []injection
}

type injection struct {
	client ClientID
	packet aql.Packet
}

func (i *Injected) add(id ClientID, p aql.Packet) {
	i.entries = append(i.entries, injection{client: id, packet: p})
}

// Take removes and returns the packet injected by id, or nil.
func (i *Injected) Take(id ClientID) aql.Packet {
	i.mu.Lock()
	defer i.mu.Unlock()

	for idx, e := range i.entries {
		if e.client == id && e.packet != nil {
			i.entries[idx].packet = nil

			return e.packet
		}
	}

	return nil
}

// Len returns the number of packets not yet taken.
func (i *Injected) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := 0

	for _, e := range i.entries {
		if e.packet != nil {
			n++
		}
	}

	return n
}

func (i *Injected) commands(cmd device.Command, sig device.SignalHandle) []device.Command {
	seq := make([]device.Command, 0, 2+len(i.entries)*3)

	for _, e := range i.entries {
		seq = append(seq, e.packet.Before()...)
	}

	seq = append(seq, cmd)

	for _, e := range i.entries {
		seq = append(seq, e.packet.After()...)
	}

	return append(seq, device.BarrierAnd(sig))
}

// release frees every packet still held and reports the kinds released.
func (i *Injected) release() ([]aql.Kind, error) {
	i.mu.Lock()
	entries := i.entries
	i.entries = nil
	i.mu.Unlock()

	var (
		kinds []aql.Kind
		errs  []error
	)

	for _, e := range entries {
		if e.packet == nil {
			continue
		}

		kinds = append(kinds, e.packet.Kind())

		if err := e.packet.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	return kinds, errors.Join(errs...)
}

// fifo is the unbounded completion queue between submitters and the
// dispatcher.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Session
	closed bool
}

func newFIFO() *fifo {
	f := &fifo{}
	f.cond = sync.NewCond(&f.mu)

	return f
}

func (f *fifo) push(s *Session) {
	f.mu.Lock()
	f.items = append(f.items, s)
	f.mu.Unlock()

	f.cond.Signal()
}

// pop blocks for the next session. It returns false once the fifo is
// closed and drained.
func (f *fifo) pop() (*Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.items) == 0 && !f.closed {
		f.cond.Wait()
	}

	if len(f.items) == 0 {
		return nil, false
	}

	s := f.items[0]
	f.items[0] = nil
	f.items = f.items[1:]

	return s, true
}

func (f *fifo) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.cond.Broadcast()
}
