package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/counters"
	"github.com/ethpandaops/queuetap/internal/device"
	"github.com/ethpandaops/queuetap/internal/device/sim"
	"github.com/ethpandaops/queuetap/internal/export"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// fakeHW records writes and lets tests fire completion signals by hand.
type fakeHW struct {
	*device.SignalTable

	agent *sim.Agent

	mu     sync.Mutex
	writes [][]device.Command
	err    error
}

func newFakeHW() *fakeHW {
	return &fakeHW{
		SignalTable: device.NewSignalTable(),
		agent:       sim.NewAgent(1, sim.DefaultConfig()),
	}
}

func (f *fakeHW) ID() uint64 { return 42 }

func (f *fakeHW) Agent() device.Agent { return f.agent }

func (f *fakeHW) Write(cmds []device.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	seq := make([]device.Command, len(cmds))
	copy(seq, cmds)
	f.writes = append(f.writes, seq)

	return nil
}

func (f *fakeHW) write(i int) []device.Command {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writes[i]
}

func (f *fakeHW) numWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.writes)
}

// fire completes write i by decrementing its barrier signal.
func (f *fakeHW) fire(t *testing.T, i int) {
	t.Helper()

	seq := f.write(i)
	last := seq[len(seq)-1]
	require.Equal(t, device.PacketTypeBarrierAnd, last.Type)

	sig, ok := f.Lookup(last.CompletionSignal)
	require.True(t, ok)
	sig.Add(-1)
}

func testBuilder(t *testing.T, agent *sim.Agent) *aql.CounterPacketBuilder {
	t.Helper()

	reg, err := counters.NewRegistry(counters.DefinitionFile{
		Architectures: map[string][]counters.Definition{
			agent.Name(): {{Name: "SQ_WAVES", Block: "SQ", Event: "4"}},
		},
	})
	require.NoError(t, err)

	metrics, err := reg.Lookup(agent.Name(), []string{"SQ_WAVES"})
	require.NoError(t, err)

	b, err := aql.NewCounterPacketBuilder(testLog(), agent, reg, metrics)
	require.NoError(t, err)

	return b
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func dispatchCmd(i int) device.Command {
	return device.KernelDispatch(uint64(0x1000+i), 0, 64)
}

func TestQueue_PassthroughWithoutClients(t *testing.T) {
	hw := newFakeHW()
	q := New(testLog(), hw, nil)

	id, err := q.Submit(dispatchCmd(0), SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	require.Equal(t, 1, hw.numWrites())
	assert.Equal(t, []device.Command{dispatchCmd(0)}, hw.write(0))
	assert.Zero(t, q.ActiveKernels())
	assert.Zero(t, hw.Len())

	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_InjectionOrder(t *testing.T) {
	hw := newFakeHW()
	q := New(testLog(), hw, nil)
	b := testBuilder(t, hw.agent)
	factory := aql.NewTracePacketFactory(testLog(), hw.agent, aql.DefaultTraceConfig(), aql.TraceMemoryPool{})

	require.NoError(t, q.RegisterCallback(1,
		func(*Queue, device.Command, uint64, *UserData, ExternalCorrelation, uint64) aql.Packet {
			pkt, err := b.ConstructPacket(nil)
			require.NoError(t, err)

			return pkt
		}, nil))
	require.NoError(t, q.RegisterCallback(2,
		func(*Queue, device.Command, uint64, *UserData, ExternalCorrelation, uint64) aql.Packet {
			return factory.ConstructLoadMarker(7, 0x7000, 64)
		}, nil))
	assert.Equal(t, 2, q.Notifiers())

	_, err := q.Submit(dispatchCmd(0), SubmitOptions{})
	require.NoError(t, err)

	seq := hw.write(0)
	require.Len(t, seq, 6)
	assert.True(t, seq[0].IsVendor(device.OpcodeCounterStart))
	assert.True(t, seq[1].IsVendor(device.OpcodeCodeObjectMarker))
	assert.Equal(t, dispatchCmd(0), seq[2])
	assert.True(t, seq[3].IsVendor(device.OpcodeCounterStop))
	assert.True(t, seq[4].IsVendor(device.OpcodeCounterRead))
	assert.Equal(t, device.PacketTypeBarrierAnd, seq[5].Type)
	assert.Equal(t, int64(1), q.ActiveKernels())

	hw.fire(t, 0)
	require.NoError(t, q.Sync(ctxTimeout(t)))

	// Untaken packets are released by the dispatcher.
	assert.Zero(t, hw.agent.Memory().Stats().LiveBytes)

	snap := q.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap[device.OpcodeCounterStart])
	assert.Equal(t, uint64(1), snap[device.OpcodeCodeObjectMarker])

	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_MultiClientMarkers(t *testing.T) {
	const n = 3

	hw := newFakeHW()
	q := New(testLog(), hw, nil)
	factory := aql.NewTracePacketFactory(testLog(), hw.agent, aql.DefaultTraceConfig(), aql.TraceMemoryPool{})

	markerIDs := map[ClientID]uint64{1: 10, 2: 20}

	var (
		mu   sync.Mutex
		seen = map[ClientID][]uint64{}
	)

	for _, id := range []ClientID{1, 2} {
		require.NoError(t, q.RegisterCallback(id,
			func(*Queue, device.Command, uint64, *UserData, ExternalCorrelation, uint64) aql.Packet {
				return factory.ConstructLoadMarker(markerIDs[id], 0x7000, 64)
			},
			func(_ *Queue, _ device.Command, s *Session, injected *Injected) {
				marker, ok := injected.Take(id).(*aql.CodeObjectMarkerPacket)
				assert.True(t, ok)

				if ok {
					assert.Equal(t, markerIDs[id], marker.ID())
					assert.NoError(t, marker.Release())
				}

				mu.Lock()
				seen[id] = append(seen[id], s.DispatchID)
				mu.Unlock()
			}))
	}

	for i := 0; i < n; i++ {
		_, err := q.Submit(dispatchCmd(i), SubmitOptions{})
		require.NoError(t, err)

		seq := hw.write(i)
		require.Len(t, seq, 4)
		assert.Equal(t, uint64(10), seq[0].Args[device.ArgMarkerID])
		assert.Equal(t, uint64(20), seq[1].Args[device.ArgMarkerID])
		assert.Equal(t, dispatchCmd(i), seq[2])
		assert.Equal(t, device.PacketTypeBarrierAnd, seq[3].Type)
	}

	for i := 0; i < n; i++ {
		hw.fire(t, i)
	}

	require.NoError(t, q.Sync(ctxTimeout(t)))

	mu.Lock()
	assert.Equal(t, map[ClientID][]uint64{1: {1, 2, 3}, 2: {1, 2, 3}}, seen)
	mu.Unlock()

	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_CompletionFIFO(t *testing.T) {
	const n = 5

	hw := newFakeHW()
	q := New(testLog(), hw, nil)

	var (
		mu    sync.Mutex
		order []uint64
		calls = map[ClientID]int{}
	)

	for _, id := range []ClientID{1, 2} {
		require.NoError(t, q.RegisterCallback(id, nil,
			func(_ *Queue, _ device.Command, s *Session, _ *Injected) {
				mu.Lock()
				defer mu.Unlock()

				calls[id]++

				if id == 1 {
					order = append(order, s.DispatchID)
				}
			}))
	}

	for i := 0; i < n; i++ {
		_, err := q.Submit(dispatchCmd(i), SubmitOptions{})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(n), q.ActiveKernels())

	// Fire in reverse; completions must still be reported in submission
	// order.
	for i := n - 1; i >= 0; i-- {
		hw.fire(t, i)
	}

	require.NoError(t, q.Sync(ctxTimeout(t)))

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, order)
	assert.Equal(t, map[ClientID]int{1: n, 2: n}, calls)
	mu.Unlock()

	assert.Zero(t, hw.Len())
	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_SessionMetadata(t *testing.T) {
	hw := newFakeHW()
	q := New(testLog(), hw, nil)

	got := make(chan *Session, 1)

	require.NoError(t, q.RegisterCallback(1,
		func(_ *Queue, _ device.Command, _ uint64, ud *UserData, ext ExternalCorrelation, corr uint64) aql.Packet {
			ud.Value = ext[3].Value + corr

			return nil
		},
		func(_ *Queue, _ device.Command, s *Session, _ *Injected) {
			got <- s
		}))

	_, err := q.Submit(dispatchCmd(0), SubmitOptions{
		KernelID:      11,
		CorrelationID: 100,
		Contexts:      []ContextID{3},
		External:      ExternalCorrelation{3: {Value: 5}},
	})
	require.NoError(t, err)

	hw.fire(t, 0)

	select {
	case s := <-got:
		assert.Equal(t, uint64(105), s.UserData.Value)
		assert.Equal(t, uint64(11), s.KernelID)
		assert.Equal(t, uint64(42), s.QueueID)
		assert.Equal(t, []ContextID{3}, s.Contexts)
		assert.NotZero(t, s.ThreadID)
		assert.Equal(t, dispatchCmd(0), s.Command)
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback not called")
	}

	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_TakeTransfersOwnership(t *testing.T) {
	hw := newFakeHW()
	q := New(testLog(), hw, nil)
	b := testBuilder(t, hw.agent)

	taken := make(chan aql.Packet, 1)

	require.NoError(t, q.RegisterCallback(1,
		func(*Queue, device.Command, uint64, *UserData, ExternalCorrelation, uint64) aql.Packet {
			pkt, err := b.ConstructPacket(nil)
			require.NoError(t, err)

			return pkt
		},
		func(_ *Queue, _ device.Command, _ *Session, inj *Injected) {
			taken <- inj.Take(1)
			// Second take finds nothing.
			assert.Nil(t, inj.Take(1))
		}))

	_, err := q.Submit(dispatchCmd(0), SubmitOptions{})
	require.NoError(t, err)

	hw.fire(t, 0)
	require.NoError(t, q.Sync(ctxTimeout(t)))

	pkt := (<-taken).(*aql.CounterPacket)
	assert.False(t, pkt.Released())
	assert.NotZero(t, hw.agent.Memory().Stats().LiveBytes)

	require.NoError(t, pkt.Release())
	assert.Zero(t, hw.agent.Memory().Stats().LiveBytes)

	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_DestroyWaitsForOutstanding(t *testing.T) {
	hw := newFakeHW()
	q := New(testLog(), hw, nil)

	var completed sync.WaitGroup

	completed.Add(3)

	require.NoError(t, q.RegisterCallback(1, nil,
		func(*Queue, device.Command, *Session, *Injected) { completed.Done() }))

	for i := 0; i < 3; i++ {
		_, err := q.Submit(dispatchCmd(i), SubmitOptions{})
		require.NoError(t, err)
	}

	destroyed := make(chan error, 1)

	go func() {
		destroyed <- q.Destroy(context.Background())
	}()

	require.Eventually(t, func() bool { return q.State() == StateToDestroy }, time.Second, time.Millisecond)

	_, err := q.Submit(dispatchCmd(9), SubmitOptions{})
	require.ErrorIs(t, err, ErrQueueDestroyed)
	require.ErrorIs(t, q.Inject(nil, nil), ErrQueueDestroyed)

	hw.fire(t, 2)
	hw.fire(t, 0)

	select {
	case <-destroyed:
		t.Fatal("destroy returned with a session outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	hw.fire(t, 1)

	select {
	case err := <-destroyed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("destroy did not return")
	}

	completed.Wait()
	assert.Equal(t, StateDoneDestroy, q.State())
	assert.Zero(t, q.ActiveKernels())

	// Destroying again is a no-op.
	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_DestroyContextCancelled(t *testing.T) {
	hw := newFakeHW()
	q := New(testLog(), hw, nil)

	require.NoError(t, q.Inject([]device.Command{device.Null}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, q.Destroy(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateToDestroy, q.State())

	hw.fire(t, 0)
	require.NoError(t, q.Destroy(ctxTimeout(t)))
	assert.Equal(t, StateDoneDestroy, q.State())
}

func TestQueue_RemoveCallbackKeepsInFlight(t *testing.T) {
	hw := newFakeHW()
	q := New(testLog(), hw, nil)

	called := make(chan struct{}, 1)

	require.NoError(t, q.RegisterCallback(1, nil,
		func(*Queue, device.Command, *Session, *Injected) { called <- struct{}{} }))

	_, err := q.Submit(dispatchCmd(0), SubmitOptions{})
	require.NoError(t, err)

	assert.True(t, q.RemoveCallback(1))
	assert.False(t, q.RemoveCallback(1))
	assert.Zero(t, q.Notifiers())

	hw.fire(t, 0)

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight completion lost after RemoveCallback")
	}

	// New submissions pass straight through.
	_, err = q.Submit(dispatchCmd(1), SubmitOptions{})
	require.NoError(t, err)
	assert.Len(t, hw.write(1), 1)

	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_RegisterDuplicate(t *testing.T) {
	q := New(testLog(), newFakeHW(), nil)

	require.NoError(t, q.RegisterCallback(1, nil, nil))
	require.Error(t, q.RegisterCallback(1, nil, nil))
	assert.Equal(t, 1, q.Notifiers())

	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestQueue_WriteErrorSurfaces(t *testing.T) {
	hw := newFakeHW()
	hw.err = device.ErrQueueFull

	health := export.NewHealthMetrics(testLog(), export.HealthConfig{})
	q := New(testLog(), hw, health)
	b := testBuilder(t, hw.agent)

	completed := false

	require.NoError(t, q.RegisterCallback(1,
		func(*Queue, device.Command, uint64, *UserData, ExternalCorrelation, uint64) aql.Packet {
			pkt, err := b.ConstructPacket(nil)
			require.NoError(t, err)

			return pkt
		},
		func(*Queue, device.Command, *Session, *Injected) { completed = true }))

	_, err := q.Submit(dispatchCmd(0), SubmitOptions{})
	require.ErrorIs(t, err, ErrDeviceSubmission)
	require.ErrorIs(t, err, device.ErrQueueFull)

	assert.Zero(t, q.ActiveKernels())
	assert.Zero(t, hw.Len())
	assert.Zero(t, hw.agent.Memory().Stats().LiveBytes)

	require.NoError(t, q.Destroy(ctxTimeout(t)))
	assert.False(t, completed)
}

func TestQueue_InjectDone(t *testing.T) {
	hw := newFakeHW()
	q := New(testLog(), hw, nil)

	done := make(chan *Session, 1)

	require.NoError(t, q.Inject([]device.Command{device.Null}, func(s *Session) { done <- s }))

	seq := hw.write(0)
	require.Len(t, seq, 2)
	assert.Equal(t, device.Null, seq[0])

	hw.fire(t, 0)

	select {
	case s := <-done:
		assert.NotZero(t, s.DispatchID)
	case <-time.After(5 * time.Second):
		t.Fatal("inject completion not called")
	}

	require.NoError(t, q.Destroy(ctxTimeout(t)))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "normal", StateNormal.String())
	assert.Equal(t, "to_destroy", StateToDestroy.String())
	assert.Equal(t, "done_destroy", StateDoneDestroy.String())
}
