package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_WaitZero(t *testing.T) {
	sig := NewSignal(1, 2)

	done := make(chan error, 1)

	go func() {
		done <- sig.WaitZero(context.Background())
	}()

	sig.Add(-1)

	select {
	case <-done:
		t.Fatal("wait returned before signal reached zero")
	case <-time.After(20 * time.Millisecond):
	}

	sig.Add(-1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after signal reached zero")
	}
}

func TestSignal_WaitContextCancel(t *testing.T) {
	sig := NewSignal(1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := sig.WaitZero(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), sig.Load())
}

func TestSignal_WaitAlreadySatisfied(t *testing.T) {
	sig := NewSignal(1, 0)

	v, err := sig.Wait(context.Background(), func(v int64) bool { return v <= 0 })
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestSignalTable_CreateLookupDestroy(t *testing.T) {
	table := NewSignalTable()

	a, err := table.CreateSignal(1)
	require.NoError(t, err)

	b, err := table.CreateSignal(5)
	require.NoError(t, err)

	assert.NotEqual(t, a.Handle(), b.Handle())
	assert.Equal(t, 2, table.Len())

	got, ok := table.Lookup(b.Handle())
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Load())

	table.DestroySignal(a)

	_, ok = table.Lookup(a.Handle())
	assert.False(t, ok)
	assert.Equal(t, 1, table.Len())
}
