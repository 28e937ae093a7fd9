package fence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalOnce(t *testing.T) {
	f := New("ring0", 1)
	assert.False(t, f.Signaled())

	werr := errors.New("dma aborted")
	f.Signal(werr)
	assert.True(t, f.Signaled())
	assert.Equal(t, werr, f.Err())

	// A second signal does not overwrite the outcome.
	f.Signal(nil)
	assert.Equal(t, werr, f.Err())
}

func TestCallbackRunsOnSignal(t *testing.T) {
	f := New("ring0", 1)

	var fired atomic.Int32
	require.NoError(t, f.AddCallback(func(cb *Fence) {
		assert.Same(t, f, cb)
		fired.Add(1)
	}))

	f.Signal(nil)
	assert.Equal(t, int32(1), fired.Load())
}

func TestCallbackAfterSignal(t *testing.T) {
	f := New("ring0", 1)
	f.Signal(nil)

	err := f.AddCallback(func(*Fence) { t.Fatal("callback ran on an already-signaled fence") })
	assert.ErrorIs(t, err, ErrAlreadySignaled)
}

func TestWait(t *testing.T) {
	f := New("ring0", 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Signal(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
}

func TestWaitCanceled(t *testing.T) {
	f := New("ring0", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	f.Signal(nil)
}

func TestStubIsSignaled(t *testing.T) {
	s := Stub()
	assert.True(t, s.Signaled())
	assert.NoError(t, s.Err())
	assert.Same(t, s, Stub())
}

func TestMergeWaitsForAll(t *testing.T) {
	f1 := New("ring0", 1)
	f2 := New("ring1", 1)

	m := Merge(f1, f2)
	assert.False(t, m.Signaled())

	f1.Signal(nil)
	assert.False(t, m.Signaled())
	f2.Signal(nil)
	assert.True(t, m.Signaled())
	assert.NoError(t, m.Err())
}

func TestMergeFirstErrorWins(t *testing.T) {
	f1 := New("ring0", 1)
	f2 := New("ring1", 1)
	m := Merge(f1, f2)

	werr := errors.New("dma aborted")
	f1.Signal(werr)
	f2.Signal(nil)
	assert.Equal(t, werr, m.Err())
}

func TestMergeDegenerateCases(t *testing.T) {
	assert.Same(t, Stub(), Merge())
	assert.Same(t, Stub(), Merge(nil, nil))

	f := New("ring0", 1)
	assert.Same(t, f, Merge(f))
	f.Signal(nil)
}

func TestMergeOfSignaledFences(t *testing.T) {
	f1 := New("ring0", 1)
	f2 := New("ring1", 1)
	f1.Signal(nil)
	f2.Signal(nil)

	m := Merge(f1, f2)
	assert.True(t, m.Signaled())
}

func TestUnwrapFlattensComposites(t *testing.T) {
	f1 := New("ring0", 1)
	f2 := New("ring1", 1)
	f3 := New("ring2", 1)

	inner := Merge(f1, f2)
	outer := Merge(inner, f3)

	leaves := Unwrap(outer)
	assert.ElementsMatch(t, []*Fence{f1, f2, f3}, leaves)

	assert.Equal(t, []*Fence{f1}, Unwrap(f1))
	assert.Nil(t, Unwrap(nil))

	for _, f := range leaves {
		f.Signal(nil)
	}
}

func TestTimeline(t *testing.T) {
	tl, err := NewTimeline("gpu0", 2)
	require.NoError(t, err)
	defer tl.Close()

	f1 := tl.Fence()
	f2 := tl.Fence()
	assert.Equal(t, "gpu0", f1.Context())
	assert.Less(t, f1.SeqNo(), f2.SeqNo())

	require.NoError(t, tl.Signal(f1, nil))
	require.NoError(t, tl.SignalAfter(f2, 5*time.Millisecond, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f1.Wait(ctx))
	require.NoError(t, f2.Wait(ctx))
}

func TestSyncFileStatus(t *testing.T) {
	f := New("ring0", 1)
	sf := NewSyncFile(f)
	assert.Equal(t, 0, sf.Status())

	f.Signal(nil)
	assert.Equal(t, 1, sf.Status())

	bad := New("ring0", 2)
	bsf := NewSyncFile(bad)
	bad.Signal(errors.New("dma aborted"))
	assert.Equal(t, -1, bsf.Status())

	// A nil fence wraps the stub.
	assert.Equal(t, 1, NewSyncFile(nil).Status())
}
