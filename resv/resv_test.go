package resv

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-dmabuf/fence"
)

func addOne(t *testing.T, o *Object, f *fence.Fence, usage Usage) {
	t.Helper()
	o.Lock()
	defer o.Unlock()
	require.NoError(t, o.Reserve(1))
	o.AddFence(f, usage)
}

func TestAssertHeld(t *testing.T) {
	o := New()
	assert.Panics(t, func() { o.AssertHeld() })

	o.Lock()
	assert.NotPanics(t, func() { o.AssertHeld() })
	o.Unlock()
	assert.Panics(t, func() { o.AssertHeld() })
}

func TestTryLock(t *testing.T) {
	o := New()
	require.True(t, o.TryLock())
	assert.False(t, o.TryLock())
	o.Unlock()
	assert.True(t, o.TryLock())
	o.Unlock()
}

// Requesting a usage yields that usage and everything below it in the
// hierarchy: kernel < write < read < bookkeep.
func TestUsageHierarchy(t *testing.T) {
	o := New()
	kf := fence.New("k", 1)
	wf := fence.New("w", 1)
	rf := fence.New("r", 1)
	bf := fence.New("b", 1)
	addOne(t, o, kf, UsageKernel)
	addOne(t, o, wf, UsageWrite)
	addOne(t, o, rf, UsageRead)
	addOne(t, o, bf, UsageBookkeep)

	assert.Equal(t, []*fence.Fence{kf}, o.Fences(UsageKernel))
	assert.Equal(t, []*fence.Fence{kf, wf}, o.Fences(UsageWrite))
	assert.Equal(t, []*fence.Fence{kf, wf, rf}, o.Fences(UsageRead))
	assert.Equal(t, []*fence.Fence{kf, wf, rf, bf}, o.Fences(UsageBookkeep))

	for _, f := range []*fence.Fence{kf, wf, rf, bf} {
		f.Signal(nil)
	}
}

func TestUsageRW(t *testing.T) {
	assert.Equal(t, UsageRead, UsageRW(true))
	assert.Equal(t, UsageWrite, UsageRW(false))
}

func TestAddFencePrunesSignaled(t *testing.T) {
	o := New()
	old := fence.New("dev0", 1)
	addOne(t, o, old, UsageWrite)
	old.Signal(nil)

	fresh := fence.New("dev0", 2)
	addOne(t, o, fresh, UsageWrite)

	got := o.Fences(UsageBookkeep)
	assert.Equal(t, []*fence.Fence{fresh}, got)
	fresh.Signal(nil)
}

func TestReserveExhaustion(t *testing.T) {
	o := New()
	o.Lock()
	defer o.Unlock()

	require.NoError(t, o.Reserve(1024))
	assert.ErrorIs(t, o.Reserve(1), ErrNoSlots)
}

func TestGetSingleton(t *testing.T) {
	o := New()

	o.Lock()
	assert.Nil(t, o.GetSingleton(UsageRead))
	o.Unlock()

	f1 := fence.New("dev0", 1)
	addOne(t, o, f1, UsageWrite)

	o.Lock()
	assert.Same(t, f1, o.GetSingleton(UsageRead))
	o.Unlock()

	f2 := fence.New("dev1", 1)
	addOne(t, o, f2, UsageRead)

	o.Lock()
	merged := o.GetSingleton(UsageRead)
	o.Unlock()
	require.NotNil(t, merged)
	assert.False(t, merged.Signaled())

	f1.Signal(nil)
	f2.Signal(nil)
	assert.True(t, merged.Signaled())
}

func TestWait(t *testing.T) {
	o := New()
	f := fence.New("dev0", 1)
	addOne(t, o, f, UsageWrite)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Signal(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx, UsageRead))
	assert.True(t, o.TestSignaled(UsageRead))
}

func TestWaitIgnoresHigherUsage(t *testing.T) {
	o := New()
	f := fence.New("dev0", 1)
	addOne(t, o, f, UsageBookkeep)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Wait(ctx, UsageRead))
	f.Signal(nil)
}

func TestWaitCanceled(t *testing.T) {
	o := New()
	f := fence.New("dev0", 1)
	addOne(t, o, f, UsageWrite)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Wait(ctx, UsageRead), context.DeadlineExceeded)
	f.Signal(nil)
}

// A fence that signals with an error still completed; the wait succeeds.
func TestWaitSwallowsWorkErrors(t *testing.T) {
	o := New()
	f := fence.New("dev0", 1)
	addOne(t, o, f, UsageWrite)
	f.Signal(errors.New("dma aborted"))

	require.NoError(t, o.Wait(context.Background(), UsageRead))
}

func TestDescribe(t *testing.T) {
	o := New()
	f := fence.New("gpu0", 7)
	addOne(t, o, f, UsageWrite)

	var sb strings.Builder
	o.Describe(&sb)
	assert.Contains(t, sb.String(), "write fence: gpu0:7 active")
	f.Signal(nil)
}
