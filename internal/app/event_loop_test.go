package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoop_StartStop(t *testing.T) {
	l := NewEventLoop(nil)
	assert.False(t, l.IsRunning())

	require.NoError(t, l.Start(context.Background()))
	assert.True(t, l.IsRunning())
	assert.Error(t, l.Start(context.Background()), "second start fails")

	require.NoError(t, l.Stop())
	assert.False(t, l.IsRunning())
	assert.Error(t, l.Stop(), "second stop fails")
}

func TestEventLoop_RunsInOrder(t *testing.T) {
	l := NewEventLoop(nil)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoop_PostFromLoopDoesNotBlock(t *testing.T) {
	l := NewEventLoop(nil)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	l.Post(func() {
		l.Post(wg.Done)
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestEventLoop_RecoversFromPanic(t *testing.T) {
	l := NewEventLoop(nil)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestEventLoop_RejectsWorkWhenStopped(t *testing.T) {
	l := NewEventLoop(nil)
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrLoopStopped)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return !l.IsRunning() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrLoopStopped)
}

func TestChangeFeed_Coalesces(t *testing.T) {
	f := NewChangeFeed()
	ch, unsubscribe := f.Subscribe()

	f.Publish()
	f.Publish()
	f.Publish()

	<-ch
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestChangeFeed_Close(t *testing.T) {
	f := NewChangeFeed()
	a, _ := f.Subscribe()
	b, _ := f.Subscribe()

	f.Close()
	f.Close()
	f.Publish()

	_, openA := <-a
	_, openB := <-b
	assert.False(t, openA)
	assert.False(t, openB)

	late, _ := f.Subscribe()
	_, open := <-late
	assert.False(t, open)
}
