package reqpipe_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xsequence/reqpipe/reqpipe"
)

func newTestPipe(t *testing.T, opts reqpipe.Options) *reqpipe.Pipe {
	t.Helper()
	p, err := reqpipe.NewPipe(opts)
	require.NoError(t, err)
	return p
}

// Scenario 1: initial state.
func TestInitialState(t *testing.T) {
	opts := reqpipe.DefaultOptions
	opts.MaxPending = 1
	p := newTestPipe(t, opts)

	assert.True(t, p.IsIdle())
	assert.False(t, p.AtMaxPending())
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, 0, p.Queued())
	assert.False(t, p.Flushing())
}

// Scenario 2: a nil message is a no-op; the sender is never invoked.
func TestSendNilIsNoOp(t *testing.T) {
	p := newTestPipe(t, reqpipe.DefaultOptions)

	var invoked atomic.Bool
	p.Sender(func(ctx context.Context, env reqpipe.Envelope) error {
		invoked.Store(true)
		return nil
	})

	fut, err := p.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, fut)

	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, 0, p.Queued())
	assert.False(t, invoked.Load())
}

// Scenario 3: echo round-trip.
func TestEchoRoundTrip(t *testing.T) {
	p := newTestPipe(t, reqpipe.DefaultOptions)

	receiver := p.Receiver()
	p.Sender(func(ctx context.Context, env reqpipe.Envelope) error {
		go receiver(ctx, env)
		return nil
	})

	ctx := context.Background()
	fut, err := p.Send(ctx, map[string]string{"foo": "bar"})
	require.NoError(t, err)
	require.NotNil(t, fut)

	val, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"foo": "bar"}, val)
}

// Scenario 4: queueing with maxPending=1 and an async echo.
func TestQueueingAtMaxPending(t *testing.T) {
	opts := reqpipe.DefaultOptions
	opts.MaxPending = 1
	p := newTestPipe(t, opts)

	receiver := p.Receiver()
	release := make(chan struct{})
	var firstDispatched atomic.Bool

	p.Sender(func(ctx context.Context, env reqpipe.Envelope) error {
		firstDispatched.Store(true)
		go func() {
			<-release
			receiver(ctx, env)
		}()
		return nil
	})

	ctx := context.Background()

	fut1, err := p.Send(ctx, "foo=bar")
	require.NoError(t, err)
	waitUntil(t, func() bool { return firstDispatched.Load() })
	assert.Equal(t, 1, p.Pending())
	assert.Equal(t, 0, p.Queued())

	fut2, err := p.Send(ctx, "bar=baz")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Pending())
	assert.Equal(t, 1, p.Queued())

	close(release)

	val1, err := fut1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "foo=bar", val1)

	val2, err := fut2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bar=baz", val2)

	assert.True(t, p.IsIdle())
}

// Scenario 5: timeout fires before a late reply arrives; the late reply is
// discarded and does not produce a second terminal event.
func TestTimeout(t *testing.T) {
	opts := reqpipe.DefaultOptions
	opts.PendingTimeout = 60 * time.Millisecond
	p := newTestPipe(t, opts)

	receiver := p.Receiver()
	p.Sender(func(ctx context.Context, env reqpipe.Envelope) error {
		go func() {
			time.Sleep(150 * time.Millisecond)
			receiver(ctx, env) // arrives after timeout; must be discarded
		}()
		return nil
	})

	ctx := context.Background()
	start := time.Now()
	fut, err := p.Send(ctx, "bar=baz")
	require.NoError(t, err)

	_, err = fut.Wait(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *reqpipe.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, elapsed, 140*time.Millisecond)

	// give the late reply time to arrive and be discarded
	time.Sleep(150 * time.Millisecond)
	assert.True(t, p.IsIdle())
}

// Scenario 6: retry exhaustion. maxRetries=3, sender always rejects
// synchronously -> exactly 4 attempts, SendError on the future.
func TestRetryExhaustion(t *testing.T) {
	opts := reqpipe.DefaultOptions
	opts.MaxRetries = 3
	p := newTestPipe(t, opts)

	var attempts atomic.Int64
	cause := errors.New("boom")
	p.Sender(func(ctx context.Context, env reqpipe.Envelope) error {
		attempts.Add(1)
		return cause
	})

	ctx := context.Background()
	fut, err := p.Send(ctx, "bar=baz")
	require.NoError(t, err)

	_, err = fut.Wait(ctx)
	require.Error(t, err)

	var sendErr *reqpipe.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, sendErr, cause)
	assert.Equal(t, int64(4), attempts.Load())
}

// Scenario 7: flush drains both pending and queued.
func TestFlushDrainsPendingAndQueued(t *testing.T) {
	opts := reqpipe.DefaultOptions
	opts.MaxPending = 1
	p := newTestPipe(t, opts)

	receiver := p.Receiver()
	p.Sender(func(ctx context.Context, env reqpipe.Envelope) error {
		go func() {
			time.Sleep(5 * time.Millisecond)
			receiver(ctx, env)
		}()
		return nil
	})

	ctx := context.Background()
	fut1, err := p.Send(ctx, "a")
	require.NoError(t, err)
	fut2, err := p.Send(ctx, "b")
	require.NoError(t, err)

	flushFut, err := p.Flush(ctx)
	require.NoError(t, err)

	_, err = flushFut.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, 0, p.Queued())

	_, err = fut1.Wait(ctx)
	require.NoError(t, err)
	_, err = fut2.Wait(ctx)
	require.NoError(t, err)
}

// Scenario 8: send during flush rejects with FlushError.
func TestSendDuringFlushRejects(t *testing.T) {
	p := newTestPipe(t, reqpipe.DefaultOptions)

	receiver := p.Receiver()
	p.Sender(func(ctx context.Context, env reqpipe.Envelope) error {
		go receiver(ctx, env)
		return nil
	})

	ctx := context.Background()
	_, err := p.Send(ctx, "a")
	require.NoError(t, err)

	_, err = p.Flush(ctx)
	require.NoError(t, err)

	fut, err := p.Send(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, fut)

	_, err = fut.Wait(ctx)
	require.Error(t, err)
	var flushErr *reqpipe.FlushError
	assert.ErrorAs(t, err, &flushErr)
}

// P6: ids assigned by consecutive non-no-op sends are strictly increasing
// and start at 0.
func TestIDsStrictlyIncreasingFromZero(t *testing.T) {
	p := newTestPipe(t, reqpipe.DefaultOptions)

	var gotIDs []uint64
	receiver := p.Receiver()
	p.Sender(func(ctx context.Context, env reqpipe.Envelope) error {
		gotIDs = append(gotIDs, env.ID)
		go receiver(ctx, env)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		fut, err := p.Send(ctx, fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
		_, err = fut.Wait(ctx)
		require.NoError(t, err)
	}

	require.Len(t, gotIDs, 5)
	for i, id := range gotIDs {
		assert.Equal(t, uint64(i), id)
	}
}

// I3: a reply for an id no longer pending (already resolved) is discarded,
// not signalled as a second terminal event.
func TestDuplicateReplyDiscarded(t *testing.T) {
	p := newTestPipe(t, reqpipe.DefaultOptions)

	receiver := p.Receiver()
	var env reqpipe.Envelope
	p.Sender(func(ctx context.Context, e reqpipe.Envelope) error {
		env = e
		receiver(ctx, e)
		return nil
	})

	ctx := context.Background()
	fut, err := p.Send(ctx, "once")
	require.NoError(t, err)

	val, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "once", val)

	// duplicate delivery for the same, now-completed id
	receiver(ctx, env)
	assert.True(t, p.IsIdle())
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
