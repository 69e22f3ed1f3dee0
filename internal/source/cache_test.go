package source

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowCache_ReadBeforeAndAfterFinish(t *testing.T) {
	c := newWindowCache(64)
	require.NoError(t, c.write(context.Background(), []byte("hello world")))

	p := make([]byte, 5)
	n, err := c.readAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p[:n]))

	// Asking for more than is buffered before the end is not an error, only "not yet".
	big := make([]byte, 32)
	_, err = c.readAt(big, 0)
	assert.ErrorIs(t, err, ErrNotReady)

	c.finish(nil)
	n, err = c.readAt(big, 6)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "world", string(big[:n]))

	assert.Equal(t, int64(11), c.totalSize())
	_, err = c.readAt(p, 11)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWindowCache_FinishWithError(t *testing.T) {
	c := newWindowCache(16)
	require.NoError(t, c.write(context.Background(), []byte("abc")))
	boom := errors.New("boom")
	c.finish(boom)

	p := make([]byte, 8)
	n, err := c.readAt(p, 0)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, boom)

	_, err = c.readAt(p, 3)
	assert.ErrorIs(t, err, boom)
}

func TestWindowCache_EvictsBehindConsumer(t *testing.T) {
	c := newWindowCache(16)
	ctx := context.Background()
	require.NoError(t, c.write(ctx, make([]byte, 16)))

	p := make([]byte, 16)
	_, err := c.readAt(p, 0)
	require.NoError(t, err)

	require.NoError(t, c.write(ctx, make([]byte, 8)))

	lv := c.levels()
	assert.Equal(t, int64(12), lv.First, "keeps a quarter of the window behind the consumer")
	assert.Equal(t, int64(24), lv.Produced)
	assert.Equal(t, int64(16), lv.Consumed)
	assert.Equal(t, Unknown, lv.End)

	_, err = c.readAt(p[:1], 0)
	assert.ErrorIs(t, err, ErrNotSeekable)
	assert.Equal(t, int64(12), c.available(12))
	assert.Equal(t, int64(0), c.available(0))
}

func TestWindowCache_WriteBlocksUntilConsumed(t *testing.T) {
	c := newWindowCache(8)
	ctx := context.Background()
	require.NoError(t, c.write(ctx, make([]byte, 8)))

	done := make(chan error, 1)
	go func() { done <- c.write(ctx, []byte{1, 2, 3, 4}) }()

	select {
	case <-done:
		t.Fatal("write should block while the window is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := c.readAt(make([]byte, 8), 0)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not resume after the consumer advanced")
	}
}

func TestWindowCache_InterruptAndReset(t *testing.T) {
	c := newWindowCache(4)
	ctx := context.Background()
	require.NoError(t, c.write(ctx, make([]byte, 4)))

	done := make(chan error, 1)
	go func() { done <- c.write(ctx, []byte{1}) }()
	time.Sleep(20 * time.Millisecond)
	c.interrupt()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not release the writer")
	}

	c.reset(100)
	require.NoError(t, c.write(ctx, []byte{9}))
	p := make([]byte, 1)
	_, err := c.readAt(p, 100)
	require.NoError(t, err)
	assert.Equal(t, byte(9), p[0])
}

func TestWindowCache_ReadyBroadcast(t *testing.T) {
	c := newWindowCache(8)
	r1 := c.readyChan()
	r2 := c.readyChan()

	require.NoError(t, c.write(context.Background(), []byte{1}))

	for _, ch := range []<-chan struct{}{r1, r2} {
		select {
		case <-ch:
		default:
			t.Fatal("ready channel not closed after write")
		}
	}

	select {
	case <-c.readyChan():
		t.Fatal("fresh ready channel should be open")
	default:
	}
}

func TestWindowCache_Close(t *testing.T) {
	c := newWindowCache(4)
	c.close()
	c.close()

	_, err := c.readAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.write(context.Background(), []byte{1}), ErrClosed)
	assert.True(t, c.isDone())
}

func TestWindowCache_Resize(t *testing.T) {
	c := newWindowCache(minWindow)

	ahead := c.resize(2 * minWindow)
	assert.Equal(t, int64(2*minWindow-minWindow/2), ahead)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.write(ctx, make([]byte, 2*minWindow)))
	assert.Equal(t, int64(2*minWindow), c.levels().Produced)

	// Shrinking below the buffered amount stalls the producer until the
	// consumer moves on.
	assert.Equal(t, int64(minWindow-minWindow/4), c.resize(1))
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, c.write(short, []byte{1}), context.DeadlineExceeded)

	p := make([]byte, 2*minWindow)
	_, err := c.readAt(p, 0)
	require.NoError(t, err)
	require.NoError(t, c.write(ctx, []byte{1}))
	assert.Equal(t, int64(2*minWindow+1), c.levels().Produced)
}
