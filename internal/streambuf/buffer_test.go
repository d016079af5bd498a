// ABOUTME: Tests for the streaming text coalescing buffer
// ABOUTME: Verifies ordering, flush idempotence, truncation and discard-after-abort

package streambuf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records flushes for assertions.
type collector struct {
	mu      sync.Mutex
	flushes []string
}

func (c *collector) flush(_ string, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes = append(c.flushes, text)
}

func (c *collector) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := ""
	for _, f := range c.flushes {
		out += f
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flushes)
}

func TestBuffer_OrderingPreserved(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil)
	defer b.Close()

	b.Append("conv", "Hello")
	b.Append("conv", ", ")
	b.Append("conv", "world")
	b.Flush("conv")

	assert.Equal(t, "Hello, world", c.joined())
	assert.Equal(t, 1, c.count(), "accumulated fragments arrive as one flush")
}

func TestBuffer_FlushIdempotent(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil)
	defer b.Close()

	b.Append("conv", "once")
	b.Flush("conv")
	b.Flush("conv")

	assert.Equal(t, "once", c.joined())
	assert.Equal(t, 1, c.count())
}

func TestBuffer_TimerFires(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil, WithFlushInterval(5*time.Millisecond))
	defer b.Close()

	b.Append("conv", "timed")

	require.Eventually(t, func() bool {
		return c.joined() == "timed"
	}, time.Second, time.Millisecond)
}

func TestBuffer_SecondAppendExtendsAccumulation(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil, WithFlushInterval(20*time.Millisecond))
	defer b.Close()

	b.Append("conv", "a")
	time.Sleep(5 * time.Millisecond)
	b.Append("conv", "b")

	require.Eventually(t, func() bool {
		return c.joined() == "ab"
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.count(), "second append must not issue a new timer")
}

func TestBuffer_PerConversationIsolation(t *testing.T) {
	var mu sync.Mutex
	byConv := map[string]string{}
	b := New(func(id, text string) {
		mu.Lock()
		defer mu.Unlock()
		byConv[id] += text
	}, nil)
	defer b.Close()

	b.Append("a", "first")
	b.Append("b", "second")
	b.Flush("a")
	b.Flush("b")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "first", byConv["a"])
	assert.Equal(t, "second", byConv["b"])
}

func TestBuffer_TruncatesAtCeiling(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil, WithMaxMessageLen(10))
	defer b.Close()

	b.Append("conv", "0123456789ABCDEF")
	b.Flush("conv")
	// Further appends are dropped outright
	b.Append("conv", "more")
	b.Flush("conv")

	assert.Equal(t, "0123456789", c.joined())
}

func TestBuffer_ResetRestoresBudget(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil, WithMaxMessageLen(4))
	defer b.Close()

	b.Append("conv", "abcdef")
	b.Flush("conv")
	b.Reset("conv")
	b.Append("conv", "gh")
	b.Flush("conv")

	assert.Equal(t, "abcdgh", c.joined())
}

func TestBuffer_ConcurrentFlushesApplyInAppendOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	entered := make(chan struct{})
	b := New(func(_ string, text string) {
		if text == "first" {
			close(entered)
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		got = append(got, text)
	}, nil, WithFlushInterval(time.Hour))
	defer b.Close()

	b.Append("conv", "first")
	done := make(chan struct{})
	go func() {
		b.Flush("conv")
		close(done)
	}()
	<-entered

	// A synchronous flush racing the slow in-flight one must wait its turn.
	b.Append("conv", "second")
	b.Flush("conv")
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBuffer_ForgetClearsAccounting(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil, WithMaxMessageLen(3))
	defer b.Close()

	b.Append("conv", "abc")
	b.Flush("conv")
	b.Append("conv", "dropped")
	b.Flush("conv")
	b.Forget("conv")
	b.Append("conv", "xyz")
	b.Flush("conv")

	assert.Equal(t, "abcxyz", c.joined())
}

func TestBuffer_DiscardDropsPending(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil)
	defer b.Close()

	b.Append("conv", "never seen")
	b.Discard("conv")
	b.Flush("conv")

	assert.Equal(t, "", c.joined())
}

func TestBuffer_SanitizedToNothingIsNoop(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil)
	defer b.Close()

	b.Append("conv", "\x00\x01\x02")
	b.Flush("conv")

	assert.Equal(t, 0, c.count())
}

func TestBuffer_CloseStopsDelivery(t *testing.T) {
	c := &collector{}
	b := New(c.flush, nil, WithFlushInterval(5*time.Millisecond))

	b.Append("conv", "pending")
	b.Close()
	b.Append("conv", "after close")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}
