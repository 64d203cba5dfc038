package streaming

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBuffer_FlushOnSize(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBuffer(10, time.Hour, WithClock(clk.Now))

	require.False(t, b.Add("hello"))
	require.True(t, b.Add("world"))
	require.Equal(t, "helloworld", b.Flush())
	require.Zero(t, b.Len())
}

func TestBuffer_FlushOnInterval(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBuffer(1024, 50*time.Millisecond, WithClock(clk.Now))

	require.False(t, b.Add("a"))
	clk.Advance(49 * time.Millisecond)
	require.False(t, b.Add("b"))
	clk.Advance(time.Millisecond)
	require.True(t, b.Add("c"))
	require.Equal(t, "abc", b.Flush())

	// the interval restarts at the flush
	require.False(t, b.Add("d"))
}

func TestBuffer_FlushTwiceReturnsEmpty(t *testing.T) {
	b := NewBuffer(0, 0)
	b.Add("partial")
	require.Equal(t, "partial", b.Flush())
	require.Equal(t, "", b.Flush())
	require.Equal(t, "", NewBuffer(0, 0).Flush())
}

func TestBuffer_MultibyteThresholdCountsBytes(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := NewBuffer(DefaultFlushBytes, time.Hour, WithClock(clk.Now))
	// 21 Hangul syllables are 63 bytes; one more crosses the default threshold.
	require.False(t, b.Add(strings.Repeat("가", 21)))
	require.True(t, b.Add("나"))
}
