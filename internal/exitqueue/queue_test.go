package exitqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPushPopFIFO(t *testing.T) {
	q := New()
	ok := q.Push(100, 0)
	require.True(t, ok)
	ok = q.Push(101, 1)
	require.True(t, ok)

	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, Entry{PID: 100, ExitCode: 0}, e)

	e, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, Entry{PID: 101, ExitCode: 1}, e)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestPushFailsWhenFull(t *testing.T) {
	q := New()
	for i := 0; i < Size; i++ {
		require.True(t, q.Push(i, 0))
	}
	require.False(t, q.Push(9999, 0))
	require.Equal(t, uint64(1), q.Dropped())
}

func TestDroppedResetsAfterRead(t *testing.T) {
	q := New()
	for i := 0; i < Size+3; i++ {
		q.Push(i, 0)
	}
	require.Equal(t, uint64(3), q.Dropped())
	require.Equal(t, uint64(0), q.Dropped())
}

// TestFIFOOrderingProperty checks that entries popped from the queue
// always come out in the order they were pushed, for any sequence of
// push/pop operations that never overflows the ring.
func TestFIFOOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := New()
		var pushed []Entry
		var popped []Entry

		ops := rapid.SliceOfN(rapid.IntRange(0, 1), 1, 200).Draw(rt, "ops")
		for _, op := range ops {
			if op == 0 && len(pushed)-len(popped) < Size {
				pid := rapid.IntRange(1, 1<<20).Draw(rt, "pid")
				code := rapid.IntRange(0, 255).Draw(rt, "code")
				entry := Entry{PID: pid, ExitCode: code}
				require.True(rt, q.Push(entry.PID, entry.ExitCode))
				pushed = append(pushed, entry)
			} else if e, ok := q.Pop(); ok {
				popped = append(popped, e)
			}
		}
		for e, ok := q.Pop(); ok; e, ok = q.Pop() {
			popped = append(popped, e)
		}
		require.Equal(rt, pushed, popped)
	})
}
