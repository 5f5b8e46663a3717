package worker

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunksCoverAllIndices(t *testing.T) {
	p := &Pool{Workers: 3}
	chunks := p.Chunks(100)

	covered := make([]bool, 100)
	for _, r := range chunks {
		for i := r.Start; i < r.End; i++ {
			require.False(t, covered[i], "index %d assigned twice", i)
			covered[i] = true
		}
	}
	for i, c := range covered {
		assert.True(t, c, "index %d never assigned", i)
	}
}

func TestChunksExplicitSize(t *testing.T) {
	p := &Pool{Workers: 2, ChunkSize: 7}
	chunks := p.Chunks(20)
	require.Len(t, chunks, 3)
	assert.Equal(t, Range{Start: 14, End: 20}, chunks[2])
}

// TestRunProcessesEveryUnitOnce exercises the parallel path with disjoint
// writes, the pool's intended usage pattern.
func TestRunProcessesEveryUnitOnce(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			p := &Pool{Workers: workers}
			out := make([]int32, 500)
			err := p.Run(len(out), func(r Range) error {
				for i := r.Start; i < r.End; i++ {
					atomic.AddInt32(&out[i], 1)
				}
				return nil
			})
			require.NoError(t, err)
			for i, v := range out {
				assert.Equal(t, int32(1), v, "unit %d processed %d times", i, v)
			}
		})
	}
}

func TestRunPropagatesError(t *testing.T) {
	p := &Pool{Workers: 4, ChunkSize: 10}
	err := p.Run(200, func(r Range) error {
		if r.Start >= 100 {
			return fmt.Errorf("chunk at %d failed", r.Start)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestRunRejectsEmptyWork(t *testing.T) {
	p := &Pool{Workers: 2}
	assert.Error(t, p.Run(0, func(Range) error { return nil }))
}

func TestProgressReachesTotal(t *testing.T) {
	var last atomic.Int64
	p := &Pool{
		Workers: 3,
		Progress: func(done, total int) {
			last.Store(int64(done))
		},
	}
	require.NoError(t, p.Run(123, func(r Range) error { return nil }))
	assert.Equal(t, int64(123), last.Load())
}
