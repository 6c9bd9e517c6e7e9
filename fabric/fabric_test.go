package fabric

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcastRunsEveryRank(t *testing.T) {
	p := NewPool(2)
	var count int64
	err := p.Broadcast(context.Background(), 5, func(ctx context.Context, rank int) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), count)
}

func TestBroadcastPropagatesFatalError(t *testing.T) {
	p := NewPool(4)
	sentinel := errors.New("rank 2 blew up")
	err := p.Broadcast(context.Background(), 5, func(ctx context.Context, rank int) error {
		if rank == 2 {
			return sentinel
		}
		return nil
	})
	require.ErrorIs(t, err, sentinel)
}

func TestAllReduceSum(t *testing.T) {
	p := NewPool(3)
	sum, err := p.AllReduceSum(context.Background(), 4, func(ctx context.Context, rank int) (float64, error) {
		return float64(rank), nil
	})
	require.NoError(t, err)
	require.Equal(t, 6.0, sum) // 0+1+2+3
}

func TestAllGatherPreservesRankOrder(t *testing.T) {
	p := NewPool(2)
	out, err := p.AllGather(context.Background(), 3, func(ctx context.Context, rank int) ([]float64, error) {
		return []float64{float64(rank), float64(rank) + 0.5}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0.5, 1, 1.5, 2, 2.5}, out)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(1)
	var running, maxObserved int64
	_ = p.Broadcast(context.Background(), 8, func(ctx context.Context, rank int) error {
		n := atomic.AddInt64(&running, 1)
		for {
			cur := atomic.LoadInt64(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt64(&maxObserved, cur, n) {
				break
			}
		}
		atomic.AddInt64(&running, -1)
		return nil
	})
	require.LessOrEqual(t, atomic.LoadInt64(&maxObserved), int64(1))
}
