package internal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedSplits(n int) []kdbpush.Split {
	out := make([]kdbpush.Split, n)
	for i := range out {
		out[i] = kdbpush.Split{ID: uuid.New(), Partition: int64(i), HasPartition: true}
	}
	return out
}

func TestSplitExecutor_KeepsSplitOrder(t *testing.T) {
	x, err := NewSplitExecutor(3)
	require.NoError(t, err)
	defer x.Close()

	splits := numberedSplits(8)
	var peak, running atomic.Int32
	pages, err := x.Run(context.Background(), splits, func(ctx context.Context, s kdbpush.Split) (*kdbpush.Page, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		i := s.Partition.(int64)
		// later splits finish first
		time.Sleep(time.Duration(8-i) * time.Millisecond)
		page := kdbpush.NewPage([]string{"n"}, []kdbpush.RelType{kdbpush.Rel(kdbpush.RelBigInt)})
		page.AppendRow([]any{i})
		return page, nil
	})
	require.NoError(t, err)
	require.Len(t, pages, 8)
	for i, p := range pages {
		assert.Equal(t, []any{int64(i)}, p.Values[0])
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestSplitExecutor_FirstErrorCancelsTheRest(t *testing.T) {
	x, err := NewSplitExecutor(2)
	require.NoError(t, err)
	defer x.Close()

	boom := errors.New("boom")
	_, err = x.Run(context.Background(), numberedSplits(6), func(ctx context.Context, s kdbpush.Split) (*kdbpush.Page, error) {
		if s.Partition.(int64) == 0 {
			return nil, boom
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return kdbpush.NewPage(nil, nil), nil
		}
	})
	assert.ErrorIs(t, err, boom)
}

func TestSplitExecutor_RecoversPanics(t *testing.T) {
	x, err := NewSplitExecutor(1)
	require.NoError(t, err)
	defer x.Close()

	_, err = x.Run(context.Background(), numberedSplits(1), func(ctx context.Context, s kdbpush.Split) (*kdbpush.Page, error) {
		panic("bad split")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad split")
}

func TestSplitExecutor_NoSplits(t *testing.T) {
	x, err := NewSplitExecutor(0)
	require.NoError(t, err)
	defer x.Close()

	pages, err := x.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, pages)
}
