package internal

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal/qipc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu     sync.Mutex
	query  func(q string) (*qipc.K, error)
	closed bool
}

func (c *stubConn) Query(ctx context.Context, q string) (*qipc.K, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.query(q)
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// stubDialer hands out conns in order and counts dials.
type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
	err   error
	dials int
}

func (d *stubDialer) dial(ctx context.Context) (QueryConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func answering(res *qipc.K) *stubConn {
	return &stubConn{query: func(string) (*qipc.K, error) { return res, nil }}
}

func kdbCode(t *testing.T, err error) string {
	t.Helper()
	var ke *kdbpush.KdbError
	require.True(t, errors.As(err, &ke), "expected *KdbError, got %v", err)
	return ke.Code
}

func TestStoreClient_DialsLazily(t *testing.T) {
	d := &stubDialer{conns: []*stubConn{answering(qipc.Long(1))}}
	client := NewStoreClient(d.dial, StoreClientOptions{})
	assert.Equal(t, 0, d.dials)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := client.Execute(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Data)
	}
	assert.Equal(t, 1, d.dials, "the connection is shared")
}

func TestStoreClient_RedialsBrokenConnection(t *testing.T) {
	broken := &stubConn{query: func(string) (*qipc.K, error) { return nil, io.EOF }}
	d := &stubDialer{conns: []*stubConn{broken, answering(qipc.Long(2))}}
	client := NewStoreClient(d.dial, StoreClientOptions{})

	res, err := client.Execute(context.Background(), "1+1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Data)
	assert.Equal(t, 2, d.dials)
	assert.True(t, broken.closed)
}

func TestStoreClient_RemoteErrorKeepsConnection(t *testing.T) {
	conn := &stubConn{query: func(string) (*qipc.K, error) { return nil, &qipc.RemoteError{Message: "type"} }}
	d := &stubDialer{conns: []*stubConn{conn}}
	breaker := NewCircuitBreaker(1, time.Minute, time.Minute)
	client := NewStoreClient(d.dial, StoreClientOptions{Breaker: breaker})

	_, err := client.Execute(context.Background(), "1+`a")
	require.Error(t, err)
	assert.Equal(t, kdbpush.ErrCodeStoreEvaluation, kdbCode(t, err))
	assert.Equal(t, "1+`a", kdbpush.ErrorQuery(err))
	assert.Contains(t, err.Error(), "type")
	assert.False(t, conn.closed)
	assert.Equal(t, BreakerClosed, breaker.State())
}

func TestStoreClient_BreakerOpensAfterFailures(t *testing.T) {
	d := &stubDialer{err: errors.New("connection refused")}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)
	client := NewStoreClient(d.dial, StoreClientOptions{
		Breaker: NewCircuitBreaker(2, time.Minute, time.Minute),
		Metrics: metrics,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Execute(ctx, "tables[]")
		require.Error(t, err)
		assert.Equal(t, kdbpush.ErrCodeStoreUnavailable, kdbCode(t, err))
	}
	_, err := client.Execute(ctx, "tables[]")
	require.Error(t, err)
	assert.Equal(t, kdbpush.ErrCodeStoreCircuitOpen, kdbCode(t, err))
	assert.Equal(t, 2, d.dials, "an open breaker does not dial")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StoreQueries.WithLabelValues(OutcomeUnavailable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreQueries.WithLabelValues(OutcomeCircuitOpen)))
}

func TestStoreClient_CancelledQuery(t *testing.T) {
	d := &stubDialer{conns: []*stubConn{answering(qipc.Long(1))}}
	breaker := NewCircuitBreaker(1, time.Minute, time.Minute)
	client := NewStoreClient(d.dial, StoreClientOptions{Breaker: breaker})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Execute(ctx, "1")
	require.Error(t, err)
	assert.True(t, kdbpush.IsStoreError(err))
	assert.Equal(t, BreakerClosed, breaker.State(), "cancellation is not a store failure")
}

func TestStoreClient_Close(t *testing.T) {
	conn := answering(qipc.Long(1))
	d := &stubDialer{conns: []*stubConn{conn}}
	client := NewStoreClient(d.dial, StoreClientOptions{})

	require.NoError(t, client.Close())
	_, err := client.Execute(context.Background(), "1")
	require.NoError(t, err)
	require.NoError(t, client.Close())
	assert.True(t, conn.closed)
	require.NoError(t, client.Close())
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, 10*time.Second, 30*time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(20 * time.Second)
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State(), "the first failure left the window")

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "one trial at a time")

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State(), "a failed trial reopens")

	now = now.Add(31 * time.Second)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_ReleaseEndsTrial(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Minute, time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	require.True(t, cb.Allow())
	cb.Release()
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_Nil(t *testing.T) {
	var cb *CircuitBreaker
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.Release()
	assert.Equal(t, BreakerClosed, cb.State())
}
