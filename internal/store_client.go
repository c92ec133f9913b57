package internal

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal/qipc"
	"go.uber.org/zap"
)

// StoreClientOptions tunes a store client.
type StoreClientOptions struct {
	QueryTimeout       time.Duration
	SlowQueryThreshold time.Duration
	LogQueries         bool
	Breaker            *CircuitBreaker
	Metrics            *Metrics
}

// storeClient shares one lazily dialled connection. A broken connection is
// redialled once per query; repeated failures open the breaker.
type storeClient struct {
	dial Dialer
	opts StoreClientOptions

	mu   sync.Mutex
	conn QueryConn
}

// NewStoreClient returns a client that dials on first use.
func NewStoreClient(dial Dialer, opts StoreClientOptions) StoreClient {
	return &storeClient{dial: dial, opts: opts}
}

// QIPCDialer dials the store described by cfg.
func QIPCDialer(cfg kdbpush.StoreConfig) Dialer {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return func(ctx context.Context) (QueryConn, error) {
		if cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
		}
		conn, err := qipc.Dial(ctx, addr, cfg.User, cfg.Password)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (c *storeClient) Execute(ctx context.Context, q string) (*qipc.K, error) {
	if !c.opts.Breaker.Allow() {
		c.opts.Metrics.ObserveQuery(OutcomeCircuitOpen, 0)
		return nil, kdbpush.NewCircuitOpenError(q)
	}
	if c.opts.LogQueries {
		zap.S().Infow("store query", "query", q)
	} else {
		zap.S().Debugw("store query", "query", q)
	}

	start := time.Now()
	res, err := c.execute(ctx, q)
	elapsed := time.Since(start)
	if c.opts.SlowQueryThreshold > 0 && elapsed > c.opts.SlowQueryThreshold {
		zap.S().Warnw("slow store query", "query", q, "elapsed", elapsed)
	}

	var remote *qipc.RemoteError
	switch {
	case err == nil:
		c.opts.Breaker.RecordSuccess()
		c.opts.Metrics.ObserveQuery(OutcomeOK, elapsed)
		return res, nil
	case errors.As(err, &remote):
		// the store answered; the connection is healthy
		c.opts.Breaker.RecordSuccess()
		c.opts.Metrics.ObserveQuery(OutcomeEvaluation, elapsed)
		return nil, kdbpush.NewStoreEvaluationError(q, remote.Message)
	case ctx.Err() != nil:
		c.opts.Breaker.Release()
		c.opts.Metrics.ObserveQuery(OutcomeUnavailable, elapsed)
		return nil, kdbpush.NewStoreUnavailableError(q, ctx.Err())
	default:
		c.opts.Breaker.RecordFailure()
		c.opts.Metrics.ObserveQuery(OutcomeUnavailable, elapsed)
		zap.S().Warnw("store unavailable", "query", q, "error", err, "breaker", c.opts.Breaker.State())
		return nil, kdbpush.NewStoreUnavailableError(q, err)
	}
}

func (c *storeClient) execute(ctx context.Context, q string) (*qipc.K, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := c.connection(ctx)
		if err != nil {
			return nil, err
		}
		res, err := c.query(ctx, conn, q)
		if err == nil {
			return res, nil
		}
		var remote *qipc.RemoteError
		if errors.As(err, &remote) {
			return nil, err
		}
		c.discard(conn)
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		zap.S().Debugw("store connection lost, redialling", "error", err)
	}
	return nil, lastErr
}

func (c *storeClient) query(ctx context.Context, conn QueryConn, q string) (*qipc.K, error) {
	if c.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.QueryTimeout)
		defer cancel()
	}
	return conn.Query(ctx, q)
}

func (c *storeClient) connection(ctx context.Context) (QueryConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// discard drops conn unless another caller already replaced it.
func (c *storeClient) discard(conn QueryConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	_ = conn.Close()
}

func (c *storeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
