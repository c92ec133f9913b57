package qipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// capability 3 announces support for compression and timestamp types.
const capability = 3

// ErrAuthFailed is returned when the server closes the connection during the handshake.
var ErrAuthFailed = errors.New("qipc: handshake rejected")

// RemoteError is an error signalled by the server ('msg).
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "kdb+ error: " + e.Message }

// Conn is a synchronous IPC connection. Queries on one Conn are serialized.
type Conn struct {
	mu         sync.Mutex
	conn       net.Conn
	r          *bufio.Reader
	capability byte
}

// Dial connects and performs the handshake.
func Dial(ctx context.Context, addr, user, password string) (*Conn, error) {
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("qipc: dial %s: %w", addr, err)
	}
	c, err := NewConn(ctx, nc, user, password)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewConn performs the handshake over an established connection.
func NewConn(ctx context.Context, nc net.Conn, user, password string) (*Conn, error) {
	c := &Conn{conn: nc, r: bufio.NewReader(nc)}
	stop := c.watch(ctx)
	defer stop()

	creds := user
	if password != "" {
		creds += ":" + password
	}
	hello := append([]byte(creds), capability, 0)
	if _, err := nc.Write(hello); err != nil {
		return nil, fmt.Errorf("qipc: handshake: %w", err)
	}
	b, err := c.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrAuthFailed
		}
		return nil, fmt.Errorf("qipc: handshake: %w", err)
	}
	c.capability = b
	return c, nil
}

// Capability is the protocol version agreed with the server.
func (c *Conn) Capability() byte { return c.capability }

// watch applies ctx's deadline and interrupts blocked I/O when ctx is cancelled.
func (c *Conn) watch(ctx context.Context) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = c.conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Query sends q as a synchronous char-vector message and returns the response.
// A server-side error is returned as *RemoteError.
func (c *Conn) Query(ctx context.Context, q string) (*K, error) {
	return c.Call(ctx, CharVector(q))
}

// Call sends an arbitrary object synchronously.
func (c *Conn) Call(ctx context.Context, k *K) (*K, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := c.watch(ctx)
	defer stop()

	msg, err := EncodeMessage(MsgSync, k)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(msg); err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	for {
		typ, res, err := ReadMessage(c.r)
		if err != nil {
			return nil, c.ctxErr(ctx, err)
		}
		if typ != MsgResponse {
			continue
		}
		if res.Type == KError {
			msg, _ := res.Data.(string)
			return nil, &RemoteError{Message: msg}
		}
		return res, nil
	}
}

func (c *Conn) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return err
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// ReadMessage reads one framed message and decodes its body.
func ReadMessage(r io.Reader) (byte, *K, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	var order binary.ByteOrder = binary.LittleEndian
	if hdr[0] == 0 {
		order = binary.BigEndian
	}
	size := int(int32(order.Uint32(hdr[4:])))
	if size < headerSize {
		return 0, nil, fmt.Errorf("qipc: invalid message size %d", size)
	}
	msg := make([]byte, size)
	copy(msg, hdr[:])
	if _, err := io.ReadFull(r, msg[headerSize:]); err != nil {
		return 0, nil, err
	}
	body := msg[headerSize:]
	if hdr[2] == 1 {
		var err error
		if body, err = Decompress(msg, order); err != nil {
			return 0, nil, err
		}
	}
	k, err := Decode(body, order)
	return hdr[1], k, err
}
