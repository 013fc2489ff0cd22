package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	"github.com/tnewman/topic-subscriber/pkg/correlation"
	"github.com/tnewman/topic-subscriber/pkg/metrics"
)

const (
	softwareName    = "topic-subscriber"
	softwareVersion = "1.0.0"
)

// ConnConfig configures a broker connection.
type ConnConfig struct {
	ClientID    string
	DialTimeout time.Duration
	// IDSpace is the size of the correlation id space; see correlation.WithIDSpace.
	IDSpace         int64
	MaxResponseSize int32
	Logger          *zap.Logger
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.ClientID == "" {
		c.ClientID = softwareName
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IDSpace <= 0 {
		c.IDSpace = correlation.DefaultIDSpace
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = 100 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return c
}

type callResult struct {
	resp kmsg.Response
	err  error
}

type call struct {
	req   kmsg.Request
	start time.Time
	done  chan callResult
}

// Conn is a pipelined request/response connection to a single broker.
// Any number of goroutines may issue requests concurrently; responses are
// matched to their requests by correlation id.
//
// A response carrying an unknown correlation id, or more requests in flight
// than the correlation id window allows, is fatal: the connection is closed
// and every outstanding request fails.
type Conn struct {
	addr            string
	nc              net.Conn
	formatter       *kmsg.RequestFormatter
	maxResponseSize int32
	logger          *zap.Logger

	mu       sync.Mutex
	inflight *correlation.Tracker[*call]
	versions map[int16]int16
	buf      []byte
	err      error
	done     chan struct{}
}

// Dial connects to addr and negotiates API versions with the broker.
func Dial(ctx context.Context, addr string, cfg ConnConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker %s: %w", addr, err)
	}

	c := newConn(nc, addr, cfg)
	if err := c.handshake(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("api versions handshake with %s failed: %w", addr, err)
	}
	c.logger.Debug("Broker connection established", zap.Int("api_keys", len(c.versions)))

	return c, nil
}

func newConn(nc net.Conn, addr string, cfg ConnConfig) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		addr:            addr,
		nc:              nc,
		formatter:       kmsg.NewRequestFormatter(kmsg.FormatterClientID(cfg.ClientID)),
		maxResponseSize: cfg.MaxResponseSize,
		logger:          cfg.Logger.With(zap.String("broker", addr)),
		inflight:        correlation.New[*call](correlation.WithIDSpace(cfg.IDSpace)),
		done:            make(chan struct{}),
	}
	go c.readLoop()

	return c
}

func (c *Conn) handshake(ctx context.Context) error {
	req := kmsg.NewPtrApiVersionsRequest()
	req.SetVersion(3)
	req.ClientSoftwareName = softwareName
	req.ClientSoftwareVersion = softwareVersion

	kresp, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	resp := kresp.(*kmsg.ApiVersionsResponse)
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return err
	}

	versions := make(map[int16]int16, len(resp.ApiKeys))
	for _, k := range resp.ApiKeys {
		versions[k.ApiKey] = k.MaxVersion
	}
	c.mu.Lock()
	c.versions = versions
	c.mu.Unlock()

	return nil
}

// Request sends req and waits for its response. Before the handshake
// completes the request is sent at the version it carries; afterwards its
// version is lowered to what the broker supports.
func (c *Conn) Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	cl, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-cl.done:
		return res.resp, res.err
	case <-ctx.Done():
		// the response, if it ever comes, is released and dropped by readLoop
		return nil, ctx.Err()
	}
}

func (c *Conn) send(ctx context.Context, req kmsg.Request) (*call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	if c.versions != nil {
		maxVersion, ok := c.versions[req.Key()]
		if !ok {
			return nil, fmt.Errorf("%w: api key %d", ErrUnsupportedRequest, req.Key())
		}
		req.SetVersion(min(req.MaxVersion(), maxVersion))
	}

	cl := &call{req: req, start: time.Now(), done: make(chan callResult, 1)}
	id, err := c.inflight.Allocate(cl)
	if err != nil {
		c.failLocked(err)
		return nil, c.err
	}
	metrics.InflightRequests.WithLabelValues(c.addr).Set(float64(c.inflight.Len()))

	deadline, _ := ctx.Deadline()
	_ = c.nc.SetWriteDeadline(deadline)
	c.buf = c.formatter.AppendRequest(c.buf[:0], req, id)
	if _, err := c.nc.Write(c.buf); err != nil {
		c.failLocked(fmt.Errorf("failed to write request: %w", err))
		return nil, c.err
	}

	return cl, nil
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.readFrame()
		if err != nil {
			c.fail(fmt.Errorf("failed to read response: %w", err))
			return
		}

		r := kbin.Reader{Src: frame}
		id := r.Int32()

		c.mu.Lock()
		cl, err := c.inflight.Lookup(id)
		if err == nil {
			err = c.inflight.Release(id)
		}
		if err != nil {
			c.failLocked(err)
			c.mu.Unlock()
			return
		}
		metrics.InflightRequests.WithLabelValues(c.addr).Set(float64(c.inflight.Len()))
		c.mu.Unlock()

		resp, err := decodeResponse(cl.req, r.Src)
		metrics.RequestLatency.WithLabelValues(kmsg.NameForKey(cl.req.Key())).Observe(time.Since(cl.start).Seconds())
		cl.done <- callResult{resp: resp, err: err}
	}
}

func (c *Conn) readFrame() ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(c.nc, size[:]); err != nil {
		return nil, err
	}
	r := kbin.Reader{Src: size[:]}
	n := r.Int32()
	if n < 4 {
		return nil, fmt.Errorf("invalid response size %d", n)
	}
	if n > c.maxResponseSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrResponseTooLarge, n, c.maxResponseSize)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(c.nc, frame); err != nil {
		return nil, err
	}

	return frame, nil
}

// decodeResponse parses body, the frame following the correlation id.
func decodeResponse(req kmsg.Request, body []byte) (kmsg.Response, error) {
	resp := req.ResponseKind()
	resp.SetVersion(req.GetVersion())

	// ApiVersions responses always use header v0, which has no tag section.
	if resp.IsFlexible() && req.Key() != int16(kmsg.ApiVersions) {
		r := kbin.Reader{Src: body}
		skipTags(&r)
		if !r.Ok() {
			return nil, errors.New("invalid response header tags")
		}
		body = r.Src
	}

	if err := resp.ReadFrom(body); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", kmsg.NameForKey(req.Key()), err)
	}

	return resp, nil
}

func skipTags(r *kbin.Reader) {
	for n := r.Uvarint(); n > 0; n-- {
		r.Uvarint()
		r.Span(int(r.Uvarint()))
	}
}

// Err returns the error that closed the connection, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection, failing every outstanding request with
// ErrConnClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(ErrConnClosed)

	return nil
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(err)
}

func (c *Conn) failLocked(err error) {
	if c.err != nil {
		return
	}
	c.logger.Error("Broker connection failed", zap.Error(err))
	c.closeLocked(fmt.Errorf("%w: %w", ErrConnClosed, err))
}

func (c *Conn) closeLocked(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	_ = c.nc.Close()
	for _, cl := range c.inflight.Drain() {
		cl.done <- callResult{err: err}
	}
	metrics.InflightRequests.DeleteLabelValues(c.addr)
	close(c.done)
}
