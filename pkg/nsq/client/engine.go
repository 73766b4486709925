package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/AutoMQ/nsq-client/pkg/config"
	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
	"github.com/AutoMQ/nsq-client/pkg/nsq/codec"
	"github.com/AutoMQ/nsq-client/pkg/util/logutil"
	"github.com/AutoMQ/nsq-client/pkg/util/randutil"
)

const (
	_minRediscoverDelay        = 100 * time.Millisecond
	_rediscoverJitter          = 0.2
	_minHeartbeatCheckInterval = 100 * time.Millisecond
	_maxShardPins              = 1 << 16
)

var (
	// ErrClosed is returned when the client is used after Close.
	ErrClosed = errors.New("client closed")
	// ErrNoDataNode is returned when no data node serves a topic.
	ErrNoDataNode = errors.New("no data node")
	// ErrHeartbeatTimeout is the cause of closing a connection without recent heartbeat.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrConnectionClosed is returned by requests on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Client is the capability set of an engine driving connections to data nodes.
type Client interface {
	// Start starts discovering data nodes and checking heartbeats. It does not wait for any
	// data node, and fails only if the client cannot be set up locally.
	Start(ctx context.Context) error
	// Incoming is called by a connection for every frame it reads, in order.
	Incoming(f *codec.Frame, c *Conn) error
	// Backoff pauses delivery of messages on the connection.
	Backoff(c *Conn)
	// DataNodes returns a snapshot of the data nodes serving the topic.
	DataNodes(topic string) []address.Address
	// ClearDataNode forgets the data node in every topic and closes connections to it.
	ClearDataNode(addr address.Address)
	// ValidateHeartbeat checks the connection, and clears its data node if it missed heartbeats.
	ValidateHeartbeat(c *Conn) bool
	// Close closes all connections and stops background work.
	Close() error
}

var _ Client = (*Engine)(nil)

// Option configures an Engine.
type Option func(e *Engine)

// WithClock makes the engine read time from clk. Heartbeats are checked against it.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

// WithMessageHandler makes the engine consume the configured topic and channel.
func WithMessageHandler(h MessageHandler) Option {
	return func(e *Engine) {
		e.handler = h
	}
}

// WithDecorator makes the engine call its own Client operations through decorate(engine), such
// as a Logger.
func WithDecorator(decorate func(c Client) Client) Option {
	return func(e *Engine) {
		e.decorate = decorate
	}
}

// WithRegisterer registers the engine metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.reg = reg
	}
}

// Engine is a Client publishing to and consuming from data nodes found by a Lookup.
// It is safe for concurrent use by multiple goroutines.
type Engine struct {
	cfg       *config.NSQ
	lookup    Lookup
	handler   MessageHandler
	clock     clock.Clock
	reg       prometheus.Registerer
	tlsConfig *tls.Config
	decorate  func(c Client) Client

	// client is the engine itself, decorated. Internal calls of Client operations go through it.
	client Client

	registry *address.Registry
	router   *shardRouter
	pool     *connPool
	metrics  *metrics
	sf       singleflight.Group
	next     atomic.Uint64

	rediscover chan struct{}

	mu           sync.Mutex // guards start and close
	started      atomic.Bool
	closed       atomic.Bool
	stopCtxWatch func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lg *zap.Logger
}

// NewEngine creates an Engine. cfg should be adjusted and must not be modified afterwards.
func NewEngine(cfg *config.NSQ, lookup Lookup, lg *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		lookup:     lookup,
		clock:      clock.New(),
		registry:   address.NewRegistry(),
		router:     newShardRouter(_maxShardPins),
		rediscover: make(chan struct{}, 1),
		lg:         lg,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.client = e
	if e.decorate != nil {
		e.client = e.decorate(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.metrics = newMetrics(e.reg)
	e.pool = newConnPool(e)
	return e
}

// Start implements Client. The engine is closed when ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	logger := e.lg

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	if e.started.Load() {
		return errors.New("client already started")
	}

	err := e.cfg.Validate()
	if err != nil {
		return errors.WithMessage(err, "validate config")
	}
	if e.cfg.TLSv1 {
		e.tlsConfig, err = e.cfg.TLSConfig()
		if err != nil {
			return errors.WithMessage(err, "prepare tls")
		}
	}
	if e.cfg.Topic != "" {
		// make the topic known to discovery
		_ = e.registry.Get(e.cfg.Topic)
	}

	e.stopCtxWatch = context.AfterFunc(ctx, func() { _ = e.Close() })
	e.started.Store(true)

	e.wg.Add(1)
	go e.discoveryLoop()
	if timeout := e.cfg.HeartbeatTimeout(); timeout > 0 {
		e.wg.Add(1)
		go e.heartbeatLoop(timeout)
	}

	logger.Info("client started", zap.String("topic", e.cfg.Topic), zap.String("channel", e.cfg.ConsumerName),
		zap.String("client-id", e.cfg.ClientID), zap.Bool("ordered", e.cfg.Ordered))
	return nil
}

// Incoming implements Client.
func (e *Engine) Incoming(f *codec.Frame, c *Conn) error {
	if c.e != e {
		return errors.Errorf("%s is not owned by this client", c)
	}
	logger := c.lg

	e.metrics.frames.WithLabelValues(f.Type.String()).Inc()
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("receive frame", zap.String("frame", f.Summarize()))
	}

	switch f.Type {
	case codec.FrameTypeResponse:
		if f.IsHeartbeat() {
			e.metrics.heartbeats.Inc()
			return c.onHeartbeat(e.clock.Now().UnixMilli())
		}
		if !c.resolve(response{data: bytes.Clone(f.Data)}) {
			logger.Warn("response without request", zap.ByteString("data", f.Data))
		}
	case codec.FrameTypeError:
		respErr := newResponseError(f.Data)
		logger.Warn("data node returns an error", zap.String("code", respErr.Code), zap.String("message", respErr.Message))
		if !codec.IsAsyncError(f.Data) {
			c.resolve(response{err: respErr})
		}
	case codec.FrameTypeMessage:
		msg, err := codec.DecodeMessage(f.Data)
		if err != nil {
			return errors.WithMessage(err, "decode message")
		}
		c.deliver(msg)
	default:
		return errors.Errorf("unknown frame type %s", f.Type)
	}
	return nil
}

// Backoff implements Client.
func (e *Engine) Backoff(c *Conn) {
	if c.backoff() {
		c.lg.Info("connection backs off")
	}
}

// Resume resumes delivery of messages on a connection in backoff.
func (e *Engine) Resume(c *Conn) {
	if c.resume() {
		c.lg.Info("connection resumes")
	}
}

// DataNodes implements Client. If no data node of the topic is known yet, it looks them up,
// waiting at most the configured timeout.
func (e *Engine) DataNodes(topic string) []address.Address {
	logger := e.lg

	nodes := e.registry.Get(topic)
	if len(nodes) > 0 || !e.started.Load() || e.closed.Load() {
		return nodes
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout())
	defer cancel()
	_, err, _ := e.sf.Do(topic, func() (any, error) {
		return nil, e.refresh(ctx, topic)
	})
	if err != nil {
		logger.Warn("failed to look up data nodes", zap.String("topic", topic), zap.Error(err))
	}
	return e.registry.Get(topic)
}

// ClearDataNode implements Client. Connections are closed asynchronously, and a discovery is
// requested.
func (e *Engine) ClearDataNode(addr address.Address) {
	logger := e.lg

	topics := e.registry.RemoveAll(addr)
	unpinned := e.router.unpinAll(addr)
	closed := e.pool.closeAddr(addr)
	logger.Info("clear data node", zap.String("data-node", addr.String()), zap.Strings("topics", topics),
		zap.Int("unpinned-shards", unpinned), zap.Int("closed-connections", closed))

	e.Refresh()
}

// ValidateHeartbeat implements Client.
func (e *Engine) ValidateHeartbeat(c *Conn) bool {
	if c.ValidateHeartbeat(e.clock.Now().UnixMilli()) {
		return true
	}
	logger := c.lg

	e.metrics.heartbeatFailures.Inc()
	logger.Warn("heartbeat timeout, close connection", zap.Int64("last-heartbeat", c.LastHeartbeat()),
		zap.Int64("timeout-ms", c.heartbeatTimeout))
	e.client.ClearDataNode(c.addr)
	// c may have left the pool before, then it is not closed by ClearDataNode
	_ = c.closeWithError(ErrHeartbeatTimeout)
	return false
}

// Refresh requests a discovery of data nodes as soon as possible.
func (e *Engine) Refresh() {
	select {
	case e.rediscover <- struct{}{}:
	default:
	}
}

// Close implements Client.
func (e *Engine) Close() error {
	logger := e.lg

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return nil
	}
	e.closed.Store(true)
	if e.stopCtxWatch != nil {
		e.stopCtxWatch()
	}
	e.mu.Unlock()

	e.cancel()
	err := e.pool.close()
	e.wg.Wait()
	e.registry.Clear()

	logger.Info("client closed")
	return err
}

func (e *Engine) discoveryLoop() {
	defer e.wg.Done()
	logger := e.lg
	defer logutil.LogPanic(logger)

	backoff := &randutil.Backoff{
		Initial:      _minRediscoverDelay,
		Max:          e.cfg.LookupInterval,
		JitterFactor: _rediscoverJitter,
	}
	for {
		delay := e.cfg.LookupInterval
		err := e.discover(e.ctx)
		if err != nil && e.ctx.Err() == nil {
			delay = backoff.Next()
			logger.Warn("failed to discover data nodes", zap.Duration("retry-after", delay), zap.Int("attempts", backoff.Attempts()), zap.Error(err))
		} else {
			backoff.Reset()
		}

		timer := e.clock.Timer(delay)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-e.rediscover:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// discover refreshes the data nodes of all known topics.
func (e *Engine) discover(ctx context.Context) error {
	var errs error
	for _, topic := range e.registry.Topics() {
		errs = multierr.Append(errs, e.refresh(ctx, topic))
	}
	return errs
}

func (e *Engine) refresh(ctx context.Context, topic string) error {
	logger := e.lg

	nodes, err := e.lookup.Lookup(ctx, topic)
	e.metrics.lookups.WithLabelValues(result(err)).Inc()
	if err != nil {
		return errors.WithMessagef(err, "look up topic %s", topic)
	}

	added, removed := e.registry.Reset(topic, nodes)
	for _, addr := range removed {
		e.router.unpin(topic, addr)
	}
	if len(added) > 0 || len(removed) > 0 {
		logger.Info("data nodes changed", zap.String("topic", topic),
			zap.Strings("added", addrStrings(added)), zap.Strings("removed", addrStrings(removed)))
	}

	if e.consuming() && topic == e.cfg.Topic {
		for _, addr := range removed {
			e.pool.closeAddr(addr)
		}
		for _, addr := range e.registry.Get(topic) {
			e.pool.ensure(addr)
		}
	}
	return nil
}

func (e *Engine) heartbeatLoop(timeout time.Duration) {
	defer e.wg.Done()
	logger := e.lg
	defer logutil.LogPanic(logger)

	interval := timeout / 2
	if interval < _minHeartbeatCheckInterval {
		interval = _minHeartbeatCheckInterval
	}
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, c := range e.pool.all() {
				e.client.ValidateHeartbeat(c)
			}
		}
	}
}

func (e *Engine) dialConn(ctx context.Context, addr address.Address) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	// interrupt the handshake if the engine closes
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
	defer stop()

	c := newConn(e, addr, nc)
	err = c.establish(ctx)
	if err != nil {
		_ = nc.Close()
		return nil, errors.WithMessagef(err, "establish connection to %s", addr)
	}
	return c, nil
}

// onConnReady is called once a new connection joins the pool.
func (e *Engine) onConnReady(c *Conn) {
	if e.consuming() {
		_ = c.send(codec.Ready(e.cfg.MaxInFlight))
	}
}

// onConnClosed is called once a started connection is closed. A connection failing while in the
// pool takes its data node with it.
func (e *Engine) onConnClosed(c *Conn, cause error) {
	e.metrics.connections.Dec()
	if !e.pool.remove(c) || cause == nil || e.closed.Load() {
		return
	}
	e.client.ClearDataNode(c.addr)
}

func addrStrings(addrs []address.Address) []string {
	res := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		res = append(res, addr.String())
	}
	return res
}
