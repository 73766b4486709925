package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
	"github.com/AutoMQ/nsq-client/pkg/nsq/codec"
)

const (
	_closeWriteTimeout   = 100 * time.Millisecond
	_defaultDeflateLevel = 6
)

// State is the state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateIdentifying
	StateReady
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ResponseError is an error frame a data node sends in answer to a command.
type ResponseError struct {
	// Code is the leading token of the error, e.g. "E_BAD_TOPIC".
	Code    string
	Message string
}

func newResponseError(data []byte) *ResponseError {
	return &ResponseError{Code: codec.ErrorCode(data), Message: string(data)}
}

func (e *ResponseError) Error() string {
	return "data node error: " + e.Message
}

// identifyResponse is the document a data node answers IDENTIFY with when feature negotiation is on.
type identifyResponse struct {
	MaxRdyCount   int64 `json:"max_rdy_count"`
	MaxMsgTimeout int64 `json:"max_msg_timeout"`
	TLSv1         bool  `json:"tls_v1"`
	Deflate       bool  `json:"deflate"`
	DeflateLevel  int   `json:"deflate_level"`
	Snappy        bool  `json:"snappy"`
	AuthRequired  bool  `json:"auth_required"`
}

type response struct {
	data []byte
	err  error
}

// Conn is a session with one data node. It is created and exclusively owned by an Engine.
//
// Frames are read by one goroutine and handed to the Engine in arrival order. Messages are
// delivered to the application by another goroutine, so a slow handler does not delay heartbeats.
type Conn struct {
	e    *Engine
	addr address.Address
	nc   net.Conn

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // unix millis
	// heartbeatTimeout in milliseconds, 0 means heartbeats are not checked
	heartbeatTimeout int64

	// wmu is held while writing.
	wmu sync.Mutex
	fr  *codec.Framer

	mu      sync.Mutex // guards following
	pending []chan response
	closed  bool

	msgs    chan *codec.Message
	closing chan struct{}

	lg *zap.Logger
}

func newConn(e *Engine, addr address.Address, nc net.Conn) *Conn {
	logger := e.lg.With(zap.String("data-node", addr.String()))
	c := &Conn{
		e:                e,
		addr:             addr,
		nc:               nc,
		heartbeatTimeout: e.cfg.HeartbeatTimeout().Milliseconds(),
		fr:               codec.NewFramer(bufio.NewWriter(nc), bufio.NewReader(nc), logger),
		msgs:             make(chan *codec.Message, e.cfg.MaxInFlight),
		closing:          make(chan struct{}),
		lg:               logger,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Addr returns the address of the data node.
func (c *Conn) Addr() address.Address {
	return c.addr
}

// State returns the current state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// LastHeartbeat returns the time of the last heartbeat in unix millis.
func (c *Conn) LastHeartbeat() int64 {
	return c.lastHeartbeat.Load()
}

// ValidateHeartbeat reports whether the last heartbeat is recent enough at nowMillis.
func (c *Conn) ValidateHeartbeat(nowMillis int64) bool {
	if c.heartbeatTimeout <= 0 {
		return true
	}
	return nowMillis-c.lastHeartbeat.Load() <= c.heartbeatTimeout
}

// Close closes the connection. It is safe to call Close more than once.
// Requests waiting for a response fail with ErrConnectionClosed.
func (c *Conn) Close() error {
	return c.closeWithError(nil)
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn(%s, %s)", c.addr, c.State())
}

// establish runs the handshake, and subscribes if the engine consumes. It must be called
// before start.
func (c *Conn) establish(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(deadline)
	}
	defer func() { _ = c.nc.SetDeadline(time.Time{}) }()

	err := c.identify(ctx)
	if err != nil {
		return err
	}
	if c.e.consuming() {
		return c.subscribe(c.e.cfg.Topic, c.e.cfg.ConsumerName)
	}
	return nil
}

func (c *Conn) identify(ctx context.Context) error {
	logger := c.lg

	err := c.fr.WriteMagic()
	if err != nil {
		return errors.WithMessage(err, "write magic")
	}
	body, err := c.e.cfg.Identify()
	if err != nil {
		return err
	}
	c.state.Store(int32(StateIdentifying))
	err = c.writeCommand(codec.Identify(body))
	if err != nil {
		return errors.WithMessage(err, "send identify")
	}
	data, err := c.readResponse()
	if err != nil {
		return errors.WithMessage(err, "identify")
	}
	if bytes.Equal(data, codec.OK) {
		return nil
	}

	var resp identifyResponse
	err = json.Unmarshal(data, &resp)
	if err != nil {
		return errors.Wrapf(err, "unmarshal identify response %q", data)
	}
	logger.Info("features negotiated", zap.Bool("tls-v1", resp.TLSv1), zap.Bool("deflate", resp.Deflate),
		zap.Bool("snappy", resp.Snappy), zap.Int64("max-rdy-count", resp.MaxRdyCount))

	var rw io.ReadWriter = c.nc
	if resp.TLSv1 {
		tlsConn, err := c.upgradeTLS(ctx)
		if err != nil {
			return err
		}
		rw = tlsConn
	}
	switch {
	case resp.Deflate:
		return c.upgradeDeflate(rw, resp.DeflateLevel)
	case resp.Snappy:
		return c.upgradeSnappy(rw)
	}
	return nil
}

func (c *Conn) upgradeTLS(ctx context.Context) (*tls.Conn, error) {
	if c.e.tlsConfig == nil {
		return nil, errors.New("tls negotiated without tls config")
	}
	cfg := c.e.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.addr.Host
	}
	tlsConn := tls.Client(c.nc, cfg)
	err := tlsConn.HandshakeContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "tls handshake")
	}
	c.fr.Reset(bufio.NewWriter(tlsConn), bufio.NewReader(tlsConn))
	err = c.expectOK()
	if err != nil {
		return nil, errors.WithMessage(err, "upgrade tls")
	}
	return tlsConn, nil
}

func (c *Conn) upgradeDeflate(rw io.ReadWriter, level int) error {
	if level <= 0 {
		level = _defaultDeflateLevel
		if c.e.cfg.DeflateLevel != nil {
			level = *c.e.cfg.DeflateLevel
		}
	}
	fw, err := flate.NewWriter(rw, level)
	if err != nil {
		return errors.Wrap(err, "create deflate writer")
	}
	c.fr.Reset(newFlushWriter(fw), bufio.NewReader(flate.NewReader(rw)))
	return errors.WithMessage(c.expectOK(), "upgrade deflate")
}

func (c *Conn) upgradeSnappy(rw io.ReadWriter) error {
	c.fr.Reset(newFlushWriter(snappy.NewBufferedWriter(rw)), bufio.NewReader(snappy.NewReader(rw)))
	return errors.WithMessage(c.expectOK(), "upgrade snappy")
}

func (c *Conn) subscribe(topic, channel string) error {
	err := c.writeCommand(codec.Subscribe(topic, channel))
	if err != nil {
		return errors.WithMessage(err, "send subscribe")
	}
	return errors.WithMessagef(c.expectOK(), "subscribe %s/%s", topic, channel)
}

// readResponse reads frames until a response or an error frame arrives. Heartbeats are answered.
// It is only used before start.
func (c *Conn) readResponse() ([]byte, error) {
	for {
		f, free, err := c.fr.ReadFrame()
		if err != nil {
			return nil, err
		}
		switch {
		case f.IsHeartbeat():
			free()
			err = c.writeCommand(codec.Nop())
			if err != nil {
				return nil, err
			}
		case f.Type == codec.FrameTypeResponse:
			data := bytes.Clone(f.Data)
			free()
			return data, nil
		case f.Type == codec.FrameTypeError:
			respErr := newResponseError(f.Data)
			free()
			return nil, respErr
		default:
			t := f.Type
			free()
			return nil, errors.Errorf("unexpected %s frame", t)
		}
	}
}

func (c *Conn) expectOK() error {
	data, err := c.readResponse()
	if err != nil {
		return err
	}
	if !bytes.Equal(data, codec.OK) {
		return errors.Errorf("unexpected response %q", data)
	}
	return nil
}

// start marks the connection ready and starts its goroutines.
func (c *Conn) start() {
	c.lastHeartbeat.Store(c.e.clock.Now().UnixMilli())
	c.state.Store(int32(StateReady))

	c.e.wg.Add(2)
	go c.readLoop()
	go c.deliveryLoop()
	c.lg.Info("connection ready")
}

// readLoop runs in its own goroutine and reads and dispatches frames.
func (c *Conn) readLoop() {
	defer c.e.wg.Done()
	logger := c.lg

	for {
		f, free, err := c.fr.ReadFrame()
		if err != nil {
			_ = c.closeWithError(errors.WithMessage(err, "read loop"))
			return
		}
		err = c.e.client.Incoming(f, c)
		free()
		if err != nil {
			logger.Warn("failed to handle frame", zap.Error(err))
		}
	}
}

// deliveryLoop runs in its own goroutine and hands messages to the engine one by one.
func (c *Conn) deliveryLoop() {
	defer c.e.wg.Done()

	for {
		select {
		case <-c.closing:
			return
		case msg := <-c.msgs:
			c.e.handleMessage(c, msg)
		}
	}
}

func (c *Conn) deliver(msg *codec.Message) {
	select {
	case c.msgs <- msg:
	case <-c.closing:
	}
}

func (c *Conn) onHeartbeat(nowMillis int64) error {
	c.lastHeartbeat.Store(nowMillis)
	return c.send(codec.Nop())
}

// backoff pauses delivery. It reports whether the state changed.
func (c *Conn) backoff() bool {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateBackoff)) {
		return false
	}
	_ = c.send(codec.Ready(0))
	return true
}

// resume resumes delivery. It reports whether the state changed.
func (c *Conn) resume() bool {
	if !c.state.CompareAndSwap(int32(StateBackoff), int32(StateReady)) {
		return false
	}
	_ = c.send(codec.Ready(c.e.cfg.MaxInFlight))
	return true
}

// roundTrip sends a command which the data node answers, and waits for the answer.
func (c *Conn) roundTrip(ctx context.Context, cmd *codec.Command) ([]byte, error) {
	ch := make(chan response, 1)

	c.wmu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wmu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending = append(c.pending, ch)
	c.mu.Unlock()
	err := c.writeCommand(cmd)
	c.wmu.Unlock()

	if err != nil {
		_ = c.closeWithError(errors.WithMessagef(err, "send %s", cmd.Name))
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.data, resp.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "wait for response of %s", cmd.Name)
	}
}

// send sends a command which the data node does not answer.
func (c *Conn) send(cmd *codec.Command) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	c.wmu.Lock()
	err := c.writeCommand(cmd)
	c.wmu.Unlock()

	if err != nil {
		_ = c.closeWithError(errors.WithMessagef(err, "send %s", cmd.Name))
		return err
	}
	return nil
}

// writeCommand writes and flushes cmd. Once started, the caller must hold wmu.
func (c *Conn) writeCommand(cmd *codec.Command) error {
	err := c.fr.WriteCommand(cmd)
	if err != nil {
		return err
	}
	return errors.Wrap(c.fr.Flush(), "flush")
}

// resolve answers the oldest pending request. It reports whether there was one.
func (c *Conn) resolve(resp response) bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	ch := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	c.mu.Unlock()

	ch <- resp
	return true
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// closeWithError closes the connection. A nil cause means an explicit close, in which case the
// data node is told with CLS. Otherwise the engine clears the data node.
func (c *Conn) closeWithError(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	logger := c.lg
	prev := State(c.state.Swap(int32(StateClosed)))
	close(c.closing)

	if cause == nil && (prev == StateReady || prev == StateBackoff) {
		_ = c.nc.SetWriteDeadline(time.Now().Add(_closeWriteTimeout))
		c.wmu.Lock()
		_ = c.writeCommand(codec.StartClose())
		c.wmu.Unlock()
	}
	err := c.nc.Close()

	failErr := ErrConnectionClosed
	if cause != nil {
		failErr = errors.WithMessage(cause, ErrConnectionClosed.Error())
		logger.Warn("connection closed", zap.Error(cause))
	} else {
		logger.Info("connection closed")
	}
	for _, ch := range pending {
		ch <- response{err: failErr}
	}

	c.e.onConnClosed(c, cause)
	if err != nil {
		return errors.Wrap(err, "close connection")
	}
	return nil
}

// flushWriter buffers writes in front of a compressor, and flushes both.
type flushWriter struct {
	*bufio.Writer
	compressor interface{ Flush() error }
}

func newFlushWriter(w interface {
	io.Writer
	Flush() error
}) *flushWriter {
	return &flushWriter{Writer: bufio.NewWriter(w), compressor: w}
}

func (w *flushWriter) Flush() error {
	err := w.Writer.Flush()
	if err != nil {
		return err
	}
	return w.compressor.Flush()
}
