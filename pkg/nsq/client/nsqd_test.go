package client

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/snappy"
	"github.com/stretchr/testify/require"

	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
	"github.com/AutoMQ/nsq-client/pkg/nsq/codec"
)

// fakeNSQD is a data node speaking just enough of the protocol for tests.
type fakeNSQD struct {
	tb   testing.TB
	ln   net.Listener
	addr address.Address

	// negotiate answers IDENTIFY with a feature document instead of OK
	negotiate bool
	// pubErr is sent instead of OK for PUB if set
	pubErr []byte
	// beforePubResponse are sent before the answer to PUB
	beforePubResponse []*codec.Frame
	// silentPub leaves PUB unanswered
	silentPub bool

	mu         sync.Mutex
	ncs        []net.Conn
	conns      []*fakeConn
	commands   []*codec.Command
	identifies [][]byte
	closed     bool

	wg sync.WaitGroup
}

type fakeConn struct {
	nc  net.Conn
	wmu sync.Mutex
	fr  *codec.Framer
}

func (fc *fakeConn) writeFrame(f *codec.Frame) error {
	fc.wmu.Lock()
	defer fc.wmu.Unlock()
	err := fc.fr.WriteFrame(f)
	if err != nil {
		return err
	}
	return fc.fr.Flush()
}

func newNSQD(tb testing.TB, opts ...func(s *fakeNSQD)) *fakeNSQD {
	re := require.New(tb)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	re.NoError(err)
	addr, err := address.Parse(ln.Addr().String())
	re.NoError(err)

	s := &fakeNSQD{tb: tb, ln: ln, addr: addr}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.close)
	return s
}

func (s *fakeNSQD) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.ncs = append(s.ncs, nc)
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handle(nc)
	}
}

func (s *fakeNSQD) handle(nc net.Conn) {
	defer s.wg.Done()
	defer func() { _ = nc.Close() }()

	br := bufio.NewReader(nc)
	magic := make([]byte, len(codec.MagicV2))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != string(codec.MagicV2) {
		return
	}
	fc := &fakeConn{nc: nc, fr: codec.NewFramer(bufio.NewWriter(nc), br, nil)}
	s.mu.Lock()
	s.conns = append(s.conns, fc)
	s.mu.Unlock()

	for {
		cmd, err := fc.fr.ReadCommand()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		switch string(cmd.Name) {
		case "IDENTIFY":
			err = s.identify(fc, cmd.Body)
		case "PUB":
			err = s.publish(fc)
		case "SUB":
			err = fc.writeFrame(&codec.Frame{Type: codec.FrameTypeResponse, Data: codec.OK})
		case "CLS":
			err = fc.writeFrame(&codec.Frame{Type: codec.FrameTypeResponse, Data: []byte("CLOSE_WAIT")})
		case "RDY", "FIN", "REQ", "TOUCH", "NOP":
		default:
			err = fc.writeFrame(&codec.Frame{Type: codec.FrameTypeError, Data: []byte("E_INVALID invalid command")})
		}
		if err != nil {
			return
		}
	}
}

func (s *fakeNSQD) identify(fc *fakeConn, body []byte) error {
	s.mu.Lock()
	s.identifies = append(s.identifies, body)
	s.mu.Unlock()

	var req struct {
		FeatureNegotiation bool `json:"feature_negotiation"`
		Snappy             bool `json:"snappy"`
		Deflate            bool `json:"deflate"`
		DeflateLevel       int  `json:"deflate_level"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return fc.writeFrame(&codec.Frame{Type: codec.FrameTypeError, Data: []byte("E_BAD_BODY invalid identify")})
	}
	if !s.negotiate || !req.FeatureNegotiation {
		return fc.writeFrame(&codec.Frame{Type: codec.FrameTypeResponse, Data: codec.OK})
	}

	level := req.DeflateLevel
	if level <= 0 {
		level = _defaultDeflateLevel
	}
	resp, _ := json.Marshal(map[string]any{
		"max_rdy_count": 2500,
		"snappy":        req.Snappy,
		"deflate":       req.Deflate,
		"deflate_level": level,
	})
	if err := fc.writeFrame(&codec.Frame{Type: codec.FrameTypeResponse, Data: resp}); err != nil {
		return err
	}

	switch {
	case req.Snappy:
		fc.wmu.Lock()
		fc.fr.Reset(newFlushWriter(snappy.NewBufferedWriter(fc.nc)), bufio.NewReader(snappy.NewReader(fc.nc)))
		fc.wmu.Unlock()
	case req.Deflate:
		fw, err := flate.NewWriter(fc.nc, level)
		if err != nil {
			return err
		}
		fc.wmu.Lock()
		fc.fr.Reset(newFlushWriter(fw), bufio.NewReader(flate.NewReader(fc.nc)))
		fc.wmu.Unlock()
	default:
		return nil
	}
	return fc.writeFrame(&codec.Frame{Type: codec.FrameTypeResponse, Data: codec.OK})
}

func (s *fakeNSQD) publish(fc *fakeConn) error {
	for _, f := range s.beforePubResponse {
		if err := fc.writeFrame(f); err != nil {
			return err
		}
	}
	switch {
	case s.silentPub:
		return nil
	case s.pubErr != nil:
		return fc.writeFrame(&codec.Frame{Type: codec.FrameTypeError, Data: s.pubErr})
	default:
		return fc.writeFrame(&codec.Frame{Type: codec.FrameTypeResponse, Data: codec.OK})
	}
}

// push writes f to every connection.
func (s *fakeNSQD) push(f *codec.Frame) {
	s.mu.Lock()
	conns := append([]*fakeConn(nil), s.conns...)
	s.mu.Unlock()
	for _, fc := range conns {
		_ = fc.writeFrame(f)
	}
}

func (s *fakeNSQD) heartbeat() {
	s.push(&codec.Frame{Type: codec.FrameTypeResponse, Data: codec.Heartbeat})
}

func (s *fakeNSQD) pushMessage(msg *codec.Message) {
	s.push(&codec.Frame{Type: codec.FrameTypeMessage, Data: codec.EncodeMessage(msg)})
}

// received returns the commands named name, in arrival order.
func (s *fakeNSQD) received(name string) []*codec.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*codec.Command
	for _, cmd := range s.commands {
		if cmd.Is(name) {
			res = append(res, cmd)
		}
	}
	return res
}

// published returns the bodies of PUB commands, in arrival order.
func (s *fakeNSQD) published() []string {
	var res []string
	for _, cmd := range s.received("PUB") {
		res = append(res, string(cmd.Body))
	}
	return res
}

// identified returns the IDENTIFY bodies, in arrival order.
func (s *fakeNSQD) identified() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.identifies...)
}

func (s *fakeNSQD) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeNSQD) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ncs := s.ncs
	s.mu.Unlock()

	_ = s.ln.Close()
	for _, nc := range ncs {
		_ = nc.Close()
	}
	s.wg.Wait()
}

func testMessage(id string, body string) *codec.Message {
	msg := &codec.Message{Timestamp: 1, Attempts: 1, Body: []byte(body)}
	copy(msg.ID[:], id)
	return msg
}
