package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	_sizeLen      = 4
	_frameTypeLen = 4
	_minFrameLen  = _frameTypeLen
	_maxFrameLen  = 16 * 1024 * 1024
)

const (
	// FrameTypeResponse is a response to a command, or a heartbeat.
	FrameTypeResponse FrameType = 0
	// FrameTypeError is an error returned by the data node.
	FrameTypeError FrameType = 1
	// FrameTypeMessage carries a message pushed to a subscriber.
	FrameTypeMessage FrameType = 2
)

var (
	// Heartbeat is the payload of the response frame a data node sends as heartbeat.
	Heartbeat = []byte("_heartbeat_")
	// OK is the payload of a successful response.
	OK = []byte("OK")
)

// FrameType is the classification tag of a Frame.
type FrameType int32

func (t FrameType) String() string {
	switch t {
	case FrameTypeResponse:
		return "response"
	case FrameTypeError:
		return "error"
	case FrameTypeMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Frame is a decoded protocol unit.
//
//	+-----------------------------------------------------------------------+
//	|                               Size (32)                               |
//	+-----------------------------------------------------------------------+
//	|                            Frame Type (32)                            |
//	+-----------------------------------------------------------------------+
//	|                              Data (0...)                            ...
//	+-----------------------------------------------------------------------+
//
// Size covers the frame type and the data.
type Frame struct {
	Type FrameType
	Data []byte
}

// IsHeartbeat reports whether the frame is a heartbeat sent by the data node.
func (f *Frame) IsHeartbeat() bool {
	return f.Type == FrameTypeResponse && bytes.Equal(f.Data, Heartbeat)
}

// IsOK reports whether the frame is a successful response.
func (f *Frame) IsOK() bool {
	return f.Type == FrameTypeResponse && bytes.Equal(f.Data, OK)
}

// Size returns the number of bytes that the Frame takes after encoding
func (f *Frame) Size() int {
	return _sizeLen + _frameTypeLen + len(f.Data)
}

// Summarize returns all info of the frame, only for debug use
func (f *Frame) Summarize() string {
	var buf bytes.Buffer
	buf.WriteString(f.Info())
	data := f.Data
	const max = 256
	if len(data) > max {
		data = data[:max]
	}
	_, _ = fmt.Fprintf(&buf, " data=%q", data)
	if len(f.Data) > max {
		_, _ = fmt.Fprintf(&buf, " (%d bytes omitted)", len(f.Data)-max)
	}
	return buf.String()
}

// Info returns fixed header info of the frame
func (f *Frame) Info() string {
	return fmt.Sprintf("size=%d type=%s", f.Size(), f.Type.String())
}

// Framer reads Frames and writes Commands.
// A data node reads Commands and writes Frames with the same Framer, which is what test servers do.
type Framer struct {
	r io.Reader
	// fixedBuf is used to cache the fixed length portion in the frame
	fixedBuf [_sizeLen + _frameTypeLen]byte

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes to w and reads from r
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Framer{
		w:  w,
		r:  r,
		lg: logger,
	}
}

// Reset makes the framer read from r and write to w, e.g. after the stream is upgraded to TLS or
// compression. Buffered but not yet flushed data is lost, so callers should Flush first.
func (fr *Framer) Reset(w io.Writer, r io.Reader) {
	fr.w = w
	fr.r = r
}

// ReadFrame reads a single frame.
// The returned free func releases the buffer backing Frame.Data and must be called once the
// frame is no longer used.
func (fr *Framer) ReadFrame() (*Frame, func(), error) {
	logger := fr.lg

	buf := fr.fixedBuf[:]
	_, err := io.ReadFull(fr.r, buf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read frame header")
	}

	size := binary.BigEndian.Uint32(buf[:_sizeLen])
	if size < _minFrameLen {
		logger.Error("illegal frame size, fewer than minimum", zap.Uint32("frame-size", size), zap.Uint32("min-size", _minFrameLen))
		return nil, nil, errors.New("frame too small")
	}
	if size > _maxFrameLen {
		logger.Error("illegal frame size, greater than maximum", zap.Uint32("frame-size", size), zap.Uint32("max-size", _maxFrameLen))
		return nil, nil, errors.New("frame too large")
	}
	frameType := FrameType(binary.BigEndian.Uint32(buf[_sizeLen:]))

	dataLen := int(size - _frameTypeLen)
	if dataLen == 0 {
		return &Frame{Type: frameType}, func() {}, nil
	}
	data := mcache.Malloc(dataLen)
	free := func() { mcache.Free(data) }
	_, err = io.ReadFull(fr.r, data)
	if err != nil {
		logger.Error("failed to read frame data", zap.Int("data-length", dataLen), zap.Error(err))
		free()
		return nil, nil, errors.Wrap(err, "read frame data")
	}

	return &Frame{Type: frameType, Data: data}, free, nil
}

// WriteFrame writes a frame.
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility to not call other Write methods concurrently.
func (fr *Framer) WriteFrame(f *Frame) error {
	fr.wbuf = fr.wbuf[:0]
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, uint32(_frameTypeLen+len(f.Data)))
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, uint32(f.Type))
	fr.wbuf = append(fr.wbuf, f.Data...)
	return fr.write()
}

// WriteCommand writes a command.
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility to not call other Write methods concurrently.
func (fr *Framer) WriteCommand(cmd *Command) error {
	logger := fr.lg
	if len(cmd.Body) > _maxFrameLen {
		logger.Error("command body too large, greater than maximum", zap.ByteString("command", cmd.Name),
			zap.Int("body-length", len(cmd.Body)), zap.Int("max-length", _maxFrameLen))
		return errors.New("command body too large")
	}
	fr.wbuf = cmd.append(fr.wbuf[:0])
	return fr.write()
}

// WriteMagic writes the protocol magic, which must be the first bytes sent on a new connection.
func (fr *Framer) WriteMagic() error {
	fr.wbuf = append(fr.wbuf[:0], MagicV2...)
	return fr.write()
}

// ReadCommand reads a single command.
// The underlying Reader must be a *bufio.Reader.
func (fr *Framer) ReadCommand() (*Command, error) {
	br, ok := fr.r.(*bufio.Reader)
	if !ok {
		return nil, errors.New("read command from an unbuffered reader")
	}
	return readCommand(br)
}

// Flush writes any buffered data to the underlying io.Writer.
func (fr *Framer) Flush() error {
	if f, ok := fr.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (fr *Framer) write() error {
	_, err := fr.w.Write(fr.wbuf)
	if err != nil {
		fr.lg.Error("failed to write", zap.Error(err))
		return errors.Wrap(err, "write")
	}
	return nil
}
