package codec

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    *Frame
		wantErr bool
		errMsg  string
	}{
		{
			name: "heartbeat",
			input: []byte{
				0x00, 0x00, 0x00, 0x0F, // size
				0x00, 0x00, 0x00, 0x00, // frame type
				'_', 'h', 'e', 'a', 'r', 't', 'b', 'e', 'a', 't', '_', // data
			},
			want: &Frame{Type: FrameTypeResponse, Data: []byte("_heartbeat_")},
		},
		{
			name: "error",
			input: []byte{
				0x00, 0x00, 0x00, 0x10, // size
				0x00, 0x00, 0x00, 0x01, // frame type
				'E', '_', 'B', 'A', 'D', '_', 'T', 'O', 'P', 'I', 'C', ' ', // data
			},
			want: &Frame{Type: FrameTypeError, Data: []byte("E_BAD_TOPIC ")},
		},
		{
			name: "empty data",
			input: []byte{
				0x00, 0x00, 0x00, 0x04, // size
				0x00, 0x00, 0x00, 0x02, // frame type
			},
			want: &Frame{Type: FrameTypeMessage},
		},
		{
			name: "not long enough header",
			input: []byte{
				0x00, 0x00, 0x00, 0x0F, // size
				0x00, 0x00, // frame type
			},
			wantErr: true,
			errMsg:  "read frame header",
		},
		{
			name: "too small frame",
			input: []byte{
				0x00, 0x00, 0x00, 0x03, // size
				0x00, 0x00, 0x00, 0x00, // frame type
			},
			wantErr: true,
			errMsg:  "frame too small",
		},
		{
			name: "too large frame",
			input: []byte{
				0x01, 0x00, 0x00, 0x01, // size
				0x00, 0x00, 0x00, 0x00, // frame type
			},
			wantErr: true,
			errMsg:  "frame too large",
		},
		{
			name: "not long enough data",
			input: []byte{
				0x00, 0x00, 0x00, 0x08, // size
				0x00, 0x00, 0x00, 0x00, // frame type
				'O', 'K', // data
			},
			wantErr: true,
			errMsg:  "read frame data",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			framer := NewFramer(nil, bytes.NewReader(tt.input), zap.NewExample())
			frame, free, err := framer.ReadFrame()

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			defer free()
			t.Log(frame.Summarize())
			re.Equal(len(tt.input), frame.Size())
			re.Equal(tt.want.Type, frame.Type)
			re.Equal(string(tt.want.Data), string(frame.Data))
		})
	}
}

func TestFrameKind(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.True((&Frame{Type: FrameTypeResponse, Data: Heartbeat}).IsHeartbeat())
	re.False((&Frame{Type: FrameTypeError, Data: Heartbeat}).IsHeartbeat())
	re.True((&Frame{Type: FrameTypeResponse, Data: []byte("OK")}).IsOK())
	re.False((&Frame{Type: FrameTypeResponse, Data: []byte("CLOSE_WAIT")}).IsOK())
	re.Equal("unknown(7)", FrameType(7).String())
}

func TestWriteFrameThenRead(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf, zap.NewExample())
	re.NoError(framer.WriteFrame(&Frame{Type: FrameTypeResponse, Data: OK}))
	re.NoError(framer.WriteFrame(&Frame{Type: FrameTypeError, Data: []byte("E_INVALID")}))

	frame, free, err := framer.ReadFrame()
	re.NoError(err)
	re.True(frame.IsOK())
	free()

	frame, free, err = framer.ReadFrame()
	re.NoError(err)
	re.Equal(FrameTypeError, frame.Type)
	re.Equal("E_INVALID", ErrorCode(frame.Data))
	free()
}

func TestWriteCommand(t *testing.T) {
	id := MessageID{}
	copy(id[:], "0123456789abcdef")

	tests := []struct {
		name string
		cmd  *Command
		want []byte
	}{
		{
			name: "identify",
			cmd:  Identify([]byte(`{"a":1}`)),
			want: append([]byte("IDENTIFY\n\x00\x00\x00\x07"), `{"a":1}`...),
		},
		{
			name: "publish",
			cmd:  Publish("topic", []byte("hello")),
			want: []byte("PUB topic\n\x00\x00\x00\x05hello"),
		},
		{
			name: "publish empty body",
			cmd:  Publish("topic", nil),
			want: []byte("PUB topic\n\x00\x00\x00\x00"),
		},
		{
			name: "subscribe",
			cmd:  Subscribe("topic", "channel"),
			want: []byte("SUB topic channel\n"),
		},
		{
			name: "ready",
			cmd:  Ready(0),
			want: []byte("RDY 0\n"),
		},
		{
			name: "finish",
			cmd:  Finish(id),
			want: []byte("FIN 0123456789abcdef\n"),
		},
		{
			name: "requeue",
			cmd:  Requeue(id, 1500*time.Millisecond),
			want: []byte("REQ 0123456789abcdef 1500\n"),
		},
		{
			name: "touch",
			cmd:  Touch(id),
			want: []byte("TOUCH 0123456789abcdef\n"),
		},
		{
			name: "nop",
			cmd:  Nop(),
			want: []byte("NOP\n"),
		},
		{
			name: "close",
			cmd:  StartClose(),
			want: []byte("CLS\n"),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			buf := &bytes.Buffer{}
			framer := NewFramer(buf, bufio.NewReader(buf), zap.NewExample())
			re.NoError(framer.WriteCommand(tt.cmd))
			re.Equal(tt.want, buf.Bytes())

			cmd, err := framer.ReadCommand()
			re.NoError(err)
			re.Equal(tt.cmd.String(), cmd.String())
			re.Equal(len(tt.cmd.Body), len(cmd.Body))
		})
	}
}

func TestReadCommandUnbuffered(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	framer := NewFramer(nil, bytes.NewReader([]byte("NOP\n")), zap.NewExample())
	_, err := framer.ReadCommand()
	re.ErrorContains(err, "unbuffered")
}

func TestWriteMagic(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	buf := &bytes.Buffer{}
	framer := NewFramer(buf, nil, nil)
	re.NoError(framer.WriteMagic())
	re.Equal("  V2", buf.String())
}

type errorWriter struct{}

func (ew *errorWriter) Write([]byte) (n int, err error) {
	return 0, errors.New("mock error")
}

func TestWriteError(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	framer := NewFramer(&errorWriter{}, nil, zap.NewExample())
	err := framer.WriteCommand(Nop())
	re.ErrorContains(err, "mock error")

	err = framer.WriteCommand(Publish("topic", make([]byte, _maxFrameLen+1)))
	re.ErrorContains(err, "command body too large")
}

func TestAsyncError(t *testing.T) {
	tests := []struct {
		data  string
		async bool
		code  string
	}{
		{data: "E_FIN_FAILED FIN 0123 failed", async: true, code: "E_FIN_FAILED"},
		{data: "E_REQ_FAILED", async: true, code: "E_REQ_FAILED"},
		{data: "E_TOUCH_FAILED x", async: true, code: "E_TOUCH_FAILED"},
		{data: "E_BAD_TOPIC PUB topic name is not valid", async: false, code: "E_BAD_TOPIC"},
		{data: "E_INVALID", async: false, code: "E_INVALID"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.data, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			re.Equal(tt.async, IsAsyncError([]byte(tt.data)))
			re.Equal(tt.code, ErrorCode([]byte(tt.data)))
		})
	}
}
