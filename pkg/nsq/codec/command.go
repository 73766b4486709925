package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// MagicV2 is sent by the client right after the connection is established.
var MagicV2 = []byte("  V2")

var (
	_identify = []byte("IDENTIFY")
	_sub      = []byte("SUB")
	_pub      = []byte("PUB")
	_rdy      = []byte("RDY")
	_fin      = []byte("FIN")
	_req      = []byte("REQ")
	_touch    = []byte("TOUCH")
	_nop      = []byte("NOP")
	_cls      = []byte("CLS")

	_separator = []byte(" ")
	_newline   = []byte("\n")
)

// Command is a request sent to a data node.
//
//	NAME param1 param2\n
//	[4-byte size][body]    (only for commands carrying a body)
type Command struct {
	Name   []byte
	Params [][]byte
	Body   []byte
}

// String returns the command line without the body.
func (c *Command) String() string {
	if len(c.Params) == 0 {
		return string(c.Name)
	}
	return string(c.Name) + " " + string(bytes.Join(c.Params, _separator))
}

// Is reports whether the command has the given name, e.g. "PUB".
func (c *Command) Is(name string) bool {
	return string(c.Name) == name
}

// hasBody reports whether the command is followed by a size-prefixed body on the wire.
func hasBody(name []byte) bool {
	return bytes.Equal(name, _identify) || bytes.Equal(name, _pub)
}

func (c *Command) append(b []byte) []byte {
	b = append(b, c.Name...)
	for _, param := range c.Params {
		b = append(b, _separator...)
		b = append(b, param...)
	}
	b = append(b, _newline...)
	if hasBody(c.Name) {
		b = binary.BigEndian.AppendUint32(b, uint32(len(c.Body)))
		b = append(b, c.Body...)
	}
	return b
}

func readCommand(r *bufio.Reader) (*Command, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, errors.Wrap(err, "read command line")
	}
	fields := bytes.Split(bytes.TrimRight(line, "\r\n"), _separator)
	cmd := &Command{Name: fields[0]}
	if len(fields) > 1 {
		cmd.Params = fields[1:]
	}
	if !hasBody(cmd.Name) {
		return cmd, nil
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, errors.Wrapf(err, "read body size of %s", cmd.Name)
	}
	if size > _maxFrameLen {
		return nil, errors.Errorf("body of %s too large: %d", cmd.Name, size)
	}
	cmd.Body = make([]byte, size)
	if _, err := io.ReadFull(r, cmd.Body); err != nil {
		return nil, errors.Wrapf(err, "read body of %s", cmd.Name)
	}
	return cmd, nil
}

// Identify creates an IDENTIFY command carrying the JSON negotiation document.
func Identify(body []byte) *Command {
	return &Command{Name: _identify, Body: body}
}

// Subscribe creates a SUB command.
func Subscribe(topic, channel string) *Command {
	return &Command{Name: _sub, Params: [][]byte{[]byte(topic), []byte(channel)}}
}

// Publish creates a PUB command.
func Publish(topic string, body []byte) *Command {
	return &Command{Name: _pub, Params: [][]byte{[]byte(topic)}, Body: body}
}

// Ready creates a RDY command. RDY 0 pauses delivery.
func Ready(count int) *Command {
	return &Command{Name: _rdy, Params: [][]byte{[]byte(strconv.Itoa(count))}}
}

// Finish creates a FIN command.
func Finish(id MessageID) *Command {
	return &Command{Name: _fin, Params: [][]byte{id[:]}}
}

// Requeue creates a REQ command. The delay is truncated to milliseconds.
func Requeue(id MessageID, delay time.Duration) *Command {
	return &Command{Name: _req, Params: [][]byte{id[:], []byte(strconv.FormatInt(delay.Milliseconds(), 10))}}
}

// Touch creates a TOUCH command.
func Touch(id MessageID) *Command {
	return &Command{Name: _touch, Params: [][]byte{id[:]}}
}

// Nop creates a NOP command, the answer to a heartbeat.
func Nop() *Command {
	return &Command{Name: _nop}
}

// StartClose creates a CLS command.
func StartClose() *Command {
	return &Command{Name: _cls}
}
