package codec

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

const (
	_timestampLen = 8
	_attemptsLen  = 2
	// MessageIDLen is the length of a MessageID.
	MessageIDLen = 16

	_messageHeaderLen = _timestampLen + _attemptsLen + MessageIDLen
)

// MessageID identifies a message within a data node. It is printable ASCII.
type MessageID [MessageIDLen]byte

func (id MessageID) String() string {
	return string(id[:])
}

// Message is the payload of a message frame.
//
//	+-----------------------------------------------------------------------+
//	|                         Timestamp, nanos (64)                         |
//	+-------------------+---------------------------------------------------+
//	|   Attempts (16)   |                Message ID (128)                 ...
//	+-------------------+---------------------------------------------------+
//	|                              Body (0...)                            ...
//	+-----------------------------------------------------------------------+
type Message struct {
	ID        MessageID
	Timestamp int64
	Attempts  uint16
	Body      []byte
}

// Time returns the time the message was published.
func (m *Message) Time() time.Time {
	return time.Unix(0, m.Timestamp)
}

// DecodeMessage decodes the data of a message frame.
// The body is copied, so b may be released after the call.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < _messageHeaderLen {
		return nil, errors.Errorf("message too short: %d bytes, at least %d expected", len(b), _messageHeaderLen)
	}
	msg := &Message{
		Timestamp: int64(binary.BigEndian.Uint64(b[:_timestampLen])),
		Attempts:  binary.BigEndian.Uint16(b[_timestampLen : _timestampLen+_attemptsLen]),
	}
	copy(msg.ID[:], b[_timestampLen+_attemptsLen:_messageHeaderLen])
	if body := b[_messageHeaderLen:]; len(body) > 0 {
		msg.Body = make([]byte, len(body))
		copy(msg.Body, body)
	}
	return msg, nil
}

// EncodeMessage encodes the message as the data of a message frame.
func EncodeMessage(m *Message) []byte {
	b := make([]byte, 0, _messageHeaderLen+len(m.Body))
	b = binary.BigEndian.AppendUint64(b, uint64(m.Timestamp))
	b = binary.BigEndian.AppendUint16(b, m.Attempts)
	b = append(b, m.ID[:]...)
	return append(b, m.Body...)
}
