package client

import (
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
)

// Logger wraps a Client and logs the calls changing or reading data nodes at debug level.
type Logger struct {
	Client

	lg *zap.Logger
}

// NewLogger creates a Logger.
func NewLogger(c Client, lg *zap.Logger) *Logger {
	return &Logger{Client: c, lg: lg}
}

func (l *Logger) DataNodes(topic string) []address.Address {
	nodes := l.Client.DataNodes(topic)

	logger := l.lg
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("get data nodes", zap.String("topic", topic), zap.Strings("data-nodes", addrStrings(nodes)))
	}
	return nodes
}

func (l *Logger) ClearDataNode(addr address.Address) {
	l.Client.ClearDataNode(addr)

	logger := l.lg
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("clear data node", zap.String("data-node", addr.String()))
	}
}

func (l *Logger) Backoff(c *Conn) {
	l.Client.Backoff(c)

	logger := l.lg
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("back off", zap.Stringer("connection", c))
	}
}

func (l *Logger) ValidateHeartbeat(c *Conn) bool {
	ok := l.Client.ValidateHeartbeat(c)

	logger := l.lg
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("validate heartbeat", zap.Stringer("connection", c), zap.Bool("ok", ok))
	}
	return ok
}
