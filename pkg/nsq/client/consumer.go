package client

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/nsq/codec"
	"github.com/AutoMQ/nsq-client/pkg/util/logutil"
)

// MessageHandler handles messages pushed by data nodes.
// A message is finished if HandleMessage returns nil, and requeued otherwise.
type MessageHandler interface {
	HandleMessage(msg *codec.Message) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as MessageHandler.
type HandlerFunc func(msg *codec.Message) error

// HandleMessage calls f(msg).
func (f HandlerFunc) HandleMessage(msg *codec.Message) error {
	return f(msg)
}

func (e *Engine) consuming() bool {
	return e.handler != nil && e.cfg.ConsumerName != ""
}

// handleMessage is called by the delivery goroutine of c.
// Messages arriving in backoff are requeued without being handled.
func (e *Engine) handleMessage(c *Conn, msg *codec.Message) {
	logger := c.lg

	if c.State() == StateBackoff || !e.consuming() {
		e.requeue(c, msg, 0)
		return
	}

	err := e.callHandler(msg)
	if err != nil {
		logger.Warn("failed to handle message, requeue", zap.Stringer("message-id", msg.ID),
			zap.Uint16("attempts", msg.Attempts), zap.Error(err))
		e.requeue(c, msg, e.cfg.RequeueDelay)
		return
	}
	e.metrics.messages.WithLabelValues(_resultFinished).Inc()
	_ = c.send(codec.Finish(msg.ID))
}

func (e *Engine) requeue(c *Conn, msg *codec.Message, delay time.Duration) {
	e.metrics.messages.WithLabelValues(_resultRequeued).Inc()
	_ = c.send(codec.Requeue(msg.ID, delay))
}

func (e *Engine) callHandler(msg *codec.Message) (err error) {
	var recovered bool
	defer func() {
		if recovered {
			err = errors.Errorf("handler panicked on message %s", msg.ID)
		}
	}()
	defer logutil.Recover(e.lg, "message handler panicked", &recovered)

	return e.handler.HandleMessage(msg)
}
