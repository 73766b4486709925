package client

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
	"github.com/AutoMQ/nsq-client/pkg/nsq/codec"
	"github.com/AutoMQ/nsq-client/pkg/util/traceutil"
)

// Message is a message to publish.
type Message struct {
	// Topic defaults to the configured topic.
	Topic string
	Body  []byte

	shardingID int64
	sharded    bool
}

// NewMessage creates a message.
func NewMessage(topic string, body []byte) *Message {
	return &Message{Topic: topic, Body: body}
}

// SetShardingID makes messages with the same sharding id go to the same data node, if the
// client is ordered.
func (m *Message) SetShardingID(id int64) *Message {
	m.shardingID = id
	m.sharded = true
	return m
}

// ShardingID returns the sharding id and whether it is set.
func (m *Message) ShardingID() (int64, bool) {
	return m.shardingID, m.sharded
}

// Publish publishes the message to a data node of its topic, and waits for the data node to
// accept it. If the data node cannot be reached, it is cleared and the next one is tried, at
// most once per data node.
// Without a deadline in ctx, the configured timeout applies.
func (e *Engine) Publish(ctx context.Context, msg *Message) error {
	if e.closed.Load() {
		return ErrClosed
	}
	ctx = traceutil.WithTraceID(ctx)
	logger := e.lg.With(traceutil.TraceLogField(ctx))

	topic := msg.Topic
	if topic == "" {
		topic = e.cfg.Topic
	}
	if topic == "" {
		return errors.New("empty topic")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout())
		defer cancel()
	}

	nodes := e.client.DataNodes(topic)
	attempts := len(nodes)
	var errs error
	for i := 0; i < attempts && len(nodes) > 0; i++ {
		addr := e.pick(topic, msg, nodes)
		err := e.publishTo(ctx, addr, topic, msg.Body)
		e.metrics.publishes.WithLabelValues(result(err)).Inc()
		if err == nil {
			if logger.Core().Enabled(zap.DebugLevel) {
				logger.Debug("message published", zap.String("topic", topic), zap.String("data-node", addr.String()),
					zap.Int("body-length", len(msg.Body)))
			}
			return nil
		}

		err = errors.WithMessagef(err, "publish to %s", addr)
		var respErr *ResponseError
		if errors.As(err, &respErr) || ctx.Err() != nil {
			return err
		}
		logger.Warn("failed to publish, try next data node", zap.String("topic", topic), zap.Error(err))
		errs = multierr.Append(errs, err)
		e.client.ClearDataNode(addr)
		nodes = e.registry.Get(topic)
	}
	if errs == nil {
		return errors.WithMessagef(ErrNoDataNode, "topic %s", topic)
	}
	return errs
}

// pick chooses the data node to publish msg to. nodes must not be empty.
func (e *Engine) pick(topic string, msg *Message, nodes []address.Address) address.Address {
	if id, ok := msg.ShardingID(); ok && e.cfg.Ordered {
		return e.router.route(topic, id, nodes)
	}
	n := e.next.Add(1)
	return nodes[n%uint64(len(nodes))]
}

func (e *Engine) publishTo(ctx context.Context, addr address.Address, topic string, body []byte) error {
	c, err := e.pool.getConn(ctx, addr)
	if err != nil {
		return errors.WithMessage(err, "get connection")
	}
	data, err := c.roundTrip(ctx, codec.Publish(topic, body))
	if err != nil {
		return err
	}
	if !bytes.Equal(data, codec.OK) {
		return errors.Errorf("unexpected publish response %q", data)
	}
	return nil
}
