package remote

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/util/randutil"
)

const _rewatchJitter = 0.2

// EventType is the type of an Event.
type EventType int

const (
	// EventChanged means the configs changed. The Snapshot holds all of them.
	EventChanged EventType = iota
	// EventFailed means the remote config source failed. The Snapshot is the last good one.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventChanged:
		return "changed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is published by a Subscription.
type Event struct {
	Type     EventType
	Snapshot *Snapshot
	Err      error
}

// Subscription watches a set of configs.
type Subscription struct {
	c      *Client
	reqs   map[string]Request
	prefix string
	last   *Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	lg *zap.Logger
}

func newSubscription(c *Client, reqs []Request, snapshot *Snapshot) *Subscription {
	byKey := make(map[string]Request, len(reqs))
	for _, r := range reqs {
		byKey[c.Path(r)] = r
	}
	ctx, cancel := context.WithCancel(c.ctx)
	return &Subscription{
		c:      c,
		reqs:   byKey,
		prefix: "/" + strings.Trim(c.Path(Request{}), "/") + "/",
		last:   snapshot.clone(),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, _eventChanCap),
		done:   make(chan struct{}),
		lg:     c.lg.With(zap.Strings("requests", requestNames(reqs))),
	}
}

// Events returns the channel of events. It is closed after the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close stops watching and waits until the event channel is closed.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
	s.c.unregister(s)
}

func (s *Subscription) requests() []Request {
	reqs := make([]Request, 0, len(s.reqs))
	for _, r := range s.reqs {
		reqs = append(reqs, r)
	}
	return reqs
}

// run watches the configs until the subscription is closed. A snapshot served from the backup
// is reloaded from etcd first.
func (s *Subscription) run() {
	defer close(s.done)
	defer close(s.events)
	logger := s.lg

	backoff := randutil.Backoff{
		Initial:      s.c.param.RewatchInterval,
		Max:          s.c.param.RewatchInterval * 16,
		JitterFactor: _rewatchJitter,
	}
	reload := s.last.FromBackup
	for {
		if reload {
			err := s.reload()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.fail(err)
				if !s.sleep(backoff.Next()) {
					return
				}
				continue
			}
			reload = false
			backoff.Reset()
		}

		err := s.watch()
		if s.ctx.Err() != nil {
			return
		}
		reload = true
		if errors.Is(err, rpctypes.ErrCompacted) {
			logger.Warn("watched revision compacted, reload", zap.Int64("revision", s.last.Revision))
			continue
		}
		s.fail(err)
		if !s.sleep(backoff.Next()) {
			return
		}
	}
}

// reload reads all configs and publishes them if they are newer than the last snapshot.
func (s *Subscription) reload() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.c.param.DialTimeout+time.Second)
	defer cancel()

	snapshot, err := s.c.load(ctx, s.requests())
	if err != nil {
		return errors.WithMessage(err, "reload configs")
	}
	if snapshot.Revision > s.last.Revision {
		s.last = snapshot
		s.publish(Event{Type: EventChanged, Snapshot: snapshot.clone()})
	}
	return nil
}

// watch applies changes after the last snapshot until the watch fails or the subscription is
// closed.
func (s *Subscription) watch() error {
	logger := s.lg

	ctx, cancel := context.WithCancel(clientv3.WithRequireLeader(s.ctx))
	defer cancel()
	wch := s.c.etcd.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithRev(s.last.Revision+1))
	logger.Info("start watching configs", zap.Int64("from-revision", s.last.Revision+1))

	for resp := range wch {
		if err := resp.Err(); err != nil {
			return errors.Wrap(err, "watch configs")
		}
		snapshot, changed := s.apply(resp.Events, resp.Header.Revision)
		if !changed {
			continue
		}
		s.last = snapshot
		s.c.save(snapshot, s.requests())
		s.publish(Event{Type: EventChanged, Snapshot: snapshot.clone()})
	}
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return errors.New("watch channel closed")
}

// apply returns the last snapshot with events applied, and whether a requested config changed.
func (s *Subscription) apply(events []*clientv3.Event, revision int64) (*Snapshot, bool) {
	snapshot := s.last.clone()
	snapshot.FromBackup = false
	changed := false
	for _, e := range events {
		r, ok := s.reqs[string(e.Kv.Key)]
		if !ok {
			continue
		}
		changed = true
		switch e.Type {
		case mvccpb.PUT:
			snapshot.Values[r] = e.Kv.Value
		case mvccpb.DELETE:
			delete(snapshot.Values, r)
		}
	}
	if revision > snapshot.Revision {
		snapshot.Revision = revision
	}
	return snapshot, changed
}

func (s *Subscription) fail(err error) {
	logger := s.lg
	logger.Warn("remote configs unavailable", zap.Error(err))
	s.publish(Event{Type: EventFailed, Snapshot: s.last.clone(), Err: err})
}

func (s *Subscription) publish(e Event) {
	logger := s.lg
	if len(s.events) == cap(s.events) {
		logger.Warn("config event chan is full", zap.Int("cap", cap(s.events)))
	}
	select {
	case s.events <- e:
		if logger.Core().Enabled(zap.DebugLevel) {
			logger.Debug("publish config event", zap.Stringer("type", e.Type), zap.Int64("revision", e.Snapshot.Revision))
		}
	case <-s.ctx.Done():
		logger.Warn("config event is dropped due to subscription closed", zap.Stringer("type", e.Type))
	}
}

func (s *Subscription) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}
