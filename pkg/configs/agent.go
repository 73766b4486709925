package configs

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/config"
	"github.com/AutoMQ/nsq-client/pkg/configs/remote"
	"github.com/AutoMQ/nsq-client/pkg/util/logutil"
)

var (
	// ErrTooManyKeys is returned when subscribing more than one key at a time.
	ErrTooManyKeys = errors.New("config access agent does not accept more than one key")
	// ErrClosed is returned when subscribing on a closed Agent.
	ErrClosed = errors.New("config access agent closed")
)

// Callback receives the configs of a subscription.
// Its methods run in the goroutine of the subscription and must not call Agent.Close.
type Callback interface {
	// Process is called with all configs of the subscription after they change.
	Process(mapping map[string]string)
	// Fallback is called with the last good configs after the config source failed.
	Fallback(mapping map[string]string, cause error)
}

// SubscribeOption configures a subscription made by HandleSubscribe.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	processFirst bool
}

// WithProcessFirst makes HandleSubscribe pass the first snapshot to Callback.Process before
// returning, ahead of any later change.
func WithProcessFirst() SubscribeOption {
	return func(o *subscribeOptions) {
		o.processFirst = true
	}
}

// Agent subscribes configs of a (domain, key) pair from the config access remote.
type Agent struct {
	dcc    *config.DCC
	remote *remote.Client

	mu     sync.Mutex
	subs   []*remote.Subscription
	closed bool
	wg     sync.WaitGroup

	lg *zap.Logger
}

// NewAgent creates an Agent with the resolved configuration.
func NewAgent(dcc *config.DCC, lg *zap.Logger) (*Agent, error) {
	err := dcc.Validate()
	if err != nil {
		return nil, errors.WithMessage(err, "validate config access config")
	}
	client, err := remote.NewClient(remote.Param{
		URLs:        dcc.URLs,
		Env:         dcc.Env,
		Root:        dcc.Root,
		BackupPath:  dcc.BackupPath,
		DialTimeout: dcc.DialTimeout,
	}, lg)
	if err != nil {
		return nil, errors.WithMessage(err, "create config access remote client")
	}
	return &Agent{
		dcc:    dcc,
		remote: client,
		lg:     lg,
	}, nil
}

// HandleSubscribe subscribes the configs of key in domain. It waits at most the configured
// timeout for the first snapshot and returns it flattened. Later changes and failures are
// delivered to callback, one at a time, in a goroutine of the subscription.
//
// It returns ErrTooManyKeys for more than one key, and nil without any error if domain or keys
// is empty.
func (a *Agent) HandleSubscribe(ctx context.Context, domain string, keys []string, callback Callback, opts ...SubscribeOption) (map[string]string, error) {
	logger := a.lg

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(keys) > 1 {
		return nil, errors.WithMessagef(ErrTooManyKeys, "keys %v", keys)
	}
	if domain == "" || len(keys) == 0 {
		return nil, nil
	}
	req := remote.Request{App: domain, Key: keys[0]}

	ctx, cancel := context.WithTimeout(ctx, a.dcc.Timeout)
	defer cancel()
	sub, snapshot, err := a.remote.Subscribe(ctx, []remote.Request{req})
	if err != nil {
		return nil, errors.WithMessagef(err, "subscribe %s", req)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		sub.Close()
		return nil, ErrClosed
	}
	a.subs = append(a.subs, sub)
	a.wg.Add(1)
	a.mu.Unlock()

	mapping := Extract(snapshot.Sorted(), logger)
	logger.Info("subscribe configs", zap.Stringer("request", req), zap.Int64("revision", snapshot.Revision),
		zap.Bool("from-backup", snapshot.FromBackup), zap.Int("entries", len(mapping)))

	h := &handler{
		sub:      sub,
		callback: callback,
		revision: snapshot.Revision,
		lg:       logger.With(zap.String("domain", domain), zap.String("key", keys[0])),
	}
	if o.processFirst {
		// before the handler starts, so later changes always win
		h.deliver(remote.EventChanged, mapping, nil)
	}
	go func() {
		defer a.wg.Done()
		h.run()
	}()
	return mapping, nil
}

// Close closes every subscription and the remote client. No callback runs after it returns.
// It must not be called from a Callback, it would wait for the callback to return.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	a.wg.Wait()
	return errors.WithMessage(a.remote.Close(), "close config access remote client")
}

// Metadata returns a summary of the remote urls, the env and the backup path.
func (a *Agent) Metadata() string {
	return "configs.Agent\n" + a.dcc.Metadata()
}

// handler delivers the events of one subscription to its callback.
type handler struct {
	sub      *remote.Subscription
	callback Callback
	// revision is the revision of the last snapshot delivered
	revision int64

	lg *zap.Logger
}

func (h *handler) run() {
	for e := range h.sub.Events() {
		h.handle(e)
	}
}

func (h *handler) handle(e remote.Event) {
	logger := h.lg

	if e.Type == remote.EventChanged && e.Snapshot.Revision <= h.revision {
		logger.Debug("drop stale config event", zap.Int64("revision", e.Snapshot.Revision), zap.Int64("delivered", h.revision))
		return
	}
	if e.Snapshot.Revision > h.revision {
		h.revision = e.Snapshot.Revision
	}
	h.deliver(e.Type, Extract(e.Snapshot.Sorted(), logger), e.Err)
}

func (h *handler) deliver(t remote.EventType, mapping map[string]string, cause error) {
	defer logutil.Recover(h.lg, "config callback panicked", nil)
	switch t {
	case remote.EventChanged:
		h.callback.Process(mapping)
	case remote.EventFailed:
		h.callback.Fallback(mapping, cause)
	}
}
