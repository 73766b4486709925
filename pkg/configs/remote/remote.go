package remote

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/util/etcdutil"
)

const (
	_userAgent              = "nsq-client-dcc"
	_defaultRewatchInterval = time.Second
	_eventChanCap           = 16
)

var (
	// ErrClosed is returned when subscribing on a closed Client.
	ErrClosed = errors.New("remote config client closed")
	// ErrNoRequest is returned when subscribing without any request.
	ErrNoRequest = errors.New("no config request")
)

// Request names one remote config.
type Request struct {
	App string
	Key string
}

func (r Request) String() string {
	return r.App + "/" + r.Key
}

func requestNames(reqs []Request) []string {
	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, r.String())
	}
	return names
}

// Param is the parameter of a Client.
type Param struct {
	URLs        []string
	Env         string
	Root        string
	BackupPath  string
	DialTimeout time.Duration
	// RewatchInterval is the base delay before a failed watch is set up again.
	RewatchInterval time.Duration
}

// Snapshot is the content of the requested configs at one revision.
type Snapshot struct {
	// Revision is the store revision the snapshot was read at. It is 0 for a snapshot served
	// from the backup.
	Revision int64
	// Values holds the requested configs that exist, by request.
	Values     map[Request][]byte
	FromBackup bool
}

// Sorted returns the values ordered by request.
func (s *Snapshot) Sorted() [][]byte {
	reqs := make([]Request, 0, len(s.Values))
	for r := range s.Values {
		reqs = append(reqs, r)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].String() < reqs[j].String() })
	values := make([][]byte, 0, len(reqs))
	for _, r := range reqs {
		values = append(values, s.Values[r])
	}
	return values
}

func (s *Snapshot) clone() *Snapshot {
	values := make(map[Request][]byte, len(s.Values))
	for r, v := range s.Values {
		values[r] = v
	}
	return &Snapshot{Revision: s.Revision, Values: values, FromBackup: s.FromBackup}
}

// Client reads configs from etcd under /<root>/<env>/<app>/<key>, keeps the last good snapshot
// in a local backup, and serves the backup when etcd is unavailable.
type Client struct {
	etcd   *clientv3.Client
	backup *Backup
	param  Param

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	lg *zap.Logger
}

// NewClient creates a Client. It does not wait for etcd to be reachable.
func NewClient(param Param, lg *zap.Logger) (*Client, error) {
	if param.RewatchInterval <= 0 {
		param.RewatchInterval = _defaultRewatchInterval
	}
	logger := lg.With(zap.String("env", param.Env))

	etcd, err := etcdutil.NewClient(etcdutil.ClientConfig{
		Endpoints:   param.URLs,
		DialTimeout: param.DialTimeout,
		UserAgent:   _userAgent,
	}, logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create etcd client")
	}
	backup, err := OpenBackup(param.BackupPath, logger)
	if err != nil {
		_ = etcd.Close()
		return nil, errors.WithMessage(err, "open backup")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		etcd:   etcd,
		backup: backup,
		param:  param,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*Subscription]struct{}),
		lg:     logger,
	}, nil
}

// Path returns the etcd key of r.
func (c *Client) Path(r Request) string {
	return "/" + path.Join(c.param.Root, c.param.Env, r.App, r.Key)
}

// Subscribe reads the requested configs, falling back to the backup if etcd cannot be read
// within ctx, and then watches them. It fails only if neither etcd nor the backup has a
// snapshot.
func (c *Client) Subscribe(ctx context.Context, reqs []Request) (*Subscription, *Snapshot, error) {
	logger := c.lg

	if len(reqs) == 0 {
		return nil, nil, ErrNoRequest
	}

	snapshot, err := c.load(ctx, reqs)
	if err != nil {
		backup, bErr := c.backup.Load(reqs, c.Path)
		if bErr != nil {
			return nil, nil, multierr.Append(errors.WithMessage(err, "load from remote"), errors.WithMessage(bErr, "load from backup"))
		}
		logger.Warn("remote config unavailable, serve backup", zap.Strings("requests", requestNames(reqs)), zap.Error(err))
		snapshot = backup
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	sub := newSubscription(c, reqs, snapshot)
	c.subs[sub] = struct{}{}
	go sub.run()
	return sub, snapshot.clone(), nil
}

// Close closes every subscription, then etcd and the backup.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	c.cancel()
	for _, sub := range subs {
		sub.Close()
	}
	return multierr.Combine(
		errors.Wrap(c.etcd.Close(), "close etcd client"),
		errors.WithMessage(c.backup.Close(), "close backup"),
	)
}

// load reads reqs from etcd and saves the snapshot to the backup.
func (c *Client) load(ctx context.Context, reqs []Request) (*Snapshot, error) {
	kvs, rev, err := c.get(ctx, reqs)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{Revision: rev, Values: make(map[Request][]byte, len(reqs))}
	for _, r := range reqs {
		if kv, ok := kvs[c.Path(r)]; ok {
			snapshot.Values[r] = kv.Value
		}
	}
	c.save(snapshot, reqs)
	return snapshot, nil
}

// get reads the values of reqs at one revision, keyed by path.
func (c *Client) get(ctx context.Context, reqs []Request) (map[string]*mvccpb.KeyValue, int64, error) {
	logger := c.lg

	if len(reqs) == 1 {
		kv, rev, err := etcdutil.GetOne(ctx, c.etcd, []byte(c.Path(reqs[0])), logger)
		if err != nil {
			return nil, 0, err
		}
		kvs := make(map[string]*mvccpb.KeyValue, 1)
		if kv != nil {
			kvs[string(kv.Key)] = kv
		}
		return kvs, rev, nil
	}

	keys := make([][]byte, 0, len(reqs))
	for _, r := range reqs {
		keys = append(keys, []byte(c.Path(r)))
	}
	return etcdutil.GetMulti(ctx, c.etcd, keys, logger)
}

func (c *Client) save(snapshot *Snapshot, reqs []Request) {
	logger := c.lg
	if err := c.backup.Save(snapshot, reqs, c.Path); err != nil {
		logger.Warn("failed to save backup", zap.Int64("revision", snapshot.Revision), zap.Error(err))
	}
}

func (c *Client) unregister(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}
