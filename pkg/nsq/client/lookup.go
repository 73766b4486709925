package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
	"github.com/AutoMQ/nsq-client/pkg/util/typeutil"
)

const (
	_lookupPath         = "/lookup"
	_lookupAccept       = "application/vnd.nsq; version=1.0"
	_topicNotFound      = "TOPIC_NOT_FOUND"
	_maxLookupBodySize  = 4 * 1024 * 1024
	_defaultHTTPTimeout = 5 * time.Second
	_lookupdSeparator   = ","
)

// ErrNoLookupd is returned by HTTPLookup when it knows no lookup service.
var ErrNoLookupd = errors.New("no lookup service")

// Lookup finds the data nodes serving a topic.
type Lookup interface {
	Lookup(ctx context.Context, topic string) ([]address.Address, error)
}

// HTTPLookup queries lookup services over HTTP. The lookup services may be replaced at any time.
type HTTPLookup struct {
	client   *http.Client
	lookupds atomic.Pointer[[]string]

	lg *zap.Logger
}

// NewHTTPLookup creates an HTTPLookup querying lookupds, each as host:port or a URL.
func NewHTTPLookup(lookupds []string, lg *zap.Logger) *HTTPLookup {
	l := &HTTPLookup{
		client: &http.Client{Timeout: _defaultHTTPTimeout},
		lg:     lg,
	}
	l.SetLookupds(lookupds)
	return l
}

// Lookupds returns the current lookup services, sorted.
func (l *HTTPLookup) Lookupds() []string {
	return *l.lookupds.Load()
}

// SetLookupds replaces the lookup services. It reports whether they changed.
func (l *HTTPLookup) SetLookupds(lookupds []string) bool {
	next := normalizeLookupds(lookupds)
	for {
		prev := l.lookupds.Load()
		if prev != nil && slices.Equal(*prev, next) {
			return false
		}
		if l.lookupds.CompareAndSwap(prev, &next) {
			return true
		}
	}
}

// Lookup queries every lookup service and merges the data nodes they know.
// It fails only if all of them fail. A topic unknown to a lookup service has no data node there.
func (l *HTTPLookup) Lookup(ctx context.Context, topic string) ([]address.Address, error) {
	logger := l.lg

	lookupds := l.Lookupds()
	if len(lookupds) == 0 {
		return nil, ErrNoLookupd
	}

	var (
		nodes     []address.Address
		errs      error
		succeeded bool
	)
	for _, lookupd := range lookupds {
		addrs, err := l.lookupOne(ctx, lookupd, topic)
		if err != nil {
			errs = multierr.Append(errs, errors.WithMessagef(err, "lookupd %s", lookupd))
			continue
		}
		succeeded = true
		nodes = append(nodes, addrs...)
	}
	if !succeeded {
		return nil, errs
	}
	if errs != nil {
		logger.Warn("some lookup services failed", zap.String("topic", topic), zap.Error(errs))
	}
	return typeutil.SortAndUnique(nodes, func(i, j address.Address) bool { return i.Less(j) }), nil
}

// CloseIdleConnections closes the idle connections to lookup services.
func (l *HTTPLookup) CloseIdleConnections() {
	l.client.CloseIdleConnections()
}

type lookupProducer struct {
	BroadcastAddress string `json:"broadcast_address"`
	Hostname         string `json:"hostname"`
	TCPPort          int    `json:"tcp_port"`
}

// lookupResponse accepts both the bare document of newer lookup services and the one wrapped in
// "data" of older ones.
type lookupResponse struct {
	Producers []lookupProducer `json:"producers"`
	Data      *struct {
		Producers []lookupProducer `json:"producers"`
	} `json:"data"`
}

func (l *HTTPLookup) lookupOne(ctx context.Context, lookupd string, topic string) ([]address.Address, error) {
	logger := l.lg

	u := lookupURL(lookupd, topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create lookup request")
	}
	req.Header.Set("Accept", _lookupAccept)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do lookup request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, _maxLookupBodySize))
	if err != nil {
		return nil, errors.Wrap(err, "read lookup response")
	}
	if resp.StatusCode == http.StatusNotFound && strings.Contains(string(body), _topicNotFound) {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("lookup status %d: %s", resp.StatusCode, body)
	}

	var doc lookupResponse
	err = json.Unmarshal(body, &doc)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal lookup response")
	}
	producers := doc.Producers
	if doc.Data != nil && len(doc.Data.Producers) > 0 {
		producers = doc.Data.Producers
	}

	addrs := make([]address.Address, 0, len(producers))
	for _, p := range producers {
		host := p.BroadcastAddress
		if host == "" {
			host = p.Hostname
		}
		if host == "" || p.TCPPort <= 0 {
			logger.Warn("skip malformed producer", zap.String("lookupd", lookupd), zap.String("topic", topic),
				zap.String("host", host), zap.Int("port", p.TCPPort))
			continue
		}
		addrs = append(addrs, address.New(host, p.TCPPort))
	}
	return addrs, nil
}

func lookupURL(lookupd string, topic string) string {
	base := lookupd
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + _lookupPath + "?topic=" + url.QueryEscape(topic)
}

// Refresher is notified when the lookup services change.
type Refresher interface {
	Refresh()
}

// LookupdUpdater applies lookup services pushed by the config access agent to an HTTPLookup.
// It implements the Process/Fallback callback contract of the agent.
type LookupdUpdater struct {
	lookup    *HTTPLookup
	refresher Refresher

	lg *zap.Logger
}

// NewLookupdUpdater creates a LookupdUpdater. refresher may be nil.
func NewLookupdUpdater(lookup *HTTPLookup, refresher Refresher, lg *zap.Logger) *LookupdUpdater {
	return &LookupdUpdater{
		lookup:    lookup,
		refresher: refresher,
		lg:        lg,
	}
}

// Process applies a new config.
func (u *LookupdUpdater) Process(mapping map[string]string) {
	u.apply(mapping)
}

// Fallback applies the last good config, if any, after the config source failed.
func (u *LookupdUpdater) Fallback(mapping map[string]string, cause error) {
	logger := u.lg
	logger.Warn("lookup service config unavailable, fall back", zap.Int("entries", len(mapping)), zap.Error(cause))
	if len(mapping) > 0 {
		u.apply(mapping)
	}
}

func (u *LookupdUpdater) apply(mapping map[string]string) {
	logger := u.lg

	lookupds := LookupdsFromMapping(mapping)
	if len(lookupds) == 0 {
		logger.Warn("no lookup service in config, keep current ones", zap.Strings("current", u.lookup.Lookupds()))
		return
	}
	if !u.lookup.SetLookupds(lookupds) {
		return
	}
	logger.Info("lookup services updated", zap.Strings("lookupds", lookupds))
	if u.refresher != nil {
		u.refresher.Refresh()
	}
}

// LookupdsFromMapping collects lookup services from the values of a config mapping.
// A value may hold several lookup services separated by commas.
func LookupdsFromMapping(mapping map[string]string) []string {
	var lookupds []string
	for _, v := range mapping {
		lookupds = append(lookupds, typeutil.SplitAndTrim(v, _lookupdSeparator)...)
	}
	return normalizeLookupds(lookupds)
}

func normalizeLookupds(lookupds []string) []string {
	res := make([]string, 0, len(lookupds))
	for _, l := range lookupds {
		res = append(res, strings.TrimSpace(l))
	}
	return typeutil.SortAndUnique(typeutil.FilterZero(res), func(i, j string) bool { return i < j })
}
