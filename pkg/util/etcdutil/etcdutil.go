// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package etcdutil

import (
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
)

const (
	// DefaultDialTimeout is the maximum amount of time a dial will wait for a
	// connection to setup. 30s is long enough for most of the network conditions.
	DefaultDialTimeout = 30 * time.Second

	// DefaultRequestTimeout 10s is long enough for most of etcd clusters.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultSlowRequestTime 1s for the threshold for normal request, for those
	// longer then 1s, they are considered as slow requests.
	DefaultSlowRequestTime = time.Second
)

// ClientConfig is used to create an etcd client with NewClient.
type ClientConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// UserAgent is sent with every gRPC request.
	UserAgent string
	// TLS is used when any of its files is set.
	TLS transport.TLSInfo
}

// NewClient creates an etcd client. It does not wait for the connection to be established, so
// it succeeds even if no endpoint is reachable yet.
func NewClient(cfg ClientConfig, lg *zap.Logger) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("no etcd endpoint")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	var dialOptions []grpc.DialOption
	if cfg.UserAgent != "" {
		dialOptions = append(dialOptions, grpc.WithUserAgent(cfg.UserAgent))
	}

	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		DialOptions: dialOptions,
		// etcd client is chatty at info level
		Logger: lg.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel)),
	}
	if !cfg.TLS.Empty() {
		tlsCfg, err := cfg.TLS.ClientConfig()
		if err != nil {
			return nil, errors.Wrap(err, "build etcd client tls config")
		}
		etcdCfg.TLS = tlsCfg
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, errors.Wrap(err, "new etcd client")
	}
	return client, nil
}
