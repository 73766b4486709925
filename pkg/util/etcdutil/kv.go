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
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// GetOne gets KeyValue with key from etcd, and the revision of the read.
// GetOne will return nil if the specified key is not found
// GetOne will return an error if etcd returns multiple KeyValue
func GetOne(ctx context.Context, c *clientv3.Client, key []byte, lg *zap.Logger) (*mvccpb.KeyValue, int64, error) {
	resp, err := Get(ctx, c, key, lg)
	if err != nil {
		return nil, 0, errors.Wrap(err, "get value from etcd")
	}

	rev := resp.Header.GetRevision()
	if n := len(resp.Kvs); n == 0 {
		return nil, rev, nil
	} else if n > 1 {
		return nil, 0, fmt.Errorf("etcd get multiple values, expected only one. response %v", resp.Kvs)
	}

	return resp.Kvs[0], rev, nil
}

// Get returns the etcd GetResponse by given key and options
func Get(ctx context.Context, c *clientv3.Client, k []byte, lg *zap.Logger, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	logger := lg
	key := string(k)

	start := time.Now()
	resp, err := c.KV.Get(ctx, key, opts...)
	if cost := time.Since(start); cost > DefaultSlowRequestTime {
		logger.Warn("getting value is too slow", zap.String("key", key), zap.Duration("cost", cost), zap.Error(err))
	}

	if err != nil {
		logger.Error("failed to get value", zap.String("key", key), zap.Error(err))
		return resp, errors.Wrapf(err, "get value by key %s", key)
	}

	return resp, nil
}

// GetMulti reads the keys at one revision. Missing keys are absent from the result.
// It returns the KeyValues by key and the revision of the read.
func GetMulti(ctx context.Context, c *clientv3.Client, keys [][]byte, lg *zap.Logger) (map[string]*mvccpb.KeyValue, int64, error) {
	if len(keys) == 0 {
		return nil, 0, errors.New("no key to get")
	}
	ops := make([]clientv3.Op, 0, len(keys))
	for _, key := range keys {
		if len(key) == 0 {
			return nil, 0, errors.New("empty key")
		}
		ops = append(ops, clientv3.OpGet(string(key)))
	}

	resp, err := NewTxn(ctx, c, lg).Then(ops...).Commit()
	if err != nil {
		return nil, 0, errors.Wrap(err, "get multiple keys")
	}

	kvs := make(map[string]*mvccpb.KeyValue, len(keys))
	for _, r := range resp.Responses {
		for _, kv := range r.GetResponseRange().GetKvs() {
			kvs[string(kv.Key)] = kv
		}
	}
	return kvs, resp.Header.GetRevision(), nil
}
