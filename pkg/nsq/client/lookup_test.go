package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
)

type fakeLookupd struct {
	*httptest.Server
	status  int
	body    string
	queries atomic.Int32
}

func newLookupd(tb testing.TB, status int, body string) *fakeLookupd {
	l := &fakeLookupd{status: status, body: body}
	l.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.queries.Add(1)
		if r.URL.Path != _lookupPath || r.Header.Get("Accept") != _lookupAccept {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(l.status)
		_, _ = fmt.Fprint(w, strings.ReplaceAll(l.body, "${topic}", r.URL.Query().Get("topic")))
	}))
	tb.Cleanup(l.Close)
	return l
}

func newTestHTTPLookup(tb testing.TB, lookupds ...string) *HTTPLookup {
	l := NewHTTPLookup(lookupds, zap.NewNop())
	tb.Cleanup(l.CloseIdleConnections)
	return l
}

func TestHTTPLookup(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   []address.Address
		errMsg string
	}{
		{
			name:   "bare document",
			status: http.StatusOK,
			body: `{"channels":[],"producers":[
				{"broadcast_address":"10.0.0.2","hostname":"node-2","tcp_port":4150},
				{"broadcast_address":"10.0.0.1","hostname":"node-1","tcp_port":4150}]}`,
			want: []address.Address{address.New("10.0.0.1", 4150), address.New("10.0.0.2", 4150)},
		},
		{
			name:   "wrapped document",
			status: http.StatusOK,
			body:   `{"status_code":200,"status_txt":"OK","data":{"producers":[{"broadcast_address":"10.0.0.1","tcp_port":4150}]}}`,
			want:   []address.Address{address.New("10.0.0.1", 4150)},
		},
		{
			name:   "hostname without broadcast address",
			status: http.StatusOK,
			body:   `{"producers":[{"hostname":"node-1","tcp_port":4150}]}`,
			want:   []address.Address{address.New("node-1", 4150)},
		},
		{
			name:   "malformed producers",
			status: http.StatusOK,
			body: `{"producers":[{"broadcast_address":"10.0.0.1","tcp_port":4150},
				{"broadcast_address":"10.0.0.2","tcp_port":0},{"tcp_port":4150}]}`,
			want: []address.Address{address.New("10.0.0.1", 4150)},
		},
		{
			name:   "topic not found",
			status: http.StatusNotFound,
			body:   `{"message":"TOPIC_NOT_FOUND"}`,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"message":"INTERNAL_ERROR"}`,
			errMsg: "lookup status 500",
		},
		{
			name:   "not json",
			status: http.StatusOK,
			body:   `producers`,
			errMsg: "unmarshal lookup response",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			lookupd := newLookupd(t, tt.status, tt.body)
			l := newTestHTTPLookup(t, lookupd.URL)

			nodes, err := l.Lookup(context.Background(), "test-topic")
			if tt.errMsg != "" {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			re.Equal(tt.want, nodes)
			re.Equal(int32(1), lookupd.queries.Load())
		})
	}
}

func TestHTTPLookupMerge(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	l1 := newLookupd(t, http.StatusOK, `{"producers":[{"broadcast_address":"10.0.0.1","tcp_port":4150}]}`)
	l2 := newLookupd(t, http.StatusOK, `{"producers":[{"broadcast_address":"10.0.0.1","tcp_port":4150},{"broadcast_address":"10.0.0.2","tcp_port":4150}]}`)
	down := newLookupd(t, http.StatusServiceUnavailable, "")
	// host:port without scheme
	l := newTestHTTPLookup(t, strings.TrimPrefix(l1.URL, "http://"), l2.URL, down.URL)

	nodes, err := l.Lookup(context.Background(), "test-topic")
	re.NoError(err)
	re.Equal([]address.Address{address.New("10.0.0.1", 4150), address.New("10.0.0.2", 4150)}, nodes)
	re.Equal(int32(1), down.queries.Load())
}

func TestHTTPLookupAllFailed(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	down1 := newLookupd(t, http.StatusServiceUnavailable, "")
	down2 := newLookupd(t, http.StatusBadGateway, "")
	l := newTestHTTPLookup(t, down1.URL, down2.URL)

	_, err := l.Lookup(context.Background(), "test-topic")
	re.ErrorContains(err, "lookup status 503")
	re.ErrorContains(err, "lookup status 502")

	empty := newTestHTTPLookup(t)
	_, err = empty.Lookup(context.Background(), "test-topic")
	re.ErrorIs(err, ErrNoLookupd)
}

func TestHTTPLookupSetLookupds(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	l := newTestHTTPLookup(t, "b:4161", " a:4161 ")
	re.Equal([]string{"a:4161", "b:4161"}, l.Lookupds())

	re.False(l.SetLookupds([]string{"b:4161", "a:4161", "a:4161"}))
	re.True(l.SetLookupds([]string{"c:4161", ""}))
	re.Equal([]string{"c:4161"}, l.Lookupds())
}

func TestLookupURL(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.Equal("http://127.0.0.1:4161/lookup?topic=a+b", lookupURL("127.0.0.1:4161", "a b"))
	re.Equal("https://lookupd/lookup?topic=t", lookupURL("https://lookupd/", "t"))
}

type countRefresher struct {
	count atomic.Int32
}

func (r *countRefresher) Refresh() {
	r.count.Add(1)
}

func TestLookupdUpdater(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	l := newTestHTTPLookup(t, "a:4161")
	r := &countRefresher{}
	u := NewLookupdUpdater(l, r, zap.NewNop())

	u.Process(map[string]string{"lookupd-1": "b:4161, c:4161", "lookupd-2": "b:4161"})
	re.Equal([]string{"b:4161", "c:4161"}, l.Lookupds())
	re.Equal(int32(1), r.count.Load())

	// unchanged
	u.Process(map[string]string{"lookupd": "c:4161,b:4161"})
	re.Equal(int32(1), r.count.Load())

	// nothing usable
	u.Process(map[string]string{"lookupd": " , "})
	re.Equal([]string{"b:4161", "c:4161"}, l.Lookupds())

	u.Fallback(nil, context.DeadlineExceeded)
	re.Equal([]string{"b:4161", "c:4161"}, l.Lookupds())

	u.Fallback(map[string]string{"lookupd": "d:4161"}, context.DeadlineExceeded)
	re.Equal([]string{"d:4161"}, l.Lookupds())
	re.Equal(int32(2), r.count.Load())

	NewLookupdUpdater(l, nil, zap.NewNop()).Process(map[string]string{"lookupd": "e:4161"})
	re.Equal([]string{"e:4161"}, l.Lookupds())
}

func TestLookupdsFromMapping(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.Empty(LookupdsFromMapping(nil))
	re.Equal([]string{"a:4161", "b:4161"}, LookupdsFromMapping(map[string]string{"x": "b:4161,a:4161", "y": ""}))
}
