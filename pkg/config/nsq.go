package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.etcd.io/etcd/client/pkg/v3/transport"

	"github.com/AutoMQ/nsq-client/pkg/util/netutil"
	"github.com/AutoMQ/nsq-client/pkg/util/typeutil"
)

// UserAgent is sent to data nodes in the identify payload.
const UserAgent = "Go-2.x"

const (
	_clientIDFormat = "IP:%s, PID:%d"

	_defaultTimeoutInSecond    = 10
	_defaultOrdered            = true
	_defaultConnectionPoolSize = -1
	_defaultHeartbeatTolerance = 2.0
	_defaultConnectTimeout     = 3 * time.Second
	_defaultLookupInterval     = 10 * time.Second
	_defaultMaxInFlight        = 1
	_defaultRequeueDelay       = 0
	_defaultCompression        = CompressionNone

	// heartbeat interval of a data node when the client does not ask for one
	_defaultHeartbeatIntervalMs = 30000
	_minHeartbeatIntervalMs     = 1000
	_maxSampleRate              = 99
	_minDeflateLevel            = 1
	_maxDeflateLevel            = 9
)

// Compression is the kind of compression negotiated with data nodes.
type Compression string

const (
	CompressionNone    Compression = "none"
	CompressionDeflate Compression = "deflate"
	CompressionSnappy  Compression = "snappy"
)

// NSQ is the configuration of a client talking to data nodes.
// It is built once and read-only afterwards, except Topic and ConsumerName which the owning
// producer or consumer may set before the client starts.
type NSQ struct {
	// TimeoutInSecond bounds blocking calls, and is sent as the message timeout.
	TimeoutInSecond int
	// LookupAddresses are the lookup services, as host:port, sorted and unique after Adjust.
	LookupAddresses []string
	// UserSpecifiedLookupAddress is set when LookupAddresses are given by the user rather than
	// resolved by the config access agent.
	UserSpecifiedLookupAddress bool
	Topic                      string
	// ConsumerName is the channel to subscribe to.
	ConsumerName string
	// Ordered routes messages with the same sharding id to the same data node.
	Ordered bool
	// ConnectionPoolSize is the number of connections per data node, -1 for one per node.
	ConnectionPoolSize int

	ClientID string
	Hostname string

	// optional features, nil means not set and not sent to data nodes

	// HeartbeatInterval in milliseconds, -1 disables heartbeats.
	HeartbeatInterval *int
	OutputBufferSize  *int
	// OutputBufferTimeout in milliseconds.
	OutputBufferTimeout *int
	SampleRate          *int
	// DeflateLevel is only meaningful with CompressionDeflate.
	DeflateLevel *int

	TLSv1       bool
	Compression Compression
	TLS         TLS

	// HeartbeatTolerance multiplies the heartbeat interval to get the heartbeat timeout.
	HeartbeatTolerance float64
	ConnectTimeout     time.Duration
	LookupInterval     time.Duration
	MaxInFlight        int
	RequeueDelay       time.Duration
}

// TLS holds the files used when TLSv1 is negotiated.
type TLS struct {
	CertFile           string
	KeyFile            string
	TrustedCAFile      string
	ServerName         string
	InsecureSkipVerify bool
}

// NewNSQ creates a configuration with default values.
// Identity fields are filled by Adjust.
func NewNSQ() *NSQ {
	return &NSQ{
		TimeoutInSecond:    _defaultTimeoutInSecond,
		Ordered:            _defaultOrdered,
		ConnectionPoolSize: _defaultConnectionPoolSize,
		Compression:        _defaultCompression,
		HeartbeatTolerance: _defaultHeartbeatTolerance,
		ConnectTimeout:     _defaultConnectTimeout,
		LookupInterval:     _defaultLookupInterval,
		MaxInFlight:        _defaultMaxInFlight,
		RequeueDelay:       _defaultRequeueDelay,
	}
}

// Adjust generates default values for some fields (if they are empty)
func (c *NSQ) Adjust() error {
	if c.Hostname == "" || c.ClientID == "" {
		ip, err := netutil.LocalIPv4()
		if err != nil {
			return errors.WithMessage(err, "get local ipv4")
		}
		if c.Hostname == "" {
			c.Hostname = ip.String()
		}
		if c.ClientID == "" {
			c.ClientID = fmt.Sprintf(_clientIDFormat, ip.String(), os.Getpid())
		}
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	c.Compression = Compression(strings.ToLower(string(c.Compression)))

	addrs := make([]string, 0, len(c.LookupAddresses))
	for _, addr := range c.LookupAddresses {
		addrs = append(addrs, strings.TrimSpace(addr))
	}
	c.LookupAddresses = typeutil.SortAndUnique(typeutil.FilterZero(addrs), func(i, j string) bool { return i < j })
	if len(c.LookupAddresses) > 0 {
		c.UserSpecifiedLookupAddress = true
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *NSQ) Validate() error {
	if c.TimeoutInSecond <= 0 {
		return errors.Errorf("invalid timeout `%d`", c.TimeoutInSecond)
	}
	if c.ConnectionPoolSize == 0 || c.ConnectionPoolSize < -1 {
		return errors.Errorf("invalid connection pool size `%d`", c.ConnectionPoolSize)
	}
	if c.ClientID == "" || c.Hostname == "" {
		return errors.New("empty client id or hostname")
	}
	switch c.Compression {
	case CompressionNone, CompressionDeflate, CompressionSnappy:
	default:
		return errors.Errorf("invalid compression `%s`", c.Compression)
	}
	if c.DeflateLevel != nil {
		if c.Compression != CompressionDeflate {
			return errors.Errorf("deflate level set with compression `%s`", c.Compression)
		}
		if l := *c.DeflateLevel; l < _minDeflateLevel || l > _maxDeflateLevel {
			return errors.Errorf("invalid deflate level `%d`", l)
		}
	}
	if c.HeartbeatInterval != nil {
		if i := *c.HeartbeatInterval; i != -1 && i < _minHeartbeatIntervalMs {
			return errors.Errorf("invalid heartbeat interval `%d`", i)
		}
	}
	if c.SampleRate != nil {
		if r := *c.SampleRate; r < 0 || r > _maxSampleRate {
			return errors.Errorf("invalid sample rate `%d`", r)
		}
	}
	if c.HeartbeatTolerance < 1 {
		return errors.Errorf("invalid heartbeat tolerance `%v`", c.HeartbeatTolerance)
	}
	if c.ConnectTimeout <= 0 {
		return errors.Errorf("invalid connect timeout `%s`", c.ConnectTimeout)
	}
	if c.LookupInterval <= 0 {
		return errors.Errorf("invalid lookup interval `%s`", c.LookupInterval)
	}
	if c.MaxInFlight <= 0 {
		return errors.Errorf("invalid max in flight `%d`", c.MaxInFlight)
	}
	if c.RequeueDelay < 0 {
		return errors.Errorf("invalid requeue delay `%s`", c.RequeueDelay)
	}
	return nil
}

// identify is the handshake document. Field order is the wire order.
type identify struct {
	ClientID            string `json:"client_id"`
	Hostname            string `json:"hostname"`
	FeatureNegotiation  bool   `json:"feature_negotiation"`
	HeartbeatInterval   *int   `json:"heartbeat_interval,omitempty"`
	OutputBufferSize    *int   `json:"output_buffer_size,omitempty"`
	OutputBufferTimeout *int   `json:"output_buffer_timeout,omitempty"`
	TLSv1               bool   `json:"tls_v1,omitempty"`
	Snappy              bool   `json:"snappy,omitempty"`
	Deflate             bool   `json:"deflate,omitempty"`
	DeflateLevel        *int   `json:"deflate_level,omitempty"`
	SampleRate          *int   `json:"sample_rate,omitempty"`
	MsgTimeout          int    `json:"msg_timeout"`
	UserAgent           string `json:"user_agent"`
}

// Identify returns the payload of the IDENTIFY command. Unset optional fields are omitted.
func (c *NSQ) Identify() ([]byte, error) {
	doc := identify{
		ClientID:            c.ClientID,
		Hostname:            c.Hostname,
		FeatureNegotiation:  true,
		HeartbeatInterval:   c.HeartbeatInterval,
		OutputBufferSize:    c.OutputBufferSize,
		OutputBufferTimeout: c.OutputBufferTimeout,
		TLSv1:               c.TLSv1,
		SampleRate:          c.SampleRate,
		MsgTimeout:          c.TimeoutInSecond * 1000,
		UserAgent:           UserAgent,
	}
	switch c.Compression {
	case CompressionSnappy:
		doc.Snappy = true
	case CompressionDeflate:
		doc.Deflate = true
		doc.DeflateLevel = c.DeflateLevel
	}

	b, err := json.Marshal(&doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshal identify")
	}
	return b, nil
}

// Timeout returns TimeoutInSecond as a duration.
func (c *NSQ) Timeout() time.Duration {
	return time.Duration(c.TimeoutInSecond) * time.Second
}

// HeartbeatTimeout returns how long a connection may stay without heartbeat before it is
// considered dead. Zero means heartbeats are disabled.
func (c *NSQ) HeartbeatTimeout() time.Duration {
	interval := _defaultHeartbeatIntervalMs
	if c.HeartbeatInterval != nil {
		interval = *c.HeartbeatInterval
	}
	if interval <= 0 {
		return 0
	}
	return time.Duration(float64(interval) * c.HeartbeatTolerance * float64(time.Millisecond))
}

// TLSConfig returns the tls config used to upgrade connections to data nodes.
func (c *NSQ) TLSConfig() (*tls.Config, error) {
	info := transport.TLSInfo{
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
		TrustedCAFile:      c.TLS.TrustedCAFile,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	cfg, err := info.ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "build tls config")
	}
	return cfg, nil
}

func nsqConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Int("client-timeout-in-second", _defaultTimeoutInSecond, "timeout of blocking calls, also sent to data nodes as message timeout")
	_ = v.BindPFlag("client.timeoutInSecond", fs.Lookup("client-timeout-in-second"))
	fs.StringSlice("client-lookup-addresses", nil, "lookup services (host:port); resolved by the config access agent if empty")
	_ = v.BindPFlag("client.lookupAddresses", fs.Lookup("client-lookup-addresses"))
	fs.String("client-topic", "", "topic to publish to or consume from")
	_ = v.BindPFlag("client.topic", fs.Lookup("client-topic"))
	fs.String("client-consumer-name", "", "channel to consume from, empty for producers")
	_ = v.BindPFlag("client.consumerName", fs.Lookup("client-consumer-name"))
	fs.Bool("client-ordered", _defaultOrdered, "route messages with the same sharding id to the same data node")
	_ = v.BindPFlag("client.ordered", fs.Lookup("client-ordered"))
	fs.Int("client-connection-pool-size", _defaultConnectionPoolSize, "connections per data node (-1 for one per node)")
	_ = v.BindPFlag("client.connectionPoolSize", fs.Lookup("client-connection-pool-size"))
	fs.Bool("client-tls-v1", false, "negotiate TLS with data nodes")
	_ = v.BindPFlag("client.tlsv1", fs.Lookup("client-tls-v1"))
	fs.String("client-compression", string(_defaultCompression), "compression negotiated with data nodes (none, deflate or snappy)")
	_ = v.BindPFlag("client.compression", fs.Lookup("client-compression"))
	fs.Float64("client-heartbeat-tolerance", _defaultHeartbeatTolerance, "heartbeat interval multiplier after which a silent connection is closed")
	_ = v.BindPFlag("client.heartbeatTolerance", fs.Lookup("client-heartbeat-tolerance"))
	fs.Duration("client-connect-timeout", _defaultConnectTimeout, "timeout of dialing and identifying a data node")
	_ = v.BindPFlag("client.connectTimeout", fs.Lookup("client-connect-timeout"))
	fs.Duration("client-lookup-interval", _defaultLookupInterval, "time interval between two lookups of data nodes")
	_ = v.BindPFlag("client.lookupInterval", fs.Lookup("client-lookup-interval"))
	fs.Int("client-max-in-flight", _defaultMaxInFlight, "messages a data node may push before they are finished")
	_ = v.BindPFlag("client.maxInFlight", fs.Lookup("client-max-in-flight"))
	fs.Duration("client-requeue-delay", _defaultRequeueDelay, "delay of messages requeued after a handler failure")
	_ = v.BindPFlag("client.requeueDelay", fs.Lookup("client-requeue-delay"))
}
