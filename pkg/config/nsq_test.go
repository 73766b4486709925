package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int {
	return &i
}

func testNSQ() *NSQ {
	c := NewNSQ()
	c.ClientID = "IP:10.0.0.1, PID:42"
	c.Hostname = "10.0.0.1"
	return c
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *NSQ)
		want   string
	}{
		{
			name:   "no optional field",
			modify: func(c *NSQ) {},
			want:   `{"client_id":"IP:10.0.0.1, PID:42","hostname":"10.0.0.1","feature_negotiation":true,"msg_timeout":10000,"user_agent":"Go-2.x"}`,
		},
		{
			name: "all optional fields with deflate",
			modify: func(c *NSQ) {
				c.HeartbeatInterval = intPtr(5000)
				c.OutputBufferSize = intPtr(16384)
				c.OutputBufferTimeout = intPtr(250)
				c.TLSv1 = true
				c.Compression = CompressionDeflate
				c.DeflateLevel = intPtr(6)
				c.SampleRate = intPtr(10)
				c.TimeoutInSecond = 3
			},
			want: `{"client_id":"IP:10.0.0.1, PID:42","hostname":"10.0.0.1","feature_negotiation":true,` +
				`"heartbeat_interval":5000,"output_buffer_size":16384,"output_buffer_timeout":250,"tls_v1":true,` +
				`"deflate":true,"deflate_level":6,"sample_rate":10,"msg_timeout":3000,"user_agent":"Go-2.x"}`,
		},
		{
			name: "deflate without level",
			modify: func(c *NSQ) {
				c.Compression = CompressionDeflate
			},
			want: `{"client_id":"IP:10.0.0.1, PID:42","hostname":"10.0.0.1","feature_negotiation":true,"deflate":true,"msg_timeout":10000,"user_agent":"Go-2.x"}`,
		},
		{
			name: "deflate level ignored with snappy",
			modify: func(c *NSQ) {
				c.Compression = CompressionSnappy
				c.DeflateLevel = intPtr(6)
			},
			want: `{"client_id":"IP:10.0.0.1, PID:42","hostname":"10.0.0.1","feature_negotiation":true,"snappy":true,"msg_timeout":10000,"user_agent":"Go-2.x"}`,
		},
		{
			name: "zero values are sent when set",
			modify: func(c *NSQ) {
				c.OutputBufferSize = intPtr(0)
				c.SampleRate = intPtr(0)
			},
			want: `{"client_id":"IP:10.0.0.1, PID:42","hostname":"10.0.0.1","feature_negotiation":true,"output_buffer_size":0,"sample_rate":0,"msg_timeout":10000,"user_agent":"Go-2.x"}`,
		},
		{
			name: "heartbeat disabled",
			modify: func(c *NSQ) {
				c.HeartbeatInterval = intPtr(-1)
			},
			want: `{"client_id":"IP:10.0.0.1, PID:42","hostname":"10.0.0.1","feature_negotiation":true,"heartbeat_interval":-1,"msg_timeout":10000,"user_agent":"Go-2.x"}`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			c := testNSQ()
			tt.modify(c)
			got, err := c.Identify()
			re.NoError(err)
			re.Equal(tt.want, string(got))

			again, err := c.Identify()
			re.NoError(err)
			re.Equal(got, again)
		})
	}
}

func TestNSQValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *NSQ)
		wantErr bool
		errMsg  string
	}{
		{name: "default config", modify: func(c *NSQ) {}},
		{name: "deflate level", modify: func(c *NSQ) { c.Compression = CompressionDeflate; c.DeflateLevel = intPtr(9) }},
		{name: "heartbeat disabled", modify: func(c *NSQ) { c.HeartbeatInterval = intPtr(-1) }},
		{name: "invalid timeout", modify: func(c *NSQ) { c.TimeoutInSecond = 0 }, wantErr: true, errMsg: "invalid timeout"},
		{name: "invalid pool size", modify: func(c *NSQ) { c.ConnectionPoolSize = 0 }, wantErr: true, errMsg: "invalid connection pool size"},
		{name: "empty identity", modify: func(c *NSQ) { c.ClientID = "" }, wantErr: true, errMsg: "empty client id"},
		{name: "invalid compression", modify: func(c *NSQ) { c.Compression = "gzip" }, wantErr: true, errMsg: "invalid compression"},
		{name: "deflate level without deflate", modify: func(c *NSQ) { c.DeflateLevel = intPtr(3) }, wantErr: true, errMsg: "deflate level set with compression `none`"},
		{name: "deflate level out of range", modify: func(c *NSQ) { c.Compression = CompressionDeflate; c.DeflateLevel = intPtr(10) }, wantErr: true, errMsg: "invalid deflate level"},
		{name: "heartbeat too short", modify: func(c *NSQ) { c.HeartbeatInterval = intPtr(10) }, wantErr: true, errMsg: "invalid heartbeat interval"},
		{name: "invalid sample rate", modify: func(c *NSQ) { c.SampleRate = intPtr(100) }, wantErr: true, errMsg: "invalid sample rate"},
		{name: "invalid tolerance", modify: func(c *NSQ) { c.HeartbeatTolerance = 0.5 }, wantErr: true, errMsg: "invalid heartbeat tolerance"},
		{name: "invalid connect timeout", modify: func(c *NSQ) { c.ConnectTimeout = 0 }, wantErr: true, errMsg: "invalid connect timeout"},
		{name: "invalid lookup interval", modify: func(c *NSQ) { c.LookupInterval = 0 }, wantErr: true, errMsg: "invalid lookup interval"},
		{name: "invalid max in flight", modify: func(c *NSQ) { c.MaxInFlight = 0 }, wantErr: true, errMsg: "invalid max in flight"},
		{name: "invalid requeue delay", modify: func(c *NSQ) { c.RequeueDelay = -time.Second }, wantErr: true, errMsg: "invalid requeue delay"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			c := testNSQ()
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
		})
	}
}

func TestNSQAdjust(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := NewNSQ()
	c.ClientID = "client"
	c.Hostname = "host"
	c.Compression = "SNAPPY"
	c.LookupAddresses = []string{" 10.0.0.2:4161", "10.0.0.1:4161", "", "10.0.0.2:4161"}

	re.NoError(c.Adjust())
	re.Equal(CompressionSnappy, c.Compression)
	re.Equal([]string{"10.0.0.1:4161", "10.0.0.2:4161"}, c.LookupAddresses)
	re.True(c.UserSpecifiedLookupAddress)
	re.Equal("client", c.ClientID)
	re.Equal("host", c.Hostname)
}

func TestNSQAdjustNoLookupAddress(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := NewNSQ()
	c.ClientID = "client"
	c.Hostname = "host"
	c.LookupAddresses = []string{" "}

	re.NoError(c.Adjust())
	re.Empty(c.LookupAddresses)
	re.False(c.UserSpecifiedLookupAddress)
}

func TestHeartbeatTimeout(t *testing.T) {
	tests := []struct {
		name      string
		interval  *int
		tolerance float64
		want      time.Duration
	}{
		{name: "default interval", tolerance: 2, want: time.Minute},
		{name: "configured interval", interval: intPtr(5000), tolerance: 1.5, want: 7500 * time.Millisecond},
		{name: "disabled", interval: intPtr(-1), tolerance: 2, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			c := testNSQ()
			c.HeartbeatInterval = tt.interval
			c.HeartbeatTolerance = tt.tolerance
			re.Equal(tt.want, c.HeartbeatTimeout())
			re.Equal(10*time.Second, c.Timeout())
		})
	}
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := testNSQ()
	c.TLS.ServerName = "nsqd.local"
	c.TLS.InsecureSkipVerify = true
	cfg, err := c.TLSConfig()
	re.NoError(err)
	re.Equal("nsqd.local", cfg.ServerName)
	re.True(cfg.InsecureSkipVerify)

	c.TLS.CertFile = "not-exist.crt"
	c.TLS.KeyFile = "not-exist.key"
	_, err = c.TLSConfig()
	re.ErrorContains(err, "build tls config")
}
