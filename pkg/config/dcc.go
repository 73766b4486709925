package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/nsq-client/pkg/util/typeutil"
)

// Property keys of the config access agent.
const (
	DCCURLsKey          = "nsq.dcc.urls"
	DCCEnvURLsKeyFormat = "nsq.dcc.%s.urls"
	DCCEnvKey           = "nsq.dcc.env"
	DCCBackupPathKey    = "nsq.dcc.backupPath"
	DCCRootKey          = "nsq.dcc.root"
	DCCTimeoutKey       = "nsq.dcc.timeout"
	DCCDialTimeoutKey   = "nsq.dcc.dialTimeout"
	DCCDomainKey        = "nsq.dcc.domain"
	DCCKeyKey           = "nsq.dcc.key"

	// DCCEnvVariable is the environment variable holding the env when no property sets it.
	DCCEnvVariable = "NSQ_DCC_ENV"
)

const (
	_defaultDCCEnv              = "default"
	_defaultDCCRoot             = "nsq"
	_defaultDCCTimeout          = 10 * time.Second
	_defaultDCCDialTimeout      = 5 * time.Second
	_defaultDCCBackupFileFormat = "nsq-dcc-%s.backup"

	_urlSeparator = ","
)

// ErrUnresolvedURLs is returned by NewDCC when no remote url is found.
var ErrUnresolvedURLs = errors.New("config access remote urls cannot be resolved")

// DCC is the configuration of the config access agent and its remote client.
type DCC struct {
	// URLs are the endpoints of the remote config service.
	URLs []string
	// Env is the environment whose configs are read.
	Env string
	// BackupPath is the file where the last good snapshot is kept.
	BackupPath string
	// Root is the first segment of every remote key.
	Root string
	// Timeout bounds the first fetch of a subscription.
	Timeout     time.Duration
	DialTimeout time.Duration

	// Domain and Key name the subscription the command line client makes.
	Domain string
	Key    string
}

// DCCOverride holds values given explicitly by the caller. They win over properties.
type DCCOverride struct {
	URLs       []string
	Env        string
	BackupPath string
}

// NewDCC resolves the agent configuration. For each of env, urls and backup path, an explicit
// override wins over the property in props, which wins over a default derived from the
// environment:
//
//	env:        override, "nsq.dcc.env", $NSQ_DCC_ENV, "default"
//	urls:       override, "nsq.dcc.urls", "nsq.dcc.<env>.urls"
//	backupPath: override, "nsq.dcc.backupPath", "<temp dir>/nsq-dcc-<env>.backup"
//
// It returns ErrUnresolvedURLs if no url is found. props may be nil.
func NewDCC(props *viper.Viper, override DCCOverride) (*DCC, error) {
	if props == nil {
		props = viper.New()
	}
	d := &DCC{
		Root:        _defaultDCCRoot,
		Timeout:     _defaultDCCTimeout,
		DialTimeout: _defaultDCCDialTimeout,
		Domain:      props.GetString(DCCDomainKey),
		Key:         props.GetString(DCCKeyKey),
	}

	d.Env = firstNonEmpty(override.Env, props.GetString(DCCEnvKey), os.Getenv(DCCEnvVariable), _defaultDCCEnv)

	d.URLs = cleanURLs(override.URLs)
	if len(d.URLs) == 0 {
		d.URLs = urlsProperty(props, DCCURLsKey)
	}
	if len(d.URLs) == 0 {
		d.URLs = urlsProperty(props, fmt.Sprintf(DCCEnvURLsKeyFormat, d.Env))
	}
	if len(d.URLs) == 0 {
		return nil, errors.WithMessagef(ErrUnresolvedURLs, "env `%s`", d.Env)
	}

	d.BackupPath = firstNonEmpty(
		override.BackupPath,
		props.GetString(DCCBackupPathKey),
		filepath.Join(os.TempDir(), fmt.Sprintf(_defaultDCCBackupFileFormat, d.Env)),
	)

	if root := strings.Trim(props.GetString(DCCRootKey), "/"); root != "" {
		d.Root = root
	}
	if t := props.GetDuration(DCCTimeoutKey); t > 0 {
		d.Timeout = t
	}
	if t := props.GetDuration(DCCDialTimeoutKey); t > 0 {
		d.DialTimeout = t
	}
	return d, nil
}

// Validate checks whether the configuration is valid.
func (d *DCC) Validate() error {
	if len(d.URLs) == 0 {
		return ErrUnresolvedURLs
	}
	if d.Env == "" {
		return errors.New("empty env")
	}
	if d.BackupPath == "" {
		return errors.New("empty backup path")
	}
	if _, err := filepath.Abs(d.BackupPath); err != nil {
		return errors.Wrap(err, "invalid backup path")
	}
	if d.Timeout <= 0 {
		return errors.Errorf("invalid timeout `%s`", d.Timeout)
	}
	return nil
}

// Metadata returns a human-readable summary of the remote urls, the env and the backup path.
func (d *DCC) Metadata() string {
	var sb strings.Builder
	sb.WriteString("\turls: [")
	for _, u := range d.URLs {
		sb.WriteString(u)
		sb.WriteString(";")
	}
	sb.WriteString("]\n")
	_, _ = fmt.Fprintf(&sb, "\tenv: [%s]\n", d.Env)
	_, _ = fmt.Fprintf(&sb, "\tbackupPath: [%s]\n", d.BackupPath)
	return sb.String()
}

// urlsProperty reads a url list property, given either as a list or as a comma separated string.
func urlsProperty(props *viper.Viper, key string) []string {
	if !props.IsSet(key) {
		return nil
	}
	var urls []string
	switch v := props.Get(key).(type) {
	case string:
		urls = strings.Split(v, _urlSeparator)
	default:
		urls = props.GetStringSlice(key)
	}
	return cleanURLs(urls)
}

func cleanURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	return typeutil.SplitAndTrim(strings.Join(urls, _urlSeparator), _urlSeparator)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func dccConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.StringSlice("dcc-urls", nil, "config access remote urls (default '${nsq.dcc.<env>.urls}')")
	_ = v.BindPFlag(DCCURLsKey, fs.Lookup("dcc-urls"))
	fs.String("dcc-env", "", "config access env (default '${NSQ_DCC_ENV}')")
	_ = v.BindPFlag(DCCEnvKey, fs.Lookup("dcc-env"))
	fs.String("dcc-backup-path", "", "file keeping the last good config snapshot (default '${TMPDIR}/nsq-dcc-${env}.backup')")
	_ = v.BindPFlag(DCCBackupPathKey, fs.Lookup("dcc-backup-path"))
	fs.String("dcc-root", _defaultDCCRoot, "first segment of remote config keys")
	_ = v.BindPFlag(DCCRootKey, fs.Lookup("dcc-root"))
	fs.Duration("dcc-timeout", _defaultDCCTimeout, "timeout of the first fetch of a subscription")
	_ = v.BindPFlag(DCCTimeoutKey, fs.Lookup("dcc-timeout"))
	fs.Duration("dcc-dial-timeout", _defaultDCCDialTimeout, "timeout of dialing the config access remote")
	_ = v.BindPFlag(DCCDialTimeoutKey, fs.Lookup("dcc-dial-timeout"))
	fs.String("dcc-domain", "", "domain (app) of the lookup address subscription")
	_ = v.BindPFlag(DCCDomainKey, fs.Lookup("dcc-domain"))
	fs.String("dcc-key", "", "key of the lookup address subscription")
	_ = v.BindPFlag(DCCKeyKey, fs.Lookup("dcc-key"))
}
