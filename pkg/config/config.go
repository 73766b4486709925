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

package config

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the configuration of the command line client.
type Config struct {
	v *viper.Viper

	Client *NSQ
	Log    *Log

	lg *zap.Logger
}

// NewConfig creates a new config from command line arguments and an optional configuration
// file. Usage and parse errors are written to errOutput.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{
		Client: NewNSQ(),
		Log:    NewLog(),
	}

	v, fs := configure()
	fs.SetOutput(errOutput)

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	if c, _ := fs.GetString("config"); c != "" {
		v.SetConfigFile(c)
		err = v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	// new and set logger
	err = cfg.Log.Adjust()
	if err != nil {
		return nil, errors.Wrap(err, "adjust log config")
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}

	if configFile := v.ConfigFileUsed(); configFile != "" {
		logger.Info("load configuration from file", zap.String("file-name", configFile))
	}

	cfg.v = v
	cfg.lg = logger
	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	err := c.Client.Adjust()
	if err != nil {
		return errors.WithMessage(err, "adjust client config")
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	err := c.Client.Validate()
	if err != nil {
		return errors.WithMessage(err, "validate client config")
	}
	return nil
}

// Logger returns logger generated based on the config
func (c *Config) Logger() *zap.Logger {
	return c.lg
}

// Viper returns the properties the config is read from, e.g. for NewDCC.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

func configure() (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	fs := pflag.NewFlagSet("nsq-client", pflag.ContinueOnError)

	nsqConfigure(v, fs)
	dccConfigure(v, fs)
	logConfigure(v, fs)

	return v, fs
}
