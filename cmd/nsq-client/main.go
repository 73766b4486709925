// Package main is the entrypoint for nsq-client. It subscribes the lookup services from the
// config access remote unless they are given, then publishes lines read from stdin, or
// consumes the topic and prints the messages when a channel is given.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/config"
	"github.com/AutoMQ/nsq-client/pkg/configs"
	"github.com/AutoMQ/nsq-client/pkg/nsq/client"
	"github.com/AutoMQ/nsq-client/pkg/nsq/codec"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:], os.Stderr)
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}

	// create a logger first
	var logger *zap.Logger
	if cfg != nil {
		logger = cfg.Logger()
	}
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	logger.Info("running", zap.Strings("args", os.Args))
	if err != nil {
		logger.Error("failed to parse config", zap.Error(err))
		os.Exit(1)
	}

	syncLogger := func() { _ = logger.Sync() }

	// check config
	err = cfg.Adjust()
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		exit(1, syncLogger)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	signalCode := make(chan int, 1)
	go func() {
		sig := <-sc
		logger.Info("got signal to exit", zap.String("signal", sig.String()))
		if sig == syscall.SIGTERM {
			signalCode <- 0
		} else {
			signalCode <- 1
		}
		cancel()
	}()

	code := run(ctx, cfg, logger)
	select {
	case c := <-signalCode:
		code = c
	default:
	}
	cancel()
	exit(code, syncLogger)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	lookup := client.NewHTTPLookup(cfg.Client.LookupAddresses, logger)
	defer lookup.CloseIdleConnections()

	var opts []client.Option
	consuming := cfg.Client.ConsumerName != ""
	if consuming {
		opts = append(opts, client.WithMessageHandler(client.HandlerFunc(func(msg *codec.Message) error {
			_, err := fmt.Fprintf(os.Stdout, "%s\n", msg.Body)
			return err
		})))
	}
	opts = append(opts,
		client.WithRegisterer(prometheus.DefaultRegisterer),
		client.WithDecorator(func(c client.Client) client.Client { return client.NewLogger(c, logger) }),
	)
	engine := client.NewEngine(cfg.Client, lookup, logger, opts...)

	if !cfg.Client.UserSpecifiedLookupAddress {
		agent, err := subscribeLookupds(ctx, cfg, lookup, engine, logger)
		if err != nil {
			logger.Error("failed to subscribe lookup services", zap.Error(err))
			return 1
		}
		defer func() {
			if err := agent.Close(); err != nil {
				logger.Warn("failed to close config access agent", zap.Error(err))
			}
		}()
	}

	err := engine.Start(ctx)
	if err != nil {
		logger.Error("failed to start client", zap.Error(err))
		return 1
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("failed to close client", zap.Error(err))
		}
	}()

	if consuming {
		<-ctx.Done()
		return 0
	}
	return publishLines(ctx, engine, logger)
}

func subscribeLookupds(ctx context.Context, cfg *config.Config, lookup *client.HTTPLookup, refresher client.Refresher, logger *zap.Logger) (*configs.Agent, error) {
	dcc, err := config.NewDCC(cfg.Viper(), config.DCCOverride{})
	if err != nil {
		return nil, errors.WithMessage(err, "resolve config access config")
	}
	agent, err := configs.NewAgent(dcc, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("config access agent created", zap.String("metadata", agent.Metadata()))

	updater := client.NewLookupdUpdater(lookup, refresher, logger)
	_, err = agent.HandleSubscribe(ctx, dcc.Domain, []string{dcc.Key}, updater, configs.WithProcessFirst())
	if err != nil {
		_ = agent.Close()
		return nil, errors.WithMessage(err, "subscribe lookup services")
	}
	return agent, nil
}

// publishLines publishes every line of stdin as a message, until stdin ends or ctx is done.
func publishLines(ctx context.Context, engine *client.Engine, logger *zap.Logger) int {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- append([]byte(nil), scanner.Bytes()...):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("failed to read stdin", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			err := engine.Publish(ctx, client.NewMessage("", line))
			if err != nil {
				logger.Error("failed to publish", zap.Error(err))
				return 1
			}
		}
	}
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
