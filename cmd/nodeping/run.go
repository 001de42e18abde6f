package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/yourneighborhoodchef/nodeping/internal/client"
	"github.com/yourneighborhoodchef/nodeping/internal/config"
	"github.com/yourneighborhoodchef/nodeping/internal/inputs"
	"github.com/yourneighborhoodchef/nodeping/internal/logging"
)

type runOptions struct {
	configFile string
	envFile    string

	// factory replaces the proxy dialer in tests.
	factory client.Factory
}

func newRunCmd() *cobra.Command {
	return newRunCmdWith(&runOptions{})
}

func newRunCmdWith(opts *runOptions) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start heartbeating every token through its proxies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(v, opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNodes(ctx, cfg, opts.factory)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default ./nodeping.toml when present)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("tokens", "token.txt", "file with one token per line")
	flags.String("proxies", "proxy.txt", "file with one proxy URL per line")
	flags.Int("max-per-token", 3, "maximum proxies running for one token (1-3)")
	flags.Duration("interval", 0, "ping interval (default 1m)")
	flags.String("session-cache", "", "file that persists established sessions across restarts")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.Bool("log-json", false, "log JSON instead of console output")

	bind(v, cmd, config.KeyTokensFile, "tokens")
	bind(v, cmd, config.KeyProxiesFile, "proxies")
	bind(v, cmd, config.KeyMaxPerToken, "max-per-token")
	bind(v, cmd, config.KeyPingInterval, "interval")
	bind(v, cmd, config.KeySessionCache, "session-cache")
	bind(v, cmd, config.KeyMetricsAddr, "metrics-addr")
	bind(v, cmd, config.KeyLogLevel, "log-level")
	bind(v, cmd, config.KeyLogJSON, "log-json")

	return cmd
}

// bind lets an explicitly set flag override the config file and environment.
func bind(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

func runNodes(ctx context.Context, cfg config.Config, factory client.Factory) error {
	if err := logging.Init(cfg.LogLevel, cfg.LogJSON); err != nil {
		return err
	}
	defer logging.Close()
	log := logging.WithComponent("nodeping")

	tokens, err := inputs.LoadTokens(cfg.TokensFile)
	if err != nil {
		log.Error().Err(err).Msg("cannot start without tokens")
		return err
	}
	proxies, err := inputs.LoadProxies(cfg.ProxiesFile)
	if err != nil {
		log.Error().Err(err).Msg("cannot start without proxies")
		return err
	}

	a, err := wireApp(cfg, tokens, proxies, factory)
	if err != nil {
		return err
	}

	logging.Printf("starting %d token(s) over %d proxies, at most %d per token", len(tokens), len(proxies), cfg.MaxPerToken)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.supervisor.Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := a.metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("shut down")
	return err
}
