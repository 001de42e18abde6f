package main

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/nodeping/internal/client"
	"github.com/yourneighborhoodchef/nodeping/internal/config"
	"github.com/yourneighborhoodchef/nodeping/internal/heartbeat"
	"github.com/yourneighborhoodchef/nodeping/internal/identity"
	"github.com/yourneighborhoodchef/nodeping/internal/logging"
	"github.com/yourneighborhoodchef/nodeping/internal/metrics"
	"github.com/yourneighborhoodchef/nodeping/internal/monitor"
	"github.com/yourneighborhoodchef/nodeping/internal/ratelimit"
	"github.com/yourneighborhoodchef/nodeping/internal/session"
	"github.com/yourneighborhoodchef/nodeping/internal/session/filecache"
)

// profilesPerWorker keeps the header profile pool ahead of the request rate.
const profilesPerWorker = 32

type app struct {
	metrics    *metrics.Metrics
	transport  *client.Client
	sessions   *session.Manager
	scheduler  *heartbeat.Scheduler
	supervisor *monitor.Supervisor
}

// wireApp builds every component from cfg. factory may be nil, in which case
// proxies are dialed with the TLS-fingerprinted client.
func wireApp(cfg config.Config, tokens, proxies []string, factory client.Factory) (*app, error) {
	clk := clock.New()
	m := metrics.New().WithRuntime()

	identity.InitProfilePool(profilesPerWorker * len(tokens) * cfg.MaxPerToken)

	transportLog := component("transport")
	transport := client.New(client.Options{
		Timeout:  cfg.Timeout,
		Attempts: cfg.Attempts,
		Backoff:  cfg.Backoff,
		Factory:  factory,
		Metrics:  m,
		Logger:   &transportLog,
	})

	var store session.Store
	if cfg.SessionCachePath != "" {
		fc, err := filecache.NewStore(cfg.SessionCachePath)
		if err != nil {
			return nil, fmt.Errorf("wire session cache: %w", err)
		}
		store = fc
	}

	sessionLog := component("session")
	sessions, err := session.NewManager(session.Options{
		URL:     cfg.SessionURL,
		Poster:  transport,
		Store:   store,
		Spacer:  ratelimit.NewSpacer(cfg.EstablishRate, cfg.EstablishBurst),
		Metrics: m,
		Logger:  &sessionLog,
	})
	if err != nil {
		return nil, fmt.Errorf("wire session manager: %w", err)
	}

	// one guard for every loop, so a proxy shared by several tokens still
	// pings at most once per interval
	guard := ratelimit.NewPingGuard(clk, cfg.PingInterval)
	heartbeatLog := component("heartbeat")
	scheduler, err := heartbeat.NewScheduler(heartbeat.Options{
		URL:      cfg.PingURL,
		Version:  cfg.PingVersion,
		Interval: cfg.PingInterval,
		Poll:     cfg.PingPoll,
		Poster:   transport,
		Guard:    guard,
		Clock:    clk,
		Metrics:  m,
		Logger:   &heartbeatLog,
	})
	if err != nil {
		return nil, fmt.Errorf("wire heartbeat scheduler: %w", err)
	}

	settle := cfg.Settle
	if settle == 0 {
		settle = -1
	}
	supervisorLog := component("supervisor")
	supervisor, err := monitor.New(tokens, proxies, monitor.Options{
		MaxPerToken: cfg.MaxPerToken,
		Cycle:       cfg.Cycle,
		Settle:      settle,
		Worker:      monitor.NodeWorker(sessions, scheduler),
		Sessions:    sessions,
		Transport:   transport,
		Guard:       guard,
		Clock:       clk,
		Metrics:     m,
		Logger:      &supervisorLog,
	})
	if err != nil {
		return nil, fmt.Errorf("wire supervisor: %w", err)
	}

	return &app{
		metrics:    m,
		transport:  transport,
		sessions:   sessions,
		scheduler:  scheduler,
		supervisor: supervisor,
	}, nil
}

func component(name string) zerolog.Logger {
	return logging.WithComponent(name)
}
