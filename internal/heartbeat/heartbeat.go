// Package heartbeat drives the periodic ping that keeps a node marked active.
//
// A Loop owns one (token, proxy) session. It moves through
//
//	Idle -> Waiting -> Pinging -> Waiting ... -> Failed -> Stopped
//
// and never restarts itself: a failed loop returns its error and the caller
// decides what happens to the proxy.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/nodeping/internal/client"
	"github.com/yourneighborhoodchef/nodeping/internal/metrics"
	"github.com/yourneighborhoodchef/nodeping/internal/ratelimit"
	"github.com/yourneighborhoodchef/nodeping/internal/session"
)

const (
	DefaultURL      = "https://nw.nodepay.org/api/network/ping"
	DefaultVersion  = "2.2.7"
	DefaultInterval = 60 * time.Second
	DefaultPoll     = 5 * time.Second
)

type State int32

const (
	Idle State = iota
	Waiting
	Pinging
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Pinging:
		return "pinging"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

var ErrPingUnreachable = errors.New("ping endpoint unreachable")

// RejectedError is a ping the service answered with a non-zero code.
type RejectedError struct {
	Proxy string
	Code  int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ping via %s rejected with code %d", e.Proxy, e.Code)
}

type Poster interface {
	Post(ctx context.Context, url string, body any, proxy, token string) (*client.Envelope, error)
}

type pingRequest struct {
	ID        string `json:"id"`
	BrowserID string `json:"browser_id"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// Score is the IP reputation value returned by a successful ping.
type Score struct {
	Value float64
	Raw   string
	Known bool
}

func (s Score) String() string {
	switch {
	case s.Known:
		return strconv.FormatFloat(s.Value, 'f', -1, 64)
	case s.Raw != "":
		return s.Raw + " (non-numeric)"
	default:
		return "unknown"
	}
}

func parseScore(data json.RawMessage) Score {
	var payload struct {
		IPScore json.RawMessage `json:"ip_score"`
	}
	if len(data) == 0 || json.Unmarshal(data, &payload) != nil {
		return Score{}
	}
	if len(payload.IPScore) == 0 || string(payload.IPScore) == "null" {
		return Score{}
	}
	var v float64
	if err := json.Unmarshal(payload.IPScore, &v); err == nil {
		return Score{Value: v, Known: true}
	}
	var s string
	if err := json.Unmarshal(payload.IPScore, &s); err == nil {
		return Score{Raw: s}
	}
	return Score{}
}

type Options struct {
	URL      string
	Version  string
	Interval time.Duration
	Poll     time.Duration
	Poster   Poster
	Guard    *ratelimit.PingGuard
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger
}

// Scheduler holds what every Loop shares: transport, ping guard and cadence.
type Scheduler struct {
	url      string
	version  string
	interval time.Duration
	poll     time.Duration
	poster   Poster
	guard    *ratelimit.PingGuard
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Poster == nil {
		return nil, errors.New("heartbeat scheduler requires a poster")
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Guard == nil {
		opts.Guard = ratelimit.NewPingGuard(opts.Clock, opts.Interval)
	}
	if opts.Guard.Interval() < opts.Interval {
		return nil, fmt.Errorf("ping guard window %s is shorter than the ping interval %s", opts.Guard.Interval(), opts.Interval)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Scheduler{
		url:      opts.URL,
		version:  opts.Version,
		interval: opts.Interval,
		poll:     opts.Poll,
		poster:   opts.Poster,
		guard:    opts.Guard,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		log:      log,
	}, nil
}

func (s *Scheduler) NewLoop(token, proxy string, id session.Identity) *Loop {
	return &Loop{
		s:     s,
		token: token,
		proxy: proxy,
		id:    id,
		log:   s.log.With().Str("proxy", proxy).Str("uid", id.UID).Logger(),
	}
}

// Loop is the heartbeat of one established session. Its methods must not
// be called concurrently; State may be read from any goroutine.
type Loop struct {
	s     *Scheduler
	token string
	proxy string
	id    session.Identity
	log   zerolog.Logger

	state     atomic.Int32
	skips     int
	pings     int
	lastScore Score
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Loop) Pings() int {
	return l.pings
}

// Skips counts not-due attempts since the last successful ping.
func (l *Loop) Skips() int {
	return l.skips
}

func (l *Loop) LastScore() Score {
	return l.lastScore
}

// Step makes one ping attempt if the proxy is due and reports how long to
// wait before the next one. A nil error with no ping means "not due yet".
func (l *Loop) Step(ctx context.Context) (time.Duration, error) {
	if remaining, ok := l.s.guard.TryAcquire(l.proxy); !ok {
		l.skips++
		l.s.metrics.Pings.WithLabelValues("skipped").Inc()
		l.setState(Waiting)
		if remaining < l.s.poll {
			return remaining, nil
		}
		return l.s.poll, nil
	}

	l.setState(Pinging)
	req := pingRequest{
		ID:        l.id.UID,
		BrowserID: l.id.BrowserID,
		Timestamp: l.s.clock.Now().Unix(),
		Version:   l.s.version,
	}

	env, err := l.s.poster.Post(ctx, l.s.url, req, l.proxy, l.token)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.setState(Failed)
		l.s.metrics.Pings.WithLabelValues("unreachable").Inc()
		return 0, fmt.Errorf("%w: %w", ErrPingUnreachable, err)
	}
	if env.Code != 0 {
		l.setState(Failed)
		l.s.metrics.Pings.WithLabelValues("rejected").Inc()
		return 0, &RejectedError{Proxy: l.proxy, Code: env.Code}
	}

	l.lastScore = parseScore(env.Data)
	l.pings++
	l.skips = 0
	l.s.metrics.Pings.WithLabelValues("ok").Inc()
	l.log.Info().Str("ip_score", l.lastScore.String()).Msg("ping ok")

	l.setState(Waiting)
	return l.s.interval, nil
}

// Run pings until a ping fails or ctx is cancelled. It always returns a
// non-nil error and leaves the loop Stopped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(Stopped)
	l.setState(Waiting)

	for {
		wait, err := l.Step(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("heartbeat failed")
			}
			return err
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) error {
	t := l.s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
