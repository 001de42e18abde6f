package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/yourneighborhoodchef/nodeping/internal/client"
	"github.com/yourneighborhoodchef/nodeping/internal/metrics"
	"github.com/yourneighborhoodchef/nodeping/internal/ratelimit"
	"github.com/yourneighborhoodchef/nodeping/internal/session"
)

const (
	// MaxPerTokenLimit is the hard cap on proxies a token may hold at once.
	MaxPerTokenLimit   = 3
	DefaultMaxPerToken = MaxPerTokenLimit
	DefaultCycle       = 10 * time.Second
	DefaultSettle      = 3 * time.Second
)

var (
	ErrNoTokens       = errors.New("no tokens")
	ErrNoProxies      = errors.New("no proxies")
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrMaxPerToken    = errors.New("too many proxies per token")
)

// WorkerFunc runs one (token, proxy) worker until it fails or ctx ends.
type WorkerFunc func(ctx context.Context, w *Worker) error

// SessionInvalidator drops the cached identity of an ousted proxy.
type SessionInvalidator interface {
	Invalidate(ctx context.Context, proxy string)
}

// TransportReleaser drops the connection state kept for a proxy.
type TransportReleaser interface {
	Forget(proxy string)
}

type Options struct {
	MaxPerToken int
	Cycle       time.Duration
	Settle      time.Duration

	Worker    WorkerFunc
	Sessions  SessionInvalidator
	Transport TransportReleaser
	Guard     *ratelimit.PingGuard
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *zerolog.Logger
}

// Supervisor keeps up to MaxPerToken workers running for every token.
//
// Workers never touch the proxy collections. They report a Completion and
// the control loop in Run applies every mutation, so one mutex is enough to
// let Snapshot read while Run writes.
type Supervisor struct {
	maxPerToken int
	cycle       time.Duration
	settle      time.Duration
	work        WorkerFunc
	sessions    SessionInvalidator
	transport   TransportReleaser
	guard       *ratelimit.PingGuard
	clock       clock.Clock
	metrics     *metrics.Metrics
	log         zerolog.Logger

	tokens      []string
	completions chan Completion
	wg          sync.WaitGroup

	mu      sync.Mutex
	state   State
	runCtx  context.Context
	backlog []string
	active  map[string]map[string]struct{}
	owner   map[string]string
	running map[Pair]*Worker
}

// New validates the inputs and puts every proxy in the backlog. Tokens and
// proxies are deduplicated and blank entries ignored.
func New(tokens, proxies []string, opts Options) (*Supervisor, error) {
	tokens = dedupe(tokens)
	proxies = dedupe(proxies)

	var err error
	if len(tokens) == 0 {
		err = multierr.Append(err, ErrNoTokens)
	}
	if len(proxies) == 0 {
		err = multierr.Append(err, ErrNoProxies)
	}
	if opts.Worker == nil {
		err = multierr.Append(err, errors.New("supervisor requires a worker function"))
	}
	if opts.MaxPerToken > MaxPerTokenLimit {
		err = multierr.Append(err, fmt.Errorf("%w: %d exceeds %d", ErrMaxPerToken, opts.MaxPerToken, MaxPerTokenLimit))
	}
	if err != nil {
		return nil, err
	}

	if opts.MaxPerToken <= 0 {
		opts.MaxPerToken = DefaultMaxPerToken
	}
	if opts.Cycle <= 0 {
		opts.Cycle = DefaultCycle
	}
	switch {
	case opts.Settle == 0:
		opts.Settle = DefaultSettle
	case opts.Settle < 0:
		opts.Settle = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	s := &Supervisor{
		maxPerToken: opts.MaxPerToken,
		cycle:       opts.Cycle,
		settle:      opts.Settle,
		work:        opts.Worker,
		sessions:    opts.Sessions,
		transport:   opts.Transport,
		guard:       opts.Guard,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		log:         log,
		tokens:      tokens,
		completions: make(chan Completion),
		backlog:     proxies,
		active:      make(map[string]map[string]struct{}, len(tokens)),
		owner:       make(map[string]string),
		running:     make(map[Pair]*Worker),
	}
	for _, t := range tokens {
		s.active[t] = make(map[string]struct{}, s.maxPerToken)
	}
	s.metrics.Backlog.Set(float64(len(proxies)))
	return s, nil
}

// Run supervises workers until ctx is cancelled. It cancels every worker,
// waits for them to return and leaves the supervisor Stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateRunning
	s.runCtx = ctx
	s.fillAllLocked()
	s.mu.Unlock()

	s.log.Info().Int("tokens", len(s.tokens)).Int("max_per_token", s.maxPerToken).Msg("supervisor started")

	ticker := s.clock.Ticker(s.cycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(cancel)
			return nil

		case c := <-s.completions:
			batch := s.drain(c)
			s.apply(ctx, batch)
			if err := s.pause(ctx); err != nil {
				s.shutdown(cancel)
				return nil
			}

		case <-ticker.C:
			s.mu.Lock()
			s.fillAllLocked()
			s.mu.Unlock()
		}
	}
}

// drain collects c and any completions already waiting, so one reaction
// covers every worker that finished since the last one.
func (s *Supervisor) drain(c Completion) []Completion {
	batch := []Completion{c}
	for {
		select {
		case next := <-s.completions:
			batch = append(batch, next)
		default:
			return batch
		}
	}
}

type release struct {
	proxy   string
	outcome outcome
}

func (s *Supervisor) apply(ctx context.Context, batch []Completion) {
	var released []release

	s.mu.Lock()
	for _, c := range batch {
		delete(s.running, Pair{Token: c.Token, Proxy: c.Proxy})

		out := s.classify(ctx, c.Err)
		switch out {
		case outcomeDropped:
			s.releaseLocked(c.Token, c.Proxy)
			s.metrics.Evictions.WithLabelValues("dropped").Inc()
		case outcomeRequeued:
			s.releaseLocked(c.Token, c.Proxy)
			s.backlog = append(s.backlog, c.Proxy)
			s.metrics.Evictions.WithLabelValues("requeued").Inc()
		}
		if out != outcomeKept {
			released = append(released, release{proxy: c.Proxy, outcome: out})
		}

		ev := s.log.Warn()
		if out == outcomeKept {
			ev = s.log.Info()
		}
		ev.Str("token", mask(c.Token)).
			Str("proxy", c.Proxy).
			Str("outcome", out.String()).
			AnErr("reason", c.Err).
			Msg("worker finished")
	}
	s.mu.Unlock()

	// released proxies shed their cached state before anyone can pick them up
	for _, r := range released {
		s.releaseResources(ctx, r)
	}

	s.mu.Lock()
	for _, c := range batch {
		s.fillLocked(c.Token, c.Proxy)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()
}

func (s *Supervisor) classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeKept
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return outcomeKept
	case errors.Is(err, session.ErrNoIdentity), errors.Is(err, session.ErrUnreachable):
		return outcomeDropped
	default:
		return outcomeRequeued
	}
}

func (s *Supervisor) releaseResources(ctx context.Context, r release) {
	if s.transport != nil {
		s.transport.Forget(r.proxy)
	}
	switch r.outcome {
	case outcomeDropped:
		if s.guard != nil {
			s.guard.Forget(r.proxy)
		}
	case outcomeRequeued:
		// the identity may be bound to the proxy's egress IP
		if s.sessions != nil {
			s.sessions.Invalidate(ctx, r.proxy)
		}
	}
}

func (s *Supervisor) releaseLocked(token, proxy string) {
	if set, ok := s.active[token]; ok {
		delete(set, proxy)
	}
	if s.owner[proxy] == token {
		delete(s.owner, proxy)
	}
}

func (s *Supervisor) fillAllLocked() {
	for _, t := range s.tokens {
		s.fillLocked(t, "")
	}
	s.updateGaugesLocked()
}

// fillLocked tops token up to maxPerToken from the backlog head and starts
// any active pair that is not running. exclude is never promoted, so a token
// does not immediately take back the proxy it just lost.
func (s *Supervisor) fillLocked(token, exclude string) {
	if s.state != StateRunning {
		return
	}
	set := s.active[token]

	var skipped []string
	for len(set) < s.maxPerToken && len(s.backlog) > 0 {
		proxy := s.backlog[0]
		s.backlog = s.backlog[1:]

		if proxy == exclude {
			skipped = append(skipped, proxy)
			continue
		}
		if err := client.ValidateProxy(proxy); err != nil {
			s.log.Warn().Str("proxy", proxy).Err(err).Msg("invalid proxy discarded")
			s.metrics.Evictions.WithLabelValues("invalid").Inc()
			continue
		}
		if holder, taken := s.owner[proxy]; taken {
			s.log.Debug().Str("proxy", proxy).Str("holder", mask(holder)).Msg("proxy already active")
			continue
		}

		set[proxy] = struct{}{}
		s.owner[proxy] = token
		s.metrics.Promotions.Inc()
	}
	s.backlog = append(s.backlog, skipped...)

	for _, proxy := range sortedKeys(set) {
		p := Pair{Token: token, Proxy: proxy}
		if _, ok := s.running[p]; ok {
			continue
		}
		s.spawnLocked(p)
	}
}

func (s *Supervisor) spawnLocked(p Pair) {
	w := &Worker{Token: p.Token, Proxy: p.Proxy}
	s.running[p] = w

	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.work(ctx, w)
		w.SetState(WorkerTerminated)
		s.completions <- Completion{Token: p.Token, Proxy: p.Proxy, Err: err}
	}()
}

func (s *Supervisor) pause(ctx context.Context) error {
	if s.settle <= 0 {
		return ctx.Err()
	}
	t := s.clock.Timer(s.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Supervisor) shutdown(cancel context.CancelFunc) {
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	for {
		select {
		case c := <-s.completions:
			s.mu.Lock()
			delete(s.running, Pair{Token: c.Token, Proxy: c.Proxy})
			s.mu.Unlock()
		case <-done:
			s.mu.Lock()
			s.state = StateStopped
			s.updateGaugesLocked()
			s.mu.Unlock()
			s.log.Info().Msg("supervisor stopped")
			return
		}
	}
}

func (s *Supervisor) updateGaugesLocked() {
	s.metrics.ActiveWorkers.Set(float64(len(s.running)))
	s.metrics.Backlog.Set(float64(len(s.backlog)))
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:   s.state,
		Active:  make(map[string][]string, len(s.active)),
		Backlog: append([]string(nil), s.backlog...),
		Workers: make(map[Pair]WorkerState, len(s.running)),
	}
	for token, set := range s.active {
		snap.Active[token] = sortedKeys(set)
	}
	for p, w := range s.running {
		snap.Workers[p] = w.State()
	}
	return snap
}

func (o outcome) String() string {
	switch o {
	case outcomeDropped:
		return "dropped"
	case outcomeRequeued:
		return "requeued"
	default:
		return "kept"
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mask keeps tokens out of logs.
func mask(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
