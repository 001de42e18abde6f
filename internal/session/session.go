// Package session establishes and caches the account identity a worker needs
// before it can heartbeat through a proxy.
//
// Identities are keyed by proxy. Each record also carries a fingerprint of
// the token that produced it, so a proxy that moves to another token never
// serves the previous account's identity.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/nodeping/internal/client"
	"github.com/yourneighborhoodchef/nodeping/internal/identity"
	"github.com/yourneighborhoodchef/nodeping/internal/metrics"
	"github.com/yourneighborhoodchef/nodeping/internal/ratelimit"
)

const (
	DefaultURL       = "http://api.nodepay.ai/api/auth/session"
	DefaultCacheSize = 4096
)

var (
	ErrUnreachable = errors.New("session endpoint unreachable")
	ErrNoIdentity  = errors.New("session response has no account identifier")
)

// Error reports a failed establishment. It matches its Kind
// (ErrUnreachable or ErrNoIdentity) and the underlying cause.
type Error struct {
	Proxy string
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("establish via %s: %v", e.Proxy, e.Kind)
	}
	return fmt.Sprintf("establish via %s: %v: %v", e.Proxy, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Identity is what the heartbeat needs to speak for an account.
type Identity struct {
	UID       string
	BrowserID string
}

// Record is a cached identity plus the fingerprint of its token.
type Record struct {
	Identity
	Owner   string
	SavedAt time.Time
}

// Store is an optional durable cache keyed by proxy.
type Store interface {
	Load(ctx context.Context, proxy string) (Record, bool, error)
	Save(ctx context.Context, proxy string, rec Record) error
	Delete(ctx context.Context, proxy string) error
}

// Poster is the transport used to reach the session endpoint.
type Poster interface {
	Post(ctx context.Context, url string, body any, proxy, token string) (*client.Envelope, error)
}

type Options struct {
	URL       string
	Poster    Poster
	Store     Store
	CacheSize int
	Spacer    *ratelimit.Spacer
	Metrics   *metrics.Metrics
	Logger    *zerolog.Logger

	// NewBrowserID defaults to identity.NewBrowserID.
	NewBrowserID func() string
	Now          func() time.Time
}

type Manager struct {
	url          string
	poster       Poster
	store        Store
	spacer       *ratelimit.Spacer
	metrics      *metrics.Metrics
	log          zerolog.Logger
	newBrowserID func() string
	now          func() time.Time

	cache *lru.Cache[string, Record]
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Poster == nil {
		return nil, errors.New("session manager requires a poster")
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Spacer == nil {
		opts.Spacer = ratelimit.NewSpacer(0, 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.NewBrowserID == nil {
		opts.NewBrowserID = identity.NewBrowserID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	cache, err := lru.New[string, Record](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}

	return &Manager{
		url:          opts.URL,
		poster:       opts.Poster,
		store:        opts.Store,
		spacer:       opts.Spacer,
		metrics:      opts.Metrics,
		log:          log,
		newBrowserID: opts.NewBrowserID,
		now:          opts.Now,
		cache:        cache,
	}, nil
}

// Establish returns the identity for (token, proxy), calling the session
// endpoint only when nothing usable is cached. ErrNoIdentity is terminal for
// the proxy: callers should not retry it.
func (m *Manager) Establish(ctx context.Context, token, proxy string) (Identity, error) {
	owner := fingerprint(token)

	if rec, ok := m.cache.Get(proxy); ok && rec.Owner == owner {
		m.metrics.Establishes.WithLabelValues("cached").Inc()
		return rec.Identity, nil
	}

	if rec, ok := m.loadStored(ctx, proxy, owner); ok {
		m.cache.Add(proxy, rec)
		m.metrics.Establishes.WithLabelValues("cached").Inc()
		return rec.Identity, nil
	}

	if err := m.spacer.Wait(ctx); err != nil {
		return Identity{}, err
	}

	env, err := m.poster.Post(ctx, m.url, struct{}{}, proxy, token)
	if err != nil {
		if ctx.Err() != nil {
			return Identity{}, ctx.Err()
		}
		m.metrics.Establishes.WithLabelValues("unreachable").Inc()
		return Identity{}, &Error{Proxy: proxy, Kind: ErrUnreachable, Err: err}
	}

	uid := extractUID(env.Data)
	if uid == "" {
		m.metrics.Establishes.WithLabelValues("no_identity").Inc()
		m.Invalidate(ctx, proxy)
		return Identity{}, &Error{Proxy: proxy, Kind: ErrNoIdentity, Err: fmt.Errorf("code %d", env.Code)}
	}

	rec := Record{
		Identity: Identity{UID: uid, BrowserID: m.newBrowserID()},
		Owner:    owner,
		SavedAt:  m.now(),
	}
	m.cache.Add(proxy, rec)
	if m.store != nil {
		if err := m.store.Save(ctx, proxy, rec); err != nil {
			m.log.Warn().Str("proxy", proxy).Err(err).Msg("session cache save failed")
		}
	}

	m.metrics.Establishes.WithLabelValues("ok").Inc()
	return rec.Identity, nil
}

// Invalidate forgets any identity cached for proxy.
func (m *Manager) Invalidate(ctx context.Context, proxy string) {
	m.cache.Remove(proxy)
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, proxy); err != nil {
		m.log.Warn().Str("proxy", proxy).Err(err).Msg("session cache delete failed")
	}
}

func (m *Manager) loadStored(ctx context.Context, proxy, owner string) (Record, bool) {
	if m.store == nil {
		return Record{}, false
	}
	rec, ok, err := m.store.Load(ctx, proxy)
	if err != nil {
		m.log.Warn().Str("proxy", proxy).Err(err).Msg("session cache load failed")
		return Record{}, false
	}
	if !ok || rec.Owner != owner || rec.UID == "" || rec.BrowserID == "" {
		return Record{}, false
	}
	return rec, true
}

// extractUID accepts the uid as a string or a number.
func extractUID(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		UID json.RawMessage `json:"uid"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || len(payload.UID) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(payload.UID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(payload.UID, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String()
		}
	}
	return ""
}

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
