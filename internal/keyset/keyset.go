// Package keyset caches the remote JWKS used to verify bearer tokens.
// The cache has no expiry of its own: key rotation is handled by refetching
// when an unknown key id shows up, bounded by a per-minute rate limit so a
// flood of bogus kids cannot hammer the discovery endpoint.
package keyset

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slipgate.org/internal/obs"
)

const defaultFetchTimeout = 5 * time.Second

var (
	// ErrKeyFetchFailed covers network and decode faults against the
	// discovery endpoint, and kids absent from a fresh document.
	ErrKeyFetchFailed = errors.New("signing key fetch failed")

	// ErrRateLimited is returned when the fetch limiter is exhausted. Callers
	// treat it like a fetch failure but it is kept distinct for logging.
	ErrRateLimited = errors.New("signing key fetch rate limited")
)

// Provider resolves public signing keys by key id, caching process-wide.
type Provider struct {
	url          string
	client       *http.Client
	limiter      *rate.Limiter
	fetchTimeout time.Duration
	now          func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu sync.Mutex
	refreshCh chan struct{}
	lastErr   error
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client used for JWKS fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(p *Provider) {
		if fn != nil {
			p.now = fn
		}
	}
}

// New creates a Provider fetching from url, allowing perMinute fetches.
func New(url string, perMinute int, opts ...Option) *Provider {
	if perMinute <= 0 {
		perMinute = 10
	}
	p := &Provider{
		url:          url,
		client:       &http.Client{Timeout: defaultFetchTimeout},
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		keys:         make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SigningKey returns the public key for kid, fetching the key set on a cache
// miss. Concurrent misses share a single in-flight fetch.
func (p *Provider) SigningKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: kid is required", ErrKeyFetchFailed)
	}
	if key := p.lookup(kid); key != nil {
		return key, nil
	}
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}
	if key := p.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unknown key id %q", ErrKeyFetchFailed, kid)
}

func (p *Provider) lookup(kid string) *rsa.PublicKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keys[kid]
}

// refresh performs a single shared fetch: the first caller becomes the
// leader, everyone else waits on its result or their own context.
func (p *Provider) refresh(ctx context.Context) error {
	ch, leader := p.beginRefresh()
	if !leader {
		select {
		case <-ch:
			p.refreshMu.Lock()
			defer p.refreshMu.Unlock()
			return p.lastErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := p.doFetch(ctx)
	p.refreshMu.Lock()
	p.lastErr = err
	close(ch)
	p.refreshCh = nil
	p.refreshMu.Unlock()
	return err
}

func (p *Provider) beginRefresh() (chan struct{}, bool) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	if p.refreshCh != nil {
		return p.refreshCh, false
	}
	ch := make(chan struct{})
	p.refreshCh = ch
	return ch, true
}

func (p *Provider) doFetch(ctx context.Context) error {
	if !p.limiter.Allow() {
		obs.ObserveJWKSFetch("rate_limited")
		return ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		obs.ObserveJWKSFetch("error")
		return fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		obs.ObserveJWKSFetch("error")
		return fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		obs.ObserveJWKSFetch("error")
		return fmt.Errorf("%w: discovery endpoint returned %d", ErrKeyFetchFailed, resp.StatusCode)
	}

	var payload struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		obs.ObserveJWKSFetch("error")
		return fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		obs.ObserveJWKSFetch("error")
		return fmt.Errorf("%w: document contains no usable keys", ErrKeyFetchFailed)
	}

	now := p.now()
	p.mu.Lock()
	p.keys = keys
	p.fetchedAt = now
	p.mu.Unlock()
	obs.ObserveJWKSFetch("ok")
	return nil
}

// FetchedAt reports when the cached key set was last replaced.
func (p *Provider) FetchedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fetchedAt
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("missing rsa params")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes).Int64()
	if e <= 0 || e > int64(^uint32(0)) {
		return nil, errors.New("invalid rsa exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e)}, nil
}
