package bridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/utils/clientcache"
	"github.com/Egham-7/adaptive-wsproxy/pkg/wsfetch"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// ErrCircuitOpen is returned for bridged requests while the upstream breaker is open
var ErrCircuitOpen = errors.New("bridge: upstream circuit breaker open")

const defaultMaxLanes = 4

// Breaker gates and observes upstream socket establishment
type Breaker interface {
	CanExecute(ctx context.Context) bool
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
}

// Config configures a Pool
type Config struct {
	URL              string
	Header           map[string]string
	HandshakeTimeout time.Duration
	MaxLanes         int
	Base             http.RoundTripper
	Upgrader         wsfetch.Upgrader
	Breaker          Breaker
	// OnExchange, when set, returns the exchange hook for a lane set
	OnExchange func(credentialHash string) func(wsfetch.ExchangeReport)
}

// Pool spreads bridged requests over per-credential sets of socket lanes.
// Each lane is a wsfetch.Transport holding one socket, so a credential can
// stream up to MaxLanes responses at once.
type Pool struct {
	cfg   Config
	lanes *clientcache.Cache[*laneSet]
}

type laneSet struct {
	key   string
	mu    sync.Mutex
	lanes []*wsfetch.Transport
}

// LaneSnapshot describes one credential's lanes
type LaneSnapshot struct {
	Credential string                       `json:"credential"`
	Lanes      []wsfetch.ConnectionSnapshot `json:"lanes"`
}

func NewPool(cfg Config) *Pool {
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = defaultMaxLanes
	}
	if cfg.URL == "" {
		cfg.URL = wsfetch.DefaultURL
	}
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	return &Pool{
		cfg:   cfg,
		lanes: clientcache.NewCache[*laneSet](),
	}
}

// CredentialHash is the stable, non-reversible key for an Authorization value
func CredentialHash(authorization string) string {
	sum := sha256.Sum256([]byte(authorization))
	return hex.EncodeToString(sum[:])
}

func (p *Pool) newLane(key string) *wsfetch.Transport {
	opts := []wsfetch.Option{
		wsfetch.WithURL(p.cfg.URL),
		wsfetch.WithBase(p.cfg.Base),
	}
	if p.cfg.HandshakeTimeout > 0 {
		opts = append(opts, wsfetch.WithHandshakeTimeout(p.cfg.HandshakeTimeout))
	}
	if p.cfg.Upgrader != nil {
		opts = append(opts, wsfetch.WithUpgrader(p.cfg.Upgrader))
	}
	for k, v := range p.cfg.Header {
		opts = append(opts, wsfetch.WithHeader(k, v))
	}
	if p.cfg.OnExchange != nil {
		opts = append(opts, wsfetch.WithExchangeHook(p.cfg.OnExchange(key)))
	}
	return wsfetch.New(opts...)
}

func (p *Pool) laneSetFor(authorization string) *laneSet {
	key := CredentialHash(authorization)
	set, _ := p.lanes.GetOrCreate(key, func() (*laneSet, error) {
		fiberlog.Debugf("[bridge] New lane set for credential %s", short(key))
		return &laneSet{key: key}, nil
	})
	return set
}

// candidates returns the existing lanes, idle ones first
func (s *laneSet) candidates() []*wsfetch.Transport {
	s.mu.Lock()
	lanes := append([]*wsfetch.Transport(nil), s.lanes...)
	s.mu.Unlock()

	sort.SliceStable(lanes, func(i, j int) bool {
		return !lanes[i].Snapshot().Busy && lanes[j].Snapshot().Busy
	})
	return lanes
}

// grow adds a lane unless the set already holds max lanes
func (s *laneSet) grow(max int, build func() *wsfetch.Transport) (*wsfetch.Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lanes) >= max {
		return nil, false
	}
	lane := build()
	s.lanes = append(s.lanes, lane)
	return lane, true
}

// RoundTrip implements http.RoundTripper. Requests that are not bridged go
// straight to the base transport.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	if !wsfetch.Decide(req.Method, req.URL, body).Intercept {
		return p.cfg.Base.RoundTrip(replay(req, body))
	}

	ctx := req.Context()
	if p.cfg.Breaker != nil && !p.cfg.Breaker.CanExecute(ctx) {
		return nil, ErrCircuitOpen
	}

	set := p.laneSetFor(req.Header.Get("Authorization"))
	for _, lane := range set.candidates() {
		resp, err := p.try(ctx, lane, req, body)
		if errors.Is(err, wsfetch.ErrConnectionBusy) {
			continue
		}
		return resp, err
	}

	lane, ok := set.grow(p.cfg.MaxLanes, func() *wsfetch.Transport { return p.newLane(set.key) })
	if !ok {
		fiberlog.Warnf("[bridge] All %d lanes busy for credential %s", p.cfg.MaxLanes, short(set.key))
		return nil, wsfetch.ErrConnectionBusy
	}
	fiberlog.Debugf("[bridge] Opened lane for credential %s", short(set.key))
	return p.try(ctx, lane, req, body)
}

func (p *Pool) try(ctx context.Context, lane *wsfetch.Transport, req *http.Request, body []byte) (*http.Response, error) {
	resp, err := lane.RoundTrip(replay(req, body))
	if p.cfg.Breaker == nil {
		return resp, err
	}
	switch {
	case err == nil:
		p.cfg.Breaker.RecordSuccess(ctx)
	case wsfetch.IsConnectionError(err):
		p.cfg.Breaker.RecordFailure(ctx)
	}
	return resp, err
}

// Snapshot reports every lane grouped by credential
func (p *Pool) Snapshot() []LaneSnapshot {
	var out []LaneSnapshot
	p.lanes.Range(func(key string, set *laneSet) bool {
		snap := LaneSnapshot{Credential: short(key)}
		for _, lane := range set.candidates() {
			snap.Lanes = append(snap.Lanes, lane.Snapshot())
		}
		out = append(out, snap)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Credential < out[j].Credential })
	return out
}

// Close closes every lane and forgets all credentials
func (p *Pool) Close() error {
	var errs []error
	p.lanes.Range(func(_ string, set *laneSet) bool {
		set.mu.Lock()
		for _, lane := range set.lanes {
			if err := lane.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		set.mu.Unlock()
		return true
	})
	p.lanes.Clear()
	return errors.Join(errs...)
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the pool
func (p *Pool) CloseIdleConnections() {
	if err := p.Close(); err != nil {
		fiberlog.Debugf("[bridge] Error closing lanes: %v", err)
	}
	if closer, ok := p.cfg.Base.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// replay clones req with a body that can be read again for every lane attempt
func replay(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body == nil {
		clone.Body = http.NoBody
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	clone.ContentLength = int64(len(body))
	return clone
}
