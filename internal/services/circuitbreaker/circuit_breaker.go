package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	ResetAfter       time.Duration
}

// DefaultConfig opens after 5 consecutive handshake failures and probes again after 30s
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		ResetAfter:       2 * time.Minute,
	}
}

// ConfigFromModel overlays the non-zero fields of a YAML breaker section on DefaultConfig
func ConfigFromModel(m *models.CircuitBreakerConfig) Config {
	cfg := DefaultConfig()
	if m == nil {
		return cfg
	}
	if m.FailureThreshold > 0 {
		cfg.FailureThreshold = m.FailureThreshold
	}
	if m.SuccessThreshold > 0 {
		cfg.SuccessThreshold = m.SuccessThreshold
	}
	if m.TimeoutMs > 0 {
		cfg.Timeout = time.Duration(m.TimeoutMs) * time.Millisecond
	}
	if m.ResetAfterMs > 0 {
		cfg.ResetAfter = time.Duration(m.ResetAfterMs) * time.Millisecond
	}
	return cfg
}

const (
	keyPrefix          = "wsproxy_breaker:"
	stateKey           = "state"
	failureCountKey    = "failure_count"
	successCountKey    = "success_count"
	lastFailureTimeKey = "last_failure_time"
	lastStateChangeKey = "last_state_change"
	defaultTimeout     = 1 * time.Second
	maxRetries         = 3
)

// Lua scripts for atomic circuit breaker operations
const (
	// KEYS: state, failure_count, success_count, last_state_change
	// ARGV: success threshold, now (unix seconds), key ttl (seconds)
	recordSuccessScript = `
		local state = tonumber(redis.call('GET', KEYS[1]) or '0')
		redis.call('SET', KEYS[2], 0, 'EX', ARGV[3])

		if state == 2 then
			local count = redis.call('INCR', KEYS[3])
			redis.call('EXPIRE', KEYS[3], ARGV[3])
			if count >= tonumber(ARGV[1]) then
				redis.call('SET', KEYS[1], 0, 'EX', ARGV[3])
				redis.call('SET', KEYS[3], 0, 'EX', ARGV[3])
				redis.call('SET', KEYS[4], ARGV[2], 'EX', ARGV[3])
				return 2
			end
			return 1
		end
		return 0
	`

	// KEYS: state, failure_count, last_failure_time, last_state_change, success_count
	// ARGV: failure threshold, now (unix seconds), key ttl (seconds)
	recordFailureScript = `
		local state = tonumber(redis.call('GET', KEYS[1]) or '0')
		local failureCount = redis.call('INCR', KEYS[2])
		redis.call('EXPIRE', KEYS[2], ARGV[3])
		redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[3])

		local shouldOpen = (state == 0 and failureCount >= tonumber(ARGV[1])) or state == 2

		if shouldOpen then
			redis.call('SET', KEYS[1], 1, 'EX', ARGV[3])
			redis.call('SET', KEYS[4], ARGV[2], 'EX', ARGV[3])
			redis.call('SET', KEYS[5], '0', 'EX', ARGV[3])
			return 1
		end
		return 0
	`
)

// CircuitBreaker guards upstream socket establishment for one upstream host.
// State lives in redis so every proxy replica sees the same breaker. A nil
// *CircuitBreaker or one without a redis client always allows execution.
type CircuitBreaker struct {
	redisClient *redis.Client
	serviceName string
	config      Config
	keys        keyBuilder
}

type keyBuilder struct {
	prefix string
}

func (kb keyBuilder) state() string        { return kb.prefix + stateKey }
func (kb keyBuilder) failureCount() string { return kb.prefix + failureCountKey }
func (kb keyBuilder) successCount() string { return kb.prefix + successCountKey }
func (kb keyBuilder) lastFailure() string  { return kb.prefix + lastFailureTimeKey }
func (kb keyBuilder) lastChange() string   { return kb.prefix + lastStateChangeKey }

// ServiceName returns the breaker key for an upstream socket host
func ServiceName(host string) string {
	return "upstream_ws:" + host
}

func New(redisClient *redis.Client, serviceName string) *CircuitBreaker {
	return NewWithConfig(redisClient, serviceName, DefaultConfig())
}

func NewWithConfig(redisClient *redis.Client, serviceName string, config Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		redisClient: redisClient,
		serviceName: serviceName,
		config:      config,
		keys:        keyBuilder{prefix: keyPrefix + serviceName + ":"},
	}
	if redisClient == nil {
		fiberlog.Warnf("CircuitBreaker: no redis client for %s, breaker disabled", serviceName)
		return cb
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		fiberlog.Errorf("Redis connection failed for circuit breaker %s: %v", serviceName, err)
	}
	cb.initializeState(ctx)
	return cb
}

func (cb *CircuitBreaker) enabled() bool {
	return cb != nil && cb.redisClient != nil
}

func (cb *CircuitBreaker) ttl() time.Duration {
	if cb.config.ResetAfter <= 0 {
		return 0
	}
	return cb.config.ResetAfter
}

func (cb *CircuitBreaker) ttlSeconds() int64 {
	if secs := int64(cb.ttl() / time.Second); secs > 0 {
		return secs
	}
	// long enough to outlive any open window
	return int64((24 * time.Hour) / time.Second)
}

func (cb *CircuitBreaker) initializeState(ctx context.Context) {
	exists, err := cb.redisClient.Exists(ctx, cb.keys.state()).Result()
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to check state existence: %v", err)
		return
	}
	if exists > 0 {
		return
	}
	cb.writeState(ctx, "initialize")
}

func (cb *CircuitBreaker) writeState(ctx context.Context, op string) {
	ttl := cb.ttl()
	pipe := cb.redisClient.Pipeline()
	pipe.Set(ctx, cb.keys.state(), int(Closed), ttl)
	pipe.Set(ctx, cb.keys.failureCount(), 0, ttl)
	pipe.Set(ctx, cb.keys.successCount(), 0, ttl)
	pipe.Set(ctx, cb.keys.lastChange(), time.Now().Unix(), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to %s state: %v", op, err)
		return
	}
	fiberlog.Debugf("CircuitBreaker: %s state for service %s", op, cb.serviceName)
}

// CanExecute reports whether a new upstream socket may be attempted.
// Redis failures fail open.
func (cb *CircuitBreaker) CanExecute(ctx context.Context) bool {
	if !cb.enabled() {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	state, err := cb.getState(ctx)
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to get state, allowing execution: %v", err)
		return true
	}

	switch state {
	case Closed, HalfOpen:
		return true
	case Open:
		lastFailureTime, err := cb.redisClient.Get(ctx, cb.keys.lastFailure()).Int64()
		if err != nil {
			fiberlog.Errorf("CircuitBreaker: Failed to get last failure time: %v", err)
			return false
		}
		if time.Since(time.Unix(lastFailureTime, 0)) > cb.config.Timeout {
			return cb.transitionToState(ctx, HalfOpen)
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	if !cb.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer cancel()

	keys := []string{
		cb.keys.state(),
		cb.keys.failureCount(),
		cb.keys.successCount(),
		cb.keys.lastChange(),
	}
	result, err := cb.redisClient.Eval(ctx, recordSuccessScript, keys,
		cb.config.SuccessThreshold, time.Now().Unix(), cb.ttlSeconds()).Int()
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to record success: %v", err)
		return
	}

	switch result {
	case 2:
		fiberlog.Infof("CircuitBreaker: %s transitioned to Closed state after success", cb.serviceName)
	case 1:
		fiberlog.Infof("CircuitBreaker: %s recorded success in HalfOpen state", cb.serviceName)
	default:
		fiberlog.Debugf("CircuitBreaker: %s recorded success", cb.serviceName)
	}
}

func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	if !cb.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer cancel()

	keys := []string{
		cb.keys.state(),
		cb.keys.failureCount(),
		cb.keys.lastFailure(),
		cb.keys.lastChange(),
		cb.keys.successCount(),
	}
	result, err := cb.redisClient.Eval(ctx, recordFailureScript, keys,
		cb.config.FailureThreshold, time.Now().Unix(), cb.ttlSeconds()).Int()
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to record failure: %v", err)
		return
	}

	if result == 1 {
		fiberlog.Warnf("CircuitBreaker: %s transitioned to Open state after failure", cb.serviceName)
	} else {
		fiberlog.Debugf("CircuitBreaker: %s recorded failure", cb.serviceName)
	}
}

func (cb *CircuitBreaker) GetState(ctx context.Context) State {
	if !cb.enabled() {
		return Closed
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	state, err := cb.getState(ctx)
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to get state, returning Closed: %v", err)
		return Closed
	}
	return state
}

func (cb *CircuitBreaker) Reset(ctx context.Context) {
	if !cb.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cb.writeState(ctx, "reset")
}

func (cb *CircuitBreaker) getState(ctx context.Context) (State, error) {
	stateStr, err := cb.redisClient.Get(ctx, cb.keys.state()).Result()
	if errors.Is(err, redis.Nil) {
		return Closed, nil
	}
	if err != nil {
		return Closed, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}

	stateInt, err := strconv.Atoi(stateStr)
	if err != nil {
		return Closed, fmt.Errorf("invalid state value '%s': %w", stateStr, err)
	}
	return State(stateInt), nil
}

func (cb *CircuitBreaker) transitionToState(ctx context.Context, newState State) bool {
	for attempt := range maxRetries {
		err := cb.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			currentState, err := cb.getState(ctx)
			if err != nil {
				return err
			}
			if currentState == newState {
				return nil
			}

			ttl := cb.ttl()
			pipe := tx.TxPipeline()
			pipe.Set(ctx, cb.keys.state(), int(newState), ttl)
			pipe.Set(ctx, cb.keys.lastChange(), time.Now().Unix(), ttl)
			if newState != HalfOpen {
				pipe.Set(ctx, cb.keys.successCount(), 0, ttl)
			}
			_, err = pipe.Exec(ctx)
			return err
		}, cb.keys.state())

		if err == nil {
			fiberlog.Debugf("CircuitBreaker: %s transitioned to %s", cb.serviceName, newState)
			return true
		}
		if !errors.Is(err, redis.TxFailedErr) {
			fiberlog.Errorf("CircuitBreaker: %s state transition failed: %v", cb.serviceName, err)
			return false
		}

		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}

	fiberlog.Errorf("CircuitBreaker: %s state transition failed after %d attempts", cb.serviceName, maxRetries)
	return false
}
