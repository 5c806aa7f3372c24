package circuitbreaker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "cookiegateway:breaker:"
	// stateTTL drops breaker state that has not been touched for a day.
	stateTTL = 24 * time.Hour
)

// Breaker state lives in one hash per circuit with the fields state,
// failures, successes and last_failure. Each script is a single atomic transition.

// allowScript moves an open circuit to half-open once ARGV[1] seconds have
// passed since it last failed, and returns the resulting state.
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
    return state
end

local lastFailure = tonumber(redis.call('HGET', KEYS[1], 'last_failure') or '0')
local now = tonumber(redis.call('TIME')[1])
if now - lastFailure < tonumber(ARGV[1]) then
    return 'open'
end

redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', 0)
return 'half-open'
`)

// successScript resets the failure streak, or closes a half-open circuit after
// ARGV[1] successes.
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half-open' then
    local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
    if successes >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0)
        state = 'closed'
    end
elseif state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return state
`)

// failureScript opens the circuit after ARGV[1] consecutive failures, or
// immediately when half-open.
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local now = redis.call('TIME')[1]
redis.call('HSET', KEYS[1], 'last_failure', now)

if state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'successes', 0)
    state = 'open'
elseif state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'open')
        state = 'open'
    end
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return state
`)

// RedisBreaker keeps breaker state in Redis so every replica sees the same
// circuit. Redis errors fail open.
type RedisBreaker struct {
	client *redis.Client
	config Config
	key    string
}

func NewRedis(client *redis.Client, name string, cfg Config) *RedisBreaker {
	return &RedisBreaker{
		client: client,
		config: cfg,
		key:    keyPrefix + name,
	}
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, b.client, []string{b.key}, int(b.config.Timeout.Seconds())).Text()
	if err != nil {
		slog.Warn("circuit breaker check failed", "error", err)
		return nil
	}
	if state == "open" {
		return ErrOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	err := successScript.Run(ctx, b.client, []string{b.key}, b.config.SuccessThreshold, stateTTL.Milliseconds()).Err()
	if err != nil {
		slog.Warn("circuit breaker update failed", "error", err)
	}
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	err := failureScript.Run(ctx, b.client, []string{b.key}, b.config.FailureThreshold, stateTTL.Milliseconds()).Err()
	if err != nil {
		slog.Warn("circuit breaker update failed", "error", err)
	}
}

func (b *RedisBreaker) State(ctx context.Context) State {
	state, err := b.client.HGet(ctx, b.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(state)
}

func (b *RedisBreaker) Failures(ctx context.Context) int {
	result, err := b.client.HGet(ctx, b.key, "failures").Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(result)
	return n
}

// Reset closes the circuit.
func (b *RedisBreaker) Reset(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
