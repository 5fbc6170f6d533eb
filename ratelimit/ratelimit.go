// Package ratelimit implements C8: a global and optional per-method
// token bucket per endpoint, plus a process-wide adaptive sampler that
// scales every bucket's refill rate down under CPU/RSS pressure and
// recovers it gradually afterward (spec.md §4.8).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ocppio/ocpp-ws-io/cmn"
)

// Verdict is what a caller should do after Allow reports a bucket was
// exceeded.
type Verdict int

const (
	// Allowed means the message should proceed normally.
	Allowed Verdict = iota
	// Ignored means the bucket was exceeded but the configured policy
	// is "ignore": let the message through anyway.
	Ignored
	// Disconnected means the configured policy is "disconnect": the
	// caller must terminate the connection.
	Disconnected
	// Callback means the configured policy is "callback": the
	// caller's OnLimitExceeded hook decides, and its return value is
	// authoritative.
	Callback
)

// Limiter holds one endpoint's global and per-method token buckets.
// Every Limiter shares a Sampler's multiplier so CPU/RSS pressure
// scales them in lockstep (spec.md §4.8).
type Limiter struct {
	identity string
	sampler  *Sampler

	mu          sync.Mutex
	globalRule  cmn.RateLimitRule
	methodRules map[string]cmn.RateLimitRule
	global      *rate.Limiter
	perMethod   map[string]*rate.Limiter

	// OnLimitExceeded is invoked when a bucket configured with the
	// "callback" policy is exceeded. It returns whether the message
	// should be allowed anyway. A nil hook rejects.
	OnLimitExceeded func(identity, method string) bool
}

// New builds a Limiter for one endpoint from cfg's global and
// per-method rules, registering itself with sampler so an adaptive
// pressure event scales its buckets.
func New(identity string, cfg *cmn.Config, sampler *Sampler) *Limiter {
	l := &Limiter{
		identity:    identity,
		sampler:     sampler,
		globalRule:  cfg.GlobalRateLimit,
		methodRules: cfg.MethodRateLimit,
		perMethod:   map[string]*rate.Limiter{},
	}
	if l.globalRule.Limit > 0 {
		l.global = newBucket(l.globalRule, sampler.Multiplier())
	}
	for method, rule := range l.methodRules {
		if rule.Limit > 0 {
			l.perMethod[method] = newBucket(rule, sampler.Multiplier())
		}
	}
	if sampler != nil {
		sampler.register(l)
	}
	return l
}

func newBucket(rule cmn.RateLimitRule, multiplier float64) *rate.Limiter {
	return rate.NewLimiter(scaledLimit(rule, multiplier), rule.Limit)
}

func scaledLimit(rule cmn.RateLimitRule, multiplier float64) rate.Limit {
	window := rule.Window
	if window <= 0 {
		window = time.Second
	}
	return rate.Limit(float64(rule.Limit) / window.Seconds() * multiplier)
}

// rescale is called by the Sampler whenever its multiplier changes.
func (l *Limiter) rescale(multiplier float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global != nil {
		l.global.SetLimit(scaledLimit(l.globalRule, multiplier))
	}
	for method, lim := range l.perMethod {
		lim.SetLimit(scaledLimit(l.methodRules[method], multiplier))
	}
}

// Allow checks both the global bucket and, if method has a configured
// rule, its per-method bucket. Both must admit the message for it to
// be let through outright.
func (l *Limiter) Allow(method string) Verdict {
	l.mu.Lock()
	global := l.global
	perMethodRule, hasMethodRule := l.methodRules[method]
	perMethodBucket := l.perMethod[method]
	l.mu.Unlock()

	if global != nil && !global.Allow() {
		return l.applyPolicy(l.globalRule, method)
	}
	if hasMethodRule && perMethodBucket != nil && !perMethodBucket.Allow() {
		return l.applyPolicy(perMethodRule, method)
	}
	return Allowed
}

func (l *Limiter) applyPolicy(rule cmn.RateLimitRule, method string) Verdict {
	switch rule.OnLimitExceeded {
	case "disconnect":
		return Disconnected
	case "callback":
		return Callback
	default:
		return Ignored
	}
}

// ResolveCallback runs OnLimitExceeded for a Callback verdict,
// defaulting to reject when no hook is configured.
func (l *Limiter) ResolveCallback(method string) bool {
	if l.OnLimitExceeded == nil {
		return false
	}
	return l.OnLimitExceeded(l.identity, method)
}
