// Package cmn provides the configuration surface (spec.md §6) and the
// small set of types every other package depends on without depending
// on each other: the Global Config Owner, and the read-mostly hot-path
// cache derived from it.
package cmn

import (
	"sync/atomic"
	"time"
)

// RateLimitRule configures one token bucket: either the endpoint-global
// bucket or a single per-method override (spec.md §4.8).
type RateLimitRule struct {
	Limit           int           // tokens per window
	Window          time.Duration // refill window
	OnLimitExceeded string        // "ignore" | "disconnect" | "callback"
}

// AdaptiveLimit configures the CPU/RSS-sampling multiplier that scales
// every rate bucket's refill rate (spec.md §4.8).
type AdaptiveLimit struct {
	Enabled          bool
	SampleInterval   time.Duration
	CooldownInterval time.Duration
	CPUThreshold     float64 // fraction of one core, e.g. 0.8
	RSSThresholdBytes uint64
	Floor            float64 // minimum multiplier, spec.md says 0.25
	RecoveryStep     float64 // spec.md says +0.1 per sample
}

// Config is the full configuration surface named across spec.md §6,
// the AMBIENT STACK additions SPEC_FULL.md §1 calls for, and the
// DOMAIN STACK additions SPEC_FULL.md §6 adds for the broker-backed
// adapter and adaptive limiter. A *Config is always obtained from
// GCO.Get() and never mutated in place — config changes flow in by
// building a new Config and calling GCO.Update.
type Config struct {
	// --- C4 RPC endpoint ---
	PingInterval        time.Duration
	PongTimeout         time.Duration // 0 means PingInterval + 5s
	CallTimeout         time.Duration
	CallConcurrency     int
	MaxBadMessages      int // 0 means unbounded
	MaxPayloadBytes     int
	DeferPingsOnActivity bool
	RespondWithDetailedErrors bool
	OfflineQueueEnabled bool
	OfflineQueueMaxSize int

	// --- reconnect (client role) ---
	Reconnect      bool
	MaxReconnects  int
	BackoffMin     time.Duration
	BackoffMax     time.Duration

	// --- C5 server upgrade pipeline ---
	HandshakeTimeout time.Duration
	Subprotocols     []string // server's preference order
	SecurityProfile  int      // 0,1,2,3 — see spec.md §6
	AllowedOrigins   []string // empty means every origin is accepted
	ConnRateLimit    RateLimitRule // per-IP connection rate, front-door gate
	TCPKeepAlive     time.Duration // 0 disables

	// --- C6 session registry ---
	SessionTTL  time.Duration
	MaxSessions int
	GCInterval  time.Duration

	// --- C2 validator registry ---
	StrictMode bool

	// --- C3 event adapter ---
	Prefix           string // default "ocpp-ws-io:"
	NodeID           string
	StreamMaxLen     int64
	StreamTTL        time.Duration
	PresenceTTL      time.Duration
	RedisAddr        string // empty => in-memory adapter
	RedisClusterMode bool

	// --- C8 rate limiter ---
	GlobalRateLimit RateLimitRule
	MethodRateLimit map[string]RateLimitRule
	Adaptive        AdaptiveLimit

	// --- HTTP side-channel ---
	HealthEndpoint bool
	HealthAddr     string
}

// Default returns the configuration spec.md §6's table describes,
// plus SPEC_FULL.md §6's domain-stack defaults.
func Default() *Config {
	return &Config{
		PingInterval:              30 * time.Second,
		CallTimeout:               30 * time.Second,
		CallConcurrency:           1,
		MaxBadMessages:            0,
		MaxPayloadBytes:           65536,
		DeferPingsOnActivity:      true,
		OfflineQueueMaxSize:       100,
		Reconnect:                 true,
		MaxReconnects:             0, // 0 == unlimited when Reconnect is set
		BackoffMin:                time.Second,
		BackoffMax:                30 * time.Second,
		HandshakeTimeout:          30 * time.Second,
		SecurityProfile:           0,
		ConnRateLimit:             RateLimitRule{Limit: 20, Window: time.Second, OnLimitExceeded: "disconnect"},
		TCPKeepAlive:              60 * time.Second,
		SessionTTL:                2 * time.Hour,
		MaxSessions:               50000,
		GCInterval:                60 * time.Second,
		Prefix:                    "ocpp-ws-io:",
		StreamMaxLen:              1000,
		StreamTTL:                300 * time.Second,
		PresenceTTL:               300 * time.Second,
		MethodRateLimit:           map[string]RateLimitRule{},
		Adaptive: AdaptiveLimit{
			SampleInterval:   2 * time.Second,
			CooldownInterval: 10 * time.Second,
			CPUThreshold:     0.8,
			RSSThresholdBytes: 1 << 30,
			Floor:            0.25,
			RecoveryStep:     0.1,
		},
		HealthAddr: ":9321",
	}
}

// EffectivePongTimeout returns PongTimeout, defaulting to
// PingInterval+5s as spec.md §6 specifies.
func (c *Config) EffectivePongTimeout() time.Duration {
	if c.PongTimeout > 0 {
		return c.PongTimeout
	}
	return c.PingInterval + 5*time.Second
}

// globalConfigOwner atomically owns the live *Config: every package
// reads through GCO.Get() rather than holding its own copy, so a
// config swap is visible everywhere on the next read without a lock.
type globalConfigOwner struct {
	v atomic.Pointer[Config]
}

// GCO is the process-wide Global Config Owner.
var GCO globalConfigOwner

func init() { GCO.v.Store(Default()) }

func (o *globalConfigOwner) Get() *Config { return o.v.Load() }

// Update installs a new config, typically `GCO.Get()` cloned and
// mutated by the caller, and refreshes Rom from it so the hot path
// sees the change on its next read. It returns the config that was
// replaced.
func (o *globalConfigOwner) Update(cfg *Config) *Config {
	old := o.v.Swap(cfg)
	Rom.Set(cfg)
	return old
}

// Clone returns a shallow copy of the current config suitable for
// mutate-then-Update. Map/slice fields are shared with the original;
// callers that mutate MethodRateLimit or Subprotocols must replace the
// whole field rather than mutate it in place.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
