package ratelimit

import (
	"sync"
	"time"

	"github.com/ocppio/ocpp-ws-io/cmn"
	"github.com/ocppio/ocpp-ws-io/hk"
)

// rescalable is the narrow interface a Sampler needs from every
// Limiter it scales.
type rescalable interface {
	rescale(multiplier float64)
}

// Sampler is the process-wide adaptive sub-limiter: it watches CPU and
// RSS every SampleInterval and halves every registered Limiter's
// refill rate under pressure, recovering by RecoveryStep per sample
// once CooldownInterval has passed without further pressure (spec.md
// §4.8).
type Sampler struct {
	cfg cmn.AdaptiveLimit

	mu         sync.Mutex
	multiplier float64
	limiters   []rescalable
	lastPress  time.Time

	prevCPU    time.Duration
	prevSample time.Time
}

// NewSampler builds a Sampler and, if cfg.Enabled, registers its
// periodic sample against hk.
func NewSampler(cfg cmn.AdaptiveLimit) *Sampler {
	s := &Sampler{
		cfg:        cfg,
		multiplier: 1.0,
		prevSample: time.Now(),
	}
	if cfg.Enabled {
		interval := cfg.SampleInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		hk.Reg("ratelimit-sampler"+hk.NameSuffix, s.sample, interval)
	}
	return s
}

// Multiplier returns the current scaling factor applied to every
// registered Limiter's base refill rate, in [Floor, 1.0].
func (s *Sampler) Multiplier() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.multiplier
}

func (s *Sampler) register(l rescalable) {
	s.mu.Lock()
	s.limiters = append(s.limiters, l)
	s.mu.Unlock()
}

// sample is the hk job: it measures current CPU/RSS pressure, adjusts
// the multiplier, and returns the configured sample interval again.
func (s *Sampler) sample() time.Duration {
	interval := s.cfg.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	cpuFraction := s.cpuFraction()
	rss := readRSSBytes()

	floor := s.cfg.Floor
	if floor <= 0 {
		floor = 0.25
	}
	step := s.cfg.RecoveryStep
	if step <= 0 {
		step = 0.1
	}

	pressure := (s.cfg.CPUThreshold > 0 && cpuFraction > s.cfg.CPUThreshold) ||
		(s.cfg.RSSThresholdBytes > 0 && rss > s.cfg.RSSThresholdBytes)

	s.mu.Lock()
	if pressure {
		s.multiplier /= 2
		if s.multiplier < floor {
			s.multiplier = floor
		}
		s.lastPress = time.Now()
	} else if time.Since(s.lastPress) >= s.cfg.CooldownInterval {
		s.multiplier += step
		if s.multiplier > 1.0 {
			s.multiplier = 1.0
		}
	}
	multiplier := s.multiplier
	limiters := append([]rescalable(nil), s.limiters...)
	s.mu.Unlock()

	for _, l := range limiters {
		l.rescale(multiplier)
	}
	return interval
}

// cpuFraction returns the process's CPU usage (user+sys) since the
// previous sample as a fraction of one core — 1.0 means one core
// fully busy across the interval, 2.0 means two.
func (s *Sampler) cpuFraction() float64 {
	now := time.Now()
	cur := readProcessCPUTime()

	s.mu.Lock()
	prevCPU, prevAt := s.prevCPU, s.prevSample
	s.prevCPU, s.prevSample = cur, now
	s.mu.Unlock()

	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := (cur - prevCPU).Seconds()
	if delta < 0 {
		return 0
	}
	return delta / elapsed
}
