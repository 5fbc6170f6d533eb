package cmn

import "time"

// readMostly caches the handful of Config fields read on every single
// message (ping scheduling, call timeout, bad-message threshold) so
// the hot path doesn't pay for a GCO.Get() + field traversal per frame.
// Updated at startup and whenever GCO.Update installs a new config.
type readMostly struct {
	pingInterval   time.Duration
	callTimeout    time.Duration
	maxBadMessages int
	strictMode     bool
}

// Rom is the process-wide read-mostly cache.
var Rom readMostly

func init() { Rom.Set(Default()) }

// Set refreshes the cache from cfg. GCO.Update calls it for every
// config it installs.
func (rom *readMostly) Set(cfg *Config) {
	rom.pingInterval = cfg.PingInterval
	rom.callTimeout = cfg.CallTimeout
	rom.maxBadMessages = cfg.MaxBadMessages
	rom.strictMode = cfg.StrictMode
}

func (rom *readMostly) PingInterval() time.Duration { return rom.pingInterval }
func (rom *readMostly) CallTimeout() time.Duration  { return rom.callTimeout }
func (rom *readMostly) MaxBadMessages() int         { return rom.maxBadMessages }
func (rom *readMostly) StrictMode() bool            { return rom.strictMode }
