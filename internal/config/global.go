package config

import "sync/atomic"

var cfg atomic.Value

// Init installs the default config as the process-global config. Must be
// called once before Load/Update are used; a session's main entrypoint does
// this before anything else runs.
func Init() error {
	dcfg, err := defaultConfig()
	if err != nil {
		return err
	}
	c := dcfg
	cfg.Store(&c)
	return nil
}

// Load returns the current config. Treat the returned value as read-only;
// mutate via Update instead.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies mut to a copy of the current config and atomically swaps
// it in, returning the new value.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}
