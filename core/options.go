package core

import (
	"time"

	"github.com/najoast/entitycore/config"
)

// Options are the tunables of a Manager. They can be replaced at runtime
// with Manager.UpdateOptions.
type Options struct {
	// DefaultTimeout applies to entity submissions without WithTimeout
	DefaultTimeout time.Duration

	// MailboxSize bounds each entity worker queue
	MailboxSize int

	// IdleRecycle is how long a recyclable entity may stay idle
	IdleRecycle time.Duration

	// IdleCheckInterval is the idle sweep cadence
	IdleCheckInterval time.Duration

	// CrossDayCron fires the cross-day broadcast
	CrossDayCron string

	BatchSize       int
	BatchTimeout    time.Duration
	SaveInterval    time.Duration
	SaveParallelism int

	// NoDefaultRecord makes loading fail instead of creating a record when
	// the store has none
	NoDefaultRecord bool
}

// DefaultOptions returns the defaults matching config.DefaultConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig extracts the manager options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultTimeout:    cfg.Actor.DefaultTimeout,
		MailboxSize:       cfg.Actor.MailboxSize,
		IdleRecycle:       cfg.Actor.IdleRecycle,
		IdleCheckInterval: cfg.Actor.IdleCheckInterval,
		CrossDayCron:      cfg.Actor.CrossDayCron,
		BatchSize:         cfg.Persistence.BatchSize,
		BatchTimeout:      cfg.Persistence.BatchTimeout,
		SaveInterval:      cfg.Persistence.SaveInterval,
		SaveParallelism:   cfg.Persistence.SaveParallelism,
		NoDefaultRecord:   cfg.Persistence.NoDefaultRecord,
	}
}

// merge fills zero fields of o from fallback.
func (o Options) merge(fallback Options) Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = fallback.DefaultTimeout
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = fallback.MailboxSize
	}
	if o.IdleRecycle <= 0 {
		o.IdleRecycle = fallback.IdleRecycle
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = fallback.IdleCheckInterval
	}
	if o.CrossDayCron == "" {
		o.CrossDayCron = fallback.CrossDayCron
	}
	if o.BatchSize <= 0 {
		o.BatchSize = fallback.BatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = fallback.BatchTimeout
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = fallback.SaveInterval
	}
	if o.SaveParallelism <= 0 {
		o.SaveParallelism = fallback.SaveParallelism
	}
	return o
}
