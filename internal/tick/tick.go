// Package tick provides the real-time tick that paces the TDM pipeline when
// no span supplies timing, plus a slower housekeeping callback derived from
// the same clock.
package tick

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dbehnke/dyntdm/internal/metrics"
	"github.com/dbehnke/dyntdm/internal/protocol"
)

// Config for the tick driver. Zero durations take defaults.
type Config struct {
	Period       time.Duration // Tick period, one chunk
	Housekeeping time.Duration // Interval of the housekeeping callback

	Tick      func() // Called once per period
	Housekeep func() // Called every Housekeeping

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Driver fires Tick every period
type Driver struct {
	cfg    Config
	logger *slog.Logger
	hk     *Timer

	last          time.Time
	missedSinceHK uint64

	ticks      atomic.Uint64
	missed     atomic.Uint64
	housekeeps atomic.Uint64
}

func New(cfg Config) (*Driver, error) {
	if cfg.Period == 0 {
		cfg.Period = protocol.TICK_PERIOD
	}
	if cfg.Housekeeping == 0 {
		cfg.Housekeeping = protocol.HOUSEKEEPING
	}
	if cfg.Period < time.Millisecond {
		return nil, errors.New("tick period must be at least 1ms")
	}
	if cfg.Tick == nil {
		return nil, errors.New("tick callback required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hk := NewTimer(1000, 0, int(cfg.Housekeeping/time.Millisecond))
	hk.Start(0, 0)
	return &Driver{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "tick"),
		hk:     hk,
	}, nil
}

// Run ticks until ctx is cancelled
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Period)
	defer ticker.Stop()

	d.last = time.Now()
	d.logger.Info("tick driver started", "period", d.cfg.Period, "housekeeping", d.cfg.Housekeeping)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("tick driver stopped", "ticks", d.ticks.Load(), "missed", d.missed.Load())
			return nil
		case now := <-ticker.C:
			d.step(now)
		}
	}
}

// step accounts for the time since the previous tick and fires callbacks
func (d *Driver) step(now time.Time) {
	elapsed := now.Sub(d.last)
	d.last = now

	periods := int64((elapsed + d.cfg.Period/2) / d.cfg.Period)
	if periods < 1 {
		periods = 1
	}
	if periods > 1 {
		n := uint64(periods - 1)
		d.missed.Add(n)
		d.missedSinceHK += n
		d.cfg.Metrics.MissedTicks(n)
	}

	d.ticks.Add(1)
	d.cfg.Metrics.Tick()
	d.cfg.Tick()

	d.hk.Clock(int(time.Duration(periods) * d.cfg.Period / time.Millisecond))
	if d.hk.HasExpired() {
		d.housekeep()
		d.hk.Start(0, 0)
	}
}

func (d *Driver) housekeep() {
	if d.missedSinceHK > 0 {
		d.logger.Warn("missed ticks", "count", d.missedSinceHK, "total", d.missed.Load())
		d.missedSinceHK = 0
	}
	d.housekeeps.Add(1)
	if d.cfg.Housekeep != nil {
		d.cfg.Housekeep()
	}
}

// Stats is a snapshot of tick counters
type Stats struct {
	Ticks      uint64 `json:"ticks"`
	Missed     uint64 `json:"missed"`
	Housekeeps uint64 `json:"housekeeps"`
}

func (d *Driver) Stats() Stats {
	return Stats{
		Ticks:      d.ticks.Load(),
		Missed:     d.missed.Load(),
		Housekeeps: d.housekeeps.Load(),
	}
}
