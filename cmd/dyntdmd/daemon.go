package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dbehnke/dyntdm/internal/config"
	"github.com/dbehnke/dyntdm/internal/control"
	"github.com/dbehnke/dyntdm/internal/database"
	"github.com/dbehnke/dyntdm/internal/dynamic"
	"github.com/dbehnke/dyntdm/internal/host"
	"github.com/dbehnke/dyntdm/internal/metrics"
	"github.com/dbehnke/dyntdm/internal/tick"
	"github.com/dbehnke/dyntdm/internal/transport/eth"
	"github.com/dbehnke/dyntdm/internal/transport/loc"
	"github.com/dbehnke/dyntdm/internal/transport/udp"
)

const (
	STATUS_INTERVAL  = 30 * time.Second
	SHUTDOWN_TIMEOUT = 5 * time.Second
)

// Daemon owns the engine, its transports and the administrative endpoints
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector

	core    *host.Core
	engine  *dynamic.Manager
	ticker  *tick.Driver
	db      *database.DB
	control *control.Service

	mu  sync.Mutex
	eth *eth.Driver
	udp *udp.Driver

	servers []*http.Server
}

// NewDaemon wires every component from cfg and restores configured and
// stored spans.
func NewDaemon(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.New(d.registry)

	d.core = host.NewCore(logger)
	d.core.OnAlarm(func(s *host.Span, alarms uint32) {
		logger.Warn("span alarm", "span", s.Name, "number", s.Number(), "alarms", host.AlarmString(alarms))
	})

	d.engine = dynamic.NewManager(d.core, dynamic.Config{
		ChunkSize:       cfg.Engine.ChunkSize,
		MaxChannels:     cfg.Engine.MaxChannels,
		MaxSpans:        cfg.Engine.MaxSpans,
		LivenessTimeout: cfg.Engine.LivenessTimeout,
		Deferred:        cfg.Engine.Deferred,
		Logger:          logger,
		Metrics:         d.metrics,
		Loader:          d.loadDriver,
	})
	d.core.AddTickHook(d.engine.Tick)

	if err := d.engine.RegisterDriver(loc.New(logger)); err != nil {
		return nil, err
	}
	if cfg.Eth.Enabled {
		if err := d.loadDriver(eth.DRIVER_NAME); err != nil {
			return nil, d.fail(err)
		}
	}
	if cfg.UDP.Enabled {
		if err := d.loadDriver(udp.DRIVER_NAME); err != nil {
			return nil, d.fail(err)
		}
	}

	var store control.Store
	if cfg.Database.Enabled {
		db, err := database.NewDB(database.Config{Path: cfg.Database.Path}, logger)
		if err != nil {
			return nil, d.fail(fmt.Errorf("open database: %w", err))
		}
		d.db = db
		store = database.NewSpanRepository(db.GetDB())
	}
	d.control = control.NewService(d.engine, store, logger)

	ticker, err := tick.New(tick.Config{
		Period:       cfg.Tick.Period,
		Housekeeping: cfg.Tick.Housekeeping,
		Tick:         d.core.Tick,
		Housekeep:    d.engine.CheckAlarms,
		Logger:       logger,
		Metrics:      d.metrics,
	})
	if err != nil {
		return nil, d.fail(err)
	}
	d.ticker = ticker

	specs := make([]dynamic.SpanSpec, 0, len(cfg.Spans))
	for _, s := range cfg.Spans {
		specs = append(specs, dynamic.SpanSpec{
			Driver:   s.Driver,
			Address:  s.Address,
			Channels: s.Channels,
			Timing:   s.Timing,
		})
	}
	if _, err := d.control.Restore(specs); err != nil {
		logger.Warn("some spans were not restored", "error", err)
	}

	return d, nil
}

// loadDriver registers a transport on first use
func (d *Daemon) loadDriver(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch name {
	case eth.DRIVER_NAME:
		if d.eth != nil {
			return nil
		}
		drv := eth.New(eth.Config{
			QueueSize: d.cfg.Eth.QueueSize,
			Logger:    d.logger,
			Metrics:   d.metrics,
		})
		if err := d.engine.RegisterDriver(drv); err != nil {
			return err
		}
		d.eth = drv
	case udp.DRIVER_NAME:
		if d.udp != nil {
			return nil
		}
		drv, err := udp.New(udp.Config{
			Listen:    d.cfg.UDP.Listen,
			QueueSize: d.cfg.UDP.QueueSize,
			Logger:    d.logger,
			Metrics:   d.metrics,
		})
		if err != nil {
			return err
		}
		if err := d.engine.RegisterDriver(drv); err != nil {
			_ = drv.Close()
			return err
		}
		d.udp = drv
	default:
		return fmt.Errorf("unknown driver %q", name)
	}
	d.logger.Info("loaded driver", "driver", name)
	return nil
}

func (d *Daemon) fail(err error) error {
	return errors.Join(err, d.close())
}

func (d *Daemon) statsSources() []control.StatsSource {
	sources := []control.StatsSource{
		{Name: "host", Stats: func() any { return d.core.Stats() }},
		{Name: "tick", Stats: func() any { return d.ticker.Stats() }},
	}
	sources = append(sources, control.StatsSource{Name: "transports", Stats: func() any {
		d.mu.Lock()
		defer d.mu.Unlock()
		out := map[string]any{}
		if d.eth != nil {
			out[eth.DRIVER_NAME] = d.eth.Stats()
		}
		if d.udp != nil {
			out[udp.DRIVER_NAME] = d.udp.Stats()
		}
		return out
	}})
	return sources
}

// buildServers groups the HTTP endpoints by listen address
func (d *Daemon) buildServers() {
	muxes := map[string]*http.ServeMux{}
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		d.servers = append(d.servers, &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 5 * time.Second})
		return m
	}

	if addr := d.cfg.Metrics.Listen; addr != "" {
		mux(addr).Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	}
	if addr := d.cfg.Control.Listen; addr != "" {
		control.NewHandler(d.control, d.statsSources()...).Register(mux(addr))
	}
}

// Run serves until ctx is cancelled, then shuts everything down
func (d *Daemon) Run(ctx context.Context) error {
	d.buildServers()

	listeners := make([]net.Listener, 0, len(d.servers))
	for _, srv := range d.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return errors.Join(fmt.Errorf("listen %s: %w", srv.Addr, err), d.close())
		}
		d.logger.Info("http listening", "addr", ln.Addr().String())
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ticker.Run(gctx) })
	g.Go(func() error { return d.statusReporter(gctx) })

	for i, srv := range d.servers {
		ln := listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()
		var errs []error
		for _, srv := range d.servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	return errors.Join(err, d.close())
}

// statusReporter logs a periodic summary of the engine
func (d *Daemon) statusReporter(ctx context.Context) error {
	t := time.NewTicker(STATUS_INTERVAL)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			st := d.engine.Stats()
			ts := d.ticker.Stats()
			d.logger.Info("status",
				"spans", st.Spans,
				"master", st.Master,
				"runs", st.Runs,
				"overruns", st.Overruns,
				"ticks", ts.Ticks,
				"missed_ticks", ts.Missed)
		}
	}
}

func (d *Daemon) close() error {
	var errs []error
	if d.engine != nil {
		errs = append(errs, d.engine.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}
