package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/env"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/server"
)

// DefaultAPIListen is where serve exposes the control API when neither the
// ecosystem file nor --listen name an address.
const DefaultAPIListen = "127.0.0.1:8780"

const shutdownTimeout = 30 * time.Second

// daemon is one running supervisor with everything it feeds.
type daemon struct {
	flags    RunFlags
	v        *viper.Viper
	log      *slog.Logger
	settings config.Settings
	mgr      *manager.Manager
	sampler  *metrics.Sampler
	closers  []func(context.Context) error
	events   chan struct{}
}

// runForeground supervises until SIGINT or SIGTERM, reloading on SIGHUP.
func runForeground(parent context.Context, flags RunFlags, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	return runDaemon(ctx, flags, v, hup)
}

func runDaemon(ctx context.Context, flags RunFlags, v *viper.Viper, reload <-chan os.Signal) error {
	d, err := startDaemon(ctx, flags, v)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return d.shutdown(sctx)
		case <-reload:
			if err := d.reload(ctx); err != nil {
				d.log.Error("reload failed; keeping the running configuration", "error", err)
			}
		}
	}
}

func startDaemon(ctx context.Context, flags RunFlags, v *viper.Viper) (*daemon, error) {
	eco, err := config.Load(flags.ConfigPath, config.Options{Lenient: flags.Lenient, Viper: v})
	if err != nil {
		return nil, err
	}
	s := eco.Settings
	if flags.Serve && s.API.Listen == "" {
		s.API.Listen = DefaultAPIListen
	}
	log := s.Log.NewSlogger()
	slog.SetDefault(log)
	for _, w := range eco.Warnings {
		log.Warn("ecosystem", "path", flags.ConfigPath, "warning", w)
	}

	d := &daemon{flags: flags, v: v, log: log, settings: s, events: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = d.runClosers(sctx)
		}
	}()

	envM := env.New()
	if !s.UseOSEnv {
		envM.FromList(nil)
	}
	global, err := s.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	for k, val := range global {
		envM.Set(k, val)
	}

	var pub *logger.MQTTPublisher
	if s.Log.MQTT.Enabled() {
		if pub, err = logger.DialMQTT(s.Log.MQTT); err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func(context.Context) error { return pub.Close() })
		log.Info("forwarding app output over MQTT", "broker", s.Log.MQTT.Broker)
	}

	sinks, err := factory.NewSinks(s.History.DSNs)
	if err != nil {
		return nil, err
	}
	rec := history.NewRecorder(log, sinks...)
	d.closers = append(d.closers, rec.Close)

	if s.Metrics.Enabled() {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	if s.Metrics.Listen != "" {
		srv := serveMetrics(s.Metrics.Listen, log)
		d.closers = append(d.closers, srv.Shutdown)
	}

	var exporters []metrics.Exporter
	if s.Metrics.Influx.Enabled() {
		ix, err := metrics.NewInfluxExporter(ctx, s.Metrics.Influx, log)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, ix)
		d.closers = append(d.closers, func(context.Context) error { return ix.Close() })
		if !s.Metrics.Sampler.Enabled {
			log.Warn("influx is configured but metrics.sampler.enabled is false; nothing will be written")
		}
	}
	d.sampler = metrics.NewSampler(s.Metrics.Sampler, log, exporters...)

	// the manager shuts down before the sinks it writes to
	d.mgr = manager.NewManager(
		manager.WithLogger(log),
		manager.WithEnv(envM),
		manager.WithHistory(rec),
		manager.WithLogConfig(s.Log, pub),
	)
	go d.logEvents()

	if err := d.mgr.ApplyConfig(ctx, eco.Apps); err != nil {
		// launch failures leave the app errored; the daemon keeps running
		log.Error("some apps failed to start", "error", err)
	}
	d.sampler.Start(ctx, d.mgr.PIDs)

	if s.API.Listen != "" {
		router := server.NewRouter(d.mgr, s.API.BasePath)
		if s.Metrics.Sampler.Enabled {
			router.WithSampler(d.sampler)
		}
		api := server.NewServer(s.API.Listen, router)
		d.closers = append(d.closers, api.Shutdown)
		log.Info("control API listening", "addr", s.API.Listen, "base_path", s.API.BasePath)
	}

	log.Info("supervising", "path", flags.ConfigPath, "apps", len(eco.Apps))
	ok = true
	return d, nil
}

// serveMetrics exposes /metrics on its own listener.
func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}

func (d *daemon) logEvents() {
	defer close(d.events)
	for ev := range d.mgr.Events() {
		attrs := []any{"name", ev.Name, "event", ev.Type, "pid", ev.Status.PID, "state", ev.Status.State}
		if ev.Err != nil {
			d.log.Warn("app event", append(attrs, "error", ev.Err)...)
			continue
		}
		d.log.Debug("app event", attrs...)
	}
}

// reload re-reads the ecosystem file and reconciles the apps. Changes to
// the tether section take effect on the next start.
func (d *daemon) reload(ctx context.Context) error {
	eco, err := config.Load(d.flags.ConfigPath, config.Options{Lenient: d.flags.Lenient, Viper: d.v})
	if err != nil {
		return err
	}
	next := eco.Settings
	if d.flags.Serve && next.API.Listen == "" {
		next.API.Listen = DefaultAPIListen
	}
	if !reflect.DeepEqual(next, d.settings) {
		d.log.Warn("tether settings changed; restart the supervisor to apply them", "path", d.flags.ConfigPath)
	}
	d.log.Info("reloading", "path", d.flags.ConfigPath, "apps", len(eco.Apps))
	return d.mgr.ApplyConfig(ctx, eco.Apps)
}

func (d *daemon) shutdown(ctx context.Context) error {
	d.sampler.Stop()
	errs := []error{d.mgr.Shutdown(ctx)}
	<-d.events
	errs = append(errs, d.runClosers(ctx))
	return errors.Join(errs...)
}

// runClosers releases resources in reverse order of acquisition.
func (d *daemon) runClosers(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
