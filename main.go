package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"venuestream/config"
	"venuestream/internal/dashboard"
	"venuestream/internal/hub"
	"venuestream/internal/listenkey"
	"venuestream/internal/metrics"
	"venuestream/internal/registry"
	"venuestream/internal/stream"
	"venuestream/logger"
	"venuestream/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Venuestream.Name,
		"version":     cfg.Venuestream.Version,
		"environment": config.AppEnvironment(),
		"venues":      len(cfg.Venues),
	}).Info("starting venuestream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		logger.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
	}

	reportInterval := cfg.Logging.ReportInterval
	if reportInterval <= 0 && strings.ToLower(cfg.Logging.Level) == "report" {
		reportInterval = 30 * time.Second
	}
	logger.StartReport(ctx, log, reportInterval)

	collector := metrics.NewCollector()
	events := hub.New("venues")
	events.SetObserver(collector)

	entries, managers, err := buildSessions(cfg, events, collector)
	if err != nil {
		log.WithError(err).Error("failed to build venue sessions")
		os.Exit(1)
	}

	reg, err := registry.New(entries...)
	if err != nil {
		log.WithError(err).Error("failed to build session registry")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	for _, m := range managers {
		wg.Add(1)
		go func(m *listenkey.Manager) {
			defer wg.Done()
			m.Run(ctx)
		}(m)
	}

	sinks, err := startSinks(ctx, cfg.Sinks, reg)
	if err != nil {
		log.WithError(err).Error("failed to start sinks")
		os.Exit(1)
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, reg, collector)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithComponent("dashboard").WithError(err).Error("dashboard stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig, interrupted := initializeUntilSignal(ctx, reg.InitializeAll, sigChan)
	if !interrupted {
		log.Info("all components started successfully")
		sig = <-sigChan
	}
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := reg.ShutdownAll(shutdownCtx); err != nil {
		log.WithError(err).Warn("sessions did not stop in time")
	}
	cancel()

	for _, stop := range sinks {
		stop()
	}
	for _, m := range managers {
		if err := m.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to close listen key")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("venuestream stopped")
}

// buildSessions creates one session per configured venue, all broadcasting to
// events. User data venues resolve their endpoint through a listen key
// manager, which is returned so its keepalive loop can be run.
func buildSessions(cfg *config.Config, events *hub.Hub, observer stream.Observer) ([]registry.Entry, []*listenkey.Manager, error) {
	entries := make([]registry.Entry, 0, len(cfg.Venues))
	var managers []*listenkey.Manager

	for _, v := range cfg.Venues {
		dialer, err := stream.NewWSDialerFrom(v.SourceIP)
		if err != nil {
			return nil, nil, err
		}
		opts := []stream.Option{stream.WithObserver(observer)}
		if v.IsUserData() {
			svc, err := listenkey.NewService(v)
			if err != nil {
				return nil, nil, err
			}
			m := listenkey.NewManager(v, svc)
			managers = append(managers, m)
			opts = append(opts, stream.WithEndpoint(m.Endpoint))
		}
		entries = append(entries, registry.Entry{
			Session: stream.NewSession(v, dialer, events, opts...),
			Hub:     events,
		})
	}
	return entries, managers, nil
}

// startSinks creates the enabled downstream sinks and attaches them to every
// venue. It returns their stop functions.
func startSinks(ctx context.Context, cfg config.SinksConfig, reg *registry.Registry) ([]func(), error) {
	log := logger.GetLogger().WithComponent("main")
	var stops []func()

	if cfg.Archive.Enabled {
		archive, err := writer.NewArchiveSink(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		if err := archive.Start(ctx); err != nil {
			return nil, err
		}
		reg.AttachSink(archive)
		stops = append(stops, archive.Stop)
	} else {
		log.Info("archive sink disabled")
	}

	if cfg.Kafka.Enabled {
		ks, err := writer.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		reg.AttachSink(ks)
		stops = append(stops, func() { _ = ks.Close() })
	}

	if cfg.NATS.Enabled {
		ns, err := writer.NewNATSSink(cfg.NATS)
		if err != nil {
			return nil, err
		}
		reg.AttachSink(ns)
		stops = append(stops, func() { _ = ns.Close() })
	}

	return stops, nil
}

// initializeUntilSignal runs start and returns early, cancelling it, if a
// signal arrives first.
func initializeUntilSignal(ctx context.Context, start func(context.Context), sigs <-chan os.Signal) (os.Signal, bool) {
	initCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		start(initCtx)
	}()

	select {
	case <-done:
		return nil, false
	case sig := <-sigs:
		cancel()
		<-done
		return sig, true
	}
}
