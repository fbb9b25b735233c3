package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/api"
	"github.com/markus-lassfolk/drivedetect/pkg/detection"
	"github.com/markus-lassfolk/drivedetect/pkg/events"
	"github.com/markus-lassfolk/drivedetect/pkg/lifecycle"
	"github.com/markus-lassfolk/drivedetect/pkg/location"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
	"github.com/markus-lassfolk/drivedetect/pkg/metrics"
	"github.com/markus-lassfolk/drivedetect/pkg/mqtt"
	"github.com/markus-lassfolk/drivedetect/pkg/notifications"
	"github.com/markus-lassfolk/drivedetect/pkg/pidfile"
	"github.com/markus-lassfolk/drivedetect/pkg/state"
	"github.com/markus-lassfolk/drivedetect/pkg/telem"
	"github.com/markus-lassfolk/drivedetect/pkg/telemetry"
	"github.com/markus-lassfolk/drivedetect/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultPath, "Path to UCI configuration file")
	envFile    = flag.String("env-file", "/etc/drivedetect/drivedetect.env", "Optional env file with DRIVEDETECT_* overrides")
	pidPath    = flag.String("pid-file", "", "Override PID file path")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	force      = flag.Bool("force", false, "Force start by removing an existing PID file")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "drivedetectd"
	AppVersion = "1.0.0"

	permissionRetry = time.Minute
	cleanupInterval = 10 * time.Minute
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfigWithEnv(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	if *pidPath != "" {
		cfg.PIDFile = *pidPath
	}
	pidFile := pidfile.New(cfg.PIDFile)
	if *force {
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", cfg.PIDFile)
		fmt.Fprintf(os.Stderr, "Error: %v\nUse --force to override, or stop the existing instance first\n", err)
		os.Exit(1)
	}

	code := run(cfg, logger)

	if err := pidFile.Remove(); err != nil {
		logger.Error("Failed to remove PID file", "error", err)
	}
	os.Exit(code)
}

func run(cfg *uci.Config, logger *logx.Logger) int {
	logger.Info("Starting driving detection daemon", "version", AppVersion, "pid", os.Getpid())

	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		m = metrics.New()
		metricsHandler = m.Handler()
	}

	store, err := state.OpenActivationStore(cfg.StatePath, logger.WithComponent("state"))
	if err != nil {
		logger.Error("Failed to open activation store", "error", err, "path", cfg.StatePath)
		return 1
	}
	defer store.Close()

	bus := events.NewBus(logger.WithComponent("events"))

	recent, err := telem.NewStore(cfg.EventsCapacity, time.Duration(cfg.EventsRetentionH)*time.Hour)
	if err != nil {
		logger.Error("Failed to create event store", "error", err)
		return 1
	}
	bus.Subscribe(recent)

	mqttClient := mqtt.NewClient(cfg.MQTTConfig(), logger.WithComponent("mqtt"))
	var capability location.Capability = noProviders{}
	if mqttClient.Enabled() {
		if err := mqttClient.Connect(); err != nil {
			logger.Error("Failed to connect to MQTT broker", "error", err)
			return 1
		}
		defer mqttClient.Disconnect()

		capability = mqtt.NewLocationCapability(mqttClient, logger.WithComponent("location_feed"))
		bus.Subscribe(mqtt.NewEventPublisher(mqttClient, logger.WithComponent("mqtt")))
	} else {
		logger.Warn("MQTT disabled, no location feed configured; detection will run degraded")
	}

	reporter := telemetry.NewReporter(cfg.TelemetryConfig(), logger.WithComponent("telemetry"), m, nil)
	defer reporter.Wait()

	engine := detection.NewEngine(detection.Options{
		Session:    cfg.SessionConfig(),
		Capability: capability,
		Permission: permissionChecker(cfg),
		Store:      store,
		Presenter:  presenter(cfg, logger.WithComponent("notifications")),
		Bus:        bus,
		Reporter:   reporter,
		Logger:     logger.WithComponent("detection"),
		Metrics:    m,
	})

	supervisor := lifecycle.NewSupervisor(engine, store, permissionRetry, logger.WithComponent("lifecycle"))
	server := api.NewServer(cfg.APIConfig(), engine, recent, metricsHandler, logger.WithComponent("api"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := recent.Cleanup(); n > 0 {
					logger.Debug("Expired recent events", "count", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Daemon stopped with error", "error", err)
		return 1
	}

	logger.Info("Driving detection daemon stopped")
	return 0
}

// permissionChecker grants access from config, optionally gated on a file
// the host creates once the user has allowed location access
func permissionChecker(cfg *uci.Config) location.PermissionChecker {
	if cfg.PermissionFile == "" {
		return location.StaticPermission(cfg.LocationPermission)
	}
	path := cfg.PermissionFile
	return location.PermissionFunc(func() bool {
		if !cfg.LocationPermission {
			return false
		}
		_, err := os.Stat(path)
		return err == nil
	})
}

func presenter(cfg *uci.Config, logger *logx.Logger) notifications.Presenter {
	presenters := notifications.MultiPresenter{notifications.NewLogPresenter(logger)}
	if cfg.StatusFile != "" {
		presenters = append(presenters, notifications.NewStatusFilePresenter(cfg.StatusFile))
	}
	return presenters
}

// noProviders is the capability used when no location feed is configured
type noProviders struct{}

func (noProviders) ProviderEnabled(pkg.ProviderID) bool { return false }

func (noProviders) Subscribe(id pkg.ProviderID, _ time.Duration, _ float64, _ location.Listener) error {
	return fmt.Errorf("provider %s: %w", id, location.ErrProviderUnavailable)
}

func (noProviders) Unsubscribe(location.Listener) error { return nil }
