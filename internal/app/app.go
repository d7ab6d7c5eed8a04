package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	servernet "lockstep/server/internal/net"
	"lockstep/server/internal/netserver"
	"lockstep/server/internal/observability"
	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
	loggingSinks "lockstep/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Logger        telemetry.Logger
	Observability observability.Config
	// Getenv reads configuration. Defaults to os.Getenv.
	Getenv func(string) string
	// Ready, when set, receives the bound listen address once the HTTP
	// server accepts connections.
	Ready func(addr string)
}

// Settings is the environment-derived configuration of the process.
type Settings struct {
	Addr          string
	LogLevel      zerolog.Level
	Server        netserver.Config
	Logging       logging.Config
	Observability observability.Config
}

// LoadSettings layers LOCKSTEP_* variables over the defaults. Invalid values
// are logged and ignored.
func LoadSettings(getenv func(string) string, logger telemetry.Logger, base observability.Config) Settings {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	s := Settings{
		Addr:          ":8080",
		LogLevel:      zerolog.InfoLevel,
		Server:        netserver.DefaultConfig(),
		Logging:       logging.DefaultConfig(),
		Observability: base,
	}

	if raw := getenv("LOCKSTEP_ADDR"); raw != "" {
		s.Addr = raw
	}
	if raw := getenv("LOCKSTEP_PASSWORD"); raw != "" {
		s.Server.Password = raw
	}
	if raw := getenv("LOCKSTEP_LOBBY_SECRET"); raw != "" {
		s.Server.LobbySecret = raw
	}
	parseInt(getenv, logger, "LOCKSTEP_MAX_CLIENTS", &s.Server.MaxClients)
	parseInt(getenv, logger, "LOCKSTEP_MAX_PLAYERS", &s.Server.MaxPlayers)
	parseInt(getenv, logger, "LOCKSTEP_OBSERVER_MAX_LAG", &s.Server.ObserverMaxLag)
	parseInt(getenv, logger, "LOCKSTEP_OBSERVER_LIMIT", &s.Server.ObserverLimit)
	parseBool(getenv, logger, "LOCKSTEP_DUPLICATE_NAMES", &s.Server.DedupeNames)

	if raw := getenv("LOCKSTEP_LATE_OBSERVERS"); raw != "" {
		if policy, err := netserver.ParseLateObserverPolicy(raw); err == nil {
			s.Server.LateObservers = policy
		} else {
			logger.Printf("invalid LOCKSTEP_LATE_OBSERVERS=%q: %v", raw, err)
		}
	}
	if raw := getenv("LOCKSTEP_BUDDIES"); raw != "" {
		s.Server.Buddies = nil
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				s.Server.Buddies = append(s.Server.Buddies, name)
			}
		}
	}
	if raw := getenv("LOCKSTEP_CONNECTION_CHECK"); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil && value > 0 {
			s.Server.ConnectionCheckInterval = value
		} else {
			logger.Printf("invalid LOCKSTEP_CONNECTION_CHECK=%q: %v", raw, err)
		}
	}
	if raw := getenv("LOCKSTEP_TURN_LENGTH"); raw != "" {
		if value, err := strconv.ParseUint(raw, 10, 32); err == nil && value > 0 {
			s.Server.TurnLength = uint32(value)
		} else {
			logger.Printf("invalid LOCKSTEP_TURN_LENGTH=%q: %v", raw, err)
		}
	}

	if raw := getenv("LOCKSTEP_LOG_LEVEL"); raw != "" {
		severity, ok := logging.ParseSeverity(raw)
		level, err := zerolog.ParseLevel(strings.ToLower(raw))
		if ok && err == nil {
			s.Logging.MinimumSeverity = severity
			s.LogLevel = level
		} else {
			logger.Printf("invalid LOCKSTEP_LOG_LEVEL=%q", raw)
		}
	}
	if raw := getenv("LOCKSTEP_LOG_JSON"); raw != "" {
		s.Logging.JSON.FilePath = raw
		if !s.Logging.HasSink("json") {
			s.Logging.EnabledSinks = append(s.Logging.EnabledSinks, "json")
		}
	}

	parseBool(getenv, logger, "ENABLE_PPROF_TRACE", &s.Observability.EnablePprofTrace)
	parseBool(getenv, logger, "ENABLE_METRICS", &s.Observability.EnableMetrics)
	return s
}

func parseInt(getenv func(string) string, logger telemetry.Logger, key string, dst *int) {
	raw := getenv(key)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Printf("invalid %s=%q: %v", key, raw, err)
		return
	}
	*dst = value
}

func parseBool(getenv func(string) string, logger telemetry.Logger, key string, dst *bool) {
	raw := getenv(key)
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Printf("invalid %s=%q: %v", key, raw, err)
		return
	}
	*dst = value
}

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func newConsoleLogger(level zerolog.Level) zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Str("component", "server").Logger()
}

// Run serves lockstep sessions until ctx ends or a component fails.
func Run(ctx context.Context, cfg Config) (err error) {
	bootLogger := cfg.Logger
	if bootLogger == nil {
		bootLogger = telemetry.WrapZerolog(newConsoleLogger(zerolog.InfoLevel), zerolog.InfoLevel)
	}
	settings := LoadSettings(cfg.Getenv, bootLogger, cfg.Observability)

	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapZerolog(newConsoleLogger(settings.LogLevel), zerolog.InfoLevel)
	}

	namedSinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsole(os.Stdout, settings.Logging.Console)},
	}
	var jsonFile io.Closer
	if settings.Logging.HasSink("json") && settings.Logging.JSON.FilePath != "" {
		file, ferr := os.OpenFile(settings.Logging.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if ferr != nil {
			return fmt.Errorf("failed to open json log: %w", ferr)
		}
		jsonFile = file
		namedSinks = append(namedSinks, logging.NamedSink{
			Name: "json",
			Sink: loggingSinks.NewJSON(file, settings.Logging.JSON.FlushInterval),
		})
	}

	router, err := logging.NewRouter(logging.ClockFunc(time.Now), settings.Logging, telemetryLogger, namedSinks)
	if err != nil {
		if jsonFile != nil {
			jsonFile.Close()
		}
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// The json sink owns the file and closes it with the router.
		err = multierr.Append(err, router.Close(closeCtx))
	}()

	counters := &telemetry.Counters{}
	metrics := telemetry.Metrics(counters)
	registry := prometheus.NewRegistry()
	if settings.Observability.EnableMetrics {
		exporter, perr := telemetry.NewPrometheus(registry)
		if perr != nil {
			return fmt.Errorf("failed to register metrics: %w", perr)
		}
		metrics = telemetry.Fanout(counters, exporter)
	}

	serverCfg := settings.Server
	serverCfg.Logger = telemetryLogger
	serverCfg.Metrics = metrics
	serverCfg.Publisher = router
	worker, err := netserver.NewWorker(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to construct worker: %w", err)
	}

	handler := servernet.NewHTTPHandler(worker, servernet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Observability: settings.Observability,
		Gatherer:      registry,
		Counters:      counters,
	})

	listener, err := listen(settings.Addr)
	if err != nil {
		worker.Close()
		return fmt.Errorf("failed to listen on %s: %w", settings.Addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	telemetryLogger.Printf("server listening on %s (controller secret %s)", listener.Addr(), worker.ControllerSecret())
	if cfg.Ready != nil {
		cfg.Ready(listener.Addr().String())
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		if serr := srv.Serve(listener); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", serr)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		worker.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
