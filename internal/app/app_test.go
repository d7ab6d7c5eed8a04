package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/netserver"
	"lockstep/server/internal/observability"
	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

type logCapture struct{ lines []string }

func (l *logCapture) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestLoadSettingsDefaults(t *testing.T) {
	s := LoadSettings(envMap(nil), nil, observability.Config{})

	assert.Equal(t, ":8080", s.Addr)
	assert.Equal(t, netserver.DefaultConfig().MaxClients, s.Server.MaxClients)
	assert.Equal(t, []string{"console"}, s.Logging.EnabledSinks)
	assert.False(t, s.Observability.EnableMetrics)
}

func TestLoadSettingsAppliesEnvironment(t *testing.T) {
	s := LoadSettings(envMap(map[string]string{
		"LOCKSTEP_ADDR":             "127.0.0.1:9000",
		"LOCKSTEP_PASSWORD":         "hunter2",
		"LOCKSTEP_MAX_CLIENTS":      "4",
		"LOCKSTEP_MAX_PLAYERS":      "2",
		"LOCKSTEP_OBSERVER_MAX_LAG": "-1",
		"LOCKSTEP_OBSERVER_LIMIT":   "3",
		"LOCKSTEP_LATE_OBSERVERS":   "buddies",
		"LOCKSTEP_BUDDIES":          "alice, bob,,",
		"LOCKSTEP_DUPLICATE_NAMES":  "false",
		"LOCKSTEP_CONNECTION_CHECK": "2s",
		"LOCKSTEP_TURN_LENGTH":      "100",
		"LOCKSTEP_LOBBY_SECRET":     "lobby",
		"LOCKSTEP_LOG_LEVEL":        "warn",
		"LOCKSTEP_LOG_JSON":         "/tmp/events.jsonl",
		"ENABLE_METRICS":            "true",
		"ENABLE_PPROF_TRACE":        "1",
	}), nil, observability.Config{})

	assert.Equal(t, "127.0.0.1:9000", s.Addr)
	assert.Equal(t, "hunter2", s.Server.Password)
	assert.Equal(t, 4, s.Server.MaxClients)
	assert.Equal(t, 2, s.Server.MaxPlayers)
	assert.Equal(t, -1, s.Server.ObserverMaxLag)
	assert.Equal(t, 3, s.Server.ObserverLimit)
	assert.Equal(t, netserver.LateObserversBuddies, s.Server.LateObservers)
	assert.Equal(t, []string{"alice", "bob"}, s.Server.Buddies)
	assert.False(t, s.Server.DedupeNames)
	assert.Equal(t, 2*time.Second, s.Server.ConnectionCheckInterval)
	assert.Equal(t, uint32(100), s.Server.TurnLength)
	assert.Equal(t, "lobby", s.Server.LobbySecret)
	assert.Equal(t, logging.SeverityWarn, s.Logging.MinimumSeverity)
	assert.True(t, s.Logging.HasSink("json"))
	assert.Equal(t, "/tmp/events.jsonl", s.Logging.JSON.FilePath)
	assert.True(t, s.Observability.EnableMetrics)
	assert.True(t, s.Observability.EnablePprofTrace)
}

func TestLoadSettingsIgnoresInvalidValues(t *testing.T) {
	logger := &logCapture{}
	s := LoadSettings(envMap(map[string]string{
		"LOCKSTEP_MAX_CLIENTS":      "many",
		"LOCKSTEP_LATE_OBSERVERS":   "friends",
		"LOCKSTEP_CONNECTION_CHECK": "soon",
		"LOCKSTEP_TURN_LENGTH":      "0",
		"LOCKSTEP_LOG_LEVEL":        "loud",
		"ENABLE_METRICS":            "maybe",
	}), logger, observability.Config{EnableMetrics: true})

	defaults := netserver.DefaultConfig()
	assert.Equal(t, defaults.MaxClients, s.Server.MaxClients)
	assert.Equal(t, defaults.LateObservers, s.Server.LateObservers)
	assert.Equal(t, defaults.ConnectionCheckInterval, s.Server.ConnectionCheckInterval)
	assert.Equal(t, defaults.TurnLength, s.Server.TurnLength)
	assert.Equal(t, logging.SeverityInfo, s.Logging.MinimumSeverity)
	assert.True(t, s.Observability.EnableMetrics, "an invalid toggle keeps the base value")
	assert.Len(t, logger.lines, 6)
}

func TestRunServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			Logger: telemetry.NopLogger(),
			Getenv: envMap(map[string]string{
				"LOCKSTEP_ADDR":  "127.0.0.1:0",
				"ENABLE_METRICS": "true",
			}),
			Ready: func(addr string) { ready <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get("http://" + addr + path)
		require.NoError(t, err)
		_, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
