package netserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"lockstep/server/internal/net/transport"
	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/turn"
	"lockstep/server/logging"
)

// LateObserverPolicy decides who may join a running match without a
// previously known identity.
type LateObserverPolicy int

const (
	LateObserversEveryone LateObserverPolicy = iota
	LateObserversBuddies
	LateObserversNobody
)

func (p LateObserverPolicy) String() string {
	switch p {
	case LateObserversEveryone:
		return "everyone"
	case LateObserversBuddies:
		return "buddies"
	case LateObserversNobody:
		return "nobody"
	default:
		return "unknown"
	}
}

// ParseLateObserverPolicy accepts the names returned by String.
func ParseLateObserverPolicy(raw string) (LateObserverPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "everyone":
		return LateObserversEveryone, nil
	case "buddies":
		return LateObserversBuddies, nil
	case "nobody":
		return LateObserversNobody, nil
	}
	return LateObserversEveryone, fmt.Errorf("unknown late observer policy %q", raw)
}

// Config tunes the worker. Zero values of optional collaborators fall back
// to no-op implementations.
type Config struct {
	SoftwareVersion string

	// Password, when set, is hashed at construction and required from
	// every joiner.
	Password string
	// ControllerSecret grants the controller role to the first session
	// presenting it. A random secret is generated when empty.
	ControllerSecret string
	// LobbySecret enables lobby-gated authentication.
	LobbySecret string
	LobbyTokenTTL time.Duration

	MaxClients    int
	MaxPlayers    int
	ObserverLimit int
	// ObserverMaxLag is how many turns an observer may trail before it
	// blocks turn advancement. Negative values never block.
	ObserverMaxLag int
	LateObservers  LateObserverPolicy
	Buddies        []string
	// DedupeNames renames colliding joiners instead of rejecting them.
	DedupeNames bool

	CommandDelay      uint32
	TurnLength        uint32
	MaxCommandPayload int

	PollTimeout             time.Duration
	ConnectionCheckInterval time.Duration
	TimeoutWarning          time.Duration
	// BadPing is the mean round trip above which peers are warned. Zero
	// derives it from the turn length and command delay.
	BadPing time.Duration

	ChatInterval time.Duration
	ChatBurst    int

	QueueCapacity int
	EventBuffer   int
	FileTransfer  transport.FileTransferConfig

	Clock     clock.Clock
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

// DefaultConfig returns the settings used by the standalone server.
func DefaultConfig() Config {
	return Config{
		SoftwareVersion:         "lockstep-server",
		LobbyTokenTTL:           5 * time.Minute,
		MaxClients:              16,
		MaxPlayers:              8,
		ObserverLimit:           8,
		ObserverMaxLag:          10,
		LateObservers:           LateObserversEveryone,
		DedupeNames:             true,
		CommandDelay:            turn.DefaultCommandDelay,
		TurnLength:              turn.DefaultTurnLength,
		PollTimeout:             20 * time.Millisecond,
		ConnectionCheckInterval: time.Second,
		TimeoutWarning:          2 * time.Second,
		ChatInterval:            250 * time.Millisecond,
		ChatBurst:               5,
		QueueCapacity:           64,
		EventBuffer:             1024,
		FileTransfer:            transport.DefaultFileTransferConfig(),
	}
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.MaxClients <= 0 {
		c.MaxClients = defaults.MaxClients
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = defaults.MaxPlayers
	}
	if c.ObserverLimit < 0 {
		c.ObserverLimit = 0
	}
	if c.CommandDelay == 0 {
		c.CommandDelay = defaults.CommandDelay
	}
	if c.TurnLength == 0 {
		c.TurnLength = defaults.TurnLength
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}
	if c.ConnectionCheckInterval <= 0 {
		c.ConnectionCheckInterval = defaults.ConnectionCheckInterval
	}
	if c.TimeoutWarning <= 0 {
		c.TimeoutWarning = defaults.TimeoutWarning
	}
	if c.BadPing <= 0 {
		c.BadPing = time.Duration(c.TurnLength*c.CommandDelay/2) * time.Millisecond
	}
	if c.ChatInterval <= 0 {
		c.ChatInterval = defaults.ChatInterval
	}
	if c.ChatBurst <= 0 {
		c.ChatBurst = defaults.ChatBurst
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaults.QueueCapacity
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaults.EventBuffer
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NopMetrics()
	}
	if c.Publisher == nil {
		c.Publisher = logging.NopPublisher()
	}
	return c
}
