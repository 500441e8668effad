package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings are the operator knobs read from LINKPLAY_* variables. Flags
// parsed after ParseEnv override them.
type Settings struct {
	Nickname string `env:"LINKPLAY_NICKNAME" envDefault:"player"`
	BestOf   int    `env:"LINKPLAY_BEST_OF" envDefault:"1"`

	WaitTimeout       time.Duration `env:"LINKPLAY_WAIT_TIMEOUT" envDefault:"1s"`
	StartTimeout      time.Duration `env:"LINKPLAY_START_TIMEOUT" envDefault:"30s"`
	DrainTimeout      time.Duration `env:"LINKPLAY_DRAIN_TIMEOUT" envDefault:"10s"`
	HandshakeTimeout  time.Duration `env:"LINKPLAY_HANDSHAKE_TIMEOUT" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"LINKPLAY_HEARTBEAT_INTERVAL" envDefault:"1s"`
	LivenessTimeout   time.Duration `env:"LINKPLAY_LIVENESS_TIMEOUT" envDefault:"10s"`

	PendingLimit     int    `env:"LINKPLAY_PENDING_LIMIT" envDefault:"64"`
	OutboundQueue    int    `env:"LINKPLAY_OUTBOUND_QUEUE" envDefault:"256"`
	StallPolicy      string `env:"LINKPLAY_STALL_POLICY" envDefault:"wait"`
	SnapshotInterval int    `env:"LINKPLAY_SNAPSHOT_INTERVAL" envDefault:"0"`
	HookMode         string `env:"LINKPLAY_HOOK_MODE" envDefault:"lenient"`

	ReplayDir  string `env:"LINKPLAY_REPLAY_DIR" envDefault:"replays"`
	IndexPath  string `env:"LINKPLAY_INDEX_PATH" envDefault:"replays/index.db"`
	GamesDir   string `env:"LINKPLAY_GAMES_DIR"`
	ListenAddr string `env:"LINKPLAY_LISTEN_ADDR" envDefault:":7373"`
	Ticket     string `env:"LINKPLAY_TICKET"`

	OTelEndpoint string `env:"LINKPLAY_OTEL_ENDPOINT"`
	ServiceName  string `env:"LINKPLAY_SERVICE_NAME" envDefault:"linkplay"`
}

// ParseEnv loads settings from the environment.
func ParseEnv() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// ParseEnvMap loads settings from an explicit variable set.
func ParseEnvMap(vars map[string]string) (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Environment: vars}); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}
