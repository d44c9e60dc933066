package app

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	intrnl "realtime/internal"
	"realtime/internal/statsbus"
)

const envPrefix = "REALTIME_"

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Set parses a duration string, so Duration can back a command-line flag.
func (d *Duration) Set(raw string) error {
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse duration %q", raw)
	}
	if parsed < 0 {
		return 0, errors.Errorf("negative duration %q", raw)
	}
	return parsed, nil
}

type EventsConfig struct {
	Online  string `yaml:"online"`
	Offline string `yaml:"offline"`
	Message string `yaml:"message"`
	Ack     string `yaml:"ack"`
	Welcome string `yaml:"welcome"`
}

type RateLimitConfig struct {
	Burst  int      `yaml:"burst"`
	Window Duration `yaml:"window"`
}

// RedisConfig enables the stats mirror when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr                  string          `yaml:"addr"`
	DBPath                string          `yaml:"db_path"`
	ReconcileDelay        Duration        `yaml:"reconcile_delay"`
	BootstrapTimeout      Duration        `yaml:"bootstrap_timeout"`
	StoreTimeout          Duration        `yaml:"store_timeout"`
	MaxConnectionsPerUser int             `yaml:"max_connections_per_user"`
	RequireNamespace      bool            `yaml:"require_namespace"`
	UserHeader            string          `yaml:"user_header"`
	AdminTokenHash        string          `yaml:"admin_token_hash"`
	Events                EventsConfig    `yaml:"events"`
	StatsChannel          string          `yaml:"stats_channel"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	Redis                 RedisConfig     `yaml:"redis"`
	Log                   LogConfig       `yaml:"log"`
}

// ClientConfig defines the parameters the monitor needs.
type ClientConfig struct {
	ServerURL string
	Token     string
}

// DefaultServerConfig returns the settings used when nothing overrides them.
func DefaultServerConfig() ServerConfig {
	events := intrnl.DefaultEventNames()
	return ServerConfig{
		Addr:             ":8080",
		DBPath:           DefaultDBPath(),
		ReconcileDelay:   Duration(intrnl.DefaultReconcileDelay),
		BootstrapTimeout: Duration(intrnl.DefaultBootstrapTimeout),
		StoreTimeout:     Duration(intrnl.DefaultStoreTimeout),
		UserHeader:       intrnl.DefaultUserHeader,
		Events: EventsConfig{
			Online:  events.Online,
			Offline: events.Offline,
			Message: events.Message,
			Ack:     events.Ack,
			Welcome: intrnl.DefaultWelcomeMessage,
		},
		StatsChannel: intrnl.DefaultStatsChannel,
		RateLimit: RateLimitConfig{
			Burst:  20,
			Window: Duration(10 * time.Second),
		},
		Redis: RedisConfig{Channel: statsbus.DefaultChannel},
		Log:   LogConfig{Level: "info"},
	}
}

// LoadConfig layers defaults, the optional YAML file at path and REALTIME_*
// environment variables, in that order.
func LoadConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decodeYAML(data []byte, cfg *ServerConfig) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

func applyEnv(cfg *ServerConfig, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				keep(errors.Wrapf(err, "%s%s", envPrefix, name))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				keep(errors.Wrapf(err, "%s%s", envPrefix, name))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				keep(errors.Wrapf(err, "%s%s", envPrefix, name))
				return
			}
			*dst = Duration(d)
		}
	}

	str("ADDR", &cfg.Addr)
	str("DB_PATH", &cfg.DBPath)
	duration("RECONCILE_DELAY", &cfg.ReconcileDelay)
	duration("BOOTSTRAP_TIMEOUT", &cfg.BootstrapTimeout)
	duration("STORE_TIMEOUT", &cfg.StoreTimeout)
	integer("MAX_CONNECTIONS_PER_USER", &cfg.MaxConnectionsPerUser)
	boolean("REQUIRE_NAMESPACE", &cfg.RequireNamespace)
	str("USER_HEADER", &cfg.UserHeader)
	str("ADMIN_TOKEN_HASH", &cfg.AdminTokenHash)
	str("STATS_CHANNEL", &cfg.StatsChannel)
	integer("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	duration("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)
	str("REDIS_CHANNEL", &cfg.Redis.Channel)
	str("LOG_LEVEL", &cfg.Log.Level)
	boolean("LOG_DEVELOPMENT", &cfg.Log.Development)
	return firstErr
}

// Validate rejects settings the server cannot run with.
func (cfg ServerConfig) Validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return errors.New("addr is required")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("database path is required")
	}
	if cfg.MaxConnectionsPerUser < 0 {
		return errors.New("max_connections_per_user must not be negative")
	}
	if cfg.RateLimit.Burst < 0 {
		return errors.New("rate_limit.burst must not be negative")
	}
	if cfg.StatsChannel != "" && !strings.HasPrefix(cfg.StatsChannel, "/") {
		return errors.Errorf("stats_channel %q must start with /", cfg.StatsChannel)
	}
	return nil
}

// HubConfig translates the file settings into the hub's.
func (cfg ServerConfig) HubConfig() intrnl.HubConfig {
	return intrnl.HubConfig{
		ReconcileDelay:        cfg.ReconcileDelay.Std(),
		BootstrapTimeout:      cfg.BootstrapTimeout.Std(),
		StoreTimeout:          cfg.StoreTimeout.Std(),
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		StatsChannel:          cfg.StatsChannel,
		WelcomeMessage:        cfg.Events.Welcome,
		Events: intrnl.EventNames{
			Online:  cfg.Events.Online,
			Offline: cfg.Events.Offline,
			Message: cfg.Events.Message,
			Ack:     cfg.Events.Ack,
		},
	}
}

func (cfg ServerConfig) HTTPConfig() intrnl.ServerConfig {
	return intrnl.ServerConfig{
		UserHeader:       cfg.UserHeader,
		AdminTokenHash:   cfg.AdminTokenHash,
		RequireNamespace: cfg.RequireNamespace,
		RateLimitBurst:   cfg.RateLimit.Burst,
		RateLimitWindow:  cfg.RateLimit.Window.Std(),
	}
}

func (cfg ServerConfig) StatsbusConfig() statsbus.Config {
	return statsbus.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Channel:  cfg.Redis.Channel,
	}
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("REALTIME_DATA_DIR"); env != "" {
		return filepath.Join(env, "realtime.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "realtime", "realtime.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Realtime", "realtime.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Realtime", "realtime.db")
		}
		return filepath.Join(home, ".local", "share", "realtime", "realtime.db")
	}
	return filepath.Join(".", ".realtime", "realtime.db")
}
