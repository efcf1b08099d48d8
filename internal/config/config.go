package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Televisit/internal/adapters/rtc"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Call   CallConfig   `mapstructure:"call"`
}

type ServerConfig struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	DBPath         string        `mapstructure:"db_path"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SignalRate     float64       `mapstructure:"signal_rate"`
	SignalBurst    int           `mapstructure:"signal_burst"`
	PollWait       time.Duration `mapstructure:"poll_wait"`
}

// CallConfig is handed to the call controller at Initialize time.
type CallConfig struct {
	ICEServers          []rtc.ICEServer `mapstructure:"ice_servers"`
	StatsInterval       time.Duration   `mapstructure:"stats_interval"`
	AcquireTimeout      time.Duration   `mapstructure:"acquire_timeout"`
	HandshakeTimeout    time.Duration   `mapstructure:"handshake_timeout"`
	MaxRecoveryAttempts int             `mapstructure:"max_recovery_attempts"`
	RecoveryBackoff     time.Duration   `mapstructure:"recovery_backoff"`
	PoorThreshold       int             `mapstructure:"poor_threshold"`
	IncludeLoopback     bool            `mapstructure:"include_loopback"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). Environment
// variables prefixed with TELEVISIT_ override file values, e.g.
// TELEVISIT_SERVER_PORT.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("televisit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Int("ice_servers", len(cfg.Call.ICEServers)).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 65536)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.secret", "televisit-dev-secret")
	v.SetDefault("server.db_path", "./data/televisit.db")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.signal_rate", 50)
	v.SetDefault("server.signal_burst", 100)
	v.SetDefault("server.poll_wait", "25s")

	v.SetDefault("call.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("call.stats_interval", "5s")
	v.SetDefault("call.acquire_timeout", "30s")
	v.SetDefault("call.handshake_timeout", "30s")
	v.SetDefault("call.max_recovery_attempts", 3)
	v.SetDefault("call.recovery_backoff", "2s")
	v.SetDefault("call.poor_threshold", 3)
	v.SetDefault("call.include_loopback", false)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d]: no urls", i)
		}
	}
	if c.Call.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("invalid call.max_recovery_attempts %d", c.Call.MaxRecoveryAttempts)
	}
	return nil
}
