package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	ICE       ICEConfig       `mapstructure:"ice"`
	VAD       VADConfig       `mapstructure:"vad"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig tunes the development relay server.
type ServerConfig struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	Secret    string `mapstructure:"secret"`
	ReadLimit int64  `mapstructure:"read_limit"`
}

// TransportConfig selects and tunes the relay link. Kind picks the
// websocket strategy ("gorilla" or "coder") at construction time.
type TransportConfig struct {
	Kind         string        `mapstructure:"kind"`
	RelayURL     string        `mapstructure:"relay_url"`
	AuthToken    string        `mapstructure:"auth_token"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

type ICEConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

type VADConfig struct {
	Threshold         float64       `mapstructure:"threshold"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	Debounce          time.Duration `mapstructure:"debounce"`
	OpenMicInactivity time.Duration `mapstructure:"open_mic_inactivity"`
}

// PresenceConfig points at the persisted-state REST endpoints. Calls are
// best-effort; the real-time event stream stays the source of truth.
type PresenceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.secret", "dev-secret")
	v.SetDefault("server.read_limit", 32768)

	v.SetDefault("transport.kind", "gorilla")
	v.SetDefault("transport.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("transport.initial_delay", "1s")
	v.SetDefault("transport.max_delay", "30s")
	v.SetDefault("transport.max_attempts", 10)
	v.SetDefault("transport.write_timeout", "5s")
	v.SetDefault("transport.send_buffer", 32)

	v.SetDefault("ice.stun_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})

	v.SetDefault("vad.threshold", 15.0)
	v.SetDefault("vad.sample_interval", "50ms")
	v.SetDefault("vad.debounce", "200ms")
	v.SetDefault("vad.open_mic_inactivity", "3m")

	v.SetDefault("presence.base_url", "http://localhost:8080/api")
	v.SetDefault("presence.timeout", "3s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9091")
}
