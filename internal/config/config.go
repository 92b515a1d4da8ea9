// Package config provides Viper-based configuration loading for the gambit server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gambit/internal/match/ident"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this process in logs and in the gRPC health service.
	Name string `mapstructure:"name" yaml:"name"`
}

// HTTPConfig holds the WebSocket and liveness listener settings.
type HTTPConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port" yaml:"port"`
	// AllowedOrigins are the host patterns accepted during the WebSocket handshake.
	// Empty means same-origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// ReadHeaderTimeout bounds reading the upgrade request headers.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// MaxFrameBytes is the largest inbound frame accepted.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	// MaxFramesPerSecond is the sustained inbound frame rate per connection.
	MaxFramesPerSecond int `mapstructure:"max_frames_per_second" yaml:"max_frames_per_second"`
	// OutboxSize is the number of outbound frames buffered per connection.
	OutboxSize int `mapstructure:"outbox_size" yaml:"outbox_size"`
	// IdleTimeout is the silence after which a connection is warned. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// IdleGracePeriod is the additional silence after the warning before disconnecting.
	IdleGracePeriod time.Duration `mapstructure:"idle_grace_period" yaml:"idle_grace_period"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// HealthConfig holds gRPC health service settings.
type HealthConfig struct {
	// GRPCHost is the bind address for the gRPC health listener.
	GRPCHost string `mapstructure:"grpc_host" yaml:"grpc_host"`
	// GRPCPort is the TCP port for the gRPC health listener. Zero disables it.
	GRPCPort int `mapstructure:"grpc_port" yaml:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Enabled reports whether the gRPC health listener should run.
func (h HealthConfig) Enabled() bool {
	return h.GRPCPort != 0
}

// SessionConfig holds match session settings.
type SessionConfig struct {
	// CodeLength is the number of characters in a join code.
	CodeLength int `mapstructure:"code_length" yaml:"code_length"`
	// CodeAlphabet is the set of characters join codes are drawn from.
	CodeAlphabet string `mapstructure:"code_alphabet" yaml:"code_alphabet"`
	// CodeAttempts bounds regeneration when a code is already waiting.
	CodeAttempts int `mapstructure:"code_attempts" yaml:"code_attempts"`
	// MaxChatLength is the longest chat message accepted, in characters.
	MaxChatLength int `mapstructure:"max_chat_length" yaml:"max_chat_length"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Health  HealthConfig  `mapstructure:"health" yaml:"health"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHTTP(c.HTTP); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Dump renders the configuration as YAML.
func (c Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return out, nil
}

func validateServer(s ServerConfig) error {
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 0 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 0-65535, got %d", h.Port))
	}
	if h.ReadHeaderTimeout < 0 {
		errs = append(errs, "http.read_header_timeout must not be negative")
	}
	if h.WriteTimeout <= 0 {
		errs = append(errs, "http.write_timeout must be positive")
	}
	if h.MaxFrameBytes < 512 {
		errs = append(errs, fmt.Sprintf("http.max_frame_bytes must be >= 512, got %d", h.MaxFrameBytes))
	}
	if h.MaxFramesPerSecond < 1 {
		errs = append(errs, fmt.Sprintf("http.max_frames_per_second must be >= 1, got %d", h.MaxFramesPerSecond))
	}
	if h.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("http.outbox_size must be >= 1, got %d", h.OutboxSize))
	}
	if h.IdleTimeout < 0 {
		errs = append(errs, "http.idle_timeout must not be negative")
	}
	if h.IdleGracePeriod < 0 {
		errs = append(errs, "http.idle_grace_period must not be negative")
	}
	for _, o := range h.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, "http.allowed_origins must not contain empty entries")
			break
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	var errs []string
	if h.GRPCHost == "" {
		errs = append(errs, "health.grpc_host must not be empty")
	}
	if h.GRPCPort < 0 || h.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("health.grpc_port must be 0-65535, got %d", h.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.CodeLength < 4 || s.CodeLength > 16 {
		errs = append(errs, fmt.Sprintf("session.code_length must be 4-16, got %d", s.CodeLength))
	}
	if err := ident.ValidateAlphabet(s.CodeAlphabet); err != nil {
		errs = append(errs, fmt.Sprintf("session.code_alphabet is invalid: %v", err))
	}
	if s.CodeAttempts < 1 {
		errs = append(errs, fmt.Sprintf("session.code_attempts must be >= 1, got %d", s.CodeAttempts))
	}
	if s.MaxChatLength < 1 {
		errs = append(errs, fmt.Sprintf("session.max_chat_length must be >= 1, got %d", s.MaxChatLength))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path skips the file and uses
// defaults plus environment.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and environment bindings
// installed. Variables use the GAMBIT_ prefix; PORT and CLIENT_URL are also
// honoured for http.port and http.allowed_origins.
//
// Postcondition: Returns a non-nil Viper instance.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("GAMBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("http.port", "GAMBIT_HTTP_PORT", "PORT")
	_ = v.BindEnv("http.allowed_origins", "GAMBIT_HTTP_ALLOWED_ORIGINS", "CLIENT_URL")

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.HTTP.AllowedOrigins = originHosts(cfg.HTTP.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// originHosts strips schemes and trailing slashes so that a browser origin
// such as "http://localhost:5173/" becomes the host pattern "localhost:5173".
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		o = strings.TrimRight(o, "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "gambit")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.allowed_origins", []string{"localhost:5173"})
	v.SetDefault("http.read_header_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.max_frame_bytes", 32768)
	v.SetDefault("http.max_frames_per_second", 20)
	v.SetDefault("http.outbox_size", 64)
	v.SetDefault("http.idle_timeout", "0s")
	v.SetDefault("http.idle_grace_period", "1m")

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50061)

	v.SetDefault("session.code_length", 6)
	v.SetDefault("session.code_alphabet", "ABCDEFGHJKLMNPQRSTUVWXYZ23456789")
	v.SetDefault("session.code_attempts", 16)
	v.SetDefault("session.max_chat_length", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
