package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
	Hub      HubConfig      `mapstructure:"hub" yaml:"hub"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

type ServerConfig struct {
	Address        string        `mapstructure:"address" yaml:"address"`
	Port           string        `mapstructure:"port" yaml:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
}

type SessionsConfig struct {
	CodeLength   int           `mapstructure:"code_length" yaml:"code_length"`
	CodeAlphabet string        `mapstructure:"code_alphabet" yaml:"code_alphabet"`
	CodeAttempts int           `mapstructure:"code_attempts" yaml:"code_attempts"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`             // 0 disables the reaper
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
}

type HubConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

type PipelineConfig struct {
	Binary       string        `mapstructure:"binary" yaml:"binary"`
	InputFormat  string        `mapstructure:"input_format" yaml:"input_format"`
	OutputFormat string        `mapstructure:"output_format" yaml:"output_format"`
	MixDuration  string        `mapstructure:"mix_duration" yaml:"mix_duration"` // first, longest, shortest
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// TracingConfig enables OTLP/HTTP span export. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

var defaultConfig = Config{
	Server: ServerConfig{
		Address:        "",
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		MaxUploadBytes: 64 << 20,
	},
	Sessions: SessionsConfig{
		CodeLength:   8,
		CodeAlphabet: "1234567890ABCDEFGHIJKLMNOPQRSTUVWXYZ",
		CodeAttempts: 16,
		IdleTTL:      0,
		ReapInterval: time.Minute,
	},
	Hub: HubConfig{
		BufferSize: 16,
	},
	Pipeline: PipelineConfig{
		Binary:       "ffmpeg",
		InputFormat:  "mp3",
		OutputFormat: "mp3",
		MixDuration:  "first",
		Timeout:      2 * time.Minute,
	},
	Log: LogConfig{
		Level: "info",
	},
	Tracing: TracingConfig{
		Endpoint:    "",
		ServiceName: "jamsync",
		SampleRatio: 1,
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	c := defaultConfig
	return &c
}

// Loader reads the configuration file through viper. It keeps its viper
// instance so the file can be watched after the first load.
type Loader struct {
	fs   afero.Fs
	file string
	v    *viper.Viper
}

// NewLoader creates a loader for configFile on fs. A nil fs means the OS filesystem.
func NewLoader(fs afero.Fs, configFile string) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	v := viper.New()
	v.SetFs(fs)
	return &Loader{fs: fs, file: expandPath(configFile), v: v}
}

// File returns the resolved configuration path.
func (l *Loader) File() string {
	return l.file
}

// Load reads defaults, the config file and JAMSYNC_* environment overrides.
// A missing file is an error only when required is set.
func (l *Loader) Load(required bool) (*Config, error) {
	setDefaults(l.v)

	// Set environment variable prefix
	l.v.SetEnvPrefix("JAMSYNC")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.file != "" {
		exists, err := afero.Exists(l.fs, l.file)
		if err != nil {
			return nil, fmt.Errorf("error checking config file %s: %w", l.file, err)
		}
		switch {
		case exists:
			l.v.SetConfigFile(l.file)
			if err := l.v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", l.file, err)
			}
		case required:
			return nil, fmt.Errorf("config file not found: %s", l.file)
		default:
			slog.Debug("Config file not found, using defaults", "file", l.file)
		}
	}

	return l.decode()
}

// Watch calls onChange with the reloaded configuration whenever the file
// changes. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			slog.Warn("Ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("Config file changed", "file", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)
	v.SetDefault("sessions.code_length", d.Sessions.CodeLength)
	v.SetDefault("sessions.code_alphabet", d.Sessions.CodeAlphabet)
	v.SetDefault("sessions.code_attempts", d.Sessions.CodeAttempts)
	v.SetDefault("sessions.idle_ttl", d.Sessions.IdleTTL)
	v.SetDefault("sessions.reap_interval", d.Sessions.ReapInterval)
	v.SetDefault("hub.buffer_size", d.Hub.BufferSize)
	v.SetDefault("pipeline.binary", d.Pipeline.Binary)
	v.SetDefault("pipeline.input_format", d.Pipeline.InputFormat)
	v.SetDefault("pipeline.output_format", d.Pipeline.OutputFormat)
	v.SetDefault("pipeline.mix_duration", d.Pipeline.MixDuration)
	v.SetDefault("pipeline.timeout", d.Pipeline.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

// Validate checks every section and reports the first problem found.
func (c *Config) Validate() error {
	if err := c.Server.validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Sessions.validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if c.Hub.BufferSize < 1 {
		return fmt.Errorf("hub: buffer_size must be at least 1, got %d", c.Hub.BufferSize)
	}
	if err := c.Pipeline.validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}
	return nil
}

func (s ServerConfig) validate() error {
	port, err := strconv.Atoi(s.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port '%s'", s.Port)
	}
	if s.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must not be negative")
	}
	if s.MaxUploadBytes < 1 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", s.MaxUploadBytes)
	}
	return nil
}

func (s SessionsConfig) validate() error {
	if s.CodeLength < 4 {
		return fmt.Errorf("code_length must be at least 4, got %d", s.CodeLength)
	}
	if len([]rune(s.CodeAlphabet)) < 2 {
		return fmt.Errorf("code_alphabet needs at least 2 symbols")
	}
	if s.CodeAttempts < 1 {
		return fmt.Errorf("code_attempts must be at least 1, got %d", s.CodeAttempts)
	}
	if s.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl must not be negative")
	}
	if s.IdleTTL > 0 && s.ReapInterval <= 0 {
		return fmt.Errorf("reap_interval must be positive when idle_ttl is set")
	}
	return nil
}

func (p PipelineConfig) validate() error {
	if strings.TrimSpace(p.Binary) == "" {
		return fmt.Errorf("binary is required")
	}
	if p.InputFormat == "" || p.OutputFormat == "" {
		return fmt.Errorf("input_format and output_format are required")
	}
	switch p.MixDuration {
	case "first", "longest", "shortest":
	default:
		return fmt.Errorf("invalid mix_duration '%s' (valid: first, longest, shortest)", p.MixDuration)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid level '%s' (valid: debug, info, warn, error)", level)
}

// ListenAddr joins address and port for net/http.
func (s ServerConfig) ListenAddr() string {
	return s.Address + ":" + s.Port
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
