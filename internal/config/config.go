// Package config handles alicia bootstrap configuration loading.
//
// The bootstrap file covers broker credentials, listen ports, data
// directories, and per-service tuning. Runtime configuration layered on top
// of it (per-service overlays, environments) is owned by the configuration
// service; see the configsvc package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./alicia.yaml, ~/.config/alicia/alicia.yaml, /etc/alicia/alicia.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"alicia.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "alicia", "alicia.yaml"))
	}

	paths = append(paths, "/etc/alicia/alicia.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all alicia bootstrap configuration.
type Config struct {
	MQTT        MQTTConfig     `yaml:"mqtt"`
	Environment string         `yaml:"environment"`
	DataDir     string         `yaml:"data_dir"`
	LogLevel    string         `yaml:"log_level"`
	LogFormat   string         `yaml:"log_format" validate:"omitempty,oneof=text json"`
	Health      HealthConfig   `yaml:"health"`
	ConfigSvc   ConfigSvc      `yaml:"config_service"`
	Security    SecurityConfig `yaml:"security"`
	Balancer    BalancerConfig `yaml:"load_balancer"`
	Devices     DevicesConfig  `yaml:"device_manager"`
	Monitor     MonitorConfig  `yaml:"health_monitor"`
	TTS         TTSConfig      `yaml:"tts"`
	STT         STTConfig      `yaml:"stt"`
	AI          AIConfig       `yaml:"ai"`
}

// MQTTConfig defines broker connection settings shared by every service.
type MQTTConfig struct {
	Host      string `yaml:"host" validate:"required"`
	Port      int    `yaml:"port" validate:"min=1,max=65535"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TLS       bool   `yaml:"tls"`
	KeepAlive int    `yaml:"keepalive"` // seconds
}

// URL renders the broker address in the scheme://host:port form the
// connection manager expects.
func (m MQTTConfig) URL() string {
	scheme := "mqtt"
	if m.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)
}

// HealthConfig tunes the runtime heartbeat every service publishes.
type HealthConfig struct {
	CheckInterval int `yaml:"health_check_interval"` // seconds
}

// ConfigSvc defines the configuration service.
type ConfigSvc struct {
	Port int    `yaml:"port" validate:"min=0,max=65535"`
	Dir  string `yaml:"dir"` // defaults to {data_dir}/config
}

// SecurityConfig defines the security gateway.
type SecurityConfig struct {
	Port     int    `yaml:"port" validate:"min=0,max=65535"`
	TokenTTL int    `yaml:"token_ttl"` // seconds
	Cipher   string `yaml:"cipher" validate:"omitempty,oneof=aes-gcm chacha20poly1305"`
	KeysDir  string `yaml:"keys_dir"`  // defaults to {data_dir}/keys
	CertsDir string `yaml:"certs_dir"` // defaults to {data_dir}/certs
	CAFile   string `yaml:"ca_file"`   // optional PEM bundle for device cert verification
}

// BalancerConfig defines the load balancer.
type BalancerConfig struct {
	Port             int    `yaml:"port" validate:"min=0,max=65535"`
	Algorithm        string `yaml:"algorithm" validate:"omitempty,oneof=round_robin least_connections weighted_round_robin random"`
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  int    `yaml:"recovery_timeout"` // seconds
}

// DevicesConfig defines the device manager.
type DevicesConfig struct {
	Port                  int `yaml:"port" validate:"min=0,max=65535"`
	CommandTimeout        int `yaml:"command_timeout"`         // seconds
	MaxConcurrentCommands int `yaml:"max_concurrent_commands"` //
	StatusUpdateInterval  int `yaml:"status_update_interval"`  // seconds, liveness sweep
	OfflineAfter          int `yaml:"offline_after"`           // seconds without status before offline
	QueueSize             int `yaml:"queue_size"`
}

// MonitorConfig defines the discovery and health monitor service.
type MonitorConfig struct {
	Port          int           `yaml:"port" validate:"min=0,max=65535"`
	ProbeTimeout  int           `yaml:"probe_timeout"`  // seconds
	CheckInterval int           `yaml:"check_interval"` // seconds
	StaleAfter    int           `yaml:"stale_after"`    // seconds without heartbeat before reaping
	Probes        []ProbeConfig `yaml:"probes"`
}

// ProbeConfig names an HTTP health endpoint the monitor polls directly.
type ProbeConfig struct {
	Service string `yaml:"service" validate:"required"`
	URL     string `yaml:"url" validate:"required,url"`
}

// TTSConfig defines the text-to-speech service.
type TTSConfig struct {
	Port          int          `yaml:"port" validate:"min=0,max=65535"`
	Engine        string       `yaml:"engine" validate:"omitempty,oneof=piper google azure"`
	Voice         string       `yaml:"voice"`
	MaxTextLength int          `yaml:"max_text_length"`
	QueueSize     int          `yaml:"queue_size"`
	Workers       int          `yaml:"workers"`
	OutputDir     string       `yaml:"output_dir"`
	Piper         PiperConfig  `yaml:"piper"`
	Google        GoogleConfig `yaml:"google"`
	Azure         AzureConfig  `yaml:"azure"`
}

// PiperConfig locates the piper binary and voice model.
type PiperConfig struct {
	Binary string `yaml:"binary"`
	Model  string `yaml:"model"`
}

// GoogleConfig holds Google Cloud speech API settings.
type GoogleConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// AzureConfig holds Azure speech API settings.
type AzureConfig struct {
	APIKey string `yaml:"api_key"`
	Region string `yaml:"region"`
}

// STTConfig defines the speech-to-text service.
type STTConfig struct {
	Port      int           `yaml:"port" validate:"min=0,max=65535"`
	Engine    string        `yaml:"engine" validate:"omitempty,oneof=whisper google azure"`
	QueueSize int           `yaml:"queue_size"`
	Workers   int           `yaml:"workers"`
	Whisper   WhisperConfig `yaml:"whisper"`
	Google    GoogleConfig  `yaml:"google"`
	Azure     AzureConfig   `yaml:"azure"`
}

// WhisperConfig locates the whisper binary and model.
type WhisperConfig struct {
	Binary string `yaml:"binary"`
	Model  string `yaml:"model"`
}

// AIConfig defines the AI completion service. The endpoint speaks the
// OpenAI-compatible chat completions protocol, which covers both local
// (ollama, llama.cpp) and hosted back ends.
type AIConfig struct {
	Port              int    `yaml:"port" validate:"min=0,max=65535"`
	Model             string `yaml:"model"`
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"`
	SystemPrompt      string `yaml:"system_prompt"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	TokensPerMinute   int    `yaml:"tokens_per_minute"`
	QueueSize         int    `yaml:"queue_size"`
	Workers           int    `yaml:"workers"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDirDefaults()

	return cfg, nil
}

// Validate checks the loaded configuration against the struct constraints.
// Call after Load, before wiring services. Fails fast with the first
// offending field spelled out.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate config: %w", err)
	}
	first := verrs[0]
	return fmt.Errorf("invalid config: field %s fails %q (value %v)",
		first.Namespace(), first.Tag(), first.Value())
}

// Default returns a configuration with every tuning knob at its
// documented default. Ports are allocated one per service so `serve all`
// works out of the box.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			KeepAlive: 60,
		},
		Environment: "development",
		DataDir:     "data",
		LogLevel:    "info",
		LogFormat:   "text",
		Health:      HealthConfig{CheckInterval: 30},
		ConfigSvc:   ConfigSvc{Port: 8081},
		Security: SecurityConfig{
			Port:     8082,
			TokenTTL: 3600,
			Cipher:   "aes-gcm",
		},
		Balancer: BalancerConfig{
			Port:             8083,
			Algorithm:        "round_robin",
			FailureThreshold: 5,
			RecoveryTimeout:  60,
		},
		Devices: DevicesConfig{
			Port:                  8084,
			CommandTimeout:        30,
			MaxConcurrentCommands: 10,
			StatusUpdateInterval:  60,
			OfflineAfter:          300,
			QueueSize:             100,
		},
		Monitor: MonitorConfig{
			Port:          8085,
			ProbeTimeout:  10,
			CheckInterval: 30,
			StaleAfter:    300,
		},
		TTS: TTSConfig{
			Port:          8086,
			Engine:        "piper",
			MaxTextLength: 1000,
			QueueSize:     32,
			Workers:       1,
			OutputDir:     os.TempDir(),
			Piper:         PiperConfig{Binary: "piper"},
		},
		STT: STTConfig{
			Port:      8087,
			Engine:    "whisper",
			QueueSize: 32,
			Workers:   1,
			Whisper:   WhisperConfig{Binary: "whisper"},
		},
		AI: AIConfig{
			Port:              8088,
			Model:             "llama3.2",
			Endpoint:          "http://localhost:11434/v1",
			RequestsPerMinute: 480,
			TokensPerMinute:   2_000_000,
			QueueSize:         32,
			Workers:           1,
		},
	}
}

// applyDirDefaults fills directory settings that derive from data_dir.
func (c *Config) applyDirDefaults() {
	if c.ConfigSvc.Dir == "" {
		c.ConfigSvc.Dir = filepath.Join(c.DataDir, "config")
	}
	if c.Security.KeysDir == "" {
		c.Security.KeysDir = filepath.Join(c.DataDir, "keys")
	}
	if c.Security.CertsDir == "" {
		c.Security.CertsDir = filepath.Join(c.DataDir, "certs")
	}
}

// Seconds converts a whole-second config value to a duration, substituting
// def when the value is unset or negative.
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
