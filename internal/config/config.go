// Package config handles configuration loading, validation, and persistence
// for the Nethergate proxy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultPort        = 19132
	DefaultSynapsePort = 10305
	DefaultAPIPort     = 8080
)

// Config is the root configuration structure for Nethergate.
type Config struct {
	mu   sync.RWMutex
	path string

	Server   ServerConfig   `json:"server"`
	Network  NetworkConfig  `json:"network"`
	Threads  ThreadConfig   `json:"threads"`
	Synapse  SynapseConfig  `json:"synapse"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig holds the client-facing identity of the proxy.
type ServerConfig struct {
	Motd            string `json:"motd"`
	SubMotd         string `json:"sub_motd"`
	IP              string `json:"ip"`
	Port            int    `json:"port"`
	MaxPlayers      int    `json:"max_players"`
	PlusOneMaxCount bool   `json:"plus_one_max_count"`
	QueryVersion    string `json:"query_version"`
	GameProtocol    int    `json:"game_protocol"`
	ANSITitle       bool   `json:"ansi_title"`
	Console         bool   `json:"console"`
}

// NetworkConfig holds RakNet transport and batching limits.
type NetworkConfig struct {
	MaxSessions       int  `json:"max_sessions"`
	MinMTU            int  `json:"min_mtu"`
	MaxMTU            int  `json:"max_mtu"`
	CompressionLevel  int  `json:"compression_level"`
	UseSnappy         bool `json:"use_snappy_compression"`
	DataLimit         int  `json:"data_limit"`
	PacketLimit       int  `json:"packet_limit"`
	BatchLimit        int  `json:"batch_limit"`
	DatagramRateLimit int  `json:"datagram_rate_limit"`
	SessionTimeoutSec int  `json:"session_timeout_sec"`
}

// ThreadConfig holds worker sizing. Counts accept "auto" or a number.
type ThreadConfig struct {
	PlayerThreads   WorkerCount `json:"player_threads"`
	AsyncWorkers    WorkerCount `json:"async_workers"`
	PlayerTickQueue int         `json:"player_tick_queue"`
}

// SynapseConfig holds the backend link listener settings.
type SynapseConfig struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Password string `json:"password"`
}

// APIConfig holds admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds the ban store location.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// WorkerCount is a goroutine count that may be written as "auto".
// Zero means auto.
type WorkerCount int

// MarshalJSON writes zero as "auto".
func (w WorkerCount) MarshalJSON() ([]byte, error) {
	if w <= 0 {
		return []byte(`"auto"`), nil
	}
	return []byte(strconv.Itoa(int(w))), nil
}

// UnmarshalJSON accepts "auto", a number, or a numeric string.
func (w *WorkerCount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || strings.EqualFold(raw, "auto") {
		*w = 0
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid worker count %q", raw)
	}
	*w = WorkerCount(n)
	return nil
}

// Resolve returns the configured count, or auto when unset.
func (w WorkerCount) Resolve(auto int) int {
	if w > 0 {
		return int(w)
	}
	return auto
}

// AutoPlayerThreads is the player ticker pool size used for "auto".
func AutoPlayerThreads() int {
	return runtime.NumCPU()
}

// AutoAsyncWorkers is the async scheduler pool size used for "auto".
func AutoAsyncWorkers() int {
	n := runtime.NumCPU() + 1
	if n < 4 {
		n = 4
	}
	return n
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Motd:         "Nethergate Proxy",
			SubMotd:      "Nethergate",
			IP:           "0.0.0.0",
			Port:         DefaultPort,
			MaxPlayers:   1000,
			QueryVersion: "1.21.0",
			GameProtocol: 685,
			ANSITitle:    false,
			Console:      true,
		},
		Network: NetworkConfig{
			MaxSessions:       0,
			MinMTU:            576,
			MaxMTU:            1400,
			CompressionLevel:  6,
			DataLimit:         3145728,
			PacketLimit:       1300,
			BatchLimit:        500,
			DatagramRateLimit: 600,
			SessionTimeoutSec: 10,
		},
		Threads: ThreadConfig{
			PlayerTickQueue: 4096,
		},
		Synapse: SynapseConfig{
			IP:   "127.0.0.1",
			Port: DefaultSynapsePort,
		},
		API: APIConfig{
			Enabled:      false,
			Port:         DefaultAPIPort,
			RateLimitRPS: 20,
			TLSCertFile:  "config/api.crt",
			TLSKeyFile:   "config/api.key",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			TopicPrefix: "nethergate",
		},
		Database: DatabaseConfig{
			Path: "nethergate.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// SetMotd updates the advertised message of the day.
func (c *Config) SetMotd(motd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server.Motd = motd
}

// SetMaxPlayers updates the advertised player cap.
func (c *Config) SetMaxPlayers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server.MaxPlayers = n
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the backend link has no password yet.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Synapse.Password == ""
}
