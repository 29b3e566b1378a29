package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateNetwork(&cfg.Network, result)
	validateSynapse(&cfg.Synapse, result)
	validateServices(cfg, result)

	if cfg.Server.Port == cfg.Synapse.Port && cfg.Server.Port != 0 {
		// UDP and TCP may share a number, but it confuses operators
		result.AddWarning("synapse.port", "backend link port equals the client port")
	}
	if cfg.API.Enabled && cfg.API.Port == cfg.Synapse.Port {
		result.AddError("api.port", "port conflict detected: api and synapse ports must differ")
	}

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.Motd) == "" {
		result.AddWarning("server.motd", "empty motd will show a blank server name")
	}
	if strings.Contains(s.Motd, ";") || strings.Contains(s.SubMotd, ";") {
		result.AddError("server.motd", "motd must not contain ';'")
	}
	if s.IP != "" && net.ParseIP(s.IP) == nil {
		result.AddError("server.ip", fmt.Sprintf("invalid bind address: %s", s.IP))
	}
	validatePort(s.Port, "server.port", result)
	if s.MaxPlayers < 1 {
		result.AddError("server.max_players", "must allow at least 1 player")
	}
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	if n.MaxSessions < 0 {
		result.AddError("network.max_sessions", "must be 0 (unlimited) or positive")
	}
	if n.MinMTU < 400 {
		result.AddError("network.min_mtu", fmt.Sprintf("min mtu %d is below 400", n.MinMTU))
	}
	if n.MaxMTU < n.MinMTU {
		result.AddError("network.max_mtu", "max mtu must not be smaller than min mtu")
	}
	if n.MaxMTU > 1500 {
		result.AddWarning("network.max_mtu", "mtu above 1500 will usually fragment on the wire")
	}
	if n.CompressionLevel < 0 || n.CompressionLevel > 9 {
		result.AddError("network.compression_level",
			fmt.Sprintf("invalid compression level: %d (must be 0-9)", n.CompressionLevel))
	}
	if n.DataLimit < 1024 {
		result.AddError("network.data_limit", "data limit must be at least 1024 bytes")
	}
	if n.BatchLimit < 1 {
		result.AddError("network.batch_limit", "batch limit must be at least 1")
	}
	if n.PacketLimit < 1 {
		result.AddError("network.packet_limit", "packet limit must be at least 1")
	}
	if n.DatagramRateLimit <= 0 {
		result.AddWarning("network.datagram_rate_limit",
			"datagram rate limit is disabled, floods will reach the parser")
	}
}

func validateSynapse(s *SynapseConfig, result *ValidationResult) {
	validatePort(s.Port, "synapse.port", result)
	if len(s.Password) != 16 {
		result.AddError("synapse.password", "backend link password must be exactly 16 characters")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if strings.TrimSpace(cfg.API.Token) == "" {
			result.AddWarning("api.token", "admin API has no token, control routes are open")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddError("database.path", "ban store path is required")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
