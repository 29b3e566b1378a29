package config

import (
	"fmt"
	"time"
)

// Settings is an immutable snapshot of the configuration with worker
// counts resolved. Services receive it by value at construction.
type Settings struct {
	Server   ServerConfig
	Network  NetworkConfig
	Synapse  SynapseConfig
	API      APIConfig
	MQTT     MQTTConfig
	Database DatabaseConfig

	PlayerThreads   int
	AsyncWorkers    int
	PlayerTickQueue int
}

// Settings takes a snapshot of the current configuration.
func (c *Config) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Settings{
		Server:          c.Server,
		Network:         c.Network,
		Synapse:         c.Synapse,
		API:             c.API,
		MQTT:            c.MQTT,
		Database:        c.Database,
		PlayerThreads:   c.Threads.PlayerThreads.Resolve(AutoPlayerThreads()),
		AsyncWorkers:    c.Threads.AsyncWorkers.Resolve(AutoAsyncWorkers()),
		PlayerTickQueue: c.Threads.PlayerTickQueue,
	}
	s.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	if s.PlayerTickQueue <= 0 {
		s.PlayerTickQueue = 4096
	}
	return s
}

// ListenAddr is the UDP bind address for client sessions.
func (s Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Server.IP, s.Server.Port)
}

// SynapseAddr is the TCP bind address for backend links.
func (s Settings) SynapseAddr() string {
	return fmt.Sprintf("%s:%d", s.Synapse.IP, s.Synapse.Port)
}

// SessionTimeout is how long a session may stay silent before it is dropped.
func (s Settings) SessionTimeout() time.Duration {
	if s.Network.SessionTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.Network.SessionTimeoutSec) * time.Second
}
