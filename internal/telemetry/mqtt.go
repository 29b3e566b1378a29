// Package telemetry publishes proxy state to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/config"
	"github.com/nethergate/nethergate/internal/events"
	"github.com/nethergate/nethergate/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus   = "status"
	TopicQuery    = "query"
	TopicPlayers  = "players"
	TopicServers  = "servers"
	TopicBans     = "bans"
	TopicAdmin    = "admin"
	publishQoS    = 1
	disconnectMax = 5000
)

// broker is the part of mqtt.Client the handler uses.
type broker interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards bus events to MQTT topics.
type MQTTHandler struct {
	mu sync.Mutex

	cfg    config.MQTTConfig
	client mqtt.Client
	broker broker
	prefix string

	// included in every message
	metadata map[string]interface{}
	now      func() time.Time
}

// NewMQTTHandler creates a handler for cfg. It fails when MQTT is disabled.
func NewMQTTHandler(cfg config.MQTTConfig) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := newHandler(cfg, map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"os":          sysInfo.OS,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"app_version": util.Version,
	})

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("nethergate-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.broker = h.client
	return h, nil
}

func newHandler(cfg config.MQTTConfig, metadata map[string]interface{}) *MQTTHandler {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "nethergate"
	}
	return &MQTTHandler{
		cfg:      cfg,
		prefix:   prefix,
		metadata: metadata,
		now:      time.Now,
	}
}

// Start connects, subscribes to bus and blocks until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context, bus *events.EventBus) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Subscribe(bus)

	<-ctx.Done()

	h.PublishShutdown("context cancelled")
	h.client.Disconnect(disconnectMax)
	log.Info().Msg("MQTT disconnected")
	return nil
}

// Subscribe registers the handler's bus subscriptions.
func (h *MQTTHandler) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventStatus, "mqtt.status", h.retained(TopicStatus))
	bus.Subscribe(events.EventQueryRegenerate, "mqtt.query", h.retained(TopicQuery))
	bus.Subscribe(events.EventPlayerJoin, "mqtt.playerJoin", h.tagged(TopicPlayers, "join"))
	bus.Subscribe(events.EventPlayerQuit, "mqtt.playerQuit", h.tagged(TopicPlayers, "quit"))
	bus.Subscribe(events.EventPlayerTransfer, "mqtt.playerTransfer", h.tagged(TopicPlayers, "transfer"))
	bus.Subscribe(events.EventBackendAdded, "mqtt.backendAdded", h.tagged(TopicServers, "added"))
	bus.Subscribe(events.EventBackendRemoved, "mqtt.backendRemoved", h.tagged(TopicServers, "removed"))
	bus.Subscribe(events.EventBanChanged, "mqtt.banChanged", h.tagged(TopicBans, "changed"))
	bus.Subscribe(events.EventShutdown, "mqtt.shutdown", h.tagged(TopicAdmin, "shutdown"))
}

// Topic joins the prefix and a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return h.prefix + "/" + suffix
}

func (h *MQTTHandler) retained(suffix string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		return h.publish(suffix, true, event.Payload)
	}
}

func (h *MQTTHandler) tagged(suffix, name string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		return h.publish(suffix, false, map[string]interface{}{
			"event":   name,
			"payload": event.Payload,
		})
	}
}

// publish sends a JSON message. Nothing is sent while disconnected.
func (h *MQTTHandler) publish(suffix string, retained bool, payload interface{}) error {
	h.mu.Lock()
	b := h.broker
	h.mu.Unlock()
	if b == nil || !b.IsConnected() {
		return nil
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", suffix, err)
	}

	topic := h.Topic(suffix)
	token := b.Publish(topic, publishQoS, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
	return nil
}

func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = h.now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown announces that the proxy is stopping.
func (h *MQTTHandler) PublishShutdown(reason string) {
	if err := h.publish(TopicAdmin, false, map[string]interface{}{
		"event":  "shutdown",
		"reason": reason,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to publish shutdown")
	}
}
