// Package telemetry publishes server status, RCON notifications and
// heartbeats to an MQTT broker and exposes fleet metrics to Prometheus.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/srcquery/internal/config"
	"github.com/energizer-project/srcquery/internal/events"
	"github.com/energizer-project/srcquery/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus    = "status"
	TopicRCON      = "rcon"
	TopicAlerts    = "alerts"
	TopicHeartbeat = "heartbeat"
	TopicAdmin     = "admin"
)

// MQTTHandler manages the MQTT connection and publishes bus events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client

	// Merged into every message.
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the configured broker. It does not
// connect until Start.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	if mqttCfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker is not configured")
	}

	host := util.GetHostInfo()
	handler := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":  host.Hostname,
			"os":        host.OS,
			"arch":      host.Architecture,
			"cpu_model": host.CPUModel,
			"cpu_cores": host.CPUCores,
			"memory_mb": host.TotalMemoryMB,
			"version":   host.AppVersion,
		},
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(fmt.Sprintf("%s-%s", mqttCfg.ClientID, host.Hostname))
	} else {
		opts.SetClientID(fmt.Sprintf("srcquery-%s", host.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

func buildTLSConfig(mqttCfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS
	if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if mqttCfg.CAFile != "" {
		pem, err := os.ReadFile(mqttCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", mqttCfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects to the broker, subscribes to the bus and blocks until
// ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

var publishedEvents = []events.EventType{
	events.EventServerStatus,
	events.EventServerAdded,
	events.EventServerRemoved,
	events.EventRCONConnected,
	events.EventRCONDisconnected,
	events.EventRCONPasswordChanged,
	events.EventLatencyAlert,
	events.EventHeartbeat,
}

func (h *MQTTHandler) subscribeEvents() {
	for _, t := range publishedEvents {
		h.eventBus.Subscribe(t, "mqtt", h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range publishedEvents {
		h.eventBus.Unsubscribe(t, "mqtt")
	}
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	topic, body, ok := encodeEvent(event)
	if !ok {
		return nil
	}
	h.publish(h.topic(topic), body)
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// encodeEvent maps a bus event to its topic suffix and JSON body.
func encodeEvent(event events.Event) (string, map[string]interface{}, bool) {
	switch p := event.Payload.(type) {
	case events.ServerStatusPayload:
		body := map[string]interface{}{
			"address":  p.Address,
			"status":   p.Status.String(),
			"previous": p.Previous.String(),
		}
		if p.Error != "" {
			body["error"] = p.Error
		} else {
			body["name"] = p.Name
			body["map"] = p.Map
			body["players"] = p.Players
			body["max_players"] = p.MaxPlayers
			body["ping_ms"] = p.Ping.Milliseconds()
		}
		return TopicStatus, body, true

	case events.ServerPayload:
		// Shared by server add/remove and rcon connect.
		topic := TopicStatus
		if event.Type == events.EventRCONConnected {
			topic = TopicRCON
		}
		return topic, map[string]interface{}{
			"event":   string(event.Type),
			"address": p.Address,
			"name":    p.Name,
		}, true

	case events.RCONDisconnectedPayload:
		return TopicRCON, map[string]interface{}{
			"event":   string(event.Type),
			"address": p.Address,
			"reason":  p.Reason,
		}, true

	case events.RCONPasswordChangedPayload:
		return TopicAlerts, map[string]interface{}{
			"event":   string(event.Type),
			"level":   "critical",
			"address": p.Address,
			"message": "rcon password rejected",
		}, true

	case events.LatencyAlertPayload:
		return TopicAlerts, map[string]interface{}{
			"event":       string(event.Type),
			"level":       p.Level,
			"address":     p.Address,
			"timeouts":    p.Timeouts,
			"avg_ping_ms": p.AvgPing.Milliseconds(),
			"message":     p.Message,
		}, true

	case events.HeartbeatPayload:
		return TopicHeartbeat, map[string]interface{}{
			"servers":       p.Servers,
			"online":        p.Online,
			"offline":       p.Offline,
			"rcon_sessions": p.RCONSessions,
			"sockets":       p.Sockets,
		}, true
	}
	return "", nil, false
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), map[string]interface{}{
		"event": "shutdown",
	})
}
