package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarforecast/pkg/log"
	"github.com/raterudder/solarforecast/pkg/types"
)

// MQTTClient is the part of mqtt.Client the notifier uses.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTT publishes entry changes to an MQTT broker. The payload is the entry
// JSON without the api key, sent to {prefix}/{domain}/{entryID}/{event}.
type MQTT struct {
	newClient      func() MQTTClient
	conn           MQTTClient
	prefix         string
	qos            byte
	publishTimeout time.Duration
	maxRetries     uint64
}

var _ Notifier = (*MQTT)(nil)

func configuredMQTT() *MQTT {
	broker := lflag.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker address")
	clientID := lflag.String("mqtt-client-id", "solarforecast", "MQTT client id")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", "solarforecast", "Prefix of the topics entry events are published to")

	m := &MQTT{
		qos:            1,
		publishTimeout: 5 * time.Second,
		maxRetries:     4,
	}
	lflag.Do(func() {
		opts := mqtt.NewClientOptions().
			AddBroker(*broker).
			SetClientID(*clientID).
			SetUsername(*username).
			SetPassword(*password).
			SetCleanSession(true).
			SetAutoReconnect(true).
			SetWill(strings.TrimSuffix(*prefix, "/")+"/status", "offline", 1, true)
		opts.OnConnectionLost = func(_ mqtt.Client, err error) {
			slog.Warn("mqtt connection lost", slog.Any("error", err))
		}
		m.prefix = strings.TrimSuffix(*prefix, "/")
		m.newClient = func() MQTTClient { return mqtt.NewClient(opts) }
	})
	return m
}

// NewMQTT returns an MQTT notifier using newClient to build connections.
func NewMQTT(newClient func() MQTTClient, prefix string) *MQTT {
	return &MQTT{
		newClient:      newClient,
		prefix:         strings.TrimSuffix(prefix, "/"),
		qos:            1,
		publishTimeout: 5 * time.Second,
		maxRetries:     4,
	}
}

// Connect connects to the broker, retrying with exponential backoff, and
// publishes a retained online status.
func (m *MQTT) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var attempt int
	err := backoff.Retry(func() error {
		attempt++
		conn := m.newClient()
		token := conn.Connect()
		if !token.WaitTimeout(m.publishTimeout) {
			return errors.New("timed out connecting to mqtt broker")
		}
		if err := token.Error(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to connect to mqtt broker", slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		m.conn = conn
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, m.maxRetries), ctx))
	if err != nil {
		return fmt.Errorf("could not establish mqtt connection after retries: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.Int("attempts", attempt))
	return m.publish(ctx, m.prefix+"/status", true, []byte("online"))
}

// Topic returns the topic event for entry is published to.
func (m *MQTT) Topic(entry types.ConfigEntry, event string) string {
	return fmt.Sprintf("%s/%s/%s/%s", m.prefix, entry.Domain, entry.ID, event)
}

func (m *MQTT) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if m.conn == nil {
		return errors.New("mqtt notifier not connected")
	}
	token := m.conn.Publish(topic, m.qos, retained, payload)
	if !token.WaitTimeout(m.publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish mqtt message", slog.String("topic", topic), slog.Any("error", err))
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "published mqtt message", slog.String("topic", topic))
	return nil
}

func (m *MQTT) event(ctx context.Context, event string, entry types.ConfigEntry) error {
	// the api key never leaves the service
	entry.Options.APIKey = ""
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	return m.publish(ctx, m.Topic(entry, event), false, payload)
}

func (m *MQTT) EntrySetup(ctx context.Context, entry types.ConfigEntry) error {
	return m.event(ctx, EventSetup, entry)
}

func (m *MQTT) EntryReload(ctx context.Context, entry types.ConfigEntry) error {
	return m.event(ctx, EventReload, entry)
}

func (m *MQTT) EntryRemove(ctx context.Context, entry types.ConfigEntry) error {
	return m.event(ctx, EventRemove, entry)
}

// Close publishes an offline status and disconnects.
func (m *MQTT) Close() error {
	if m.conn == nil || !m.conn.IsConnected() {
		return nil
	}
	err := m.publish(context.Background(), m.prefix+"/status", true, []byte("offline"))
	m.conn.Disconnect(250)
	return err
}
