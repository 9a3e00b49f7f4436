package transport

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig carries broker connection settings.
type MQTTConfig struct {
	BrokerURL string // e.g. tcp://broker.local:1883
	ClientID  string // the device name
	Username  string
	Password  string

	ConnectTimeout time.Duration
}

// MQTT is the broker-backed Transport. Messages are published and consumed
// at QoS 0: the protocol's own retry loop handles loss.
type MQTT struct {
	client mqtt.Client
	log    zerolog.Logger
}

// NewMQTT connects to the broker and blocks until the connection is up or
// the connect timeout expires. The client auto-reconnects and re-subscribes
// after broker outages.
func NewMQTT(cfg MQTTConfig, log zerolog.Logger) (*MQTT, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt: empty broker url")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetResumeSubs(true).
		SetConnectTimeout(timeout)

	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.BrokerURL, err)
	}
	return &MQTT{client: client, log: log}, nil
}

func (m *MQTT) Publish(topic string, payload []byte) error {
	tok := m.client.Publish(topic, 0, false, payload)
	// QoS 0 publish completes locally; Wait only surfaces client-side errors.
	tok.Wait()
	return tok.Error()
}

func (m *MQTT) Subscribe(topic string, h Handler) error {
	tok := m.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		h(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	tok.Wait()
	return tok.Error()
}

func (m *MQTT) Unsubscribe(topic string) error {
	tok := m.client.Unsubscribe(topic)
	tok.Wait()
	return tok.Error()
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
