// Package telemetry publishes calibration results and run events as JSON
// over MQTT.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/itohio/gaugecal/pkg/config"
)

const (
	publishTimeout = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// Event is a notable run event: state changes, stalls, faults.
type Event struct {
	RunID   string    `json:"run_id,omitempty"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// Publisher sends results and events somewhere.
type Publisher interface {
	PublishResult(v any) error
	PublishEvent(e Event) error
	Close()
}

// New returns an MQTT publisher, or Nop when no broker is configured.
func New(cfg *config.MQTTConfig) (Publisher, error) {
	if cfg.Broker == "" {
		return Nop{}, nil
	}
	return NewMQTT(cfg)
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishResult(any) error  { return nil }
func (Nop) PublishEvent(Event) error { return nil }
func (Nop) Close()                   {}

// AngleSource delivers needle angles read by an external camera reader.
type AngleSource interface {
	SubscribeAngles(fn func(ch int, deg float64)) error
}

// Angle is the payload of an angle message.
type Angle struct {
	Channel int     `json:"channel"`
	Angle   float64 `json:"angle"`
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

var _ AngleSource = (*MQTT)(nil)

// MQTT publishes to <prefix>/result (retained) and <prefix>/event, and
// listens for needle angles on <prefix>/angle.
type MQTT struct {
	client client
	prefix string
}

// NewMQTT connects to the configured broker.
func NewMQTT(cfg *config.MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}

	log.Printf("telemetry: connected to %s", cfg.Broker)
	return newMQTT(c, cfg.Prefix), nil
}

func newMQTT(c client, prefix string) *MQTT {
	return &MQTT{client: c, prefix: prefix}
}

// ResultTopic returns the topic results are published on.
func (m *MQTT) ResultTopic() string { return m.prefix + "/result" }

// EventTopic returns the topic events are published on.
func (m *MQTT) EventTopic() string { return m.prefix + "/event" }

// AngleTopic returns the topic needle angles arrive on.
func (m *MQTT) AngleTopic() string { return m.prefix + "/angle" }

// SubscribeAngles calls fn for every well-formed angle message. fn runs on
// the MQTT client goroutine.
func (m *MQTT) SubscribeAngles(fn func(ch int, deg float64)) error {
	topic := m.AngleTopic()
	token := m.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var a Angle
		if err := json.Unmarshal(msg.Payload(), &a); err != nil {
			log.Printf("telemetry: bad angle payload on %s: %v", msg.Topic(), err)
			return
		}
		fn(a.Channel, a.Angle)
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

// PublishResult publishes v as JSON, retained so late subscribers see the
// last table.
func (m *MQTT) PublishResult(v any) error {
	return m.publish(m.ResultTopic(), true, v)
}

// PublishEvent publishes e as JSON.
func (m *MQTT) PublishEvent(e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return m.publish(m.EventTopic(), false, e)
}

func (m *MQTT) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}

	token := m.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
