package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttOpTimeout bounds each broker interaction (connect, publish).
const mqttOpTimeout = 10 * time.Second

// MQTT delivers messages by publishing a small JSON document to a broker
// topic. A fresh connection is made per flush; guerite notifies at most
// once per tick, so holding a session open buys nothing.
type MQTT struct {
	broker   string
	topic    string
	clientID string
	username string
	password string
}

// NewMQTT builds an MQTT transport.
func NewMQTT(broker, topic, clientID, username, password string) *MQTT {
	if clientID == "" {
		clientID = "guerite"
	}
	return &MQTT{
		broker:   broker,
		topic:    topic,
		clientID: clientID,
		username: username,
		password: password,
	}
}

// Name identifies this transport in dispatcher logs.
func (m *MQTT) Name() string { return "mqtt" }

type mqttPayload struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Send connects, publishes one message at QoS 0, and disconnects.
func (m *MQTT) Send(_ context.Context, title, message string) error {
	opts := mqtt.NewClientOptions().
		SetClientID(m.clientID).
		AddBroker(m.broker).
		SetConnectTimeout(mqttOpTimeout).
		SetWriteTimeout(mqttOpTimeout)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	session := mqtt.NewClient(opts)
	if tok := session.Connect(); !tok.WaitTimeout(mqttOpTimeout) {
		return fmt.Errorf("mqtt broker %s: connect timed out", m.broker)
	} else if tok.Error() != nil {
		return fmt.Errorf("mqtt broker %s: %w", m.broker, tok.Error())
	}
	defer session.Disconnect(250)

	body, err := json.Marshal(mqttPayload{
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode mqtt payload: %w", err)
	}

	if tok := session.Publish(m.topic, 0, false, body); !tok.WaitTimeout(mqttOpTimeout) {
		return fmt.Errorf("mqtt topic %s: publish timed out", m.topic)
	} else if tok.Error() != nil {
		return fmt.Errorf("mqtt topic %s: %w", m.topic, tok.Error())
	}
	return nil
}
