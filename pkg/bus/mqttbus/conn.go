// Package mqttbus carries the bus protocol over an MQTT broker. Bus is the
// client side transport, Server exposes a local transport to remote
// clients.
package mqttbus

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Conn is the subset of an MQTT client the bus needs.
type Conn interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

type Config struct {
	Broker    string `yaml:"broker"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
	ClientID  string `yaml:"client_id"`
}

type pahoConn struct {
	client mqtt.Client
}

// Dial connects to the broker described by cfg. An empty client id gets a
// random suffix so several processes can share a broker.
func Dial(cfg Config) (Conn, error) {
	id := cfg.ClientID
	if id == "" {
		id = "indigo-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.SetClientID(id)
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return &pahoConn{client: client}, nil
}

func (c *pahoConn) Publish(topic string, payload []byte) error {
	if token := c.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %v", topic, token.Error())
	}
	return nil
}

// Subscribe registers handler for topic. Handlers run on the paho router
// goroutine and must not block on other paho calls.
func (c *pahoConn) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	if token := c.client.Subscribe(topic, 1, cb); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %v", topic, token.Error())
	}
	return nil
}

func (c *pahoConn) Unsubscribe(topic string) error {
	if token := c.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %v", topic, token.Error())
	}
	return nil
}

func (c *pahoConn) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *pahoConn) Disconnect(quiesce uint) {
	c.client.Disconnect(quiesce)
}
