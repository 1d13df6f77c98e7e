/*
mqttbus.go MQTT transport between the coordinator and the table tiles.
Topics are namespaced under a configured base topic identifying one
physical table instance:

	<base>/tile/<id>/heartbeat  tile -> coordinator
	<base>/tile/<id>/state      coordinator -> tile
	<base>/ota/<id>/command     coordinator -> tile
	<base>/ota/<id>/ack         tile -> coordinator

Payloads are JSON. State messages are published at most once (QoS 0);
rollout commands are published exactly once (QoS 2).
*/

package mqttbus

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sgtlab/sgt_core/internal/pkg/broadcast"
	"github.com/sgtlab/sgt_core/internal/pkg/ota"
	"github.com/sgtlab/sgt_core/internal/pkg/tile"
)

// Broker connectivity modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Config selects the broker profile and the table's base topic.
// Local mode connects anonymously to an on-premises broker on :1883;
// remote mode uses the hosted profile with credentials.
type Config struct {
	Mode      string `json:"mode"`
	Broker    string `json:"broker,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	BaseTopic string `json:"base_topic"`
	ClientID  string `json:"client_id,omitempty"`
}

// LoadConfig reads a broker configuration file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.BaseTopic == "" {
		return Config{}, fmt.Errorf("broker config %v: base_topic is required", path)
	}
	return cfg, nil
}

// Client wraps the paho MQTT client with the table's topic scheme.
// Incoming heartbeats and rollout acks are decoded and forwarded to
// the coordinator's event channels.
type Client struct {
	client     mqtt.Client
	base       string
	heartbeats chan<- tile.Heartbeat
	acks       chan<- ota.Ack
}

// New builds a Client from the broker profile. heartbeats and acks
// receive decoded inbound messages; both should be buffered.
func New(cfg Config, heartbeats chan<- tile.Heartbeat, acks chan<- ota.Ack) (*Client, error) {
	broker := cfg.Broker
	opts := mqtt.NewClientOptions()
	switch cfg.Mode {
	case ModeLocal, "":
		if broker == "" {
			broker = "tcp://localhost:1883"
		}
	case ModeRemote:
		if broker == "" {
			return nil, fmt.Errorf("remote broker mode requires a broker address")
		}
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Mode)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sgt-core-" + cfg.BaseTopic
	}

	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOrderMatters(false)

	c := &Client{
		base:       cfg.BaseTopic,
		heartbeats: heartbeats,
		acks:       acks,
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[MQTT] connection lost: %v\n", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect dials the broker and installs the subscriptions.
func (c *Client) Connect() error {
	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect flushes and closes the connection.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// onConnect re-subscribes on every (re)connection.
func (c *Client) onConnect(client mqtt.Client) {
	log.Println("[MQTT] connected")
	if token := client.Subscribe(c.base+"/tile/+/heartbeat", 1, c.handleHeartbeat); token.Wait() && token.Error() != nil {
		log.Printf("[MQTT] heartbeat subscribe failed: %v\n", token.Error())
	}
	if token := client.Subscribe(c.base+"/ota/+/ack", 1, c.handleAck); token.Wait() && token.Error() != nil {
		log.Printf("[MQTT] ack subscribe failed: %v\n", token.Error())
	}
}

// tileID extracts the <id> path element from a subscribed topic.
func (c *Client) tileID(topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, c.base+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", false
	}
	return parts[1], true
}

func (c *Client) handleHeartbeat(_ mqtt.Client, m mqtt.Message) {
	id, ok := c.tileID(m.Topic())
	if !ok {
		return
	}
	hb := tile.Heartbeat{}
	if err := json.Unmarshal(m.Payload(), &hb); err != nil {
		log.Printf("[MQTT] malformed heartbeat on %v: %v\n", m.Topic(), err)
		return
	}
	hb.TileID = id
	select {
	case c.heartbeats <- hb:
	default:
		log.Printf("[MQTT] heartbeat channel full, dropped %v\n", id)
	}
}

func (c *Client) handleAck(_ mqtt.Client, m mqtt.Message) {
	id, ok := c.tileID(m.Topic())
	if !ok {
		return
	}
	ack := ota.Ack{}
	if err := json.Unmarshal(m.Payload(), &ack); err != nil {
		log.Printf("[MQTT] malformed ack on %v: %v\n", m.Topic(), err)
		return
	}
	ack.TileID = id
	select {
	case c.acks <- ack:
	default:
		log.Printf("[MQTT] ack channel full, dropped %v\n", id)
	}
}

// PublishState implements broadcast.Sender. Best effort, at most once.
func (c *Client) PublishState(tileID string, m broadcast.StateMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	token := c.client.Publish(fmt.Sprintf("%s/tile/%s/state", c.base, tileID), 0, false, payload)
	token.Wait()
	return token.Error()
}

// PublishCommand implements ota.Commander. Rollout commands must not
// be duplicated or lost, so they ride QoS 2.
func (c *Client) PublishCommand(tileID string, cmd ota.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	token := c.client.Publish(fmt.Sprintf("%s/ota/%s/command", c.base, tileID), 2, false, payload)
	token.Wait()
	return token.Error()
}
