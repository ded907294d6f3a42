package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gasmeter/internal/calculator"
	"gasmeter/internal/config"
	"gasmeter/internal/homeassistant"
	"gasmeter/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	qos            = 1
	publishTimeout = 5 * time.Second
)

// Client publishes the computed sensors to Home Assistant through MQTT
// discovery. Discovery configs and states are retained, and replayed after
// every reconnect.
type Client struct {
	client mqtt.Client
	topics homeassistant.Topics
	logger *logrus.Logger

	mutex    sync.Mutex
	device   homeassistant.Device
	recordID string
	sensors  map[string]calculator.Sensor
	states   map[string]models.Reading
}

func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	c := &Client{
		topics: homeassistant.Topics{
			Prefix: cfg.MQTT.DiscoveryPrefix,
			NodeID: homeassistant.ObjectID(cfg.MQTT.NodeID),
		},
		logger:  logger,
		sensors: make(map[string]calculator.Sensor),
		states:  make(map[string]models.Reading),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(c.topics.Availability(), homeassistant.PayloadNotAvailable, qos, true)

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)

	return c, nil
}

func (c *Client) Connect() error {
	c.logger.Info("Connecting to MQTT broker...")

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("Connected to MQTT broker")
	return nil
}

func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker...")
	if c.client.IsConnected() {
		if err := c.publish(c.topics.Availability(), []byte(homeassistant.PayloadNotAvailable)); err != nil {
			c.logger.Warnf("Failed to publish availability: %v", err)
		}
	}
	c.client.Disconnect(250)
}

// Announce publishes the discovery config of every sensor, grouped under one
// device named after the record.
func (c *Client) Announce(recordID, title string, sensors ...calculator.Sensor) error {
	c.mutex.Lock()
	c.recordID = recordID
	c.device = homeassistant.Device{
		Identifiers:  []string{recordID},
		Name:         title,
		Manufacturer: "gasmeter",
		Model:        "Gas meter",
	}
	for _, s := range sensors {
		c.sensors[s.Key] = s
	}
	c.mutex.Unlock()

	for _, s := range sensors {
		if err := c.announce(s); err != nil {
			return err
		}
	}
	return nil
}

// PublishReading publishes the state of sensor. Unknown readings are
// published as a null value.
func (c *Client) PublishReading(sensor calculator.Sensor, reading models.Reading) error {
	c.mutex.Lock()
	c.states[sensor.Key] = reading
	c.mutex.Unlock()

	b, err := json.Marshal(StatePayload(reading))
	if err != nil {
		return err
	}
	c.logger.Debugf("Publishing %s = %s", sensor.Key, reading)
	return c.publish(c.topics.State(homeassistant.ComponentSensor, sensor.Key), b)
}

func (c *Client) announce(s calculator.Sensor) error {
	c.mutex.Lock()
	item := c.configuration(s)
	c.mutex.Unlock()

	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	c.logger.Debugf("Announcing %s as %s", s.Key, item.UniqueId)
	return c.publish(c.topics.Config(homeassistant.ComponentSensor, s.Key), b)
}

func (c *Client) configuration(s calculator.Sensor) homeassistant.ConfigurationItem {
	precision := s.Precision
	return homeassistant.ConfigurationItem{
		DeviceClass:         s.DeviceClass,
		UnitOfMeasurement:   s.Unit,
		Device:              c.device,
		StateClass:          s.StateClass,
		UniqueId:            c.recordID + "_" + s.Key,
		ObjectId:            s.Key,
		Name:                s.Name,
		Icon:                s.Icon,
		StateTopic:          c.topics.State(homeassistant.ComponentSensor, s.Key),
		ValueTemplate:       homeassistant.ValueTemplate,
		AvailabilityTopic:   c.topics.Availability(),
		PayloadAvailable:    homeassistant.PayloadAvailable,
		PayloadNotAvailable: homeassistant.PayloadNotAvailable,
		SuggestedPrecision:  &precision,
	}
}

func (c *Client) publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout publishing to %s", topic)
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, announcing sensors...")

	if err := c.publish(c.topics.Availability(), []byte(homeassistant.PayloadAvailable)); err != nil {
		c.logger.Errorf("Failed to publish availability: %v", err)
	}

	c.mutex.Lock()
	sensors := make([]calculator.Sensor, 0, len(c.sensors))
	for _, s := range c.sensors {
		sensors = append(sensors, s)
	}
	states := make(map[string]models.Reading, len(c.states))
	for k, v := range c.states {
		states[k] = v
	}
	c.mutex.Unlock()

	// the first connect happens before Announce; later ones replay
	for _, s := range sensors {
		if err := c.announce(s); err != nil {
			c.logger.Errorf("Failed to announce %s: %v", s.Key, err)
			continue
		}
		if r, ok := states[s.Key]; ok {
			if err := c.PublishReading(s, r); err != nil {
				c.logger.Errorf("Failed to publish %s: %v", s.Key, err)
			}
		}
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Errorf("MQTT connection lost: %v", err)
}

// StatePayload converts a reading to its JSON state payload.
func StatePayload(r models.Reading) homeassistant.State {
	if !r.Valid {
		return homeassistant.State{}
	}
	v := r.Value
	return homeassistant.State{Value: &v}
}
