package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel      string              `mapstructure:"log_level"`
	Currency      string              `mapstructure:"currency"`
	Standalone    bool                `mapstructure:"standalone"`
	Record        RecordConfig        `mapstructure:"record"`
	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant"`
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

type RecordConfig struct {
	Path string `mapstructure:"path"`
	ID   string `mapstructure:"id"`
}

type HomeAssistantConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type MQTTConfig struct {
	Broker          string `mapstructure:"broker"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	ClientID        string `mapstructure:"client_id"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
	NodeID          string `mapstructure:"node_id"`
	// EmbeddedBroker starts an in-process broker on this address when set.
	EmbeddedBroker string `mapstructure:"embedded_broker"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads config.yaml from the given directories, or from . and ./config
// when none are given. Every key can be overridden by a GASMETER_ variable,
// e.g. GASMETER_MQTT_BROKER.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetDefault("log_level", "info")
	v.SetDefault("currency", "RON")
	v.SetDefault("standalone", false)
	v.SetDefault("record.path", "data/gasmeter.yaml")
	v.SetDefault("record.id", "gasmeter")
	v.SetDefault("homeassistant.url", "ws://localhost:8123/api/websocket")
	v.SetDefault("homeassistant.token", "")
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "gasmeter")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.node_id", "gasmeter")
	v.SetDefault("mqtt.embedded_broker", "")
	v.SetDefault("http.addr", ":8099")

	v.SetEnvPrefix("gasmeter")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.HomeAssistant.Token == "" {
		config.HomeAssistant.Token = os.Getenv("SUPERVISOR_TOKEN")
	}
	if config.MQTT.Username == "" {
		config.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if config.MQTT.Password == "" {
		config.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Record.ID) == "" {
		return fmt.Errorf("record.id must not be empty")
	}
	if strings.TrimSpace(c.Record.Path) == "" {
		return fmt.Errorf("record.path must not be empty")
	}
	if strings.TrimSpace(c.Currency) == "" {
		return fmt.Errorf("currency must not be empty")
	}
	if !c.Standalone && c.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant.token is required unless standalone is set")
	}
	return nil
}
