// Package config loads the simulator configuration from defaults, an
// optional YAML file and PUMPSIM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pumpsim/internal/models"
)

const (
	TransportMQTT  = "mqtt"
	TransportNATS  = "nats"
	TransportKafka = "kafka"
)

var (
	ErrNoDevices = errors.New("config: device roster is empty")
	ErrInvalid   = errors.New("config: invalid")
)

type Broker struct {
	Transport            string        `mapstructure:"transport"`
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	ClientPrefix         string        `mapstructure:"client_prefix"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout       time.Duration `mapstructure:"publish_timeout"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	CAFile               string        `mapstructure:"ca_file"`
	CertFile             string        `mapstructure:"cert_file"`
	KeyFile              string        `mapstructure:"key_file"`
}

type Serial struct {
	Port   string        `mapstructure:"port"`
	Baud   int           `mapstructure:"baud"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type Shard struct {
	Index int `mapstructure:"index"`
	Count int `mapstructure:"count"`
}

type Config struct {
	Broker   Broker          `mapstructure:"broker"`
	Interval time.Duration   `mapstructure:"interval"`
	Devices  []models.Device `mapstructure:"devices"`
	Serial   Serial          `mapstructure:"serial"`
	Shard    Shard           `mapstructure:"shard"`

	HTTPPort  int    `mapstructure:"http_port"`
	TapPort   int    `mapstructure:"tap_port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultDevices is the reference two-station roster.
func DefaultDevices() []models.Device {
	return []models.Device{
		{ID: "StromWater_Device_1", Name: "Dubai Pump Station", Location: "Dubai Industrial Area"},
		{ID: "StromWater_Device_2", Name: "Sharjah Pump Station", Location: "Sharjah Industrial Area"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.transport", TransportMQTT)
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 1883)
	// string keys need a default for AutomaticEnv to reach them in Unmarshal
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.ca_file", "")
	v.SetDefault("broker.cert_file", "")
	v.SetDefault("broker.key_file", "")
	v.SetDefault("serial.port", "")
	v.SetDefault("broker.client_prefix", "pumpsim")
	v.SetDefault("broker.connect_timeout", 60*time.Second)
	v.SetDefault("broker.publish_timeout", 10*time.Second)
	v.SetDefault("broker.keep_alive", 60*time.Second)
	v.SetDefault("broker.max_reconnect_interval", 30*time.Second)
	v.SetDefault("interval", 5*time.Second)
	v.SetDefault("serial.baud", 9600)
	v.SetDefault("serial.max_age", 30*time.Second)
	v.SetDefault("shard.index", 0)
	v.SetDefault("shard.count", 1)
	v.SetDefault("http_port", 0)
	v.SetDefault("tap_port", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// Load reads path (may be empty) and the environment. A missing roster falls
// back to DefaultDevices.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PUMPSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultDevices()
	}
	return cfg, nil
}

// Validate checks the configuration before anything connects.
func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return ErrNoDevices
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("%w: device %d has no id", ErrInvalid, i)
		}
		if strings.ContainsAny(d.ID, "+#/ \t") {
			return fmt.Errorf("%w: device id %q is not a valid topic segment", ErrInvalid, d.ID)
		}
		if c.Broker.Transport != TransportMQTT && strings.Contains(d.ID, ".") {
			return fmt.Errorf("%w: device id %q contains '.', not allowed with %s", ErrInvalid, d.ID, c.Broker.Transport)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate device id %q", ErrInvalid, d.ID)
		}
		seen[d.ID] = true
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalid)
	}
	switch c.Broker.Transport {
	case TransportMQTT, TransportNATS, TransportKafka:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Broker.Transport)
	}
	if c.Broker.Host == "" || c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("%w: broker address %s:%d", ErrInvalid, c.Broker.Host, c.Broker.Port)
	}
	if c.Shard.Count < 1 || c.Shard.Index < 0 || c.Shard.Index >= c.Shard.Count {
		return fmt.Errorf("%w: shard %d of %d", ErrInvalid, c.Shard.Index, c.Shard.Count)
	}
	if c.TapPort != 0 && c.Broker.Transport != TransportMQTT {
		return fmt.Errorf("%w: the live tap needs the mqtt transport", ErrInvalid)
	}
	return nil
}

// BrokerAddress is host:port for transports that take a plain address.
func (c Config) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", c.Broker.Host, c.Broker.Port)
}
