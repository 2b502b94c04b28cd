package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/viper"

	"nuha.dev/gpsmap/internal/device"
	"nuha.dev/gpsmap/internal/relay"
)

const (
	MODE_LOCAL  string = "local"
	MODE_SERVER string = "server"
	MODE_RELAY  string = "relay"
)

type Config struct {
	Mode string

	Host string
	Port int

	APIKey     string
	APIKeyHash string

	RelayURL       string
	RelayTransport string
	Interval       time.Duration
	RelayTimeout   time.Duration
	SourceID       string

	Source      string
	GpsdAddr    string
	SerialPort  string
	Baud        int
	ReadTimeout time.Duration
	Reconnect   bool

	NatsURL     string
	NatsSubject string
	MQTTBroker  string
	MQTTTopic   string

	DBURL              string
	CheckpointInterval time.Duration

	ProxyProtocol bool
	MonitorAddr   string
	LogLevel      string
	PollMs        int
	Zoom          int
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads configuration from GPS_* environment variables and, when
// GPS_CONFIG names one, a config file.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetDefault("mode", MODE_LOCAL)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8081)
	v.SetDefault("relay_transport", relay.TRANSPORT_HTTP)
	v.SetDefault("interval", 2*time.Second)
	v.SetDefault("relay_timeout", 5*time.Second)
	v.SetDefault("source", device.SOURCE_GPSD)
	v.SetDefault("gpsd_addr", "127.0.0.1:2947")
	v.SetDefault("baud", 9600)
	v.SetDefault("read_timeout", 5*time.Second)
	v.SetDefault("reconnect", false)
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("nats_subject", relay.DefaultSubject)
	v.SetDefault("mqtt_broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt_topic", relay.DefaultTopic)
	v.SetDefault("checkpoint_interval", 5*time.Second)
	v.SetDefault("proxy_protocol", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("poll_ms", 2000)
	v.SetDefault("zoom", 16)

	v.SetEnvPrefix("GPS")
	v.AutomaticEnv()
	if err := v.BindEnv("port", "GPS_PORT", "PORT"); err != nil {
		return nil, err
	}

	if path := os.Getenv("GPS_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	c := &Config{
		Mode:               v.GetString("mode"),
		Host:               v.GetString("host"),
		Port:               v.GetInt("port"),
		APIKey:             v.GetString("api_key"),
		APIKeyHash:         v.GetString("api_key_hash"),
		RelayURL:           v.GetString("relay_url"),
		RelayTransport:     v.GetString("relay_transport"),
		Interval:           v.GetDuration("interval"),
		RelayTimeout:       v.GetDuration("relay_timeout"),
		SourceID:           v.GetString("source_id"),
		Source:             v.GetString("source"),
		GpsdAddr:           v.GetString("gpsd_addr"),
		SerialPort:         v.GetString("serial_port"),
		Baud:               v.GetInt("baud"),
		ReadTimeout:        v.GetDuration("read_timeout"),
		Reconnect:          v.GetBool("reconnect"),
		NatsURL:            v.GetString("nats_url"),
		NatsSubject:        v.GetString("nats_subject"),
		MQTTBroker:         v.GetString("mqtt_broker"),
		MQTTTopic:          v.GetString("mqtt_topic"),
		DBURL:              v.GetString("db_url"),
		CheckpointInterval: v.GetDuration("checkpoint_interval"),
		ProxyProtocol:      v.GetBool("proxy_protocol"),
		MonitorAddr:        v.GetString("monitor_addr"),
		LogLevel:           v.GetString("log_level"),
		PollMs:             v.GetInt("poll_ms"),
		Zoom:               v.GetInt("zoom"),
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case MODE_LOCAL, MODE_SERVER, MODE_RELAY:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	switch c.Source {
	case device.SOURCE_GPSD, device.SOURCE_NMEA:
	default:
		return fmt.Errorf("config: unknown source %q", c.Source)
	}
	switch c.RelayTransport {
	case relay.TRANSPORT_HTTP, relay.TRANSPORT_NATS, relay.TRANSPORT_MQTT:
	default:
		return fmt.Errorf("config: unknown relay_transport %q", c.RelayTransport)
	}
	if c.Mode == MODE_RELAY && c.RelayTransport == relay.TRANSPORT_HTTP && c.RelayURL == "" {
		return fmt.Errorf("config: relay mode needs relay_url")
	}
	if c.Interval <= 0 || c.RelayTimeout <= 0 {
		return fmt.Errorf("config: interval and relay_timeout must be positive")
	}
	if c.PollMs <= 0 {
		return fmt.Errorf("config: poll_ms must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log_level value to a logger level.
func ParseLevel(s string) (log.Level, error) {
	switch s {
	case "trace", "debug", "info", "warn", "error", "fatal":
		return log.ParseLevel(s), nil
	}
	return log.InfoLevel, fmt.Errorf("config: unknown log_level %q", s)
}
