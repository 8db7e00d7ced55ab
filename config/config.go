package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// VenueKindUserData marks a venue that streams account and order events
	// over a listen-key endpoint.
	VenueKindUserData = "user_data"
	// VenueKindMarketData marks a venue that streams market data over a
	// combined-stream endpoint and accepts SUBSCRIBE/UNSUBSCRIBE requests.
	VenueKindMarketData = "market_data"
)

const (
	MarketSpot  = "spot"
	MarketUSDM  = "usdm"
	MarketCOINM = "coinm"
)

const (
	defaultBaseDelay         = time.Second
	defaultMaxAttempts       = 5
	defaultHeartbeatInterval = 30 * time.Second
	defaultConnectTimeout    = 10 * time.Second
	defaultControlRate       = 5
	defaultKeepAlive         = 30 * time.Minute
)

type Config struct {
	Venuestream VenuestreamConfig `yaml:"venuestream"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Venues      []VenueConfig     `yaml:"venues"`
	Sinks       SinksConfig       `yaml:"sinks"`
}

type VenuestreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	SinkQueue      int           `yaml:"sink_queue"`
}

// VenueConfig is the immutable per-venue configuration handed to a stream
// session at construction.
type VenueConfig struct {
	ID                string          `yaml:"id"`
	Kind              string          `yaml:"kind"`
	Market            string          `yaml:"market"`
	URL               string          `yaml:"url"`
	RestURL           string          `yaml:"rest_url"`
	SourceIP          string          `yaml:"source_ip"`
	APIKey            string          `yaml:"api_key"`
	APISecret         string          `yaml:"api_secret"`
	Streams           []string        `yaml:"streams"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	ConnectTimeout    time.Duration   `yaml:"connect_timeout"`
	ControlRate       int             `yaml:"control_rate"`
	KeepAlive         time.Duration   `yaml:"keep_alive"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type SinksConfig struct {
	Archive ArchiveSinkConfig `yaml:"archive"`
	Kafka   KafkaSinkConfig   `yaml:"kafka"`
	NATS    NATSSinkConfig    `yaml:"nats"`
}

type ArchiveSinkConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBuffer       int           `yaml:"max_buffer"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type KafkaSinkConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// IsUserData reports whether the venue streams account events.
func (v VenueConfig) IsUserData() bool {
	return v.Kind == VenueKindUserData
}

// Venue returns the configuration of the venue with the given id.
func (c *Config) Venue(id string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.ID == id {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// LoadConfig reads, defaults and validates the configuration at path. When
// APP_ENV selects an environment specific file next to path, that file is
// used instead.
func LoadConfig(path string) (*Config, error) {
	path = ResolveConfigPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range config.Venues {
		applyVenueDefaults(&config.Venues[i])
		applyCredentialEnv(&config.Venues[i])
	}

	if config.Sinks.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sinks.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sinks.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sinks.Archive.Region = strings.TrimSpace(v)
		}
		if config.Sinks.Archive.FlushInterval <= 0 {
			config.Sinks.Archive.FlushInterval = time.Minute
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyVenueDefaults(v *VenueConfig) {
	v.ID = strings.TrimSpace(v.ID)
	v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
	v.Market = strings.ToLower(strings.TrimSpace(v.Market))
	if v.Reconnect.BaseDelay <= 0 {
		v.Reconnect.BaseDelay = defaultBaseDelay
	}
	if v.Reconnect.MaxAttempts <= 0 {
		v.Reconnect.MaxAttempts = defaultMaxAttempts
	}
	if v.HeartbeatInterval <= 0 {
		v.HeartbeatInterval = defaultHeartbeatInterval
	}
	if v.ConnectTimeout <= 0 {
		v.ConnectTimeout = defaultConnectTimeout
	}
	if v.ControlRate <= 0 {
		v.ControlRate = defaultControlRate
	}
	if v.KeepAlive <= 0 {
		v.KeepAlive = defaultKeepAlive
	}
}

// applyCredentialEnv lets <VENUE>_API_KEY and <VENUE>_API_SECRET override the
// credentials from the file so secrets can stay out of it.
func applyCredentialEnv(v *VenueConfig) {
	prefix := envPrefix(v.ID)
	if prefix == "" {
		return
	}
	if key := os.Getenv(prefix + "_API_KEY"); key != "" {
		v.APIKey = strings.TrimSpace(key)
	}
	if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
		v.APISecret = strings.TrimSpace(secret)
	}
}

func envPrefix(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(id)
}

func validateConfig(cfg *Config) error {
	if cfg.Venuestream.Name == "" {
		return fmt.Errorf("venuestream.name is required")
	}
	if cfg.Venuestream.Version == "" {
		return fmt.Errorf("venuestream.version is required")
	}
	if len(cfg.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}

	seen := make(map[string]struct{}, len(cfg.Venues))
	for i, v := range cfg.Venues {
		if v.ID == "" {
			return fmt.Errorf("venues[%d].id is required", i)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("venue '%s' configured more than once", v.ID)
		}
		seen[v.ID] = struct{}{}

		switch v.Kind {
		case VenueKindUserData:
			if len(v.Streams) > 0 {
				return fmt.Errorf("venue '%s': user_data venues do not take streams", v.ID)
			}
		case VenueKindMarketData:
		default:
			return fmt.Errorf("venue '%s': unknown kind '%s'", v.ID, v.Kind)
		}

		switch v.Market {
		case MarketSpot, MarketUSDM, MarketCOINM:
		default:
			return fmt.Errorf("venue '%s': unknown market '%s'", v.ID, v.Market)
		}

		if v.URL == "" {
			return fmt.Errorf("venue '%s': url is required", v.ID)
		}
		u, err := url.Parse(v.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("venue '%s': url '%s' is not a websocket url", v.ID, v.URL)
		}
		if v.SourceIP != "" && net.ParseIP(v.SourceIP) == nil {
			return fmt.Errorf("venue '%s': invalid source_ip '%s'", v.ID, v.SourceIP)
		}
	}

	if cfg.Sinks.Archive.Enabled {
		if cfg.Sinks.Archive.Bucket == "" {
			return fmt.Errorf("sinks.archive.bucket is required when the archive sink is enabled")
		}
		if cfg.Sinks.Archive.Region == "" {
			return fmt.Errorf("sinks.archive.region is required when the archive sink is enabled")
		}
	}
	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 || cfg.Sinks.Kafka.Topic == "" {
			return fmt.Errorf("sinks.kafka.brokers and sinks.kafka.topic are required when the kafka sink is enabled")
		}
	}
	if cfg.Sinks.NATS.Enabled {
		if cfg.Sinks.NATS.URL == "" || cfg.Sinks.NATS.Subject == "" {
			return fmt.Errorf("sinks.nats.url and sinks.nats.subject are required when the nats sink is enabled")
		}
	}

	return nil
}
