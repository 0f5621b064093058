// Package config loads service settings: defaults, then an optional YAML file, then environment
// variables. Command-line flags are applied on top by the caller.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultNATSURL is used when NATS_URL is unset or empty.
const DefaultNATSURL = "nats://localhost:4222"

// NATSURL resolves the bus URL from the environment alone: the value of NATS_URL as set, or
// DefaultNATSURL when it is unset or empty.
func NATSURL(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := getenv("NATS_URL"); v != "" {
		return v
	}

	return DefaultNATSURL
}

// Publish transports.
const (
	TransportJetStream = "jetstream"
	TransportRabbitMQ  = "rabbitmq"
	TransportKafka     = "kafka"
	TransportMemory    = "memory"
)

type Config struct {
	NATSURL     string `yaml:"nats_url"`
	ServiceName string `yaml:"service_name"`
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	Stream    StreamConfig     `yaml:"stream"`
	Consumer  ConsumerConfig   `yaml:"consumer"`
	Consumers []ConsumerConfig `yaml:"consumers,omitempty"` // extra durable consumers

	DBPath             string        `yaml:"db_path"`
	ProcessedRetention time.Duration `yaml:"processed_retention"`

	PublishTransport string   `yaml:"publish_transport"`
	RabbitMQURL      string   `yaml:"rabbitmq_url,omitempty"`
	KafkaBrokers     []string `yaml:"kafka_brokers,omitempty"`

	DefaultRole string              `yaml:"default_role"`
	Policy      map[string][]string `yaml:"policy,omitempty"`
}

type StreamConfig struct {
	Name       string        `yaml:"name"`
	Subjects   []string      `yaml:"subjects"`
	Storage    string        `yaml:"storage"` // file | memory
	MaxAge     time.Duration `yaml:"max_age"`
	Duplicates time.Duration `yaml:"duplicates"`
	Replicas   int           `yaml:"replicas"`
}

type ConsumerConfig struct {
	Name           string        `yaml:"name"`
	FilterSubjects []string      `yaml:"filter_subjects,omitempty"`
	MaxDeliver     int           `yaml:"max_deliver"`
	AckWait        time.Duration `yaml:"ack_wait"`
	MaxAckPending  int           `yaml:"max_ack_pending"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		NATSURL:     DefaultNATSURL,
		ServiceName: "authz-service",
		HTTPAddr:    ":3000",
		LogLevel:    "info",
		LogFormat:   "text",
		Stream: StreamConfig{
			Name:       "AUTHZ",
			Subjects:   []string{"authz.>"},
			Storage:    "file",
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		Consumer: ConsumerConfig{
			Name:          "authz-workflows",
			MaxDeliver:    5,
			AckWait:       30 * time.Second,
			MaxAckPending: 64,
		},
		DBPath:             "data/authz.db",
		ProcessedRetention: 72 * time.Hour,
		PublishTransport:   TransportJetStream,
		DefaultRole:        "user",
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped when empty) and the
// environment read through getenv. Empty environment values are treated as unset.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data), getenv))

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = splitList(v)
		}
	}

	// NATS_URL is kept verbatim; only an unset or empty value falls back to the default.
	if v := getenv("NATS_URL"); v != "" {
		c.NATSURL = v
	}

	str("SERVICE_NAME", &c.ServiceName)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("STREAM_NAME", &c.Stream.Name)
	list("STREAM_SUBJECTS", &c.Stream.Subjects)
	str("CONSUMER_NAME", &c.Consumer.Name)
	str("DB_PATH", &c.DBPath)
	str("PUBLISH_TRANSPORT", &c.PublishTransport)
	str("RABBITMQ_URL", &c.RabbitMQURL)
	list("KAFKA_BROKERS", &c.KafkaBrokers)
	str("DEFAULT_ROLE", &c.DefaultRole)

	if v := strings.TrimSpace(getenv("MAX_DELIVER")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_DELIVER: %w", err)
		}

		c.Consumer.MaxDeliver = n
	}

	durations := map[string]*time.Duration{
		"ACK_WAIT":            &c.Consumer.AckWait,
		"PROCESSED_RETENTION": &c.ProcessedRetention,
	}
	for key, dst := range durations {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}

			*dst = d
		}
	}

	return nil
}

func splitList(s string) []string {
	var out []string

	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment value and ${VAR:-default} with default
// when VAR is unset or empty. Unknown variables without a default are kept as written.
func ExpandEnvVars(input string, getenv func(string) string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v := getenv(groups[1]); v != "" {
			return v
		}

		if strings.Contains(match, ":-") {
			return groups[2]
		}

		return match
	})
}

// Validate checks that the config has usable values.
func (c *Config) Validate() error {
	var errs []string

	if c.NATSURL == "" {
		errs = append(errs, "nats_url is required")
	}

	if c.Stream.Name == "" {
		errs = append(errs, "stream.name is required")
	}

	if len(c.Stream.Subjects) == 0 {
		errs = append(errs, "stream.subjects must not be empty")
	}

	switch c.Stream.Storage {
	case "file", "memory":
	default:
		errs = append(errs, "stream.storage must be one of: file, memory")
	}

	for _, cc := range append([]ConsumerConfig{c.Consumer}, c.Consumers...) {
		if cc.Name == "" {
			errs = append(errs, "consumer name is required")
		}

		if cc.MaxDeliver < 1 {
			errs = append(errs, fmt.Sprintf("consumer %s: max_deliver must be >= 1", cc.Name))
		}

		if cc.AckWait < 0 {
			errs = append(errs, fmt.Sprintf("consumer %s: ack_wait must not be negative", cc.Name))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log_level must be one of: debug, info, warn, error")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "log_format must be one of: text, json")
	}

	switch c.PublishTransport {
	case TransportJetStream, TransportMemory:
	case TransportRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, "rabbitmq_url is required for the rabbitmq transport")
		}
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, "kafka_brokers is required for the kafka transport")
		}
	default:
		errs = append(errs, "publish_transport must be one of: jetstream, rabbitmq, kafka, memory")
	}

	if c.ProcessedRetention < 0 {
		errs = append(errs, "processed_retention must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Redacted returns a copy safe to log: credentials in broker URLs are masked.
func (c *Config) Redacted() Config {
	cp := *c
	cp.NATSURL = redactURL(c.NATSURL)
	cp.RabbitMQURL = redactURL(c.RabbitMQURL)

	return cp
}

var userinfoPattern = regexp.MustCompile(`://[^/@]+@`)

func redactURL(s string) string {
	return userinfoPattern.ReplaceAllString(s, "://***@")
}
