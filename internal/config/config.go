package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	// MQTT broker connection.
	MQTTBroker    string
	MQTTPort      int
	MQTTUsername  string
	MQTTPassword  string
	MQTTTransport string // "tcp" or "websockets"
	MQTTClientID  string

	// Subscriptions to establish at startup, topic pattern -> target dataset.
	Subscriptions map[string]string

	// Postgres connection.
	PostgresDSN string

	// DataDir is the base directory downloaded files are written under.
	DataDir string

	// Decoder sidecar.
	DecoderURL     string
	DecoderTimeout time.Duration

	// Optional Kafka audit sink; disabled when AuditTopic is empty.
	KafkaBrokers []string
	AuditTopic   string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	Workers      int
	QueueSize    int
	FetchTimeout time.Duration

	// Pre-created partition window, inclusive of From, exclusive of To.
	PartitionFrom time.Time
	PartitionTo   time.Time
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	port, err := envInt("MQTT_PORT", 8883)
	if err != nil {
		return nil, err
	}
	workers, err := envInt("WORKERS", 4)
	if err != nil {
		return nil, err
	}
	queueSize, err := envInt("QUEUE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	fetchTimeout, err := envDuration("FETCH_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	decoderTimeout, err := envDuration("DECODER_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := envDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	subs, err := parseSubscriptions(os.Getenv("SUBSCRIPTIONS"))
	if err != nil {
		return nil, err
	}

	partitionFrom, err := envDate("PARTITION_FROM", yearStart())
	if err != nil {
		return nil, err
	}
	partitionTo, err := envDate("PARTITION_TO", yearStart().AddDate(1, 0, 0))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		MQTTBroker:    envOrDefault("MQTT_BROKER", "globalbroker.meteo.fr"),
		MQTTPort:      port,
		MQTTUsername:  envOrDefault("MQTT_USERNAME", "everyone"),
		MQTTPassword:  envOrDefault("MQTT_PASSWORD", "everyone"),
		MQTTTransport: envOrDefault("MQTT_TRANSPORT", "websockets"),
		MQTTClientID:  envOrDefault("MQTT_CLIENT_ID", "wis2-ingest"),

		Subscriptions: subs,

		PostgresDSN: postgresDSN(),
		DataDir:     envOrDefault("DATA", "."),

		DecoderURL:     envOrDefault("DECODER_URL", "http://localhost:5000"),
		DecoderTimeout: decoderTimeout,

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		AuditTopic:   os.Getenv("KAFKA_AUDIT_TOPIC"),

		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		Workers:      workers,
		QueueSize:    queueSize,
		FetchTimeout: fetchTimeout,

		PartitionFrom: partitionFrom,
		PartitionTo:   partitionTo,
	}

	if cfg.MQTTBroker == "" {
		return nil, errors.New("MQTT_BROKER is required")
	}
	if cfg.MQTTTransport != "tcp" && cfg.MQTTTransport != "websockets" {
		return nil, fmt.Errorf("invalid MQTT_TRANSPORT %q", cfg.MQTTTransport)
	}
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres connection is required: set POSTGRES_DSN or POSTGRES_{USER,PASSWORD,DB,HOST,PORT}")
	}
	if cfg.Workers < 1 {
		return nil, errors.New("WORKERS must be at least 1")
	}
	if cfg.AuditTopic != "" && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_AUDIT_TOPIC is set but KAFKA_BROKERS is not")
	}
	if !cfg.PartitionTo.After(cfg.PartitionFrom) {
		return nil, errors.New("PARTITION_TO must be after PARTITION_FROM")
	}

	return cfg, nil
}

// postgresDSN prefers POSTGRES_DSN and otherwise assembles a connection
// string from the individual POSTGRES_* variables.
func postgresDSN() string {
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	user := os.Getenv("POSTGRES_USER")
	pwd := os.Getenv("POSTGRES_PASSWORD")
	db := os.Getenv("POSTGRES_DB")
	host := os.Getenv("POSTGRES_HOST")
	if user == "" || db == "" || host == "" {
		return ""
	}
	port := envOrDefault("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pwd, host, port, db)
}

func parseSubscriptions(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	subs := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &subs); err != nil {
		return nil, fmt.Errorf("invalid SUBSCRIPTIONS: %w", err)
	}
	return subs, nil
}

func yearStart() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func envDate(key string, def time.Time) (time.Time, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %q", key, s)
	}
	return t.UTC(), nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
