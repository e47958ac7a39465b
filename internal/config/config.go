package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

// Catalog backends selectable through CATALOG_BACKEND.
const (
	BackendSTAC    = "stac"
	BackendGlobus  = "globus"
	BackendElastic = "elastic"
)

// Config holds the runtime configuration for the relay service.
type Config struct {
	Kafka   KafkaConfig   `envPrefix:"KAFKA_"`
	STAC    STACConfig    `envPrefix:"STAC_"`
	Globus  GlobusConfig  `envPrefix:"GLOBUS_"`
	Elastic ElasticConfig `envPrefix:"ELASTIC_"`

	Backend       string        `env:"CATALOG_BACKEND" envDefault:"globus"`
	AWSRegion     string        `env:"AWS_REGION" envDefault:"us-east-1"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"50"`
	PollTimeout   time.Duration `env:"POLL_TIMEOUT" envDefault:"5s"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	WorkerCount   int           `env:"WORKER_COUNT" envDefault:"1"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"INFO"`
}

// KafkaConfig holds the KAFKA_ variables: brokers, consumer group and
// client security.
type KafkaConfig struct {
	Brokers          []string      `env:"BROKERS,notEmpty" envSeparator:","`
	Topics           []string      `env:"TOPICS" envDefault:"esgf2" envSeparator:","`
	GroupID          string        `env:"GROUP_ID" envDefault:"catalog-relay"`
	SecurityProtocol string        `env:"SECURITY_PROTOCOL" envDefault:"PLAINTEXT"`
	SASLMechanism    string        `env:"SASL_MECHANISM" envDefault:"SCRAM-SHA-512"`
	SASLUsername     string        `env:"SASL_USERNAME"`
	SASLPassword     string        `env:"SASL_PASSWORD"`
	SASLSecretName   string        `env:"SASL_SECRET_NAME"`
	AutoOffsetReset  string        `env:"AUTO_OFFSET_RESET" envDefault:"latest"`
	RebalanceTimeout time.Duration `env:"REBALANCE_TIMEOUT" envDefault:"60s"`
	ClientDebug      bool          `env:"CLIENT_DEBUG"`
}

// UsesSASL reports whether the security protocol requires SASL credentials.
func (k KafkaConfig) UsesSASL() bool {
	return strings.HasPrefix(k.SecurityProtocol, "SASL_")
}

// UsesTLS reports whether the security protocol requires TLS.
func (k KafkaConfig) UsesTLS() bool {
	return k.SecurityProtocol == "SSL" || k.SecurityProtocol == "SASL_SSL"
}

// STACConfig holds the STAC_ variables for the STAC transaction backend.
type STACConfig struct {
	ServerURL          string        `env:"SERVER_URL"`
	TokenURL           string        `env:"TOKEN_URL"`
	ClientID           string        `env:"CLIENT_ID"`
	ClientSecret       string        `env:"CLIENT_SECRET"`
	Scopes             []string      `env:"SCOPES" envSeparator:","`
	SecretName         string        `env:"SECRET_NAME"`
	Timeout            time.Duration `env:"TIMEOUT" envDefault:"5s"`
	InsecureSkipVerify bool          `env:"INSECURE_SKIP_VERIFY"`
}

// GlobusConfig holds the GLOBUS_ variables for the Globus search backend.
type GlobusConfig struct {
	SearchURL        string        `env:"SEARCH_URL" envDefault:"https://search.api.globus.org"`
	TokenURL         string        `env:"TOKEN_URL" envDefault:"https://auth.globus.org/v2/oauth2/token"`
	Index            string        `env:"INDEX"`
	ClientID         string        `env:"CLIENT_ID"`
	ClientSecret     string        `env:"CLIENT_SECRET"`
	Scopes           []string      `env:"SCOPES" envDefault:"urn:globus:auth:scope:search.api.globus.org:all" envSeparator:","`
	SecretName       string        `env:"SECRET_NAME"`
	TaskPollInterval time.Duration `env:"TASK_POLL_INTERVAL" envDefault:"1s"`
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// ElasticConfig holds the ELASTIC_ variables for the Elasticsearch mirror.
type ElasticConfig struct {
	URLs     []string `env:"URLS" envSeparator:","`
	Index    string   `env:"INDEX" envDefault:"items"`
	Username string   `env:"USERNAME"`
	Password string   `env:"PASSWORD"`
	Refresh  string   `env:"REFRESH"`
}

// Load reads an optional .env file and then parses environment variables
// into Config.
func Load() (*Config, error) {
	// Variables already set in the environment take precedence.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.Kafka.SecurityProtocol = strings.ToUpper(cfg.Kafka.SecurityProtocol)
	cfg.Kafka.SASLMechanism = strings.ToUpper(cfg.Kafka.SASLMechanism)
	cfg.Kafka.AutoOffsetReset = strings.ToLower(cfg.Kafka.AutoOffsetReset)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the selected backend and log security mode
// depend on. Credentials may be supplied later through a secret name.
func (c *Config) Validate() error {
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("%w: KAFKA_GROUP_ID", ErrMissingRequired)
	}
	if len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("%w: KAFKA_TOPICS", ErrMissingRequired)
	}
	if !slices.Contains([]string{"PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL"}, c.Kafka.SecurityProtocol) {
		return fmt.Errorf("%w: KAFKA_SECURITY_PROTOCOL %q", ErrInvalid, c.Kafka.SecurityProtocol)
	}
	if c.Kafka.UsesSASL() {
		if !slices.Contains([]string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"}, c.Kafka.SASLMechanism) {
			return fmt.Errorf("%w: KAFKA_SASL_MECHANISM %q", ErrInvalid, c.Kafka.SASLMechanism)
		}
		if c.Kafka.SASLUsername == "" && c.Kafka.SASLSecretName == "" {
			return fmt.Errorf("%w: KAFKA_SASL_USERNAME or KAFKA_SASL_SECRET_NAME", ErrMissingRequired)
		}
	}
	if c.Kafka.AutoOffsetReset != "earliest" && c.Kafka.AutoOffsetReset != "latest" {
		return fmt.Errorf("%w: KAFKA_AUTO_OFFSET_RESET %q", ErrInvalid, c.Kafka.AutoOffsetReset)
	}

	switch c.Backend {
	case BackendSTAC:
		if c.STAC.ServerURL == "" {
			return fmt.Errorf("%w: STAC_SERVER_URL", ErrMissingRequired)
		}
		if c.STAC.TokenURL == "" {
			return fmt.Errorf("%w: STAC_TOKEN_URL", ErrMissingRequired)
		}
		if c.STAC.ClientID == "" && c.STAC.SecretName == "" {
			return fmt.Errorf("%w: STAC_CLIENT_ID or STAC_SECRET_NAME", ErrMissingRequired)
		}
	case BackendGlobus:
		if c.Globus.Index == "" {
			return fmt.Errorf("%w: GLOBUS_INDEX", ErrMissingRequired)
		}
		if c.Globus.ClientID == "" && c.Globus.SecretName == "" {
			return fmt.Errorf("%w: GLOBUS_CLIENT_ID or GLOBUS_SECRET_NAME", ErrMissingRequired)
		}
		if c.Globus.TaskPollInterval <= 0 {
			return fmt.Errorf("%w: GLOBUS_TASK_POLL_INTERVAL must be > 0", ErrInvalid)
		}
	case BackendElastic:
		if len(c.Elastic.URLs) == 0 {
			return fmt.Errorf("%w: ELASTIC_URLS", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: CATALOG_BACKEND %q", ErrInvalid, c.Backend)
	}
	return nil
}
