package config

import (
	"errors"
	"os"
	"testing"
	"time"
)

func unsetAll(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		// t.Setenv registers the restore; Unsetenv then clears the value.
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9096,broker2:9096")
	t.Setenv("KAFKA_TOPICS", "esgf2,esgf2-replay")
	t.Setenv("KAFKA_GROUP_ID", "westconsumer")
	t.Setenv("KAFKA_SECURITY_PROTOCOL", "sasl_ssl")
	t.Setenv("KAFKA_SASL_MECHANISM", "SCRAM-SHA-512")
	t.Setenv("KAFKA_SASL_USERNAME", "user")
	t.Setenv("KAFKA_SASL_PASSWORD", "pass")
	t.Setenv("KAFKA_AUTO_OFFSET_RESET", "EARLIEST")
	t.Setenv("CATALOG_BACKEND", "STAC")
	t.Setenv("STAC_SERVER_URL", "https://stac.example.org/")
	t.Setenv("STAC_TOKEN_URL", "https://auth.example.org/token")
	t.Setenv("STAC_CLIENT_ID", "id")
	t.Setenv("STAC_CLIENT_SECRET", "secret")
	t.Setenv("STAC_SCOPES", "a,b")
	t.Setenv("BATCH_SIZE", "20")
	t.Setenv("POLL_TIMEOUT", "2s")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got, want := len(cfg.Kafka.Brokers), 2; got != want {
		t.Fatalf("expected %d kafka brokers, got %d", want, got)
	}
	if cfg.Kafka.Topics[0] != "esgf2" || cfg.Kafka.Topics[1] != "esgf2-replay" {
		t.Fatalf("unexpected kafka topics: %#v", cfg.Kafka.Topics)
	}
	if cfg.Kafka.GroupID != "westconsumer" {
		t.Fatalf("expected GroupID=westconsumer, got %s", cfg.Kafka.GroupID)
	}
	if !cfg.Kafka.UsesSASL() || !cfg.Kafka.UsesTLS() {
		t.Fatalf("expected SASL_SSL, got %s", cfg.Kafka.SecurityProtocol)
	}
	if cfg.Kafka.AutoOffsetReset != "earliest" {
		t.Fatalf("expected AutoOffsetReset=earliest, got %s", cfg.Kafka.AutoOffsetReset)
	}
	if cfg.Backend != BackendSTAC {
		t.Fatalf("expected Backend=stac, got %s", cfg.Backend)
	}
	if len(cfg.STAC.Scopes) != 2 {
		t.Fatalf("unexpected STAC scopes: %#v", cfg.STAC.Scopes)
	}
	if cfg.BatchSize != 20 {
		t.Fatalf("expected BatchSize=20, got %d", cfg.BatchSize)
	}
	if cfg.PollTimeout != 2*time.Second {
		t.Fatalf("expected PollTimeout=2s, got %s", cfg.PollTimeout)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected WorkerCount=3, got %d", cfg.WorkerCount)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Fatalf("expected LogLevel=DEBUG, got %s", cfg.LogLevel)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	unsetAll(t, "KAFKA_TOPICS", "KAFKA_GROUP_ID", "KAFKA_SECURITY_PROTOCOL", "KAFKA_AUTO_OFFSET_RESET",
		"CATALOG_BACKEND", "BATCH_SIZE", "POLL_TIMEOUT", "SHUTDOWN_GRACE", "WORKER_COUNT", "LOG_LEVEL",
		"GLOBUS_SEARCH_URL", "GLOBUS_TASK_POLL_INTERVAL", "GLOBUS_SCOPES")

	t.Setenv("KAFKA_BROKERS", "broker1:9092")
	t.Setenv("GLOBUS_INDEX", "f037bb33")
	t.Setenv("GLOBUS_SECRET_NAME", "globus-creds")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(cfg.Kafka.Topics) != 1 || cfg.Kafka.Topics[0] != "esgf2" {
		t.Fatalf("expected default topics [esgf2], got %#v", cfg.Kafka.Topics)
	}
	if cfg.Kafka.GroupID != "catalog-relay" {
		t.Fatalf("expected default GroupID=catalog-relay, got %s", cfg.Kafka.GroupID)
	}
	if cfg.Kafka.SecurityProtocol != "PLAINTEXT" {
		t.Fatalf("expected default SecurityProtocol=PLAINTEXT, got %s", cfg.Kafka.SecurityProtocol)
	}
	if cfg.Kafka.AutoOffsetReset != "latest" {
		t.Fatalf("expected default AutoOffsetReset=latest, got %s", cfg.Kafka.AutoOffsetReset)
	}
	if cfg.Kafka.RebalanceTimeout != time.Minute {
		t.Fatalf("expected default RebalanceTimeout=1m, got %s", cfg.Kafka.RebalanceTimeout)
	}
	if cfg.Backend != BackendGlobus {
		t.Fatalf("expected default Backend=globus, got %s", cfg.Backend)
	}
	if cfg.Globus.SearchURL != "https://search.api.globus.org" {
		t.Fatalf("unexpected default SearchURL %s", cfg.Globus.SearchURL)
	}
	if cfg.Globus.TaskPollInterval != time.Second {
		t.Fatalf("expected default TaskPollInterval=1s, got %s", cfg.Globus.TaskPollInterval)
	}
	if cfg.BatchSize != 50 {
		t.Fatalf("expected default BatchSize=50, got %d", cfg.BatchSize)
	}
	if cfg.PollTimeout != 5*time.Second {
		t.Fatalf("expected default PollTimeout=5s, got %s", cfg.PollTimeout)
	}
	if cfg.ShutdownGrace != 30*time.Second {
		t.Fatalf("expected default ShutdownGrace=30s, got %s", cfg.ShutdownGrace)
	}
	if cfg.WorkerCount != 1 {
		t.Fatalf("expected default WorkerCount=1, got %d", cfg.WorkerCount)
	}
	if cfg.LogLevel != "INFO" {
		t.Fatalf("expected default LogLevel=INFO, got %s", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Kafka: KafkaConfig{
				Brokers:          []string{"b:9092"},
				Topics:           []string{"esgf2"},
				GroupID:          "g",
				SecurityProtocol: "PLAINTEXT",
				SASLMechanism:    "SCRAM-SHA-512",
				AutoOffsetReset:  "latest",
			},
			Backend: BackendElastic,
			Elastic: ElasticConfig{URLs: []string{"http://es:9200"}, Index: "items"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "solr" }, wantErr: ErrInvalid},
		{name: "bad protocol", mutate: func(c *Config) { c.Kafka.SecurityProtocol = "TLS" }, wantErr: ErrInvalid},
		{name: "bad offset reset", mutate: func(c *Config) { c.Kafka.AutoOffsetReset = "none" }, wantErr: ErrInvalid},
		{name: "sasl without credentials", mutate: func(c *Config) { c.Kafka.SecurityProtocol = "SASL_SSL" }, wantErr: ErrMissingRequired},
		{name: "sasl with secret name", mutate: func(c *Config) {
			c.Kafka.SecurityProtocol = "SASL_SSL"
			c.Kafka.SASLSecretName = "kafka"
		}},
		{name: "sasl bad mechanism", mutate: func(c *Config) {
			c.Kafka.SecurityProtocol = "SASL_PLAINTEXT"
			c.Kafka.SASLUsername = "u"
			c.Kafka.SASLMechanism = "GSSAPI"
		}, wantErr: ErrInvalid},
		{name: "elastic without urls", mutate: func(c *Config) { c.Elastic.URLs = nil }, wantErr: ErrMissingRequired},
		{name: "stac without server", mutate: func(c *Config) { c.Backend = BackendSTAC }, wantErr: ErrMissingRequired},
		{name: "globus without index", mutate: func(c *Config) { c.Backend = BackendGlobus }, wantErr: ErrMissingRequired},
		{name: "globus zero interval", mutate: func(c *Config) {
			c.Backend = BackendGlobus
			c.Globus.Index = "idx"
			c.Globus.ClientID = "id"
		}, wantErr: ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
