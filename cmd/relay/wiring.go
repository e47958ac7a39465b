package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nimafallahian/catalog-relay/internal/adapters/es"
	"github.com/nimafallahian/catalog-relay/internal/adapters/globus"
	kafkaadapter "github.com/nimafallahian/catalog-relay/internal/adapters/kafka"
	"github.com/nimafallahian/catalog-relay/internal/adapters/secrets"
	"github.com/nimafallahian/catalog-relay/internal/adapters/stac"
	"github.com/nimafallahian/catalog-relay/internal/config"
	"github.com/nimafallahian/catalog-relay/internal/ports"
	"github.com/nimafallahian/catalog-relay/internal/service"
)

type secretGetter interface {
	GetJSON(ctx context.Context, name string, v any) error
}

func needsSecrets(cfg *config.Config) bool {
	return (cfg.Kafka.UsesSASL() && cfg.Kafka.SASLSecretName != "") ||
		(cfg.Backend == config.BackendSTAC && cfg.STAC.SecretName != "") ||
		(cfg.Backend == config.BackendGlobus && cfg.Globus.SecretName != "")
}

// resolveSecrets overwrites credentials in cfg with the values stored under
// the configured secret names.
func resolveSecrets(ctx context.Context, cfg *config.Config, sm secretGetter) error {
	if cfg.Kafka.UsesSASL() && cfg.Kafka.SASLSecretName != "" {
		var c secrets.SASLCredentials
		if err := sm.GetJSON(ctx, cfg.Kafka.SASLSecretName, &c); err != nil {
			return err
		}
		cfg.Kafka.SASLUsername, cfg.Kafka.SASLPassword = c.Username, c.Password
	}

	var (
		name         string
		id, password *string
	)
	switch cfg.Backend {
	case config.BackendSTAC:
		name, id, password = cfg.STAC.SecretName, &cfg.STAC.ClientID, &cfg.STAC.ClientSecret
	case config.BackendGlobus:
		name, id, password = cfg.Globus.SecretName, &cfg.Globus.ClientID, &cfg.Globus.ClientSecret
	}
	if name == "" {
		return nil
	}

	var c secrets.ClientCredentials
	if err := sm.GetJSON(ctx, name, &c); err != nil {
		return err
	}
	*id, *password = c.ClientID, c.ClientSecret
	return nil
}

func newCatalog(cfg *config.Config, log *slog.Logger) (ports.Catalog, error) {
	switch cfg.Backend {
	case config.BackendSTAC:
		httpClient := &http.Client{Timeout: cfg.STAC.Timeout}
		if cfg.STAC.InsecureSkipVerify {
			httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // opt-in for test stacks
		}
		return stac.NewClient(cfg.STAC.ServerURL, tokenSource(cfg.STAC.TokenURL, cfg.STAC.ClientID, cfg.STAC.ClientSecret, cfg.STAC.Scopes, httpClient), httpClient, log)

	case config.BackendGlobus:
		httpClient := &http.Client{Timeout: cfg.Globus.Timeout}
		return globus.NewClient(globus.Options{
			BaseURL:          cfg.Globus.SearchURL,
			Index:            cfg.Globus.Index,
			Tokens:           tokenSource(cfg.Globus.TokenURL, cfg.Globus.ClientID, cfg.Globus.ClientSecret, cfg.Globus.Scopes, httpClient),
			HTTPClient:       httpClient,
			TaskPollInterval: cfg.Globus.TaskPollInterval,
			Logger:           log,
		})

	case config.BackendElastic:
		client, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Elastic.URLs,
			Username:  cfg.Elastic.Username,
			Password:  cfg.Elastic.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("create elasticsearch client: %w", err)
		}
		return es.NewIndexer(client, cfg.Elastic.Index, cfg.Elastic.Refresh, log)

	default:
		return nil, fmt.Errorf("%w: CATALOG_BACKEND %q", config.ErrInvalid, cfg.Backend)
	}
}

// tokenSource returns a cached client-credentials token source. Token
// requests go through httpClient so they share its timeout and TLS settings.
func tokenSource(tokenURL, id, secret string, scopes []string, httpClient *http.Client) oauth2.TokenSource {
	cc := clientcredentials.Config{
		ClientID:     id,
		ClientSecret: secret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return cc.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, httpClient))
}

// worker is one relay loop and the consumer group member it reads from.
type worker struct {
	relay  *service.Relay
	log    ports.LogSource
	logger *slog.Logger
}

type logOpener func(opts kafkaadapter.Options) (ports.LogSource, error)

func openKafka(opts kafkaadapter.Options) (ports.LogSource, error) {
	c, err := kafkaadapter.NewConsumer(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newWorkers builds every worker before any of them runs. If one consumer
// cannot be created the ones built so far are closed.
func newWorkers(cfg *config.Config, catalog ports.Catalog, dialer *kafkago.Dialer, log *slog.Logger, open logOpener) ([]worker, error) {
	workers := make([]worker, 0, cfg.WorkerCount)
	for i := range cfg.WorkerCount {
		wlog := log.With("worker", i)

		src, err := open(kafkaadapter.Options{
			Brokers:          cfg.Kafka.Brokers,
			Topics:           cfg.Kafka.Topics,
			GroupID:          cfg.Kafka.GroupID,
			StartOffset:      cfg.Kafka.AutoOffsetReset,
			RebalanceTimeout: cfg.Kafka.RebalanceTimeout,
			Dialer:           dialer,
			Debug:            cfg.Kafka.ClientDebug,
			Logger:           wlog,
		})
		if err != nil {
			closeWorkers(workers)
			return nil, fmt.Errorf("create kafka consumer %d: %w", i, err)
		}

		workers = append(workers, worker{
			relay: service.NewRelay(src, catalog, service.Options{
				BatchSize:     cfg.BatchSize,
				PollTimeout:   cfg.PollTimeout,
				ShutdownGrace: cfg.ShutdownGrace,
				Logger:        wlog,
			}),
			log:    src,
			logger: wlog,
		})
	}
	return workers, nil
}

func closeWorkers(workers []worker) {
	for _, w := range workers {
		if err := w.log.Close(); err != nil {
			w.logger.Error("failed to close kafka consumer", "error", err)
		}
	}
}
