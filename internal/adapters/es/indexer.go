package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/nimafallahian/catalog-relay/internal/domain"
	"github.com/nimafallahian/catalog-relay/internal/ports"
)

var _ ports.Catalog = (*Indexer)(nil)

// Error values returned by the indexer for callers to react to.
var (
	ErrTooManyRequests = fmt.Errorf("%w: elasticsearch: too many requests (429)", domain.ErrTransport)
	ErrServerError     = fmt.Errorf("%w: elasticsearch: server error (5xx)", domain.ErrTransport)
)

// Indexer implements ports.Catalog by mirroring items into an Elasticsearch
// index with the Bulk API.
type Indexer struct {
	client  *elasticsearch.Client
	index   string
	refresh string
	logger  *slog.Logger
}

// NewIndexer constructs a new Indexer. refresh is passed through to the Bulk
// API ("wait_for" makes writes visible before Apply returns; "" leaves it to
// the index refresh interval).
func NewIndexer(client *elasticsearch.Client, index, refresh string, logger *slog.Logger) (*Indexer, error) {
	if client == nil {
		return nil, fmt.Errorf("client must not be nil")
	}
	if index == "" {
		return nil, fmt.Errorf("index must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		client:  client,
		index:   index,
		refresh: refresh,
		logger:  logger,
	}, nil
}

type bulkAction struct {
	Index  *bulkMeta `json:"index,omitempty"`
	Update *bulkMeta `json:"update,omitempty"`
	Delete *bulkMeta `json:"delete,omitempty"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkItem struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Apply sends ops as one bulk request. Items are indexed with flattened
// assets under their id, patches become partial document updates and revokes
// delete the document; a delete of a missing document counts as done.
func (i *Indexer) Apply(ctx context.Context, ops []domain.Operation) error {
	body, actions, err := i.encode(ops)
	if err != nil {
		return err
	}
	if actions == 0 {
		return nil
	}

	opts := []func(*esapi.BulkRequest){i.client.Bulk.WithContext(ctx)}
	if i.refresh != "" {
		opts = append(opts, i.client.Bulk.WithRefresh(i.refresh))
	}
	res, err := i.client.Bulk(bytes.NewReader(body), opts...)
	if err != nil {
		return fmt.Errorf("%w: bulk request: %v", domain.ErrTransport, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode == http.StatusTooManyRequests {
		return ErrTooManyRequests
	}

	if res.StatusCode >= 500 && res.StatusCode <= 599 {
		return ErrServerError
	}

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return &domain.TransportError{Method: http.MethodPost, URL: "/_bulk", Status: res.StatusCode, Body: string(raw)}
	}

	// Inspect per-item errors in the bulk response.
	var resp struct {
		Errors bool                  `json:"errors"`
		Items  []map[string]bulkItem `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("%w: decode bulk response: %v", domain.ErrTransport, err)
	}

	if !resp.Errors {
		i.logger.InfoContext(ctx, "bulk request applied", "index", i.index, "actions", actions)
		return nil
	}

	for _, entry := range resp.Items {
		for action, v := range entry {
			switch {
			case v.Status >= 200 && v.Status <= 299:
				continue
			case action == "delete" && v.Status == http.StatusNotFound:
				i.logger.InfoContext(ctx, "document already absent", "index", i.index, "id", v.ID)
				continue
			case v.Status == http.StatusTooManyRequests:
				return ErrTooManyRequests
			case v.Status >= 500 && v.Status <= 599:
				return ErrServerError
			default:
				i.logger.ErrorContext(ctx, "bulk item rejected", "action", action, "id", v.ID, "status", v.Status, "error", string(v.Error))
				return &domain.TransportError{Method: http.MethodPost, URL: "/_bulk", Status: v.Status, Body: string(v.Error)}
			}
		}
	}

	i.logger.InfoContext(ctx, "bulk request applied", "index", i.index, "actions", actions)
	return nil
}

func (i *Indexer) encode(ops []domain.Operation) ([]byte, int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	actions := 0
	for _, op := range ops {
		meta := &bulkMeta{Index: i.index, ID: op.ItemID}

		var (
			action bulkAction
			doc    any
		)
		switch op.Kind {
		case domain.OpCreate, domain.OpReplace:
			action.Index = meta
			doc = domain.FlattenAssets(op.Item)
		case domain.OpPatch:
			action.Update = meta
			doc = map[string]any{"doc": domain.FlattenAssets(op.Item)}
		case domain.OpDelete:
			action.Delete = meta
		default:
			continue
		}

		if err := enc.Encode(action); err != nil {
			return nil, 0, fmt.Errorf("encode bulk meta: %w", err)
		}
		if doc != nil {
			if err := enc.Encode(doc); err != nil {
				return nil, 0, fmt.Errorf("encode bulk doc %s: %w", op.ItemID, err)
			}
		}
		actions++
	}
	return buf.Bytes(), actions, nil
}
