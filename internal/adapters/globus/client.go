package globus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nimafallahian/catalog-relay/internal/domain"
	"github.com/nimafallahian/catalog-relay/internal/ports"
)

var _ ports.Catalog = (*Client)(nil)

const maxErrorBody = 64 << 10

// GMetaEntry is one record of a GMetaList ingest document. Every record is
// published with the "public" visibility ACL.
type GMetaEntry struct {
	Subject   string      `json:"subject"`
	VisibleTo []string    `json:"visible_to"`
	Content   domain.Item `json:"content"`
}

// GMetaList is the bulk ingest document accepted by the search service.
type GMetaList struct {
	IngestType string     `json:"ingest_type"`
	IngestData IngestData `json:"ingest_data"`
}

// IngestData wraps the entries of a GMetaList.
type IngestData struct {
	GMeta []GMetaEntry `json:"gmeta"`
}

// NewEntry wraps an item for ingestion, flattening its assets.
func NewEntry(item domain.Item) GMetaEntry {
	return GMetaEntry{
		Subject:   item.ID(),
		VisibleTo: []string{"public"},
		Content:   domain.FlattenAssets(item),
	}
}

// Client implements ports.Catalog on a search index. Creates and updates are
// submitted in bulk and awaited; revokes delete the subject directly.
type Client struct {
	baseURL string
	index   string
	http    *http.Client
	tokens  oauth2.TokenSource
	poller  *Poller
	logger  *slog.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL          string
	Index            string
	Tokens           oauth2.TokenSource
	HTTPClient       *http.Client
	TaskPollInterval time.Duration
	Logger           *slog.Logger
}

// NewClient returns a Client for the index in opts. BaseURL, Index and Tokens
// are required.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("baseURL must not be empty")
	}
	if opts.Index == "" {
		return nil, fmt.Errorf("index must not be empty")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source must not be nil")
	}
	c := &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		index:   opts.Index,
		http:    opts.HTTPClient,
		tokens:  opts.Tokens,
		logger:  opts.Logger,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.poller = NewPoller(c, opts.TaskPollInterval, c.logger)
	return c, nil
}

// Apply forwards ops in order. Consecutive creates/updates go out as a single
// ingest submission; a revoke first flushes the upserts queued before it.
// Partial updates cannot be expressed as index documents and are skipped.
func (c *Client) Apply(ctx context.Context, ops []domain.Operation) error {
	var pending []GMetaEntry
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		entries := pending
		pending = nil
		return c.ingest(ctx, entries)
	}

	for _, op := range ops {
		switch op.Kind {
		case domain.OpCreate, domain.OpReplace:
			pending = append(pending, NewEntry(op.Item))
		case domain.OpDelete:
			if err := flush(); err != nil {
				return err
			}
			if err := c.DeleteSubject(ctx, op.ItemID); err != nil {
				return err
			}
		default:
			c.logger.WarnContext(ctx, "operation not supported by search index, skipping",
				"op", op.Kind.String(), "collection_id", op.CollectionID, "item_id", op.ItemID)
		}
	}
	return flush()
}

func (c *Client) ingest(ctx context.Context, entries []GMetaEntry) error {
	doc := GMetaList{IngestType: "GMetaList", IngestData: IngestData{GMeta: entries}}

	taskID, err := c.Ingest(ctx, doc)
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "ingestion submitted", "task_id", taskID, "documents", len(entries))

	ok, err := c.poller.Await(ctx, taskID)
	if err != nil {
		return fmt.Errorf("await task %s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("%w: task %s", domain.ErrIngestionFailed, taskID)
	}
	c.logger.InfoContext(ctx, "ingestion succeeded", "task_id", taskID, "documents", len(entries))
	return nil
}

// Ingest submits a bulk ingest document and returns the task id.
func (c *Client) Ingest(ctx context.Context, doc GMetaList) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	path := "/v1/index/" + url.PathEscape(c.index) + "/ingest"
	if err := c.do(ctx, http.MethodPost, path, doc, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("%w: ingest response carries no task_id", domain.ErrTransport)
	}
	return resp.TaskID, nil
}

// TaskState returns the current state of an ingestion task.
func (c *Client) TaskState(ctx context.Context, taskID string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/task/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// DeleteSubject removes a subject from the index. A subject that does not
// exist is treated as deleted.
func (c *Client) DeleteSubject(ctx context.Context, subject string) error {
	path := "/v1/index/" + url.PathEscape(c.index) + "/subject?subject=" + url.QueryEscape(subject)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var terr *domain.TransportError
	if errors.As(err, &terr) && terr.Status == http.StatusNotFound {
		c.logger.InfoContext(ctx, "subject already absent", "subject", subject)
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "subject deleted", "subject", subject)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: fetch access token: %v", domain.ErrTransport, err)
	}
	tok.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransport, method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		terr := &domain.TransportError{Method: method, URL: req.URL.String(), Status: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode != http.StatusNotFound || method != http.MethodDelete {
			c.logger.ErrorContext(ctx, "search request rejected", "method", method, "path", path, "status", resp.StatusCode, "body", terr.Body)
		}
		return terr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrTransport, path, err)
	}
	return nil
}
