package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/nimafallahian/catalog-relay/internal/domain"
	"github.com/nimafallahian/catalog-relay/internal/ports"
)

var _ ports.Catalog = (*Client)(nil)

const maxErrorBody = 64 << 10

// Client implements ports.Catalog against a STAC transaction API. Every
// operation is one authenticated HTTP request.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	logger  *slog.Logger
}

// NewClient constructs a new Client. tokens is consulted on every request;
// caching and refreshing are its responsibility.
func NewClient(baseURL string, tokens oauth2.TokenSource, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL must not be empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source must not be nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
	}, nil
}

// Apply issues the operations sequentially. Every operation is attempted even
// after a failure; the batch succeeds only if all of them do.
func (c *Client) Apply(ctx context.Context, ops []domain.Operation) error {
	var errs []error
	for _, op := range ops {
		if err := c.applyOne(ctx, op); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) applyOne(ctx context.Context, op domain.Operation) error {
	log := c.logger.With("op", op.Kind.String(), "collection_id", op.CollectionID, "item_id", op.ItemID)

	status, body, err := c.send(ctx, op)
	if err != nil {
		log.ErrorContext(ctx, "catalog request failed", "error", err)
		return err
	}

	switch {
	case status >= 200 && status <= 299:
		log.InfoContext(ctx, "catalog item applied", "status", status)
		return nil

	case op.Kind == domain.OpDelete && status == http.StatusNotFound:
		// Already gone: a redelivered revoke.
		log.InfoContext(ctx, "catalog item already absent", "status", status)
		return nil

	case op.Kind == domain.OpCreate && status == http.StatusConflict:
		// A redelivered create: replace the stored item instead.
		log.InfoContext(ctx, "catalog item exists, replacing", "status", status)
		replace := op
		replace.Kind = domain.OpReplace
		return c.applyOne(ctx, replace)
	}

	terr := &domain.TransportError{Method: op.Method(), URL: c.url(op), Status: status, Body: body}
	log.ErrorContext(ctx, "catalog rejected operation", "status", status, "body", body)
	return terr
}

func (c *Client) send(ctx context.Context, op domain.Operation) (int, string, error) {
	method := op.Method()
	if method == "" {
		return 0, "", fmt.Errorf("%w: no request for %s operation", domain.ErrTransport, op.Kind)
	}

	var payload io.Reader
	if op.Kind != domain.OpDelete {
		b, err := json.Marshal(op.Item)
		if err != nil {
			return 0, "", fmt.Errorf("encode item %s: %w", op.ItemID, err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(op), payload)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	tok, err := c.tokens.Token()
	if err != nil {
		return 0, "", fmt.Errorf("%w: fetch access token: %v", domain.ErrTransport, err)
	}
	tok.SetAuthHeader(req)

	c.logger.DebugContext(ctx, "sending catalog request", "method", method, "url", req.URL.String())
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s %s: %v", domain.ErrTransport, method, req.URL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, string(body), nil
}

func (c *Client) url(op domain.Operation) string {
	return c.baseURL + "/" + op.Path()
}
