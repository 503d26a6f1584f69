// Package kusto provides a narrow client for the Azure Data Explorer
// query endpoint. It submits a query string with a server-side time
// budget, returns flat rows, and classifies backend failures into
// retryable and fatal kinds so the caller's retry loop never has to
// inspect error text itself.
package kusto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rotisserie/eris"

	"github.com/gh-analytics/sft-export/internal/resilience"
)

// Row is one result row keyed by column name. String cells that contained
// serialized JSON arrive already decoded into maps/slices.
type Row map[string]any

// Client defines the analytical backend operations.
type Client interface {
	// Execute runs a query and returns the primary result rows.
	Execute(ctx context.Context, query string, opts ...ExecuteOption) ([]Row, error)
}

// ExecuteOption configures a single query execution.
type ExecuteOption func(*executeOpts)

type executeOpts struct {
	serverTimeout time.Duration
}

// WithServerTimeout sets the server-side query budget.
func WithServerTimeout(d time.Duration) ExecuteOption {
	return func(o *executeOpts) {
		o.serverTimeout = d
	}
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom cluster URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithCredential sets the token credential. Passing nil disables the
// Authorization header (for testing).
func WithCredential(cred azcore.TokenCredential) Option {
	return func(c *httpClient) {
		c.cred = cred
		c.credSet = true
	}
}

type httpClient struct {
	baseURL  string
	database string
	cred     azcore.TokenCredential
	credSet  bool
	http     *http.Client
}

// NewClient creates a client for one cluster/database pair. Unless
// WithCredential is given, the ambient Azure credential chain (CLI login,
// managed identity, environment) is used.
func NewClient(clusterURL, database string, opts ...Option) (Client, error) {
	c := &httpClient{
		baseURL:  strings.TrimRight(clusterURL, "/"),
		database: database,
		http: &http.Client{
			// Per-request deadlines come from the caller's context; the
			// client itself must not cut off long-running queries.
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if !c.credSet {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, eris.Wrap(err, "kusto: default credential")
		}
		c.cred = cred
	}
	return c, nil
}

type queryRequest struct {
	DB         string          `json:"db"`
	CSL        string          `json:"csl"`
	Properties queryProperties `json:"properties"`
}

type queryProperties struct {
	Options map[string]any `json:"Options"`
}

// frame is one element of the v2 streaming response.
type frame struct {
	FrameType string            `json:"FrameType"`
	TableKind string            `json:"TableKind,omitempty"`
	Columns   []column          `json:"Columns,omitempty"`
	Rows      []json.RawMessage `json:"Rows,omitempty"`
}

type column struct {
	ColumnName string `json:"ColumnName"`
	ColumnType string `json:"ColumnType"`
}

func (c *httpClient) Execute(ctx context.Context, query string, opts ...ExecuteOption) ([]Row, error) {
	o := executeOpts{serverTimeout: 15 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	reqBody := queryRequest{
		DB:  c.database,
		CSL: query,
		Properties: queryProperties{
			Options: map[string]any{
				"servertimeout": formatTimespan(o.serverTimeout),
				"results_defer_partial_query_failures": false,
			},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "kusto: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/rest/query", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "kusto: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.cred != nil {
		tok, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{
			Scopes: []string{c.baseURL + "/.default"},
		})
		if err != nil {
			return nil, eris.Wrap(err, "kusto: acquire token")
		}
		req.Header.Set("Authorization", "Bearer "+tok.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Classify(eris.Wrap(err, "kusto: execute query"))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(eris.Wrap(err, "kusto: read response"))
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("kusto: status %d: %s", resp.StatusCode, truncate(string(body), 500))
		if transientStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err)
		}
		return nil, Classify(err)
	}

	return parsePrimaryResult(body)
}

// parsePrimaryResult extracts the first PrimaryResult table from a v2
// response body and converts it to rows.
func parsePrimaryResult(body []byte) ([]Row, error) {
	var frames []frame
	if err := json.Unmarshal(body, &frames); err != nil {
		return nil, eris.Wrap(err, "kusto: decode response frames")
	}

	for _, f := range frames {
		if f.FrameType != "DataTable" || f.TableKind != "PrimaryResult" {
			continue
		}
		rows := make([]Row, 0, len(f.Rows))
		for _, raw := range f.Rows {
			var cells []any
			if err := json.Unmarshal(raw, &cells); err != nil {
				// Error frames inside Rows ({"OneApiErrors": ...}) mark a
				// partial query failure.
				return nil, Classify(eris.Errorf("kusto: partial query failure: %s", truncate(string(raw), 500)))
			}
			row := make(Row, len(f.Columns))
			for i, col := range f.Columns {
				if i >= len(cells) {
					break
				}
				row[col.ColumnName] = decodeCell(cells[i])
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	return nil, eris.New("kusto: response contains no primary result table")
}

// decodeCell opportunistically decodes string cells that look like
// serialized JSON. Cells that fail to decode stay strings.
func decodeCell(v any) any {
	s, ok := v.(string)
	if !ok || len(s) == 0 {
		return v
	}
	if s[0] != '{' && s[0] != '[' {
		return v
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return v
	}
	return decoded
}

// formatTimespan renders a duration in the hh:mm:ss timespan form the
// backend expects.
func formatTimespan(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
