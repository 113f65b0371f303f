package quickbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AccountingAPI = (*Client)(nil)

const (
	minorVersion = "75"

	// maxErrorBody bounds how much of a failed response is read for the
	// error message.
	maxErrorBody = 64 << 10
)

// Client implements the driven.AccountingAPI port over the QuickBooks Online
// v3 REST API.
type Client struct {
	http     *http.Client
	baseURLs map[model.Environment]*url.URL
}

// NewClient creates a Client with the following transport stack:
//  1. httpcache (conditional request caching for cacheable responses)
//  2. net/http client with timeout bounding every call
func NewClient(sandboxURL, productionURL string, timeout time.Duration) (*Client, error) {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	return NewClientWithHTTPClient(&http.Client{Transport: cacheTransport, Timeout: timeout}, sandboxURL, productionURL)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base
// URLs. This constructor is intended for testing, allowing injection of an
// httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, sandboxURL, productionURL string) (*Client, error) {
	sandbox, err := url.Parse(sandboxURL)
	if err != nil {
		return nil, fmt.Errorf("parsing sandbox URL: %w", err)
	}
	production, err := url.Parse(productionURL)
	if err != nil {
		return nil, fmt.Errorf("parsing production URL: %w", err)
	}

	return &Client{
		http: httpClient,
		baseURLs: map[model.Environment]*url.URL{
			model.EnvironmentSandbox:    sandbox,
			model.EnvironmentProduction: production,
		},
	}, nil
}

// Query runs a paged select over entity and returns the rows undecoded.
func (c *Client) Query(ctx context.Context, target driven.Target, accessToken string, entity model.EntityKind, start, maxResults int) (*model.QueryPage, error) {
	statement := fmt.Sprintf("select * from %s startposition %d maxresults %d", entity, start, maxResults)

	endpoint, err := c.endpoint(target, url.Values{"query": {statement}}, "query")
	if err != nil {
		return nil, err
	}

	var body struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	if err := c.get(ctx, endpoint, accessToken, &body); err != nil {
		return nil, fmt.Errorf("query %s for %s (start %d): %w", entity, target.AccountID, start, err)
	}

	page, err := decodeQueryPage(body.QueryResponse, entity)
	if err != nil {
		return nil, fmt.Errorf("decode %s page for %s (start %d): %w", entity, target.AccountID, start, err)
	}

	slog.Debug("accounting api query",
		"account_id", target.AccountID,
		"entity", entity,
		"start", start,
		"rows", len(page.Rows),
		"max_results", page.MaxResults,
		"total_count", page.TotalCount,
	)

	return page, nil
}

// GetEntity fetches a single entity by ID.
func (c *Client) GetEntity(ctx context.Context, target driven.Target, accessToken string, entity model.EntityKind, id string) (json.RawMessage, error) {
	endpoint, err := c.endpoint(target, nil, strings.ToLower(string(entity)), id)
	if err != nil {
		return nil, err
	}

	var body map[string]json.RawMessage
	if err := c.get(ctx, endpoint, accessToken, &body); err != nil {
		return nil, fmt.Errorf("get %s %s for %s: %w", entity, id, target.AccountID, err)
	}

	raw, ok := body[string(entity)]
	if !ok {
		return nil, fmt.Errorf("get %s %s for %s: response has no %s object", entity, id, target.AccountID, entity)
	}
	return raw, nil
}

// CompanyInfo fetches the company's names.
func (c *Client) CompanyInfo(ctx context.Context, target driven.Target, accessToken string) (*model.CompanyInfo, error) {
	endpoint, err := c.endpoint(target, nil, "companyinfo", target.AccountID)
	if err != nil {
		return nil, err
	}

	var body struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
			LegalName   string `json:"LegalName"`
		} `json:"CompanyInfo"`
	}
	if err := c.get(ctx, endpoint, accessToken, &body); err != nil {
		return nil, fmt.Errorf("get company info for %s: %w", target.AccountID, err)
	}

	return &model.CompanyInfo{
		CompanyName: body.CompanyInfo.CompanyName,
		LegalName:   body.CompanyInfo.LegalName,
	}, nil
}

// endpoint builds /v3/company/<realm>/<path...> on the target's base URL.
func (c *Client) endpoint(target driven.Target, query url.Values, path ...string) (string, error) {
	base, ok := c.baseURLs[target.Environment]
	if !ok {
		return "", fmt.Errorf("unknown environment %q for %s", target.Environment, target.AccountID)
	}

	elems := append([]string{"v3", "company", target.AccountID}, path...)
	u := base.JoinPath(elems...)

	if query == nil {
		query = url.Values{}
	}
	query.Set("minorversion", minorVersion)
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// get performs an authenticated GET and decodes the JSON body into out.
// Non-2xx responses become *driven.UpstreamError.
func (c *Client) get(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	slog.Debug("accounting api call",
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"intuit_tid", resp.Header.Get("intuit_tid"),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &driven.UpstreamError{Status: resp.StatusCode, Message: faultMessage(body, resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeQueryPage pulls the entity rows and paging fields out of a
// QueryResponse object. An absent entity key means zero rows.
func decodeQueryPage(resp map[string]json.RawMessage, entity model.EntityKind) (*model.QueryPage, error) {
	page := &model.QueryPage{}

	if raw, ok := resp[string(entity)]; ok {
		if err := json.Unmarshal(raw, &page.Rows); err != nil {
			return nil, err
		}
	}

	for key, dst := range map[string]*int{
		"startPosition": &page.StartPosition,
		"maxResults":    &page.MaxResults,
		"totalCount":    &page.TotalCount,
	} {
		raw, ok := resp[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	return page, nil
}

// faultMessage extracts a readable message from a QuickBooks fault envelope.
// Field matching is case-insensitive, which covers both the "Fault" and the
// lower-case "fault" shapes the API returns.
func faultMessage(body []byte, status int) string {
	var envelope struct {
		Fault struct {
			Error []struct {
				Message string `json:"Message"`
				Detail  string `json:"Detail"`
				Code    string `json:"code"`
			} `json:"Error"`
		} `json:"Fault"`
	}

	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Fault.Error) > 0 {
		parts := make([]string, 0, len(envelope.Fault.Error))
		for _, e := range envelope.Fault.Error {
			msg := e.Message
			if e.Detail != "" && e.Detail != e.Message {
				msg += ": " + e.Detail
			}
			parts = append(parts, msg)
		}
		return strings.Join(parts, "; ")
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}
