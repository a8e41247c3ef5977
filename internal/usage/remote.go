package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RemoteUsage is month-to-date usage as reported by a provider's billing
// API, as opposed to the locally recorded per-turn usage. Fetch failures
// land in Err so a partial multi-provider report still renders.
type RemoteUsage struct {
	Provider     string            `json:"provider"`
	Period       string            `json:"period,omitempty"`
	InputTokens  int64             `json:"input_tokens,omitempty"`
	OutputTokens int64             `json:"output_tokens,omitempty"`
	TotalTokens  int64             `json:"total_tokens,omitempty"`
	CostUSD      float64           `json:"cost_usd,omitempty"`
	Models       []RemoteModelRow  `json:"models,omitempty"`
	FetchedAt    time.Time         `json:"fetched_at"`
	Err          string            `json:"error,omitempty"`
}

// RemoteModelRow is the per-model slice of a remote usage report.
type RemoteModelRow struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	TotalTokens  int64   `json:"total_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	Requests     int64   `json:"requests,omitempty"`
}

// RemoteFetcher pulls billed usage from one provider.
type RemoteFetcher interface {
	Provider() string
	Fetch(ctx context.Context) (*RemoteUsage, error)
}

func monthToDate() (time.Time, time.Time) {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), now
}

func periodLabel(start, end time.Time) string {
	return fmt.Sprintf("%s to %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
}

const (
	anthropicAdminVersion  = "2023-06-01"
	defaultAnthropicAPIURL = "https://api.anthropic.com"
	defaultOpenAIAPIURL    = "https://api.openai.com"
)

// AnthropicFetcher reads the organization usage and cost reports. The admin
// API needs an admin key, not a regular inference key.
type AnthropicFetcher struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func (f *AnthropicFetcher) Provider() string { return "anthropic" }

// Fetch aggregates the usage report and the cost report into one month-to-
// date summary, grouped by model.
func (f *AnthropicFetcher) Fetch(ctx context.Context) (*RemoteUsage, error) {
	report := &RemoteUsage{Provider: "anthropic", FetchedAt: time.Now()}
	if f.APIKey == "" {
		report.Err = "no API key configured"
		return report, nil
	}

	start, end := monthToDate()
	report.Period = periodLabel(start, end)

	rows := make(map[string]*RemoteModelRow)
	if err := f.collectUsage(ctx, start, end, rows); err != nil {
		report.Err = err.Error()
		return report, nil
	}
	if cost, err := f.collectCost(ctx, start, end, rows); err == nil {
		report.CostUSD = cost
	}

	flattenRows(report, rows)
	return report, nil
}

func (f *AnthropicFetcher) collectUsage(ctx context.Context, start, end time.Time, rows map[string]*RemoteModelRow) error {
	var payload struct {
		Data []struct {
			Results []struct {
				Model                string `json:"model"`
				UncachedInputTokens  int64  `json:"uncached_input_tokens"`
				CacheReadInputTokens int64  `json:"cache_read_input_tokens"`
				OutputTokens         int64  `json:"output_tokens"`
				CacheCreation        *struct {
					Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
					Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
				} `json:"cache_creation"`
			} `json:"results"`
		} `json:"data"`
		HasMore  bool   `json:"has_more"`
		NextPage string `json:"next_page"`
	}

	page := ""
	for {
		query := reportQuery(start, end, page)
		query.Add("group_by[]", "model")
		if err := f.get(ctx, "/v1/organizations/usage_report/messages", query, &payload); err != nil {
			return err
		}
		for _, bucket := range payload.Data {
			for _, item := range bucket.Results {
				row := rowFor(rows, item.Model)
				input := item.UncachedInputTokens + item.CacheReadInputTokens
				if item.CacheCreation != nil {
					input += item.CacheCreation.Ephemeral1h + item.CacheCreation.Ephemeral5m
				}
				row.InputTokens += input
				row.OutputTokens += item.OutputTokens
			}
		}
		if !payload.HasMore || payload.NextPage == "" {
			return nil
		}
		page = payload.NextPage
	}
}

func (f *AnthropicFetcher) collectCost(ctx context.Context, start, end time.Time, rows map[string]*RemoteModelRow) (float64, error) {
	var payload struct {
		Data []struct {
			Results []struct {
				// Amount is in cents, as a decimal string.
				Amount string `json:"amount"`
				Model  string `json:"model"`
			} `json:"results"`
		} `json:"data"`
		HasMore  bool   `json:"has_more"`
		NextPage string `json:"next_page"`
	}

	total := 0.0
	page := ""
	for {
		query := reportQuery(start, end, page)
		query.Add("group_by[]", "description")
		if err := f.get(ctx, "/v1/organizations/cost_report", query, &payload); err != nil {
			return total, err
		}
		for _, bucket := range payload.Data {
			for _, item := range bucket.Results {
				if strings.TrimSpace(item.Amount) == "" {
					continue
				}
				cents, err := strconv.ParseFloat(item.Amount, 64)
				if err != nil {
					return total, fmt.Errorf("parse cost amount: %w", err)
				}
				total += cents / 100
				if model := strings.TrimSpace(item.Model); model != "" {
					rowFor(rows, model).CostUSD += cents / 100
				}
			}
		}
		if !payload.HasMore || payload.NextPage == "" {
			return total, nil
		}
		page = payload.NextPage
	}
}

func (f *AnthropicFetcher) get(ctx context.Context, path string, query url.Values, into any) error {
	base := f.BaseURL
	if base == "" {
		base = defaultAnthropicAPIURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", f.APIKey)
	req.Header.Set("anthropic-version", anthropicAdminVersion)

	resp, err := httpClient(f.HTTPClient).Do(req)
	if err != nil {
		return fmt.Errorf("fetch usage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func reportQuery(start, end time.Time, page string) url.Values {
	query := url.Values{}
	query.Set("starting_at", start.Format(time.RFC3339))
	query.Set("ending_at", end.Format(time.RFC3339))
	query.Set("bucket_width", "1d")
	query.Set("limit", "31")
	if page != "" {
		query.Set("page", page)
	}
	return query
}

// OpenAIFetcher reads the legacy daily usage endpoint.
type OpenAIFetcher struct {
	APIKey       string
	Organization string
	BaseURL      string
	HTTPClient   *http.Client
}

func (f *OpenAIFetcher) Provider() string { return "openai" }

func (f *OpenAIFetcher) Fetch(ctx context.Context) (*RemoteUsage, error) {
	report := &RemoteUsage{Provider: "openai", FetchedAt: time.Now()}
	if f.APIKey == "" {
		report.Err = "no API key configured"
		return report, nil
	}

	start, end := monthToDate()
	report.Period = periodLabel(start, end)

	base := f.BaseURL
	if base == "" {
		base = defaultOpenAIAPIURL
	}
	endpoint := fmt.Sprintf("%s/v1/usage?start_date=%s&end_date=%s",
		base, start.Format("2006-01-02"), end.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		report.Err = fmt.Sprintf("create request: %v", err)
		return report, nil
	}
	req.Header.Set("Authorization", "Bearer "+f.APIKey)
	if f.Organization != "" {
		req.Header.Set("OpenAI-Organization", f.Organization)
	}

	resp, err := httpClient(f.HTTPClient).Do(req)
	if err != nil {
		report.Err = fmt.Sprintf("fetch usage: %v", err)
		return report, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		report.Err = apiError(resp).Error()
		return report, nil
	}

	var payload struct {
		Data []struct {
			SnapshotID            string `json:"snapshot_id"`
			NContextTokensTotal   int64  `json:"n_context_tokens_total"`
			NGeneratedTokensTotal int64  `json:"n_generated_tokens_total"`
			NRequests             int64  `json:"n_requests"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		report.Err = fmt.Sprintf("decode response: %v", err)
		return report, nil
	}

	rows := make(map[string]*RemoteModelRow)
	for _, day := range payload.Data {
		row := rowFor(rows, day.SnapshotID)
		row.InputTokens += day.NContextTokensTotal
		row.OutputTokens += day.NGeneratedTokensTotal
		row.Requests += day.NRequests
	}
	flattenRows(report, rows)
	return report, nil
}

// GoogleFetcher is a placeholder: the Gemini API has no public usage
// endpoint, but registering it keeps the report shape uniform.
type GoogleFetcher struct {
	APIKey string
}

func (f *GoogleFetcher) Provider() string { return "google" }

func (f *GoogleFetcher) Fetch(_ context.Context) (*RemoteUsage, error) {
	report := &RemoteUsage{Provider: "google", FetchedAt: time.Now()}
	if f.APIKey == "" {
		report.Err = "no API key configured"
	} else {
		report.Err = "usage API not available"
	}
	return report, nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func apiError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if err != nil {
		return fmt.Errorf("API error %d (read body failed: %v)", resp.StatusCode, err)
	}
	return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func rowFor(rows map[string]*RemoteModelRow, model string) *RemoteModelRow {
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	row, ok := rows[model]
	if !ok {
		row = &RemoteModelRow{Model: model}
		rows[model] = row
	}
	return row
}

func flattenRows(report *RemoteUsage, rows map[string]*RemoteModelRow) {
	for _, row := range rows {
		row.TotalTokens = row.InputTokens + row.OutputTokens
		report.InputTokens += row.InputTokens
		report.OutputTokens += row.OutputTokens
		report.Models = append(report.Models, *row)
	}
	sort.Slice(report.Models, func(i, j int) bool {
		return report.Models[i].Model < report.Models[j].Model
	})
	report.TotalTokens = report.InputTokens + report.OutputTokens
}

// RemoteClient fans fetches out over registered providers and caches the
// results, since billing APIs are slow and rate limited.
type RemoteClient struct {
	mu       sync.Mutex
	fetchers map[string]RemoteFetcher
	cache    map[string]*RemoteUsage
	ttl      time.Duration
}

// NewRemoteClient creates a client with the given cache TTL. A zero TTL
// defaults to five minutes.
func NewRemoteClient(ttl time.Duration) *RemoteClient {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RemoteClient{
		fetchers: make(map[string]RemoteFetcher),
		cache:    make(map[string]*RemoteUsage),
		ttl:      ttl,
	}
}

// Register adds a fetcher under its provider name.
func (c *RemoteClient) Register(f RemoteFetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[f.Provider()] = f
}

// Fetch returns the cached report for a provider, fetching when stale.
func (c *RemoteClient) Fetch(ctx context.Context, provider string) (*RemoteUsage, error) {
	c.mu.Lock()
	fetcher, ok := c.fetchers[provider]
	if cached, hit := c.cache[provider]; hit && ok && time.Since(cached.FetchedAt) < c.ttl {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	if !ok {
		return &RemoteUsage{Provider: provider, FetchedAt: time.Now(), Err: "provider not configured"}, nil
	}

	report, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[provider] = report
	c.mu.Unlock()
	return report, nil
}

// FetchAll returns one report per registered provider, sorted by name.
// Individual fetch failures become Err entries, never a hard error.
func (c *RemoteClient) FetchAll(ctx context.Context) []*RemoteUsage {
	c.mu.Lock()
	names := make([]string, 0, len(c.fetchers))
	for name := range c.fetchers {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	reports := make([]*RemoteUsage, 0, len(names))
	for _, name := range names {
		report, err := c.Fetch(ctx, name)
		if err != nil {
			report = &RemoteUsage{Provider: name, FetchedAt: time.Now(), Err: err.Error()}
		}
		reports = append(reports, report)
	}
	return reports
}

// FormatRemoteUsage renders one report for terminal display.
func FormatRemoteUsage(report *RemoteUsage) string {
	if report == nil {
		return "No usage data"
	}
	if report.Err != "" {
		return fmt.Sprintf("%s: %s", report.Provider, report.Err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s usage", report.Provider)
	if report.Period != "" {
		fmt.Fprintf(&b, " (%s)", report.Period)
	}
	fmt.Fprintf(&b, "\n  Total: %s tokens\n", FormatTokens(report.TotalTokens))
	if report.InputTokens > 0 {
		fmt.Fprintf(&b, "  Input: %s tokens\n", FormatTokens(report.InputTokens))
	}
	if report.OutputTokens > 0 {
		fmt.Fprintf(&b, "  Output: %s tokens\n", FormatTokens(report.OutputTokens))
	}
	if usd := FormatUSD(report.CostUSD); usd != "" {
		fmt.Fprintf(&b, "  Cost: %s\n", usd)
	}
	if len(report.Models) > 0 {
		b.WriteString("  By model:\n")
		for _, row := range report.Models {
			fmt.Fprintf(&b, "    %s: %s tokens", row.Model, FormatTokens(row.TotalTokens))
			if usd := FormatUSD(row.CostUSD); usd != "" {
				fmt.Fprintf(&b, " (%s)", usd)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
