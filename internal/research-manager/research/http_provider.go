package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// HTTPProvider talks to an external research engine over HTTP. The
// engine performs the actual source gathering and report generation;
// this side only carries the query, the source configuration and the
// deadline.
type HTTPProvider struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPProvider configures the provider from RESEARCH_API_URL
// (default http://localhost:8000). The client carries no timeout of its
// own; per-request deadlines come from the caller's context.
func NewHTTPProvider() *HTTPProvider {
	baseURL := os.Getenv("RESEARCH_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
		log.Println("RESEARCH_API_URL not set, using default:", baseURL)
	}
	return &HTTPProvider{
		BaseURL: baseURL,
		Client:  &http.Client{},
	}
}

type researchRequest struct {
	Query        string   `json:"query"`
	SourceTypes  []string `json:"source_types,omitempty"`
	QueryDomains []string `json:"query_domains,omitempty"`
	MaxSources   int      `json:"max_sources,omitempty"`
	Language     string   `json:"language,omitempty"`
	ReportBudget int      `json:"report_budget_seconds,omitempty"`
}

type researchResponse struct {
	Report       string `json:"report"`
	SourcesCount int    `json:"sources_count"`
}

func (p *HTTPProvider) Research(ctx context.Context, query string, cfg SourceConfig) (Report, error) {
	reqBody := researchRequest{
		Query:        query,
		SourceTypes:  cfg.SourceTypes,
		QueryDomains: cfg.QueryDomains,
		MaxSources:   cfg.MaxSources,
		Language:     cfg.Language,
		ReportBudget: int(cfg.ReportBudget / time.Second),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Report{}, fmt.Errorf("failed to marshal research request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/research", bytes.NewReader(payload))
	if err != nil {
		return Report{}, fmt.Errorf("failed to build research request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("research request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Report{}, fmt.Errorf("research engine returned status %d: %s", resp.StatusCode, string(body))
	}

	var out researchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Report{}, fmt.Errorf("failed to decode research response: %w", err)
	}
	if out.Report == "" {
		return Report{}, fmt.Errorf("research engine returned an empty report for query %q", query)
	}
	return Report{Text: out.Report, SourcesCount: out.SourcesCount}, nil
}
