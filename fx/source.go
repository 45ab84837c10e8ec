package fx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// RateSource fetches a base rate, to-currency units per from-currency unit.
type RateSource interface {
	Name() string
	Fetch(ctx context.Context, from, to string) (*big.Rat, error)
}

// HTTPRateSource reads public rate endpoints that answer with a
// {"rates": {...}} or {"conversion_rates": {...}} object. "{base}" in the URL
// is replaced with the from-currency.
type HTTPRateSource struct {
	name       string
	url        string
	httpClient *http.Client
}

func NewHTTPRateSource(name, url string, timeout time.Duration) *HTTPRateSource {
	return &HTTPRateSource{
		name:       name,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPRateSource) Name() string { return s.name }

type ratesResponse struct {
	Rates           map[string]json.Number `json:"rates"`
	ConversionRates map[string]json.Number `json:"conversion_rates"`
}

func (s *HTTPRateSource) Fetch(ctx context.Context, from, to string) (*big.Rat, error) {
	url := strings.ReplaceAll(s.url, "{base}", strings.ToUpper(from))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s rate API error (status %d)", s.name, resp.StatusCode)
	}

	var out ratesResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	rates := out.Rates
	if len(rates) == 0 {
		rates = out.ConversionRates
	}
	n, ok := rates[strings.ToUpper(to)]
	if !ok {
		return nil, fmt.Errorf("%s has no rate for %s", s.name, strings.ToUpper(to))
	}
	rate, ok := ParseRate(n.String())
	if !ok {
		return nil, fmt.Errorf("%s returned invalid rate %q", s.name, n.String())
	}
	return rate, nil
}

// ParseSources reads "name|url,name|url" in priority order.
func ParseSources(list string, timeout time.Duration) []RateSource {
	var sources []RateSource
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, found := strings.Cut(entry, "|")
		if !found {
			url = name
			name = fmt.Sprintf("source-%d", len(sources)+1)
		}
		sources = append(sources, NewHTTPRateSource(strings.TrimSpace(name), strings.TrimSpace(url), timeout))
	}
	return sources
}
