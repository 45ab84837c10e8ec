package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"ticket-payment-service/fx"
)

// apiClient is the JSON-over-HTTP transport shared by the mobile money adapters.
type apiClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newAPIClient(name, baseURL, apiKey string, timeout time.Duration) *apiClient {
	return &apiClient{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// do sends the request and classifies failures: transport errors, 429 and 5xx
// wrap ErrUnavailable, 404 wraps ErrNotFound, other 4xx wrap ErrRejected.
// The raw response body is returned for auditing.
func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s http do: %v", ErrUnavailable, c.name, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s read response: %v", ErrUnavailable, c.name, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return respBytes, fmt.Errorf("%w: %s %s", ErrNotFound, c.name, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return respBytes, fmt.Errorf("%w: %s API error (status %d)", ErrUnavailable, c.name, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return respBytes, fmt.Errorf("%w: %s API error (status %d): %s", ErrRejected, c.name, resp.StatusCode, truncate(respBytes, 256))
	}

	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return respBytes, fmt.Errorf("decode response: %w", err)
		}
	}
	return respBytes, nil
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// toMajor renders a minor-unit amount as a decimal string in major units.
func toMajor(amount int64, currency string) string {
	exp, ok := fx.Exponent(currency)
	if !ok || exp == 0 {
		return fmt.Sprintf("%d", amount)
	}
	r := new(big.Rat).SetFrac64(amount, pow10(exp))
	return r.FloatString(exp)
}

// fromMajor parses a major-unit decimal into minor units. It reports false on
// malformed input or sub-minor precision.
func fromMajor(s, currency string) (int64, bool) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return 0, false
	}
	exp, ok := fx.Exponent(currency)
	if !ok {
		exp = 0
	}
	r.Mul(r, new(big.Rat).SetInt64(pow10(exp)))
	if !r.IsInt() || !r.Num().IsInt64() {
		return 0, false
	}
	return r.Num().Int64(), true
}

// reportedMinor converts an amount field received from a gateway. A present
// but unusable value yields -1 so it can never match a real charge.
func reportedMinor(s, currency string) (amount int64, reported bool) {
	if strings.TrimSpace(s) == "" {
		return 0, false
	}
	v, ok := fromMajor(s, currency)
	if !ok {
		return -1, true
	}
	return v, true
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
