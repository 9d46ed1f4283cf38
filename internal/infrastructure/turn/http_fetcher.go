package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"
)

const maxCredentialBody = 64 * 1024

// HTTPFetcher retrieves relay credentials from the relay's
// /turn-credentials endpoint.
type HTTPFetcher struct {
	url    string
	token  func(ctx context.Context) (string, error)
	client *http.Client
}

var _ ports.CredentialFetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher builds a fetcher; token may be nil for open endpoints.
func NewHTTPFetcher(url string, token func(ctx context.Context) (string, error), timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (creds *domain.RelayCredentials, err error) {
	ctx, span := tracing.StartSpan(ctx, "turn.fetch_credentials")
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build credentials request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != nil {
		token, err := f.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch credentials: unexpected status %d: %s",
			resp.StatusCode, utils.TruncateString(strings.TrimSpace(string(body)), 120))
	}

	var out domain.RelayCredentials
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCredentialBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &out, nil
}
