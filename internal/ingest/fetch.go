package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher downloads chat attachments.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build attachment request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch attachment: unexpected status %s", resp.Status)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, &ValidationError{Field: "attachment", Reason: fmt.Sprintf("larger than %d bytes", f.maxBytes)}
	}
	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, &ValidationError{Field: "attachment", Reason: fmt.Sprintf("larger than %d bytes", f.maxBytes)}
	}
	return data, nil
}

// Resolve completes a chat upload by downloading its bytes. Other triggers
// are returned unchanged.
func (f *Fetcher) Resolve(ctx context.Context, t Trigger) (Trigger, error) {
	if !t.NeedsFetch() {
		return t, nil
	}
	data, err := f.Fetch(ctx, t.URL)
	if err != nil {
		return t, err
	}
	t.Data = data
	return t, nil
}
