package chain

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
)

// Downloader retrieves a result once its location is known. Real-world
// failures here are encoding and transport mismatches rather than endpoint
// unavailability, so the fetch itself is an ordered fallback across transport
// variants: a direct GET on the reference, a path-query GET against the base
// endpoint, and a POST carrying the path in the body.
type Downloader struct {
	client  *http.Client
	base    string
	timeout time.Duration
}

func NewDownloader(base string, timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Downloader{client: &http.Client{}, base: strings.TrimRight(base, "/"), timeout: timeout}
}

// Fetch returns the bytes behind ref, trying each transport variant in order.
func (d *Downloader) Fetch(ctx context.Context, ref string) ([]byte, error) {
	var causes []error
	for _, variant := range d.variants(ref) {
		data, err := d.get(ctx, variant)
		if err != nil {
			slog.WarnContext(ctx, "download variant failed", "variant", variant.name, "error", err)
			causes = append(causes, fmt.Errorf("%s: %w", variant.name, err))
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(causes...))
}

type fetchVariant struct {
	name   string
	method string
	url    string
	body   []byte
}

func (d *Downloader) variants(ref string) []fetchVariant {
	var vs []fetchVariant

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		vs = append(vs, fetchVariant{name: "direct-get", method: http.MethodGet, url: ref})
	}
	if d.base != "" {
		vs = append(vs,
			fetchVariant{
				name:   "path-query-get",
				method: http.MethodGet,
				url:    d.base + "/files?path=" + url.QueryEscape(ref),
			},
			fetchVariant{
				name:   "path-segment-get",
				method: http.MethodGet,
				url:    d.base + "/files/" + url.PathEscape(ref),
			},
		)
		body, _ := json.Marshal(map[string]string{"path": ref})
		vs = append(vs, fetchVariant{
			name:   "post-body",
			method: http.MethodPost,
			url:    d.base + "/download",
			body:   body,
		})
	}
	return vs
}

func (d *Downloader) get(ctx context.Context, v fetchVariant) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var reader io.Reader
	if v.body != nil {
		reader = bytes.NewReader(v.body)
	}
	req, err := http.NewRequestWithContext(ctx, v.method, v.url, reader)
	if err != nil {
		return nil, err
	}
	if v.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
