// Package extractor talks to the external document-processing microservice
// (MinerU-style): submit a file, receive a result location, then pull the
// result tree back. Submission and download both go through ordered fallback
// chains because deployments differ in API shape and transport quirks.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"patentdesk/backend/internal/chain"
)

type Client struct {
	invoker    *chain.Invoker
	downloader *chain.Downloader
	bases      []string
	timeout    time.Duration
	httpClient *http.Client
}

// New builds a client over the ordered base URLs, primary first.
func New(bases []string, submitTimeout, downloadTimeout time.Duration) *Client {
	base := ""
	if len(bases) > 0 {
		base = bases[0]
	}
	return &Client{
		invoker:    chain.NewInvoker(),
		downloader: chain.NewDownloader(base, downloadTimeout),
		bases:      bases,
		timeout:    submitTimeout,
		httpClient: &http.Client{Timeout: downloadTimeout},
	}
}

// Submit uploads the file at filePath to the processing service, walking the
// fallback chain until one deployment accepts and processes it. The primary
// deployment speaks the current API; older fallbacks use the legacy response
// schema, which is why each candidate carries its own field map.
func (c *Client) Submit(ctx context.Context, filePath string) (*chain.Result, error) {
	var candidates []chain.Candidate
	for i, base := range c.bases {
		base = strings.TrimRight(base, "/")
		cand := chain.Candidate{
			Name:    fmt.Sprintf("extractor-%d", i),
			URL:     base + "/file_parse",
			Shape:   chain.ShapeMultipart,
			Timeout: c.timeout,
			Fields: chain.FieldMap{
				Success:        "success",
				ResultLocation: "data.output_dir",
				DownloadRef:    "data.download_url",
				Message:        "message",
			},
		}
		if i > 0 {
			cand.URL = base + "/api/v1/parse"
			cand.Fields = chain.FieldMap{
				Success:        "code",
				ResultLocation: "result_path",
				Message:        "msg",
			}
		}
		candidates = append(candidates, cand)
	}

	return c.invoker.Invoke(ctx, candidates, chain.Payload{FilePath: filePath, FileField: "file"})
}

// Fetch retrieves the bytes behind ref using the download transport chain.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return c.downloader.Fetch(ctx, ref)
}

type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// List enumerates a remote result directory. Each base is tried in order.
func (c *Client) List(ctx context.Context, remotePath string) ([]Entry, error) {
	var lastErr error
	for _, base := range c.bases {
		base = strings.TrimRight(base, "/")
		entries, err := c.listOne(ctx, base, remotePath)
		if err != nil {
			slog.WarnContext(ctx, "list failed", "base", base, "path", remotePath, "error", err)
			lastErr = err
			continue
		}
		return entries, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no extractor bases configured")
	}
	return nil, lastErr
}

func (c *Client) listOne(ctx context.Context, base, remotePath string) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/list?path="+url.QueryEscape(remotePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var decoded struct {
		Entries []Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	return decoded.Entries, nil
}

// MirrorTree recursively copies the remote result tree at remotePath into
// localDir and returns the relative paths of the mirrored files. A single
// file that fails to download is logged and skipped; the workflows tolerate
// sparse results. If remotePath is not listable it is treated as a single
// file.
func (c *Client) MirrorTree(ctx context.Context, remotePath, localDir string) ([]string, error) {
	entries, err := c.List(ctx, remotePath)
	if err != nil {
		data, ferr := c.Fetch(ctx, remotePath)
		if ferr != nil {
			return nil, fmt.Errorf("mirror %s: %w", remotePath, err)
		}
		name := path.Base(remotePath)
		if err := writeLocal(localDir, name, data); err != nil {
			return nil, err
		}
		return []string{name}, nil
	}

	var mirrored []string
	for _, e := range entries {
		remote := remotePath + "/" + e.Name
		if e.Type == "dir" {
			sub, err := c.MirrorTree(ctx, remote, filepath.Join(localDir, e.Name))
			if err != nil {
				slog.WarnContext(ctx, "subtree mirror failed", "path", remote, "error", err)
				continue
			}
			for _, s := range sub {
				mirrored = append(mirrored, path.Join(e.Name, s))
			}
			continue
		}

		data, err := c.Fetch(ctx, remote)
		if err != nil {
			slog.WarnContext(ctx, "file mirror failed", "path", remote, "error", err)
			continue
		}
		if err := writeLocal(localDir, e.Name, data); err != nil {
			return nil, err
		}
		mirrored = append(mirrored, e.Name)
	}
	return mirrored, nil
}

func writeLocal(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write mirrored file %s: %w", name, err)
	}
	return nil
}
