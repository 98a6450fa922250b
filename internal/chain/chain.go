// Package chain implements ordered-fallback invocation of external
// processing endpoints. A chain is a static list of candidates tried strictly
// in order; the first success wins and later candidates are never touched.
// There is no retry or backoff between candidates: the list models "different
// ways to reach a result", not a retry loop.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrExhausted is returned when every candidate in a chain failed. The
// per-candidate causes are joined into it for diagnosis.
var ErrExhausted = errors.New("all endpoint candidates failed")

type RequestShape string

const (
	ShapeJSON      RequestShape = "json"
	ShapeMultipart RequestShape = "multipart"
)

// FieldMap describes where a candidate's particular response schema keeps the
// canonical fields, as dotted JSON paths ("data.result.path"). An empty
// Success path means any 2xx response counts as success.
type FieldMap struct {
	Success        string
	ResultLocation string
	DownloadRef    string
	Message        string
}

// Candidate is one step in a fallback chain.
type Candidate struct {
	Name    string
	URL     string
	Method  string
	Shape   RequestShape
	Timeout time.Duration
	Fields  FieldMap
}

// Result is the canonical envelope every candidate response is normalized to.
type Result struct {
	Success        bool
	ResultLocation string
	DownloadRef    string
	Message        string
	// Candidate names the chain entry that produced this result.
	Candidate string
}

// Payload carries either a file to upload (multipart) or a JSON body.
type Payload struct {
	FilePath  string
	FileField string
	JSON      any
}

const defaultTimeout = 10 * time.Minute

type Invoker struct {
	client *http.Client
}

func NewInvoker() *Invoker {
	// Per-candidate deadlines come from contexts; the client itself must not
	// cut long-running processing calls short.
	return &Invoker{client: &http.Client{}}
}

// Invoke tries candidates strictly in order until one yields a successful
// canonical result. A 2xx transport response whose mapped success field is
// false still counts as a candidate failure and the chain continues. If every
// candidate fails, the joined causes are wrapped in ErrExhausted.
func (inv *Invoker) Invoke(ctx context.Context, candidates []Candidate, payload Payload) (*Result, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrExhausted)
	}

	var causes []error
	for _, cand := range candidates {
		res, err := inv.attempt(ctx, cand, payload)
		if err != nil {
			slog.WarnContext(ctx, "endpoint candidate failed", "candidate", cand.Name, "url", cand.URL, "error", err)
			causes = append(causes, fmt.Errorf("%s: %w", cand.Name, err))
			continue
		}
		slog.InfoContext(ctx, "endpoint candidate succeeded", "candidate", cand.Name, "failures_before", len(causes))
		return res, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(causes...))
}

func (inv *Invoker) attempt(ctx context.Context, cand Candidate, payload Payload) (*Result, error) {
	timeout := cand.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := buildRequest(ctx, cand, payload)
	if err != nil {
		return nil, err
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed response body: %w", err)
	}

	res := normalize(doc, cand.Fields)
	res.Candidate = cand.Name
	if !res.Success {
		return nil, fmt.Errorf("endpoint reported failure: %s", res.Message)
	}
	return res, nil
}

func buildRequest(ctx context.Context, cand Candidate, payload Payload) (*http.Request, error) {
	method := cand.Method
	if method == "" {
		method = http.MethodPost
	}

	switch cand.Shape {
	case ShapeMultipart:
		f, err := os.Open(payload.FilePath)
		if err != nil {
			return nil, fmt.Errorf("open upload file: %w", err)
		}
		defer f.Close()

		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		field := payload.FileField
		if field == "" {
			field = "file"
		}
		part, err := w.CreateFormFile(field, filepath.Base(payload.FilePath))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, fmt.Errorf("copy upload file: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, cand.URL, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil

	default:
		body, err := json.Marshal(payload.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode json payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, cand.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

func normalize(doc map[string]any, fields FieldMap) *Result {
	res := &Result{}

	if fields.Success == "" {
		res.Success = true
	} else {
		res.Success = asBool(lookup(doc, fields.Success))
	}
	res.ResultLocation = asString(lookup(doc, fields.ResultLocation))
	res.DownloadRef = asString(lookup(doc, fields.DownloadRef))
	res.Message = asString(lookup(doc, fields.Message))
	return res
}

// lookup resolves a dotted path ("data.result.path") inside a decoded JSON
// object. Missing segments resolve to nil.
func lookup(doc map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(t)
		return s == "true" || s == "success" || s == "ok"
	case float64:
		return t != 0
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
