package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"patentdesk/backend/internal/progress"
)

// runExtraction submits the uploaded document to the processing service,
// pulls back the structured output, and persists the parsed records.
func (r *Runner) runExtraction(ctx context.Context, task Task) error {
	r.step(ctx, task.JobID, progress.StatusStarting, 5, "uploading document")

	res, err := r.ext.Submit(ctx, task.FilePath)
	if err != nil {
		return fmt.Errorf("submit document: %w", err)
	}
	r.step(ctx, task.JobID, progress.StatusProcessing, 30, "document processed by "+res.Candidate)

	ref := res.DownloadRef
	if ref == "" {
		ref = res.ResultLocation
	}
	if ref == "" {
		return fmt.Errorf("processing service returned no result reference")
	}

	data, err := r.ext.Fetch(ctx, ref)
	if err != nil {
		return fmt.Errorf("download extraction output: %w", err)
	}
	r.step(ctx, task.JobID, progress.StatusSaving, 60, "parsing extracted records")

	records, err := parseRecords(data)
	if err != nil {
		return fmt.Errorf("parse extraction output: %w", err)
	}

	if err := r.records.SaveBatch(ctx, task.JobID, task.OwnerID, records); err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	if _, err := r.artifacts.WriteFile(task.JobID, "records.json", data); err != nil {
		return fmt.Errorf("store extraction artifact: %w", err)
	}
	r.step(ctx, task.JobID, progress.StatusSaving, 90, fmt.Sprintf("saved %d records", len(records)))

	return r.complete(ctx, task.JobID, "records.json", fmt.Sprintf("extracted %d records", len(records)))
}

// parseRecords decodes the service's extraction bundle. Entries without a
// usable name get a positional one; an entry that is not an object at all is
// dropped with a warning rather than failing the batch.
func parseRecords(data []byte) ([]ExtractedRecord, error) {
	var doc struct {
		Molecules []json.RawMessage `json:"molecules"`
		Reactions []json.RawMessage `json:"reactions"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var records []ExtractedRecord
	appendAll := func(category string, items []json.RawMessage) {
		for i, raw := range items {
			var named struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(raw, &named); err != nil {
				slog.Warn("skipping malformed record", "category", category, "index", i, "error", err)
				continue
			}
			name := strings.TrimSpace(named.Name)
			if name == "" {
				name = fmt.Sprintf("%s-%d", category, i+1)
			}
			records = append(records, ExtractedRecord{Category: category, Name: name, Payload: raw})
		}
	}
	appendAll("molecule", doc.Molecules)
	appendAll("reaction", doc.Reactions)
	return records, nil
}

// runConversion converts an uploaded PDF to markdown plus assets. The service
// returns a whole result tree; everything it produced is mirrored into the
// job's artifacts, then one file is picked as the primary result.
func (r *Runner) runConversion(ctx context.Context, task Task) error {
	r.step(ctx, task.JobID, progress.StatusStarting, 5, "uploading document")

	res, err := r.ext.Submit(ctx, task.FilePath)
	if err != nil {
		return fmt.Errorf("submit document: %w", err)
	}
	r.step(ctx, task.JobID, progress.StatusProcessing, 40, "conversion finished, downloading results")

	remote := res.ResultLocation
	if remote == "" {
		remote = res.DownloadRef
	}
	if remote == "" {
		return fmt.Errorf("processing service returned no result location")
	}

	// Mirror into scratch first so a half-downloaded tree never shows up in
	// the job's artifacts. Scratch is removed on every exit path.
	scratch, cleanup, err := r.artifacts.ScratchDir(task.JobID)
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer cleanup()

	mirrored, err := r.ext.MirrorTree(ctx, remote, scratch)
	if err != nil {
		return fmt.Errorf("mirror result tree: %w", err)
	}
	r.step(ctx, task.JobID, progress.StatusSaving, 80, fmt.Sprintf("downloaded %d files", len(mirrored)))

	for _, name := range mirrored {
		data, err := os.ReadFile(filepath.Join(scratch, filepath.FromSlash(name)))
		if err != nil {
			return fmt.Errorf("read mirrored file %s: %w", name, err)
		}
		if _, err := r.artifacts.WriteFile(task.JobID, "converted/"+name, data); err != nil {
			return fmt.Errorf("store converted file %s: %w", name, err)
		}
	}

	primary := pickPrimary(mirrored, task.FileName)
	if primary == "" {
		// The service sometimes yields only assets. Synthesize a markdown
		// index so the job still has a readable result.
		primary = stem(task.FileName) + ".md"
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\nConversion produced no markdown document. Files received:\n\n", task.FileName)
		for _, name := range mirrored {
			fmt.Fprintf(&b, "- %s\n", name)
		}
		if _, err := r.artifacts.WriteFile(task.JobID, "converted/"+primary, []byte(b.String())); err != nil {
			return fmt.Errorf("store conversion index: %w", err)
		}
	}

	return r.complete(ctx, task.JobID, "converted/"+primary, fmt.Sprintf("converted to %s", primary))
}

// pickPrimary chooses the markdown file clients should be handed first: a
// file named after the upload, then the service's conventional names, then
// any markdown file at all.
func pickPrimary(mirrored []string, uploadName string) string {
	if len(mirrored) == 0 {
		return ""
	}
	byName := make(map[string]bool, len(mirrored))
	for _, m := range mirrored {
		byName[m] = true
	}

	for _, want := range []string{stem(uploadName) + ".md", "output.md", "full.md", "document.md"} {
		if byName[want] {
			return want
		}
	}

	var markdown []string
	for _, m := range mirrored {
		if strings.HasSuffix(m, ".md") {
			markdown = append(markdown, m)
		}
	}
	if len(markdown) == 0 {
		return ""
	}
	sort.Strings(markdown)
	return markdown[0]
}

func stem(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}
