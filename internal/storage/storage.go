// Package storage is the durable artifact store: a filesystem hierarchy keyed
// by job id with whole-file read/write semantics. Final artifacts and staged
// per-segment partials live under jobs/<id>; scratch space lives under
// scratch/<id> and is owned exclusively by the runner executing that job.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

type Artifacts struct {
	root string
}

func NewArtifacts(root string) (*Artifacts, error) {
	for _, sub := range []string{"jobs", "scratch"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return &Artifacts{root: root}, nil
}

func (a *Artifacts) JobDir(jobID string) string {
	return filepath.Join(a.root, "jobs", jobID)
}

// WriteFile persists name under the job's artifact directory, creating any
// intermediate directories in name.
func (a *Artifacts) WriteFile(jobID, name string, data []byte) (string, error) {
	path := filepath.Join(a.JobDir(jobID), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact subdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return path, nil
}

func (a *Artifacts) ReadFile(jobID, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(a.JobDir(jobID), filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	return data, nil
}

// WriteSegment persists one segment's rewritten text as a staged partial
// artifact so polling clients can preview progress before the final document
// is assembled. Partials are superseded by, not deleted with, the final
// artifact.
func (a *Artifacts) WriteSegment(jobID string, index int, text string) error {
	_, err := a.WriteFile(jobID, fmt.Sprintf("segments/%04d.md", index), []byte(text))
	return err
}

// ScratchDir creates the job's scratch directory and returns it with a
// cleanup function. Cleanup failures are logged, never escalated: a job that
// produced its artifacts is not failed over leftover temp files.
func (a *Artifacts) ScratchDir(jobID string) (string, func(), error) {
	dir := filepath.Join(a.root, "scratch", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("scratch cleanup failed", "job_id", jobID, "dir", dir, "error", err)
		}
	}
	return dir, cleanup, nil
}
