package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patentdesk/backend/internal/chain"
	"patentdesk/backend/internal/llm"
	"patentdesk/backend/internal/progress"
	"patentdesk/backend/internal/storage"
)

type fakeJobs struct {
	running   []string
	completed map[string]string
	failed    map[string]string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{completed: map[string]string{}, failed: map[string]string{}}
}

func (f *fakeJobs) MarkRunning(ctx context.Context, id string) error {
	f.running = append(f.running, id)
	return nil
}

func (f *fakeJobs) MarkCompleted(ctx context.Context, id, resultRef string) error {
	f.completed[id] = resultRef
	return nil
}

func (f *fakeJobs) MarkFailed(ctx context.Context, id, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

type fakeRecords struct {
	jobID   string
	ownerID string
	saved   []ExtractedRecord
}

func (f *fakeRecords) SaveBatch(ctx context.Context, jobID, ownerID string, records []ExtractedRecord) error {
	f.jobID, f.ownerID = jobID, ownerID
	f.saved = append(f.saved, records...)
	return nil
}

type fakeExtractor struct {
	submitRes *chain.Result
	submitErr error
	fetched   map[string][]byte
	tree      map[string][]byte
	panics    bool
}

func (f *fakeExtractor) Submit(ctx context.Context, filePath string) (*chain.Result, error) {
	if f.panics {
		panic("extractor exploded")
	}
	return f.submitRes, f.submitErr
}

func (f *fakeExtractor) Fetch(ctx context.Context, ref string) ([]byte, error) {
	data, ok := f.fetched[ref]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (f *fakeExtractor) MirrorTree(ctx context.Context, remotePath, localDir string) ([]string, error) {
	var names []string
	for name, data := range f.tree {
		full := filepath.Join(localDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

type chatFunc func(ctx context.Context, ref llm.ModelRef, messages []llm.Message) (*llm.Reply, error)

func (f chatFunc) Chat(ctx context.Context, ref llm.ModelRef, messages []llm.Message) (*llm.Reply, error) {
	return f(ctx, ref, messages)
}

type fixture struct {
	runner    *Runner
	jobs      *fakeJobs
	records   *fakeRecords
	tracker   *progress.Tracker
	artifacts *storage.Artifacts
}

func newFixture(t *testing.T, ext Extractor, client llm.Client) *fixture {
	t.Helper()
	store, err := progress.NewFileStore(t.TempDir())
	require.NoError(t, err)
	tracker := progress.NewTracker(store)
	artifacts, err := storage.NewArtifacts(t.TempDir())
	require.NoError(t, err)

	router := llm.NewRouter()
	if client != nil {
		router.Register(llm.ProviderOpenAI, client)
		router.Register(llm.ProviderDeepSeek, client)
	}

	jobs := newFakeJobs()
	records := &fakeRecords{}
	r := New(jobs, records, tracker, artifacts, ext, router, Config{
		Models:              []llm.ModelRef{{Provider: llm.ProviderOpenAI, ModelID: "gpt-4o-mini"}},
		MaxTokensPerSegment: 6500,
		OverlapTokens:       500,
		LLMTimeout:          time.Minute,
		SummaryLLMTimeout:   time.Minute,
	})
	return &fixture{runner: r, jobs: jobs, records: records, tracker: tracker, artifacts: artifacts}
}

func (f *fixture) start(t *testing.T, jobID string) {
	t.Helper()
	require.NoError(t, f.tracker.Create(context.Background(), jobID))
}

func (f *fixture) snapshot(t *testing.T, jobID string) *progress.Snapshot {
	t.Helper()
	snap, err := f.tracker.Read(context.Background(), jobID)
	require.NoError(t, err)
	return snap
}

func TestRun_Extraction(t *testing.T) {
	ext := &fakeExtractor{
		submitRes: &chain.Result{Success: true, Candidate: "extractor-0", DownloadRef: "bundle.json"},
		fetched: map[string][]byte{
			"bundle.json": []byte(`{
				"molecules": [{"name": "aspirin", "formula": "C9H8O4"}, {"formula": "H2O"}],
				"reactions": [{"name": "esterification"}]
			}`),
		},
	}
	f := newFixture(t, ext, nil)
	f.start(t, "job-1")

	err := f.runner.Run(context.Background(), Task{JobID: "job-1", OwnerID: "owner-1", Kind: progress.KindExtraction, FilePath: "/tmp/doc.pdf"})
	require.NoError(t, err)

	require.Len(t, f.records.saved, 3)
	assert.Equal(t, "owner-1", f.records.ownerID)
	assert.Equal(t, "aspirin", f.records.saved[0].Name)
	assert.Equal(t, "molecule-2", f.records.saved[1].Name, "unnamed entries get positional names")
	assert.Equal(t, "reaction", f.records.saved[2].Category)

	assert.Equal(t, "records.json", f.jobs.completed["job-1"])

	snap := f.snapshot(t, "job-1")
	assert.Equal(t, progress.StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, "records.json", snap.ResultRef)
	assert.NotNil(t, snap.EndedAt)
}

func TestRun_ExtractionFailureFreezesPercent(t *testing.T) {
	ext := &fakeExtractor{submitErr: assert.AnError}
	f := newFixture(t, ext, nil)
	f.start(t, "job-1")

	err := f.runner.Run(context.Background(), Task{JobID: "job-1", Kind: progress.KindExtraction, FilePath: "/tmp/doc.pdf"})
	require.Error(t, err)

	snap := f.snapshot(t, "job-1")
	assert.Equal(t, progress.StatusFailed, snap.Status)
	assert.Equal(t, 5, snap.Percent, "failure keeps the last percent reached")
	assert.Contains(t, snap.Error, "submit document")
	assert.NotEmpty(t, f.jobs.failed["job-1"])
	assert.Empty(t, f.jobs.completed)
}

func TestRun_Conversion(t *testing.T) {
	ext := &fakeExtractor{
		submitRes: &chain.Result{Success: true, ResultLocation: "results/doc"},
		tree: map[string][]byte{
			"doc.md":         []byte("# converted"),
			"images/fig.png": {1, 2, 3},
		},
	}
	f := newFixture(t, ext, nil)
	f.start(t, "job-1")

	err := f.runner.Run(context.Background(), Task{JobID: "job-1", Kind: progress.KindPDFConversion, FilePath: "/tmp/doc.pdf", FileName: "doc.pdf"})
	require.NoError(t, err)

	assert.Equal(t, "converted/doc.md", f.jobs.completed["job-1"])

	data, err := f.artifacts.ReadFile("job-1", "converted/doc.md")
	require.NoError(t, err)
	assert.Equal(t, "# converted", string(data))
	_, err = f.artifacts.ReadFile("job-1", "converted/images/fig.png")
	assert.NoError(t, err)

	// Scratch staging area is gone regardless of outcome.
	scratch := filepath.Join(filepath.Dir(filepath.Dir(f.artifacts.JobDir("job-1"))), "scratch", "job-1")
	_, statErr := os.Stat(scratch)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_ConversionSynthesizesIndexWithoutMarkdown(t *testing.T) {
	ext := &fakeExtractor{
		submitRes: &chain.Result{Success: true, ResultLocation: "results/doc"},
		tree: map[string][]byte{
			"images/fig.png": {1},
		},
	}
	f := newFixture(t, ext, nil)
	f.start(t, "job-1")

	err := f.runner.Run(context.Background(), Task{JobID: "job-1", Kind: progress.KindPDFConversion, FilePath: "/tmp/doc.pdf", FileName: "doc.pdf"})
	require.NoError(t, err)

	assert.Equal(t, "converted/doc.md", f.jobs.completed["job-1"])
	data, err := f.artifacts.ReadFile("job-1", "converted/doc.md")
	require.NoError(t, err)
	assert.Contains(t, string(data), "images/fig.png")
}

func TestRun_Optimization(t *testing.T) {
	// Rewrites prose but leaves placeholder tokens alone, like the prompt
	// instructs real models to.
	echo := chatFunc(func(ctx context.Context, ref llm.ModelRef, messages []llm.Message) (*llm.Reply, error) {
		body := messages[len(messages)-1].Content
		return &llm.Reply{Text: strings.ReplaceAll(body, "a method for synthesis", "A METHOD FOR SYNTHESIS")}, nil
	})
	f := newFixture(t, nil, echo)
	f.start(t, "job-1")

	content := "a method for synthesis.\n\n![fig1](images/fig1.png)\n\nthe catalyst is heated."
	err := f.runner.Run(context.Background(), Task{JobID: "job-1", Kind: progress.KindOptimization, Content: content})
	require.NoError(t, err)

	data, err := f.artifacts.ReadFile("job-1", "optimized.md")
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "A METHOD FOR SYNTHESIS.")
	assert.Contains(t, out, "the catalyst is heated.")
	assert.Contains(t, out, "![fig1](images/fig1.png)", "preserved span restored verbatim")
	assert.NotContains(t, out, "[[PD-")

	// Staged partial for the single segment exists alongside the final file.
	_, err = f.artifacts.ReadFile("job-1", "segments/0000.md")
	assert.NoError(t, err)

	snap := f.snapshot(t, "job-1")
	assert.Equal(t, progress.StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Percent)
}

func TestRun_OptimizationModelFailure(t *testing.T) {
	broken := chatFunc(func(ctx context.Context, ref llm.ModelRef, messages []llm.Message) (*llm.Reply, error) {
		return nil, assert.AnError
	})
	f := newFixture(t, nil, broken)
	f.start(t, "job-1")

	err := f.runner.Run(context.Background(), Task{JobID: "job-1", Kind: progress.KindOptimization, Content: "some claims text"})
	require.Error(t, err)

	var segErr *SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, 0, segErr.Index)

	snap := f.snapshot(t, "job-1")
	assert.Equal(t, progress.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "segment 1/1")
}

func TestRun_OptimizationFallsBackAcrossModels(t *testing.T) {
	var calls []string
	client := chatFunc(func(ctx context.Context, ref llm.ModelRef, messages []llm.Message) (*llm.Reply, error) {
		calls = append(calls, ref.String())
		if ref.Provider == llm.ProviderOpenAI {
			return nil, assert.AnError
		}
		return &llm.Reply{Text: "rewritten"}, nil
	})
	f := newFixture(t, nil, client)
	f.start(t, "job-1")

	task := Task{
		JobID:   "job-1",
		Kind:    progress.KindOptimization,
		Content: "claims text",
		Model:   "openai/gpt-4o-mini,deepseek/deepseek-chat",
	}
	err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai/gpt-4o-mini", "deepseek/deepseek-chat"}, calls)
}

func TestRun_Summarization(t *testing.T) {
	client := chatFunc(func(ctx context.Context, ref llm.ModelRef, messages []llm.Message) (*llm.Reply, error) {
		return &llm.Reply{Text: "## Summary\n\nA catalyst process."}, nil
	})
	f := newFixture(t, nil, client)
	f.start(t, "job-1")

	err := f.runner.Run(context.Background(), Task{JobID: "job-1", Kind: progress.KindSummarization, Content: "full document"})
	require.NoError(t, err)

	assert.Equal(t, "summary.md", f.jobs.completed["job-1"])
	data, err := f.artifacts.ReadFile("job-1", "summary.md")
	require.NoError(t, err)
	assert.Contains(t, string(data), "## Summary")
}

// captureStore keeps every written snapshot so tests can assert on the
// intermediate checkpoints, not just the final state.
type captureStore struct {
	snaps map[string]*progress.Snapshot
	trail []progress.Snapshot
}

func (c *captureStore) Write(ctx context.Context, jobID string, snap *progress.Snapshot) error {
	cp := *snap
	c.trail = append(c.trail, cp)
	c.snaps[jobID] = &cp
	return nil
}

func (c *captureStore) Read(ctx context.Context, jobID string) (*progress.Snapshot, error) {
	snap, ok := c.snaps[jobID]
	if !ok {
		return nil, progress.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func TestRun_SummarizationCheckpoints(t *testing.T) {
	client := chatFunc(func(ctx context.Context, ref llm.ModelRef, messages []llm.Message) (*llm.Reply, error) {
		return &llm.Reply{Text: "## Summary"}, nil
	})
	store := &captureStore{snaps: map[string]*progress.Snapshot{}}
	tracker := progress.NewTracker(store)
	artifacts, err := storage.NewArtifacts(t.TempDir())
	require.NoError(t, err)
	router := llm.NewRouter()
	router.Register(llm.ProviderOpenAI, client)

	r := New(newFakeJobs(), &fakeRecords{}, tracker, artifacts, nil, router, Config{
		Models:            []llm.ModelRef{{Provider: llm.ProviderOpenAI, ModelID: "gpt-4o-mini"}},
		SummaryLLMTimeout: time.Minute,
	})
	require.NoError(t, tracker.Create(context.Background(), "job-1"))
	require.NoError(t, r.Run(context.Background(), Task{JobID: "job-1", Kind: progress.KindSummarization, Content: "full document"}))

	type step struct {
		status  progress.Status
		percent int
	}
	var got []step
	for _, s := range store.trail {
		got = append(got, step{s.Status, s.Percent})
	}
	want := []step{
		{progress.StatusReading, 10},
		{progress.StatusPreparing, 20},
		{progress.StatusProcessing, 30},
		{progress.StatusAIWork, 50},
		{progress.StatusSaving, 80},
		{progress.StatusCompleted, 100},
	}
	for _, w := range want {
		assert.Contains(t, got, w)
	}
}

func TestRun_PanicBecomesTerminalFailure(t *testing.T) {
	ext := &fakeExtractor{panics: true}
	f := newFixture(t, ext, nil)
	f.start(t, "job-1")

	err := f.runner.Run(context.Background(), Task{JobID: "job-1", Kind: progress.KindExtraction, FilePath: "/tmp/doc.pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	snap := f.snapshot(t, "job-1")
	assert.Equal(t, progress.StatusFailed, snap.Status)
}

func TestRun_UnknownKind(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t, "job-1")

	err := f.runner.Run(context.Background(), Task{JobID: "job-1", Kind: "translation"})
	require.Error(t, err)
	assert.Equal(t, progress.StatusFailed, f.snapshot(t, "job-1").Status)
}

func TestPickPrimary(t *testing.T) {
	cases := []struct {
		name     string
		mirrored []string
		upload   string
		want     string
	}{
		{"matches upload stem", []string{"other.md", "doc.md"}, "doc.pdf", "doc.md"},
		{"conventional name", []string{"output.md", "z.md"}, "doc.pdf", "output.md"},
		{"first markdown alphabetically", []string{"b.md", "a.md"}, "doc.pdf", "a.md"},
		{"no markdown", []string{"fig.png"}, "doc.pdf", ""},
		{"empty", nil, "doc.pdf", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, pickPrimary(tc.mirrored, tc.upload))
		})
	}
}

func TestParseRecords_MalformedEntrySkipped(t *testing.T) {
	records, err := parseRecords([]byte(`{"molecules": [{"name": "ok"}, 42], "reactions": []}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ok", records[0].Name)
}
