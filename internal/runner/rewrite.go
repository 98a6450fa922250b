package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"patentdesk/backend/internal/llm"
	"patentdesk/backend/internal/progress"
	"patentdesk/backend/internal/text"
)

const optimizationSystem = `You are a technical editor for patent documents. Rewrite the text you are given for clarity and consistent terminology while preserving every technical detail, claim scope, and numbered reference exactly. Never alter, remove, or reformat tokens of the form [[PD-...]]; copy them through verbatim. Reply with the rewritten text only.`

const summarySystem = `You are a patent analyst. Summarize the document you are given: state the technical field, the problem addressed, the core inventive concept, and the key claims. Use markdown with short sections. Reply with the summary only.`

// runOptimization rewrites a document segment by segment. Content that must
// survive verbatim (images, tables, math) is swapped for placeholders before
// segmentation and restored after reassembly, so the models never get the
// chance to mangle it.
func (r *Runner) runOptimization(ctx context.Context, task Task) error {
	jobID := task.JobID
	r.step(ctx, jobID, progress.StatusReading, 5, "reading document")

	preserver := text.NewPreserver()
	masked, spans := preserver.Extract(task.Content)
	r.step(ctx, jobID, progress.StatusPreparing, 10, fmt.Sprintf("preserved %d spans", len(spans)))

	segments := text.SegmentDocument(masked, r.cfg.MaxTokensPerSegment, r.cfg.OverlapTokens)
	if len(segments) == 0 {
		if _, err := r.artifacts.WriteFile(jobID, "optimized.md", []byte(task.Content)); err != nil {
			return fmt.Errorf("store result: %w", err)
		}
		return r.complete(ctx, jobID, "optimized.md", "nothing to optimize")
	}

	outputs := make([]string, len(segments))
	for i, seg := range segments {
		percent := 10 + (i*80)/len(segments)
		r.step(ctx, jobID, progress.StatusAIWork, percent, fmt.Sprintf("processing segment %d/%d", i+1, len(segments)))

		out, err := r.rewriteSegment(ctx, task.Model, seg)
		if err != nil {
			return &SegmentError{Index: i, Total: len(segments), Err: err}
		}
		outputs[i] = out

		if err := r.artifacts.WriteSegment(jobID, i, out); err != nil {
			slog.WarnContext(ctx, "failed to stage segment", "job_id", jobID, "segment", i, "error", err)
		}
	}

	r.step(ctx, jobID, progress.StatusSaving, 90, "assembling document")
	assembled := strings.Join(outputs, "")

	r.step(ctx, jobID, progress.StatusReplacing, 95, "restoring preserved content")
	restored, lost := preserver.Restore(assembled, spans)

	if _, err := r.artifacts.WriteFile(jobID, "optimized.md", []byte(restored)); err != nil {
		return fmt.Errorf("store result: %w", err)
	}

	message := "document optimized"
	if lost > 0 {
		message = fmt.Sprintf("document optimized, %d preserved spans could not be restored", lost)
		slog.WarnContext(ctx, "placeholders lost during rewrite", "job_id", jobID, "lost", lost)
	}
	return r.complete(ctx, jobID, "optimized.md", message)
}

// rewriteSegment sends one segment through the model chain. The overlap from
// the previous segment rides along as read-only context; only the body is
// rewritten, so reassembly never duplicates overlapping text.
func (r *Runner) rewriteSegment(ctx context.Context, override string, seg text.Segment) (string, error) {
	var b strings.Builder
	if seg.Overlap != "" {
		b.WriteString("Context from the preceding section, for continuity only. Do not include it in your reply:\n\n")
		b.WriteString(seg.Overlap)
		b.WriteString("\n\n---\n\nRewrite the following text:\n\n")
	}
	b.WriteString(seg.Body())

	messages := []llm.Message{
		{Role: "system", Content: optimizationSystem},
		{Role: "user", Content: b.String()},
	}
	return r.chat(ctx, override, r.cfg.LLMTimeout, messages)
}

// runSummarization is a single-call pipeline: one prompt over the whole
// document, one summary artifact out.
func (r *Runner) runSummarization(ctx context.Context, task Task) error {
	jobID := task.JobID
	r.step(ctx, jobID, progress.StatusReading, 10, "reading document")
	r.step(ctx, jobID, progress.StatusPreparing, 20, "preparing prompt")

	messages := []llm.Message{
		{Role: "system", Content: summarySystem},
		{Role: "user", Content: task.Content},
	}

	r.step(ctx, jobID, progress.StatusProcessing, 30, "generating summary")
	summary, err := r.chat(ctx, task.Model, r.cfg.SummaryLLMTimeout, messages)
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}
	r.step(ctx, jobID, progress.StatusAIWork, 50, "summary received")

	if _, err := r.artifacts.WriteFile(jobID, "summary.md", []byte(summary)); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	r.step(ctx, jobID, progress.StatusSaving, 80, "saving summary")

	return r.complete(ctx, jobID, "summary.md", "summary ready")
}
