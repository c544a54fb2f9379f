package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/theimaginaryfoundation/memory-migrate/migration/fileutils"
	"github.com/theimaginaryfoundation/memory-migrate/migration/telemetry"
)

var ErrNoSummarizer = errors.New("summarizer is not configured (missing API key?)")

// SummaryKind distinguishes a usable summary from a response that lacked the expected fields.
type SummaryKind int

const (
	SummaryOK SummaryKind = iota
	SummaryMalformed
)

// SummaryResult is decided once at the collaborator boundary.
type SummaryResult struct {
	Kind SummaryKind
	Text string
	// Raw is the undecoded response, kept for diagnostics when Kind is SummaryMalformed.
	Raw string
}

func OKSummary(text string) SummaryResult { return SummaryResult{Kind: SummaryOK, Text: text} }

func MalformedSummary(raw string) SummaryResult {
	return SummaryResult{Kind: SummaryMalformed, Raw: raw}
}

// Summarizer collapses a newline-joined batch of messages into one summary.
type Summarizer interface {
	Summarize(ctx context.Context, batchText string) (SummaryResult, error)
}

// BatchError describes a batch that produced no summary. It is logged, never returned.
type BatchError struct {
	ConversationID int
	Batch          int
	Err            error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("conversation %d batch %d: %v", e.ConversationID, e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// SummaryManifest records which batches of a conversation are reflected in its summary artifact.
type SummaryManifest struct {
	ConversationID int              `json:"conversation_id"`
	BatchSize      int              `json:"batch_size"`
	MessageCount   int              `json:"message_count"`
	TotalBatches   int              `json:"total_batches"`
	Completed      []CompletedBatch `json:"completed"`
	Failed         []int            `json:"failed,omitempty"`
	Complete       bool             `json:"complete"`
}

// CompletedBatch maps a batch index to its 0-based line in the summary artifact.
type CompletedBatch struct {
	Batch int `json:"batch"`
	Line  int `json:"line"`
}

func (m *SummaryManifest) matches(batchSize, messageCount int) bool {
	return m.BatchSize == batchSize && m.MessageCount == messageCount
}

// BatchCount is ceil(n/size).
func BatchCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Batcher summarizes conversations in fixed-size batches, appending each summary to the cache as soon
// as it is produced.
type Batcher struct {
	Summarizer Summarizer
	Cache      ArtifactCache
	BatchSize  int
	Logger     *log.Logger
	Metrics    *telemetry.Metrics
}

func (b *Batcher) logf(format string, args ...any) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
	}
}

// Summarize returns the summaries for convID ordered by batch index.
//
// A complete artifact is returned without calling the summarizer. A partial one is resumed: only
// batches missing from the manifest are attempted. Batches that fail or come back malformed are
// skipped and retried on the next run. Only context cancellation or a filesystem error aborts.
func (b *Batcher) Summarize(ctx context.Context, convID int, messages []string) ([]string, error) {
	if b.Summarizer == nil {
		return nil, ErrNoSummarizer
	}
	if b.BatchSize <= 0 {
		return nil, fmt.Errorf("Summarize: batch size must be > 0, got %d", b.BatchSize)
	}

	path := b.Cache.Path(StageSummarized, convID)
	manifest, err := b.Cache.loadManifest(convID)
	if err != nil {
		return nil, err
	}

	if manifest == nil && fileutils.FileExists(path) {
		b.logf("== Summarized file %s already cached, load from file", path)
		b.Metrics.CacheHit(string(StageSummarized))
		return fileutils.ReadLines(path)
	}

	done := map[int]string{}
	if manifest != nil && manifest.matches(b.BatchSize, len(messages)) {
		done, err = b.recoverCompleted(path, manifest)
		if err != nil {
			return nil, err
		}
		if manifest.Complete && len(done) == manifest.TotalBatches {
			b.logf("== Summarized file %s already cached, load from file", path)
			b.Metrics.CacheHit(string(StageSummarized))
			return orderedSummaries(done), nil
		}
		b.logf("== Resuming conversation %d: %d/%d batches already summarized", convID, len(done), manifest.TotalBatches)
	} else if err := removeIfExists(path); err != nil {
		return nil, fmt.Errorf("Summarize: reset stale artifact: %w", err)
	}

	manifest = &SummaryManifest{
		ConversationID: convID,
		BatchSize:      b.BatchSize,
		MessageCount:   len(messages),
		TotalBatches:   BatchCount(len(messages), b.BatchSize),
	}
	if err := b.compact(path, manifest, done); err != nil {
		return nil, err
	}

	for batch := 0; batch < manifest.TotalBatches; batch++ {
		if _, ok := done[batch]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return orderedSummaries(done), err
		}

		start := batch * b.BatchSize
		end := min(start+b.BatchSize, len(messages))
		summary, err := b.summarizeBatch(ctx, messages[start:end])
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return orderedSummaries(done), ctxErr
			}
			b.logf("Error processing batch: %v", &BatchError{ConversationID: convID, Batch: batch, Err: err})
			manifest.Failed = append(manifest.Failed, batch)
			if err := b.Cache.saveManifest(manifest); err != nil {
				return orderedSummaries(done), err
			}
			continue
		}

		if err := fileutils.AppendLine(path, summary); err != nil {
			return orderedSummaries(done), fmt.Errorf("Summarize: append conversation %d batch %d: %w", convID, batch, err)
		}
		manifest.Completed = append(manifest.Completed, CompletedBatch{Batch: batch, Line: len(manifest.Completed)})
		if err := b.Cache.saveManifest(manifest); err != nil {
			return orderedSummaries(done), err
		}
		done[batch] = summary
	}

	manifest.Complete = len(done) == manifest.TotalBatches
	if err := b.Cache.saveManifest(manifest); err != nil {
		return orderedSummaries(done), err
	}
	return orderedSummaries(done), nil
}

func (b *Batcher) summarizeBatch(ctx context.Context, batch []string) (string, error) {
	res, err := b.Summarizer.Summarize(ctx, strings.Join(batch, "\n"))
	if err != nil {
		b.Metrics.SummaryBatch(telemetry.BatchFailed)
		return "", err
	}
	text := fileutils.FlattenNewlines(res.Text)
	if res.Kind != SummaryOK || text == "" {
		b.Metrics.SummaryBatch(telemetry.BatchMalformed)
		return "", fmt.Errorf("no summary generated (response: %s)", fileutils.Truncate(res.Raw, 200))
	}
	b.Metrics.SummaryBatch(telemetry.BatchOK)
	return text, nil
}

// recoverCompleted reads back the summaries the manifest vouches for. Lines the manifest does not reference,
// e.g. an append that landed just before a crash, are ignored.
func (b *Batcher) recoverCompleted(path string, m *SummaryManifest) (map[int]string, error) {
	lines, err := fileutils.ReadLines(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("Summarize: read partial artifact: %w", err)
	}
	done := make(map[int]string, len(m.Completed))
	for _, c := range m.Completed {
		if c.Batch < 0 || c.Batch >= m.TotalBatches || c.Line < 0 || c.Line >= len(lines) {
			continue
		}
		done[c.Batch] = lines[c.Line]
	}
	return done, nil
}

// compact rewrites the artifact to hold exactly the recovered summaries in batch order, then records
// them in a fresh manifest, so subsequent appends line up with manifest line numbers. With nothing
// recovered the artifact is removed.
func (b *Batcher) compact(path string, m *SummaryManifest, done map[int]string) error {
	if len(done) == 0 {
		if err := removeIfExists(path); err != nil {
			return fmt.Errorf("Summarize: compact artifact: %w", err)
		}
		return b.Cache.saveManifest(m)
	}
	batches := sortedBatches(done)
	lines := make([]string, 0, len(batches))
	for i, batch := range batches {
		lines = append(lines, done[batch])
		m.Completed = append(m.Completed, CompletedBatch{Batch: batch, Line: i})
	}
	if err := fileutils.WriteLinesAtomic(path, lines, 0o644); err != nil {
		return fmt.Errorf("Summarize: compact artifact: %w", err)
	}
	return b.Cache.saveManifest(m)
}

func orderedSummaries(done map[int]string) []string {
	out := make([]string, 0, len(done))
	for _, batch := range sortedBatches(done) {
		out = append(out, done[batch])
	}
	return out
}

func sortedBatches(done map[int]string) []int {
	batches := make([]int, 0, len(done))
	for batch := range done {
		batches = append(batches, batch)
	}
	sort.Ints(batches)
	return batches
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// discardLogger is shared by components that accept an optional logger.
var discardLogger = log.New(io.Discard, "", 0)
