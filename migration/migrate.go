package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/theimaginaryfoundation/memory-migrate/migration/telemetry"
)

// DefaultSummarizeEvery is the summarization batch size used when none is configured.
const DefaultSummarizeEvery = 20

// MigratorOptions tune one migration run.
type MigratorOptions struct {
	// ExtractDir holds the extracted and summarized artifacts.
	ExtractDir string

	// Summarize delivers batch summaries instead of raw messages.
	Summarize      bool
	SummarizeEvery int

	// Concurrency caps simultaneously delivering conversations.
	Concurrency int

	// StartTime and MaxMessages are applied to each conversation's decode.
	StartTime   int64
	MaxMessages int
	Location    *time.Location

	// Verbose forwards per-session decode tracing to the logger.
	Verbose bool
}

// MigratorConfig wires a Migrator to its collaborators.
type MigratorConfig struct {
	History    *ChatHistory
	Store      MemoryStore
	Summarizer Summarizer

	Options MigratorOptions

	Logger   *log.Logger
	Metrics  *telemetry.Metrics
	Progress ProgressFunc
}

// Migrator owns the state of a single load, summarize, insert run.
type Migrator struct {
	history    *ChatHistory
	store      MemoryStore
	summarizer Summarizer
	opts       MigratorOptions
	logger     *log.Logger
	metrics    *telemetry.Metrics
	progress   ProgressFunc

	numConversations int
	messages         ConversationStore
	summaries        ConversationStore
	cachedMessages   map[int]bool
}

// MigrationResult summarizes a finished run.
type MigrationResult struct {
	Conversations int
	Messages      int
	Summaries     int

	// Stage names which artifact the delivered items came from.
	Stage Stage

	// CachedConversations lists conversations whose messages came from a cached artifact.
	CachedConversations []int

	Insert InsertReport
}

// NewMigrator validates cfg. Configuration problems are reported here, before any file is touched.
func NewMigrator(cfg MigratorConfig) (*Migrator, error) {
	if cfg.History == nil {
		return nil, errors.New("NewMigrator: chat history is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("NewMigrator: memory store is nil")
	}
	opts := cfg.Options
	if opts.ExtractDir == "" {
		return nil, errors.New("NewMigrator: extract dir is empty")
	}
	if opts.SummarizeEvery == 0 {
		opts.SummarizeEvery = DefaultSummarizeEvery
	}
	if opts.SummarizeEvery < 0 {
		return nil, fmt.Errorf("NewMigrator: summarize-every must be > 0, got %d", opts.SummarizeEvery)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Summarize && cfg.Summarizer == nil {
		return nil, ErrNoSummarizer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger
	}
	return &Migrator{
		history:    cfg.History,
		store:      cfg.Store,
		summarizer: cfg.Summarizer,
		opts:       opts,
		logger:     logger,
		metrics:    cfg.Metrics,
		progress:   cfg.Progress,
	}, nil
}

// Messages returns the conversation store built by Load.
func (m *Migrator) Messages() ConversationStore { return m.messages }

// Summaries returns the summaries built by Summarize.
func (m *Migrator) Summaries() ConversationStore { return m.summaries }

// Load decodes, or reads from cache, every conversation 1..N in the chat history.
func (m *Migrator) Load(ctx context.Context) error {
	cache, err := NewArtifactCache(m.opts.ExtractDir, m.history.Name)
	if err != nil {
		return err
	}

	m.numConversations = m.history.CountConversations()
	m.logger.Printf("-> loaded %d conversations from %s", m.numConversations, m.history.Name)

	ex := &Extractor{
		History: m.history,
		Cache:   cache,
		Options: DecodeOptions{
			StartTime:   m.opts.StartTime,
			MaxMessages: m.opts.MaxMessages,
			Location:    m.opts.Location,
		},
		Metrics: m.metrics,
	}
	if m.opts.Verbose {
		ex.Options.Logger = m.logger
	}

	m.messages = make(ConversationStore, m.numConversations)
	m.cachedMessages = make(map[int]bool)
	for convID := 1; convID <= m.numConversations; convID++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		messages, cached, err := ex.LoadOrDecode(convID)
		if err != nil {
			return err
		}
		if cached {
			m.logger.Printf("== Extract file %s already cached, load from file", cache.Path(StageExtracted, convID))
			m.cachedMessages[convID] = true
		} else {
			m.logger.Printf("---> loaded %d messages from conversation %d", len(messages), convID)
		}
		m.messages[convID] = messages
	}
	return nil
}

// Summarize runs the batcher over every loaded conversation in id order. Failed batches are logged by
// the batcher and left for the next run.
func (m *Migrator) Summarize(ctx context.Context) error {
	if m.summarizer == nil {
		return ErrNoSummarizer
	}
	if m.messages == nil {
		return errors.New("Summarize: nothing loaded")
	}
	cache, err := NewArtifactCache(m.opts.ExtractDir, m.history.Name)
	if err != nil {
		return err
	}
	b := &Batcher{
		Summarizer: m.summarizer,
		Cache:      cache,
		BatchSize:  m.opts.SummarizeEvery,
		Logger:     m.logger,
		Metrics:    m.metrics,
	}

	m.summaries = make(ConversationStore, len(m.messages))
	for _, convID := range m.messages.IDs() {
		summaries, err := b.Summarize(ctx, convID, m.messages[convID])
		if err != nil {
			return fmt.Errorf("Summarize: conversation %d: %w", convID, err)
		}
		m.summaries[convID] = summaries
	}
	return nil
}

// Insert delivers either the raw messages or the summaries, per the Summarize option.
func (m *Migrator) Insert(ctx context.Context) (InsertReport, error) {
	contents := m.messages
	if m.opts.Summarize {
		contents = m.summaries
	}
	in := &Inserter{
		Store:       m.store,
		Concurrency: m.opts.Concurrency,
		Progress:    m.progress,
		Logger:      m.logger,
		Metrics:     m.metrics,
	}
	return in.Insert(ctx, contents)
}

// Migrate runs load, the optional summarize phase, then insert. There is no rollback; cached artifacts
// make a rerun skip finished work.
func (m *Migrator) Migrate(ctx context.Context) (MigrationResult, error) {
	res := MigrationResult{Stage: StageExtracted}
	if m.opts.Summarize {
		res.Stage = StageSummarized
	}

	m.logger.Printf("== Loading starts")
	if err := m.Load(ctx); err != nil {
		return res, fmt.Errorf("Migrate: load: %w", err)
	}
	m.logger.Printf("== Loading done")
	res.Conversations = m.numConversations
	res.Messages = m.messages.TotalItems()
	for _, id := range m.messages.IDs() {
		if m.cachedMessages[id] {
			res.CachedConversations = append(res.CachedConversations, id)
		}
	}

	if m.opts.Summarize {
		m.logger.Printf("== Summarizing starts")
		if err := m.Summarize(ctx); err != nil {
			return res, fmt.Errorf("Migrate: summarize: %w", err)
		}
		m.logger.Printf("== Summarizing done")
		res.Summaries = m.summaries.TotalItems()
	}

	m.logger.Printf("== Migration starts")
	report, err := m.Insert(ctx)
	res.Insert = report
	if err != nil {
		m.logger.Printf("== Migration done with %d failed conversation(s)", len(report.Failed()))
		return res, fmt.Errorf("Migrate: insert: %w", err)
	}
	m.logger.Printf("== Migration done")
	return res, nil
}
