package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/theimaginaryfoundation/memory-migrate/migration/telemetry"
)

// DefaultConcurrency caps simultaneously delivering conversations.
const DefaultConcurrency = 10

// MemoryStore is the episodic memory destination.
type MemoryStore interface {
	PostEpisodicMemory(ctx context.Context, content, sessionID string) error
}

// SessionID is the destination session for a conversation.
func SessionID(convID int) string {
	return fmt.Sprintf("conversation_%d", convID)
}

// ConversationError reports the item at which a conversation's delivery stopped.
type ConversationError struct {
	ConversationID int
	Index          int
	Err            error
}

func (e *ConversationError) Error() string {
	return fmt.Sprintf("conversation %d: item %d: %v", e.ConversationID, e.Index, e.Err)
}

func (e *ConversationError) Unwrap() error { return e.Err }

// ConversationResult is the outcome of one conversation's delivery task.
type ConversationResult struct {
	ConversationID int
	SessionID      string
	Items          int
	Delivered      int
	Err            error
}

// InsertReport aggregates all task results, ordered by conversation id.
type InsertReport struct {
	Results   []ConversationResult
	Completed int
	Delivered int
}

// Failed returns the results whose task failed.
func (r InsertReport) Failed() []ConversationResult {
	var out []ConversationResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

type ProgressKind int

const (
	ItemDelivered ProgressKind = iota
	ConversationDone
)

// ProgressEvent is emitted after every delivered item and every finished conversation.
type ProgressEvent struct {
	Kind           ProgressKind
	ConversationID int
	Delivered      int
	Items          int
	// Completed and Total count conversations; set on ConversationDone events.
	Completed int
	Total     int
	Err       error
}

// ProgressFunc is never called concurrently with itself.
type ProgressFunc func(ProgressEvent)

// Inserter delivers each conversation's items in order, with conversations running concurrently.
type Inserter struct {
	Store       MemoryStore
	Concurrency int
	Progress    ProgressFunc
	Logger      *log.Logger
	Metrics     *telemetry.Metrics

	progressMu sync.Mutex
}

func (in *Inserter) emit(ev ProgressEvent) {
	if in.Progress == nil {
		return
	}
	in.progressMu.Lock()
	defer in.progressMu.Unlock()
	in.Progress(ev)
}

// Insert runs one task per conversation with at most min(len(contents), Concurrency) active. A failing
// task never cancels its siblings; every failure is returned, joined, once all tasks have resolved.
func (in *Inserter) Insert(ctx context.Context, contents ConversationStore) (InsertReport, error) {
	if in.Store == nil {
		return InsertReport{}, errors.New("Insert: memory store is nil")
	}
	ids := contents.IDs()
	if len(ids) == 0 {
		return InsertReport{}, nil
	}
	limit := in.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	limit = min(limit, len(ids))

	sem := make(chan struct{}, limit)
	resCh := make(chan ConversationResult, len(ids))

	wg := sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func(id int, items []string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			resCh <- in.deliver(ctx, id, items)
		}(id, contents[id])
	}
	go func() {
		wg.Wait()
		close(resCh)
	}()

	report := InsertReport{Results: make([]ConversationResult, 0, len(ids))}
	for res := range resCh {
		report.Completed++
		report.Delivered += res.Delivered
		report.Results = append(report.Results, res)
		in.Metrics.ConversationCompleted(res.Err != nil)
		if res.Err != nil && in.Logger != nil {
			in.Logger.Printf("Error inserting %v", res.Err)
		}
		in.emit(ProgressEvent{
			Kind:           ConversationDone,
			ConversationID: res.ConversationID,
			Delivered:      res.Delivered,
			Items:          res.Items,
			Completed:      report.Completed,
			Total:          len(ids),
			Err:            res.Err,
		})
	}
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].ConversationID < report.Results[j].ConversationID
	})

	var errs []error
	for _, res := range report.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return report, errors.Join(errs...)
}

func (in *Inserter) deliver(ctx context.Context, convID int, items []string) (res ConversationResult) {
	res = ConversationResult{ConversationID: convID, SessionID: SessionID(convID), Items: len(items)}
	defer func() {
		if r := recover(); r != nil {
			res.Err = &ConversationError{ConversationID: convID, Index: res.Delivered, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			res.Err = &ConversationError{ConversationID: convID, Index: i, Err: err}
			return res
		}
		if err := in.Store.PostEpisodicMemory(ctx, item, res.SessionID); err != nil {
			res.Err = &ConversationError{ConversationID: convID, Index: i, Err: err}
			return res
		}
		res.Delivered++
		in.Metrics.MemoryDelivered()
		in.emit(ProgressEvent{Kind: ItemDelivered, ConversationID: convID, Delivered: res.Delivered, Items: len(items)})
	}
	return res
}
