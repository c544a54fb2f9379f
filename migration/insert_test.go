package migration

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	mu        sync.Mutex
	bySession map[string][]string

	active    int64
	maxActive int64

	fail func(content, sessionID string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{bySession: map[string][]string{}}
}

func (s *fakeStore) PostEpisodicMemory(ctx context.Context, content, sessionID string) error {
	n := atomic.AddInt64(&s.active, 1)
	defer atomic.AddInt64(&s.active, -1)
	for {
		old := atomic.LoadInt64(&s.maxActive)
		if n <= old || atomic.CompareAndSwapInt64(&s.maxActive, old, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	if s.fail != nil {
		if err := s.fail(content, sessionID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession[sessionID] = append(s.bySession[sessionID], content)
	return nil
}

func (s *fakeStore) session(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bySession[id]...)
}

func buildContents(convs, items int) ConversationStore {
	out := ConversationStore{}
	for c := 1; c <= convs; c++ {
		for i := 0; i < items; i++ {
			out[c] = append(out[c], fmt.Sprintf("c%d-m%d", c, i))
		}
	}
	return out
}

func TestInserter_PreservesPerConversationOrder(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	contents := buildContents(6, 8)
	in := &Inserter{Store: store, Concurrency: 3}

	report, err := in.Insert(context.Background(), contents)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if report.Completed != 6 {
		t.Fatalf("Completed=%d, want 6", report.Completed)
	}
	if report.Delivered != 48 {
		t.Fatalf("Delivered=%d, want 48", report.Delivered)
	}
	for id, items := range contents {
		if got := store.session(SessionID(id)); !reflect.DeepEqual(got, items) {
			t.Fatalf("conversation %d delivered %q, want %q", id, got, items)
		}
	}
	for i, res := range report.Results {
		if res.ConversationID != i+1 {
			t.Fatalf("Results[%d].ConversationID=%d, want %d", i, res.ConversationID, i+1)
		}
		if res.SessionID != fmt.Sprintf("conversation_%d", i+1) {
			t.Fatalf("SessionID=%q", res.SessionID)
		}
	}
	if m := atomic.LoadInt64(&store.maxActive); m > 3 || m < 1 {
		t.Fatalf("max concurrent deliveries=%d, want 1..3", m)
	}
}

func TestInserter_ConcurrencyCappedByConversationCount(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	in := &Inserter{Store: store, Concurrency: 10}
	if _, err := in.Insert(context.Background(), buildContents(2, 20)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if m := atomic.LoadInt64(&store.maxActive); m > 2 {
		t.Fatalf("max concurrent deliveries=%d, want <= 2", m)
	}
}

func TestInserter_FailureIsIsolated(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.fail = func(content, sessionID string) error {
		if content == "c2-m1" {
			return errors.New("503 service unavailable")
		}
		return nil
	}
	in := &Inserter{Store: store, Concurrency: 2}

	report, err := in.Insert(context.Background(), buildContents(3, 3))
	if err == nil {
		t.Fatalf("expected error")
	}
	var ce *ConversationError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, want *ConversationError", err)
	}
	if ce.ConversationID != 2 || ce.Index != 1 {
		t.Fatalf("ConversationError=%+v, want conversation 2 item 1", ce)
	}
	if report.Completed != 3 {
		t.Fatalf("Completed=%d, want 3", report.Completed)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].ConversationID != 2 || failed[0].Delivered != 1 {
		t.Fatalf("Failed=%+v", failed)
	}
	for _, id := range []int{1, 3} {
		if got := store.session(SessionID(id)); len(got) != 3 {
			t.Fatalf("conversation %d delivered %d items, want 3", id, len(got))
		}
	}
}

func TestInserter_PanicBecomesTaskFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.fail = func(content, sessionID string) error {
		if sessionID == SessionID(1) {
			panic("store exploded")
		}
		return nil
	}
	report, err := (&Inserter{Store: store, Concurrency: 2}).Insert(context.Background(), buildContents(2, 2))
	if err == nil {
		t.Fatalf("expected error")
	}
	var ce *ConversationError
	if !errors.As(err, &ce) || ce.ConversationID != 1 {
		t.Fatalf("err=%v, want conversation 1 failure", err)
	}
	if report.Completed != 2 || report.Delivered != 2 {
		t.Fatalf("Completed=%d Delivered=%d, want 2/2", report.Completed, report.Delivered)
	}
}

func TestInserter_ProgressEvents(t *testing.T) {
	t.Parallel()

	var (
		items     int
		done      []int
		completed []int
	)
	in := &Inserter{
		Store:       newFakeStore(),
		Concurrency: 4,
		Progress: func(ev ProgressEvent) {
			switch ev.Kind {
			case ItemDelivered:
				items++
			case ConversationDone:
				done = append(done, ev.ConversationID)
				completed = append(completed, ev.Completed)
				if ev.Total != 5 {
					t.Errorf("Total=%d, want 5", ev.Total)
				}
			}
		},
	}
	if _, err := in.Insert(context.Background(), buildContents(5, 2)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if items != 10 {
		t.Fatalf("item events=%d, want 10", items)
	}
	if len(done) != 5 {
		t.Fatalf("done events=%d, want 5", len(done))
	}
	if !reflect.DeepEqual(completed, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("completed counter sequence=%v", completed)
	}
}

func TestInserter_CancelledContextStopsBeforeNextItem(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := newFakeStore()
	report, err := (&Inserter{Store: store}).Insert(ctx, buildContents(2, 3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if report.Delivered != 0 || report.Completed != 2 {
		t.Fatalf("Delivered=%d Completed=%d", report.Delivered, report.Completed)
	}
}

func TestInserter_Empty(t *testing.T) {
	t.Parallel()

	report, err := (&Inserter{Store: newFakeStore()}).Insert(context.Background(), ConversationStore{})
	if err != nil || report.Completed != 0 {
		t.Fatalf("report=%+v err=%v", report, err)
	}
	if _, err := (&Inserter{}).Insert(context.Background(), buildContents(1, 1)); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
