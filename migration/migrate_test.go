package migration

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestMigrator(t *testing.T, dir string, store MemoryStore, sum Summarizer, opts MigratorOptions, logs *bytes.Buffer) *Migrator {
	t.Helper()

	opts.ExtractDir = dir
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	cfg := MigratorConfig{
		History:    mustChatHistory(t, twoConversationDoc),
		Store:      store,
		Summarizer: sum,
		Options:    opts,
	}
	if logs != nil {
		cfg.Logger = log.New(logs, "", 0)
	}
	m, err := NewMigrator(cfg)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	return m
}

func TestMigrator_RawMessages(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "extracted")
	store := newFakeStore()
	var logs bytes.Buffer
	m := newTestMigrator(t, dir, store, nil, MigratorOptions{}, &logs)

	res, err := m.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if res.Conversations != 2 || res.Messages != 6 {
		t.Fatalf("Conversations=%d Messages=%d, want 2/6", res.Conversations, res.Messages)
	}
	if res.Stage != StageExtracted {
		t.Fatalf("Stage=%q, want extracted", res.Stage)
	}
	if res.Insert.Completed != 2 || res.Insert.Delivered != 6 {
		t.Fatalf("Insert=%+v", res.Insert)
	}
	if got := store.session("conversation_2"); !reflect.DeepEqual(got, []string{"m4", "m5", "m6"}) {
		t.Fatalf("conversation_2=%q", got)
	}

	out := logs.String()
	last := -1
	for _, phase := range []string{"== Loading starts", "== Loading done", "== Migration starts", "== Migration done"} {
		i := strings.Index(out, phase)
		if i < 0 || i < last {
			t.Fatalf("phase %q missing or out of order in log:\n%s", phase, out)
		}
		last = i
	}
	if strings.Contains(out, "Summarizing") {
		t.Fatalf("summarize phase ran without being requested:\n%s", out)
	}
}

func TestMigrator_RerunUsesExtractCache(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "extracted")
	first := newTestMigrator(t, dir, newFakeStore(), nil, MigratorOptions{}, nil)
	if _, err := first.Migrate(context.Background()); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}

	store := newFakeStore()
	second := newTestMigrator(t, dir, store, nil, MigratorOptions{}, nil)
	res, err := second.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if !reflect.DeepEqual(res.CachedConversations, []int{1, 2}) {
		t.Fatalf("CachedConversations=%v, want [1 2]", res.CachedConversations)
	}
	if !reflect.DeepEqual(second.Messages(), first.Messages()) {
		t.Fatalf("cached messages %v differ from decoded %v", second.Messages(), first.Messages())
	}
	if got := store.session("conversation_1"); len(got) != 3 {
		t.Fatalf("conversation_1 delivered %d items, want 3", len(got))
	}
}

func TestMigrator_SummarizedDelivery(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "extracted")
	store := newFakeStore()
	sum := &fakeSummarizer{}
	var logs bytes.Buffer
	m := newTestMigrator(t, dir, store, sum, MigratorOptions{Summarize: true, SummarizeEvery: 2}, &logs)

	res, err := m.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if res.Summaries != 4 {
		t.Fatalf("Summaries=%d, want 4", res.Summaries)
	}
	if res.Stage != StageSummarized {
		t.Fatalf("Stage=%q, want summarized", res.Stage)
	}
	want := []string{"sum(m1+m2)", "sum(m3)"}
	if got := store.session("conversation_1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("conversation_1=%q, want %q", got, want)
	}
	if !strings.Contains(logs.String(), "== Summarizing done") {
		t.Fatalf("summarize phase not logged:\n%s", logs.String())
	}

	again := newTestMigrator(t, dir, newFakeStore(), sum, MigratorOptions{Summarize: true, SummarizeEvery: 2}, nil)
	if _, err := again.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if n := len(sum.Calls()); n != 4 {
		t.Fatalf("summarizer calls=%d after rerun, want 4", n)
	}
}

func TestMigrator_MaxMessagesPerConversation(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "extracted")
	m := newTestMigrator(t, dir, newFakeStore(), nil, MigratorOptions{MaxMessages: 2}, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := ConversationStore{1: {"m1", "m2"}, 2: {"m4", "m5"}}
	if !reflect.DeepEqual(m.Messages(), want) {
		t.Fatalf("Messages=%v, want %v", m.Messages(), want)
	}
}

func TestMigrator_InsertFailureSurfaces(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.fail = func(content, sessionID string) error {
		if sessionID == "conversation_1" {
			return errors.New("connection refused")
		}
		return nil
	}
	m := newTestMigrator(t, filepath.Join(t.TempDir(), "extracted"), store, nil, MigratorOptions{}, nil)
	res, err := m.Migrate(context.Background())
	var ce *ConversationError
	if !errors.As(err, &ce) || ce.ConversationID != 1 {
		t.Fatalf("err=%v, want conversation 1 failure", err)
	}
	if res.Insert.Completed != 2 {
		t.Fatalf("Completed=%d, want 2", res.Insert.Completed)
	}
	if got := store.session("conversation_2"); len(got) != 3 {
		t.Fatalf("conversation_2 delivered %d items, want 3", len(got))
	}
}

func TestNewMigrator_Validation(t *testing.T) {
	t.Parallel()

	h := mustChatHistory(t, twoConversationDoc)
	dir := t.TempDir()

	_, err := NewMigrator(MigratorConfig{History: h, Store: newFakeStore(), Options: MigratorOptions{ExtractDir: dir, Summarize: true}})
	if !errors.Is(err, ErrNoSummarizer) {
		t.Fatalf("err=%v, want ErrNoSummarizer", err)
	}
	if _, err := NewMigrator(MigratorConfig{Store: newFakeStore(), Options: MigratorOptions{ExtractDir: dir}}); err == nil {
		t.Fatalf("expected error for nil history")
	}
	if _, err := NewMigrator(MigratorConfig{History: h, Options: MigratorOptions{ExtractDir: dir}}); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewMigrator(MigratorConfig{History: h, Store: newFakeStore(), Options: MigratorOptions{ExtractDir: dir, SummarizeEvery: -1}}); err == nil {
		t.Fatalf("expected error for negative summarize-every")
	}
}
