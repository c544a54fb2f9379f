package fileutils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteLinesAtomic_ReadLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "lines.txt")
	if err := WriteLinesAtomic(path, []string{"a", "b  ", "c"}, 0o644); err != nil {
		t.Fatalf("WriteLinesAtomic: %v", err)
	}

	got, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("len(lines)=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines[%d]=%q, want %q", i, got[i], want[i])
		}
	}

	// No temp files should be left next to the artifact.
	ents, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(ents) != 1 {
		t.Fatalf("dir entries=%d, want 1", len(ents))
	}
}

func TestReadLines_SkipsBlankLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lines.txt")
	if err := os.WriteFile(path, []byte("one\n\n   \ntwo\t\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("lines=%q, want [one two]", got)
	}
}

func TestAppendLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "append.txt")
	for _, l := range []string{"first", "second"} {
		if err := AppendLine(path, l); err != nil {
			t.Fatalf("AppendLine(%q): %v", l, err)
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "first\nsecond\n" {
		t.Fatalf("content=%q", string(b))
	}

	if err := AppendLine(path, "bad\nline"); err == nil {
		t.Fatalf("expected error for embedded newline")
	}
}

func TestFlattenNewlines(t *testing.T) {
	t.Parallel()

	got := FlattenNewlines(" line one\nline two\r\nline three\\nfour ")
	if got != "line one line two line three four" {
		t.Fatalf("got=%q", got)
	}
}

func TestDecodeModelJSON(t *testing.T) {
	t.Parallel()

	var out struct {
		Summary string `json:"summary"`
	}
	if err := DecodeModelJSON("here you go: {\"summary\":\"ok\"} thanks", &out); err != nil {
		t.Fatalf("DecodeModelJSON: %v", err)
	}
	if out.Summary != "ok" {
		t.Fatalf("Summary=%q", out.Summary)
	}
	if err := DecodeModelJSON("   ", &out); err == nil {
		t.Fatalf("expected error for empty output")
	}
	if err := DecodeModelJSON("plain prose", &out); err == nil {
		t.Fatalf("expected error for non-JSON output")
	}
}

func TestWriteJSONFileAtomic_ReadJSONFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "m.json")
	in := map[string]int{"a": 1}
	if err := WriteJSONFileAtomic(path, in, true); err != nil {
		t.Fatalf("WriteJSONFileAtomic: %v", err)
	}
	var out map[string]int
	if err := ReadJSONFile(path, &out); err != nil {
		t.Fatalf("ReadJSONFile: %v", err)
	}
	if out["a"] != 1 {
		t.Fatalf("out=%v", out)
	}
}
