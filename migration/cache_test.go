package migration

import (
	"os"
	"path/filepath"
	"testing"
)

func TestArtifactCache_Paths(t *testing.T) {
	t.Parallel()

	c := ArtifactCache{Dir: "extracted", DocName: "locomo10"}
	if got, want := c.Path(StageExtracted, 3), filepath.Join("extracted", "locomo10_extracted_conv_3.txt"); got != want {
		t.Fatalf("Path=%q, want %q", got, want)
	}
	if got, want := c.ManifestPath(StageSummarized, 3), filepath.Join("extracted", "locomo10_summarized_conv_3.manifest.json"); got != want {
		t.Fatalf("ManifestPath=%q, want %q", got, want)
	}
}

func TestArtifactCache_Status(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	for _, stage := range []Stage{StageExtracted, StageSummarized} {
		if s, err := c.Status(stage, 1); err != nil || s != ArtifactMissing {
			t.Fatalf("%s status=%v err=%v, want missing", stage, s, err)
		}
	}

	if err := os.WriteFile(c.Path(StageSummarized, 1), []byte("legacy summary\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if s, _ := c.Status(StageSummarized, 1); s != ArtifactComplete {
		t.Fatalf("legacy summary status=%v, want complete", s)
	}

	if err := c.saveManifest(&SummaryManifest{ConversationID: 1, BatchSize: 2, MessageCount: 4, TotalBatches: 2}); err != nil {
		t.Fatalf("saveManifest: %v", err)
	}
	if s, _ := c.Status(StageSummarized, 1); s != ArtifactPartial {
		t.Fatalf("incomplete manifest status=%v, want partial", s)
	}

	if err := os.WriteFile(c.ManifestPath(StageSummarized, 2), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := c.Status(StageSummarized, 2); err == nil {
		t.Fatalf("expected error for corrupt manifest")
	}
}

func TestArtifactStatus_String(t *testing.T) {
	t.Parallel()

	if ArtifactPartial.String() != "partial" || ArtifactStatus(9).String() != "ArtifactStatus(9)" {
		t.Fatalf("String=%q/%q", ArtifactPartial.String(), ArtifactStatus(9).String())
	}
}

func TestNewArtifactCache_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewArtifactCache("", "doc"); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if _, err := NewArtifactCache(t.TempDir(), ""); err == nil {
		t.Fatalf("expected error for empty doc name")
	}
}
