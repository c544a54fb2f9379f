package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/theimaginaryfoundation/memory-migrate/migration/fileutils"
)

// Stage tags the pipeline step an artifact belongs to.
type Stage string

const (
	StageExtracted  Stage = "extracted"
	StageSummarized Stage = "summarized"
)

// ArtifactStatus says whether a stage's output for one conversation can be trusted.
type ArtifactStatus int

const (
	ArtifactMissing ArtifactStatus = iota
	ArtifactPartial
	ArtifactComplete
)

func (s ArtifactStatus) String() string {
	switch s {
	case ArtifactMissing:
		return "missing"
	case ArtifactPartial:
		return "partial"
	case ArtifactComplete:
		return "complete"
	default:
		return fmt.Sprintf("ArtifactStatus(%d)", int(s))
	}
}

// ArtifactCache lays out per-(document, stage, conversation) artifacts in one directory:
//
//	<dir>/<doc>_<stage>_conv_<id>.txt
//	<dir>/<doc>_<stage>_conv_<id>.manifest.json
type ArtifactCache struct {
	Dir     string
	DocName string
}

// NewArtifactCache creates dir if needed.
func NewArtifactCache(dir, docName string) (ArtifactCache, error) {
	if dir == "" {
		return ArtifactCache{}, errors.New("NewArtifactCache: dir is empty")
	}
	if docName == "" {
		return ArtifactCache{}, errors.New("NewArtifactCache: docName is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ArtifactCache{}, fmt.Errorf("NewArtifactCache: mkdir: %w", err)
	}
	return ArtifactCache{Dir: dir, DocName: docName}, nil
}

func (c ArtifactCache) base(stage Stage, convID int) string {
	return filepath.Join(c.Dir, fmt.Sprintf("%s_%s_conv_%d", c.DocName, stage, convID))
}

// Path is the newline-delimited artifact for stage and convID.
func (c ArtifactCache) Path(stage Stage, convID int) string {
	return c.base(stage, convID) + ".txt"
}

// ManifestPath is the progress manifest that accompanies incrementally written artifacts.
func (c ArtifactCache) ManifestPath(stage Stage, convID int) string {
	return c.base(stage, convID) + ".manifest.json"
}

// Status reports the artifact state.
//
// Extracted artifacts are renamed into place only once fully written, so existence means complete.
// Summarized artifacts are appended batch by batch; their manifest decides between partial and
// complete. A summary file without a manifest predates manifests and is trusted as complete.
func (c ArtifactCache) Status(stage Stage, convID int) (ArtifactStatus, error) {
	exists := fileutils.FileExists(c.Path(stage, convID))
	if stage != StageSummarized {
		if exists {
			return ArtifactComplete, nil
		}
		return ArtifactMissing, nil
	}

	m, err := c.loadManifest(convID)
	if err != nil {
		return ArtifactMissing, err
	}
	switch {
	case m == nil && exists:
		return ArtifactComplete, nil
	case m == nil:
		return ArtifactMissing, nil
	case m.Complete:
		return ArtifactComplete, nil
	default:
		return ArtifactPartial, nil
	}
}

func (c ArtifactCache) loadManifest(convID int) (*SummaryManifest, error) {
	var m SummaryManifest
	err := fileutils.ReadJSONFile(c.ManifestPath(StageSummarized, convID), &m)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary manifest (conversation %d): %w", convID, err)
	}
	return &m, nil
}

func (c ArtifactCache) saveManifest(m *SummaryManifest) error {
	if err := fileutils.WriteJSONFileAtomic(c.ManifestPath(StageSummarized, m.ConversationID), m, true); err != nil {
		return fmt.Errorf("save summary manifest (conversation %d): %w", m.ConversationID, err)
	}
	return nil
}
