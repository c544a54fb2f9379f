package migration

import (
	"errors"
	"fmt"

	"github.com/theimaginaryfoundation/memory-migrate/migration/fileutils"
	"github.com/theimaginaryfoundation/memory-migrate/migration/telemetry"
)

// Extractor decodes one conversation at a time and caches the result as an extracted artifact.
type Extractor struct {
	History *ChatHistory
	Cache   ArtifactCache

	// Options are applied to every decode; Conversation is overridden per call.
	Options DecodeOptions

	Metrics *telemetry.Metrics
}

// LoadOrDecode returns the cached messages for convID when a complete artifact exists, and otherwise
// decodes the conversation and writes its artifact. cached reports whether decoding was skipped.
// Artifacts are never invalidated; clear the cache directory to pick up source changes.
func (e *Extractor) LoadOrDecode(convID int) (messages []string, cached bool, err error) {
	if convID < 1 {
		return nil, false, fmt.Errorf("LoadOrDecode: invalid conversation id %d", convID)
	}
	path := e.Cache.Path(StageExtracted, convID)

	status, err := e.Cache.Status(StageExtracted, convID)
	if err != nil {
		return nil, false, err
	}
	if status == ArtifactComplete {
		lines, err := fileutils.ReadLines(path)
		if err != nil {
			return nil, false, fmt.Errorf("LoadOrDecode: read cached conversation %d: %w", convID, err)
		}
		e.Metrics.CacheHit(string(StageExtracted))
		return lines, true, nil
	}

	if e.History == nil {
		return nil, false, errors.New("LoadOrDecode: no chat history to decode from")
	}
	opts := e.Options
	opts.Conversation = convID
	messages = e.History.Decode(opts)[convID]

	if err := fileutils.WriteLinesAtomic(path, messages, 0o644); err != nil {
		return nil, false, fmt.Errorf("LoadOrDecode: write conversation %d: %w", convID, err)
	}
	e.Metrics.MessagesExtracted(len(messages))
	return messages, false, nil
}
