package migration

import (
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/theimaginaryfoundation/memory-migrate/migration/fileutils"
	"github.com/tidwall/gjson"
)

// maxSessionsPerConversation bounds the session_N scan for a single conversation.
const maxSessionsPerConversation = 9998

var ErrNotAnArray = errors.New("chat history is not a JSON array of sections")

// ConversationStore maps a 1-based conversation id to its ordered items (messages or summaries).
type ConversationStore map[int][]string

// IDs returns the conversation ids in ascending order.
func (s ConversationStore) IDs() []int {
	return slices.Sorted(maps.Keys(s))
}

// TotalItems counts items across all conversations.
func (s ConversationStore) TotalItems() int {
	n := 0
	for _, items := range s {
		n += len(items)
	}
	return n
}

// ChatHistory is a parsed LoCoMo-style export: a JSON array of sections, some of which carry a
// "conversation" object with session_N / session_N_date_time keys.
type ChatHistory struct {
	// Name is the base filename without extension; it keys cache artifacts.
	Name string

	sections []gjson.Result
}

// LoadChatHistory reads and parses the document at path.
func LoadChatHistory(path string) (*ChatHistory, error) {
	if path == "" {
		return nil, errors.New("LoadChatHistory: path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadChatHistory: read file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	h, err := NewChatHistory(name, b)
	if err != nil {
		return nil, fmt.Errorf("LoadChatHistory: %s: %w", path, err)
	}
	return h, nil
}

// NewChatHistory parses an in-memory document.
func NewChatHistory(name string, data []byte) (*ChatHistory, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, ErrNotAnArray
	}
	return &ChatHistory{Name: name, sections: root.Array()}, nil
}

// CountConversations returns how many sections expose a "conversation" field.
func (h *ChatHistory) CountConversations() int {
	n := 0
	for _, section := range h.sections {
		if conversationOf(section).Exists() {
			n++
		}
	}
	return n
}

// DecodeOptions filter what Decode extracts.
type DecodeOptions struct {
	// StartTime, when non-zero, abandons the rest of a conversation at the first session older than it.
	StartTime int64

	// Conversation selects a single 1-based conversation id; 0 decodes all of them.
	Conversation int

	// MaxMessages stops decoding once this many messages were extracted in total; 0 is unlimited.
	MaxMessages int

	// Location is used to interpret session date strings (defaults to time.Local).
	Location *time.Location

	// Logger receives verbose decode tracing; nil discards it.
	Logger *log.Logger
}

// Decode walks conversations in document order and returns the extracted messages per conversation id.
//
// Sessions are visited session_1, session_2, ... until a key is missing. A session whose date is older
// than StartTime ends its conversation: sessions are assumed to be chronologically non-decreasing, so
// later sessions of an out-of-order conversation are dropped. Reaching MaxMessages stops everything,
// including the rest of the current session, so trailing conversations may be absent from the result.
func (h *ChatHistory) Decode(opts DecodeOptions) ConversationStore {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	out := make(ConversationStore)
	total := 0
	convID := 0

sections:
	for _, section := range h.sections {
		conv := conversationOf(section)
		if !conv.Exists() {
			continue
		}
		convID++
		if opts.Conversation != 0 && convID != opts.Conversation {
			continue
		}

		messages := []string{}
		for num := 1; num <= maxSessionsPerConversation; num++ {
			sessionKey := fmt.Sprintf("session_%d", num)
			session := conv.Get(sessionKey)
			if !session.Exists() {
				break
			}

			dateStr := conv.Get(sessionKey + "_date_time").String()
			if sessionTime, ok := ParseSessionTime(dateStr, loc); ok {
				if opts.StartTime != 0 && CompareTimestamps(opts.StartTime, sessionTime.Unix()) > 0 {
					logger.Printf("skipping old conversation %d session %d time=%s", convID, num, FormatTimestamp(sessionTime.Unix()))
					break
				}
			} else {
				logger.Printf("cannot read timestamp of conversation %d session %d date=%q", convID, num, dateStr)
			}

			limitReached := false
			session.ForEach(func(_, entry gjson.Result) bool {
				text := entry.Get("text")
				if !entry.IsObject() || !text.Exists() {
					return true
				}
				line := fileutils.FlattenNewlines(text.String())
				if line == "" {
					return true
				}
				messages = append(messages, line)
				total++
				if opts.MaxMessages > 0 && total >= opts.MaxMessages {
					limitReached = true
					return false
				}
				return true
			})
			if limitReached {
				out[convID] = messages
				logger.Printf("processed max messages=%d", total)
				break sections
			}
		}
		out[convID] = messages
	}
	return out
}

func conversationOf(section gjson.Result) gjson.Result {
	if !section.IsObject() {
		return gjson.Result{}
	}
	return section.Get("conversation")
}
