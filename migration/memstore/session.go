package memstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tidwall/gjson"
)

var ErrMissingSession = errors.New("user session file not found")

// Session is the user session JSON object sent with every memory. It is kept raw so fields this client
// does not know about are passed through untouched.
type Session struct {
	raw string
}

// LoadSession reads a user session file, which must hold a JSON object.
func LoadSession(path string) (Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Session{}, fmt.Errorf("%w: %s", ErrMissingSession, path)
		}
		return Session{}, fmt.Errorf("LoadSession: %w", err)
	}
	s, err := ParseSession(b)
	if err != nil {
		return Session{}, fmt.Errorf("LoadSession: %s: %w", path, err)
	}
	return s, nil
}

// ParseSession validates data as a JSON object.
func ParseSession(data []byte) (Session, error) {
	if !gjson.ValidBytes(data) {
		return Session{}, errors.New("session is not valid JSON")
	}
	if !gjson.ParseBytes(data).IsObject() {
		return Session{}, errors.New("session is not a JSON object")
	}
	return Session{raw: string(data)}, nil
}

// Raw returns the session JSON as loaded.
func (s Session) Raw() string { return s.raw }

// UserID is the first user id, whether the file stores a single id or a list.
func (s Session) UserID() string { return firstString(s.raw, "user_id") }

// AgentID is the first agent id, whether the file stores a single id or a list.
func (s Session) AgentID() string { return firstString(s.raw, "agent_id") }

func firstString(raw, path string) string {
	v := gjson.Get(raw, path)
	if v.IsArray() {
		return v.Get("0").String()
	}
	return v.String()
}
