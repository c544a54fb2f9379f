package memstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/theimaginaryfoundation/memory-migrate/migration/fileutils"
)

const (
	memoriesPath   = "/v1/memories"
	episodeType    = "message"
	defaultTimeout = 30 * time.Second
)

// Client posts episodic memories to the memory store REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	session    Session
	httpClient *http.Client
	runID      string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithRunID stamps every memory's metadata with id instead of a generated one.
func WithRunID(id string) Option {
	return func(cl *Client) {
		if id != "" {
			cl.runID = id
		}
	}
}

func NewClient(baseURL string, session Session, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("NewClient: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("NewClient: base url %q must be http or https", baseURL)
	}
	if session.Raw() == "" {
		return nil, errors.New("NewClient: session is empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		session:    session,
		httpClient: &http.Client{Timeout: defaultTimeout},
		runID:      uuid.NewString(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// RunID identifies this migration run in memory metadata.
func (c *Client) RunID() string { return c.runID }

// PostEpisodicMemory stores content as one episode of sessionID. Any non-2xx response is an error.
func (c *Client) PostEpisodicMemory(ctx context.Context, content, sessionID string) error {
	body, err := c.episodeBody(content, sessionID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+memoriesPath, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PostEpisodicMemory: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("PostEpisodicMemory: %s: %s", resp.Status, fileutils.Truncate(string(b), 300))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) episodeBody(content, sessionID string) (string, error) {
	session, err := sjson.Set(c.session.Raw(), "session_id", sessionID)
	if err != nil {
		return "", fmt.Errorf("episodeBody: set session id: %w", err)
	}
	body, err := sjson.SetRaw(`{}`, "session", session)
	if err != nil {
		return "", fmt.Errorf("episodeBody: set session: %w", err)
	}
	fields := []struct {
		path  string
		value any
	}{
		{"producer", c.session.UserID()},
		{"produced_for", c.session.AgentID()},
		{"episode_content", content},
		{"episode_type", episodeType},
		{"metadata.migration_run_id", c.runID},
	}
	for _, f := range fields {
		body, err = sjson.Set(body, f.path, f.value)
		if err != nil {
			return "", fmt.Errorf("episodeBody: set %s: %w", f.path, err)
		}
	}
	return body, nil
}
