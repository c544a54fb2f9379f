package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "MEMORY_MIGRATE"

const chatTypeLocomo = "locomo"

type Config struct {
	BaseURL     string
	SessionFile string
	ChatHistory string
	ChatType    string
	ExtractDir  string

	Summarize      bool
	SummarizeEvery int
	Concurrency    int

	// StartTime is epoch seconds (or milliseconds) or YYYY-MM-DDTHH:MM:SS local time; empty disables it.
	StartTime   string
	MaxMessages int

	APIKeyFile string
	APIKey     string
	Model      string

	MetricsFile string
	ReportPath  string
	Verbose     bool
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("missing --base-url")
	}
	if c.SessionFile == "" {
		return errors.New("missing --session-file")
	}
	if c.ChatHistory == "" {
		return errors.New("missing --chat-history")
	}
	if err := validateChatType(c.ChatType); err != nil {
		return err
	}
	if c.ExtractDir == "" {
		return errors.New("missing --extract-dir")
	}
	if c.SummarizeEvery <= 0 {
		return errors.New("summarize-every must be > 0")
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if c.MaxMessages < 0 {
		return errors.New("max-messages must be >= 0")
	}
	if c.Summarize && c.Model == "" {
		return errors.New("missing --model")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:8080",
		SessionFile:    "user_session.json",
		ChatHistory:    "data/locomo10.json",
		ChatType:       chatTypeLocomo,
		ExtractDir:     "extracted",
		SummarizeEvery: 20,
		Concurrency:    10,
		APIKeyFile:     "api_key.json",
		Model:          "gpt-4o-mini",
	}
}

type ExtractConfig struct {
	InFile       string
	OutFile      string
	StartTime    string
	MaxMessages  int
	Conversation int
	Src          string
	Verbose      bool
}

func (c ExtractConfig) Validate() error {
	if c.InFile == "" {
		return errors.New("must specify --infile")
	}
	if err := validateChatType(c.Src); err != nil {
		return err
	}
	if c.MaxMessages < 0 {
		return errors.New("max-messages must be >= 0")
	}
	if c.Conversation < 0 {
		return errors.New("conversation must be >= 0")
	}
	return nil
}

func defaultExtractConfig() ExtractConfig {
	return ExtractConfig{Src: chatTypeLocomo}
}

func validateChatType(t string) error {
	if strings.ToLower(t) != chatTypeLocomo {
		return fmt.Errorf("unsupported chat type %q (only %q is supported)", t, chatTypeLocomo)
	}
	return nil
}

// newViper layers flags over MEMORY_MIGRATE_* env vars over an optional --config file. Flags set on the
// command line win; env and file values fill in the rest; defaults come from the flag definitions.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func bindMigrateFlags(cmd *cobra.Command) {
	cfg := defaultConfig()
	f := cmd.Flags()
	f.String("base-url", cfg.BaseURL, "Base URL of the episodic memory store")
	f.String("session-file", cfg.SessionFile, "User session JSON file")
	f.String("chat-history", cfg.ChatHistory, "Chat history file")
	f.String("chat-type", cfg.ChatType, "Chat history format (locomo)")
	f.String("extract-dir", cfg.ExtractDir, "Directory for extracted and summarized artifacts")
	f.Bool("summarize", cfg.Summarize, "Deliver summaries of message batches instead of raw messages")
	f.Int("summarize-every", cfg.SummarizeEvery, "Messages per summarization batch")
	f.Int("concurrency", cfg.Concurrency, "Conversations delivered concurrently")
	f.String("start-time", cfg.StartTime, "Skip sessions before this time (epoch seconds or YYYY-MM-DDTHH:MM:SS)")
	f.Int("max-messages", cfg.MaxMessages, "Read at most this many messages per conversation (0 = unlimited)")
	f.String("api-key-file", cfg.APIKeyFile, `JSON file holding {"api_key": "..."}`)
	f.String("api-key", cfg.APIKey, "OpenAI API key (overrides --api-key-file and OPENAI_API_KEY)")
	f.String("model", cfg.Model, "OpenAI model used for summarization")
	f.String("metrics-file", cfg.MetricsFile, "Optional path to write Prometheus metrics in text format")
	f.String("report", cfg.ReportPath, "Optional path to write a per-conversation JSONL run report")
	f.BoolP("verbose", "v", cfg.Verbose, "Log decode details")
}

func loadConfig(v *viper.Viper) Config {
	return Config{
		BaseURL:        strings.TrimSpace(v.GetString("base-url")),
		SessionFile:    v.GetString("session-file"),
		ChatHistory:    v.GetString("chat-history"),
		ChatType:       v.GetString("chat-type"),
		ExtractDir:     v.GetString("extract-dir"),
		Summarize:      v.GetBool("summarize"),
		SummarizeEvery: v.GetInt("summarize-every"),
		Concurrency:    v.GetInt("concurrency"),
		StartTime:      strings.TrimSpace(v.GetString("start-time")),
		MaxMessages:    v.GetInt("max-messages"),
		APIKeyFile:     v.GetString("api-key-file"),
		APIKey:         v.GetString("api-key"),
		Model:          v.GetString("model"),
		MetricsFile:    v.GetString("metrics-file"),
		ReportPath:     v.GetString("report"),
		Verbose:        v.GetBool("verbose"),
	}
}

func bindExtractFlags(cmd *cobra.Command) {
	cfg := defaultExtractConfig()
	f := cmd.Flags()
	f.StringP("infile", "i", cfg.InFile, "Input chat history")
	f.StringP("outfile", "o", cfg.OutFile, "Output file, one message per line (default stdout)")
	f.StringP("start-time", "t", cfg.StartTime, "Only read sessions at or after this time (epoch seconds or YYYY-MM-DDTHH:MM:SS)")
	f.IntP("max-messages", "n", cfg.MaxMessages, "Only read this many messages in total (0 = unlimited)")
	f.Int("conversation", cfg.Conversation, "Load only this 1-based conversation (0 = all)")
	f.String("src", cfg.Src, "Input file format (locomo)")
	f.BoolP("verbose", "v", cfg.Verbose, "Print decode details to stderr")
}

func loadExtractConfig(v *viper.Viper) ExtractConfig {
	return ExtractConfig{
		InFile:       v.GetString("infile"),
		OutFile:      v.GetString("outfile"),
		StartTime:    strings.TrimSpace(v.GetString("start-time")),
		MaxMessages:  v.GetInt("max-messages"),
		Conversation: v.GetInt("conversation"),
		Src:          v.GetString("src"),
		Verbose:      v.GetBool("verbose"),
	}
}
