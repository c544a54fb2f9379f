package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"time"

	"github.com/theimaginaryfoundation/memory-migrate/migration"
	"github.com/theimaginaryfoundation/memory-migrate/migration/fileutils"
)

func runExtract(cfg ExtractConfig, stdout, stderr io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return asConfigError(err)
	}
	var startTime int64
	if cfg.StartTime != "" {
		ts, err := migration.ParseStartTime(cfg.StartTime, time.Local)
		if err != nil {
			return asConfigError(err)
		}
		startTime = ts
	}

	history, err := migration.LoadChatHistory(cfg.InFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return asConfigError(err)
		}
		return err
	}

	opts := migration.DecodeOptions{
		StartTime:    startTime,
		Conversation: cfg.Conversation,
		MaxMessages:  cfg.MaxMessages,
		Location:     time.Local,
	}
	if cfg.Verbose {
		opts.Logger = log.New(stderr, "", 0)
	}
	store := history.Decode(opts)

	var lines []string
	for _, id := range store.IDs() {
		lines = append(lines, store[id]...)
	}

	if cfg.OutFile == "" {
		for _, line := range lines {
			if _, err := fmt.Fprintln(stdout, line); err != nil {
				return err
			}
		}
		return nil
	}
	if err := fileutils.WriteLinesAtomic(cfg.OutFile, lines, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", cfg.OutFile, err)
	}
	fmt.Fprintf(stderr, "conversations=%d messages=%d out=%s\n", len(store), len(lines), cfg.OutFile)
	return nil
}
