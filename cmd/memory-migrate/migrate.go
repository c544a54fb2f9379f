package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"time"

	"github.com/theimaginaryfoundation/memory-migrate/migration"
	"github.com/theimaginaryfoundation/memory-migrate/migration/memstore"
	"github.com/theimaginaryfoundation/memory-migrate/migration/provider"
	"github.com/theimaginaryfoundation/memory-migrate/migration/telemetry"
)

// newSummarizer is replaced in tests.
var newSummarizer = func(cfg Config) (migration.Summarizer, error) {
	apiKey, err := provider.ResolveAPIKey(cfg.APIKey, cfg.APIKeyFile)
	if err != nil {
		return nil, err
	}
	s, err := provider.NewOpenAISummarizer(apiKey, provider.WithModel(cfg.Model))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func runMigrate(ctx context.Context, cfg Config, stdout, stderr io.Writer) error {
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

	session, err := memstore.LoadSession(cfg.SessionFile)
	if err != nil {
		return asConfigError(err)
	}

	var summarizer migration.Summarizer
	if cfg.Summarize {
		summarizer, err = newSummarizer(cfg)
		if err != nil {
			return asConfigError(err)
		}
	}

	history, err := migration.LoadChatHistory(cfg.ChatHistory)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, migration.ErrNotAnArray) {
			return asConfigError(err)
		}
		return err
	}

	client, err := memstore.NewClient(cfg.BaseURL, session)
	if err != nil {
		return asConfigError(err)
	}

	logger := log.New(stderr, "", log.LstdFlags)
	metrics := telemetry.New()
	m, err := migration.NewMigrator(migration.MigratorConfig{
		History:    history,
		Store:      client,
		Summarizer: summarizer,
		Options: migration.MigratorOptions{
			ExtractDir:     cfg.ExtractDir,
			Summarize:      cfg.Summarize,
			SummarizeEvery: cfg.SummarizeEvery,
			Concurrency:    cfg.Concurrency,
			StartTime:      startTime,
			MaxMessages:    cfg.MaxMessages,
			Location:       time.Local,
			Verbose:        cfg.Verbose,
		},
		Logger:   logger,
		Metrics:  metrics,
		Progress: progressPrinter(stderr),
	})
	if err != nil {
		return asConfigError(err)
	}

	logger.Printf("== Run %s: %s -> %s", client.RunID(), cfg.ChatHistory, cfg.BaseURL)
	res, runErr := m.Migrate(ctx)

	if cfg.ReportPath != "" {
		if err := migration.WriteReport(cfg.ReportPath, migration.BuildReportRecords(res)); err != nil {
			logger.Printf("Error writing report %s: %v", cfg.ReportPath, err)
		}
	}
	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Printf("Error writing metrics %s: %v", cfg.MetricsFile, err)
		}
	}

	fmt.Fprintf(stdout, "run_id=%s conversations=%d messages=%d summaries=%d delivered=%d failed=%d\n",
		client.RunID(), res.Conversations, res.Messages, res.Summaries, res.Insert.Delivered, len(res.Insert.Failed()))
	if runErr != nil {
		return runErr
	}
	logger.Printf("== All completed successfully")
	return nil
}

// progressPrinter renders one line per finished conversation.
func progressPrinter(w io.Writer) migration.ProgressFunc {
	return func(ev migration.ProgressEvent) {
		if ev.Kind != migration.ConversationDone {
			return
		}
		if ev.Err != nil {
			fmt.Fprintf(w, "failed conv %d (%d/%d msgs) [%d/%d]\n", ev.ConversationID, ev.Delivered, ev.Items, ev.Completed, ev.Total)
			return
		}
		fmt.Fprintf(w, "completed conv %d (%d msgs) [%d/%d]\n", ev.ConversationID, ev.Delivered, ev.Completed, ev.Total)
	}
}
