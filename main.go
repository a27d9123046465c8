package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/standards-lab/ietfdata/archive"
	"github.com/standards-lab/ietfdata/config"
	"github.com/standards-lab/ietfdata/datatracker"
	"github.com/standards-lab/ietfdata/imapx"
	"github.com/standards-lab/ietfdata/mboxout"
	"github.com/standards-lab/ietfdata/progress"
	"github.com/standards-lab/ietfdata/rfcindex"
	"github.com/standards-lab/ietfdata/stats"
	"github.com/standards-lab/ietfdata/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ietfdata",
		Short:         "Cache and query IETF mailing lists, datatracker metadata, and the RFC index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(
		newListsCmd(),
		newSyncCmd(),
		newResolveCmd(),
		newExportCmd(),
		newPersonCmd(),
		newRFCCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config and builds the logger shared by all subcommands.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}

// openArchive wires the cache store and IMAP dialer into an archive handle.
func openArchive(cfg config.Config, logger *slog.Logger, opts archive.Options) (*archive.Archive, *store.SQLite, error) {
	if dir := filepath.Dir(cfg.CachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	cache, err := store.Open(cfg.CachePath)
	if err != nil {
		return nil, nil, err
	}

	dialer, err := imapx.NewClient(imapx.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Logger:             logger,
	})
	if err != nil {
		_ = cache.Close()
		return nil, nil, err
	}

	opts.Dialer = dialer
	opts.Messages = cache
	opts.Blobs = cache
	opts.Logger = logger

	arch, err := archive.New(opts)
	if err != nil {
		_ = cache.Close()
		return nil, nil, err
	}
	return arch, cache, nil
}

func newListsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lists",
		Short: "Enumerate the mailing lists the archive server exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			arch, cache, err := openArchive(cfg, logger, archive.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			names, err := arch.MailingListNames(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync [list...]",
		Short: "Synchronize mailing lists into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one list or pass --all")
			}

			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			reporter := stats.NewReporter(logger)
			bar := progress.New(cfg.LogLevel)
			defer bar.Stop()

			opts := archive.Options{Events: reporter.Sink()}
			if all {
				opts.Progress = bar.Hook()
			}

			arch, cache, err := openArchive(cfg, logger, opts)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			ctx := cmd.Context()
			if all {
				if _, err := arch.SyncAll(ctx); err != nil {
					return err
				}
				reporter.Log()
				return nil
			}

			for _, name := range args {
				ml, err := arch.MailingList(ctx, name)
				if err != nil {
					return err
				}
				added, err := ml.Sync(ctx)
				if err != nil {
					return err
				}
				logger.Info("list synchronized",
					"list", name, "messages", ml.NumMessages(), "new", len(added))
			}
			reporter.Log()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Synchronize every list on the server (large download)")
	return cmd
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <archive-url>",
		Short: "Resolve an archive permalink to its cached message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			arch, cache, err := openArchive(cfg, logger, archive.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			msg, err := arch.MessageFromArchiveURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("List:       %s\n", msg.ListName)
			fmt.Printf("Sequence:   %d\n", msg.UID)
			fmt.Printf("From:       %s\n", msg.From())
			fmt.Printf("Subject:    %s\n", msg.Subject())
			if !msg.Timestamp.IsZero() {
				fmt.Printf("Date:       %s\n", msg.Timestamp.Format(time.RFC1123Z))
			}
			fmt.Printf("Message-Id: %s\n", msg.MessageID())
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <list> <file.mbox>",
		Short: "Export a cached mailing list as an mbox file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			arch, cache, err := openArchive(cfg, logger, archive.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			ml, err := arch.MailingList(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			file, err := os.Create(args[1])
			if err != nil {
				return fmt.Errorf("create mbox file: %w", err)
			}

			written, err := mboxout.Export(cmd.Context(), file, ml)
			if err != nil {
				_ = file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("close mbox file: %w", err)
			}
			logger.Info("export complete", "list", args[0], "messages", written, "file", args[1])
			return nil
		},
	}
}

func newPersonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "person <email>",
		Short: "Look up a person in the datatracker by email address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			client := datatracker.New(datatracker.Options{
				BaseURL: cfg.DatatrackerURL,
				Logger:  logger,
			})
			person, err := client.PersonFromEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Name:     %s\n", person.Name)
			fmt.Printf("ID:       %d\n", person.ID)
			fmt.Printf("Resource: %s\n", person.ResourceURI)
			if person.Biography != "" {
				fmt.Printf("Bio:      %s\n", person.Biography)
			}
			return nil
		},
	}
}

func newRFCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rfc <rfc-index.xml> <doc-id>",
		Short: "Look up an RFC entry in a local rfc-index.xml",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := rfcindex.ParseFile(args[0])
			if err != nil {
				return err
			}
			rfc, ok := index.RFC(args[1])
			if !ok {
				return fmt.Errorf("no entry for %s", args[1])
			}
			fmt.Printf("Doc-Id:  %s\n", rfc.DocID)
			fmt.Printf("Title:   %s\n", rfc.Title)
			fmt.Printf("Status:  %s\n", rfc.CurrentStatus)
			fmt.Printf("Date:    %s %d\n", rfc.Date.Month, rfc.Date.Year)
			for _, author := range rfc.Authors {
				fmt.Printf("Author:  %s\n", author)
			}
			if rfc.Abstract != "" {
				fmt.Printf("\n%s\n", rfc.Abstract)
			}
			return nil
		},
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}
		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("ietfdata-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}
		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error { return file.Close() }
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
