package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chronicle/studio/internal/config"
	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/gitrepo"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/logging"
	"chronicle/studio/internal/metrics"
	"chronicle/studio/internal/timeline"
)

// missingArg stands for a side that does not exist.
const missingArg = "none"

type rootOptions struct {
	configPath    string
	reposDir      string
	arrayMatching string
	format        string
	cfg           config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "docdiff",
		Short:         "Structural diffs of JSON documents and their chunk history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := logging.Setup("warn", "console"); err != nil {
				return err
			}
			if !cmd.Flags().Changed("repos") {
				opts.reposDir = cfg.Git.Dir
			}
			if !cmd.Flags().Changed("array-matching") {
				opts.arrayMatching = cfg.Diff.Arrays
			}
			cfg.Diff.Arrays = opts.arrayMatching
			if _, err := cfg.ArrayMatching(); err != nil {
				return err
			}
			switch opts.format {
			case "text", "json", "yaml":
			default:
				return fmt.Errorf("unknown output format %q", opts.format)
			}
			opts.cfg = cfg
			return nil
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "TOML config file (defaults to ./studio.toml when present)")
	flags.StringVar(&opts.reposDir, "repos", "./data/repos", "Directory holding one git repository per document")
	flags.StringVar(&opts.arrayMatching, "array-matching", "positional", "Pairing of unkeyed array items (positional, content)")
	flags.StringVarP(&opts.format, "format", "f", "text", "Output format (text, json, yaml)")

	cmd.AddCommand(
		newCompareCommand(opts),
		newCommitCommand(opts),
		newPublishCommand(opts),
		newLogCommand(opts),
		newShowCommand(opts),
	)
	return cmd
}

func newCompareCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <from> <to>",
		Short: "Diff two JSON or YAML documents",
		Long: `Diff two JSON or YAML documents. Pass "none" for a side that does not
exist: the other side is then reported as added or removed as a whole.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := readDocument(args[0])
			if err != nil {
				return err
			}
			to, err := readDocument(args[1])
			if err != nil {
				return err
			}
			result, err := diff.Compute(from, to, opts.cfg.DiffOptions()...)
			if err != nil {
				return err
			}
			metrics.DiffsComputed.WithLabelValues("cli").Inc()
			return writeResult(cmd, opts.format, result)
		},
	}
}

func newCommitCommand(opts *rootOptions) *cobra.Command {
	var (
		author  string
		message string
	)
	cmd := &cobra.Command{
		Use:   "commit <document> <file>",
		Short: "Record the content of file as the next chunk of a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readDocument(args[1])
			if err != nil {
				return err
			}
			svc := gitrepo.New(opts.reposDir)
			if err := svc.EnsureDocumentRepo(args[0]); err != nil {
				return err
			}
			chunk, err := svc.CommitChunk(args[0], gitrepo.ChunkInput{AuthorID: author, Message: message, Content: content})
			if err != nil {
				return err
			}
			return writeChunks(cmd, opts.format, []timeline.Chunk{chunk})
		},
	}
	cmd.Flags().StringVar(&author, "author", os.Getenv("USER"), "Author id recorded on the chunk")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit summary")
	return cmd
}

func newPublishCommand(opts *rootOptions) *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "publish <document>",
		Short: "Publish the latest chunk of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			publication, err := gitrepo.New(opts.reposDir).Publish(args[0], author)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s (%s)\n", publication.ChunkID, publication.Hash[:7])
			return nil
		},
	}
	cmd.Flags().StringVar(&author, "author", os.Getenv("USER"), "Author id recorded on the publication")
	return cmd
}

func newLogCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <document>",
		Short: "List the chunks of a document, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunks, err := gitrepo.New(opts.reposDir).LoadChunks(cmd.Context(), args[0], 0, limit)
			if err != nil {
				return err
			}
			return writeChunks(cmd, opts.format, chunks)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the newest n chunks (0 for all)")
	return cmd
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	var (
		since  string
		rev    string
		window int
	)
	cmd := &cobra.Command{
		Use:   "show <document>",
		Short: "Show the published-to-current diff, or the diff since or of a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := history.Closed
			switch {
			case since != "" && rev != "":
				return fmt.Errorf("--since and --rev are mutually exclusive")
			case since != "":
				sel = sel.SelectSince(since)
			case rev != "":
				sel = sel.SelectRevision(rev)
			}
			result, err := showDocument(cmd.Context(), gitrepo.New(opts.reposDir), args[0], sel, window, opts.cfg.DiffOptions())
			if err != nil {
				return err
			}
			metrics.DiffsComputed.WithLabelValues("cli").Inc()
			return writeResult(cmd, opts.format, result)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Diff from the state before this chunk to the current document")
	cmd.Flags().StringVar(&rev, "rev", "", "Diff introduced by this chunk alone")
	cmd.Flags().IntVar(&window, "window", 0, "Load only the newest n chunks (0 for all)")
	return cmd
}

func showDocument(ctx context.Context, svc *gitrepo.Service, documentID string, sel history.Selection, window int, opts []diff.Option) (diff.Diff, error) {
	chunks, err := svc.LoadChunks(ctx, documentID, 0, window)
	if err != nil {
		return nil, err
	}
	tl := timeline.New()
	if err := tl.PrependPage(chunks); err != nil {
		return nil, err
	}
	_, result, err := history.NewResolver(svc, opts...).Compare(ctx, documentID, sel, tl)
	return result, err
}

// readDocument parses a JSON or YAML file into plain JSON values. YAML is
// picked by extension.
func readDocument(path string) (diff.Value, error) {
	if path == missingArg {
		return diff.Missing, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var value any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		// Round-trip through JSON so numbers and maps match JSON input.
		normalized, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", path, err)
		}
		if err := json.Unmarshal(normalized, &value); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return value, nil
}
