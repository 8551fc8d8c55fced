// ABOUTME: The knowledge command: lists the document directory and runs searches locally
// ABOUTME: Uses the same scoring and formatting the model sees through the search tool

package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/qna-gateway/internal/knowledge"
)

type knowledgeCommander struct {
	root  *rootOptions
	dir   string
	limit int
}

func newKnowledgeCmd(opts *rootOptions) *cobra.Command {
	cmder := &knowledgeCommander{root: opts}

	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect the knowledge base",
	}
	cmd.PersistentFlags().StringVar(&cmder.dir, "dir", "", "Documents directory (overrides the config file)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the documents in the knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.runList(cmd.OutOrStdout())
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Long: `Search the knowledge base the same way the search_knowledge_base tool does.

Examples:
  qna-gateway knowledge search "refund window"
  qna-gateway knowledge search --limit 5 --dir ./docs shipping`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.runSearch(cmd, strings.Join(args, " "))
		},
	}
	search.Flags().IntVarP(&cmder.limit, "limit", "n", 0, "Maximum number of results (default from config)")

	cmd.AddCommand(list, search)
	return cmd
}

// base opens the knowledge base from --dir, or from the config file.
func (c *knowledgeCommander) base() (*knowledge.Base, int, error) {
	logger := slog.New(slog.DiscardHandler)
	if c.dir != "" {
		return knowledge.New(c.dir, knowledge.Options{}, logger), knowledge.DefaultMaxResults, nil
	}
	cfg, _, err := loadConfig(c.root)
	if err != nil {
		return nil, 0, err
	}
	kb := knowledge.New(cfg.Knowledge.Dir, knowledge.Options{
		MaxResults:   cfg.Knowledge.MaxResults,
		SnippetChars: cfg.Knowledge.SnippetChars,
	}, logger)
	return kb, cfg.Knowledge.MaxResults, nil
}

func (c *knowledgeCommander) runList(out io.Writer) error {
	kb, _, err := c.base()
	if err != nil {
		return err
	}
	files, err := kb.ListFiles()
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}

	if len(files) == 0 {
		fmt.Fprintf(out, "No documents in %s\n", kb.Dir())
		return nil
	}
	for _, f := range files {
		fmt.Fprintln(out, f)
	}
	return nil
}

func (c *knowledgeCommander) runSearch(cmd *cobra.Command, query string) error {
	kb, limit, err := c.base()
	if err != nil {
		return err
	}
	if c.limit > 0 {
		limit = c.limit
	}

	results, err := kb.Search(cmd.Context(), query, limit)
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, knowledge.NoResultsText)
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, r := range results {
		gray.Fprintf(out, "score %d  ", r.Score)
		fmt.Fprintln(out, r.Source)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, knowledge.Format(results))
	return nil
}
