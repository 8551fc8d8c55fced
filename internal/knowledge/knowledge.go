// ABOUTME: File-backed knowledge base with keyword scoring search
// ABOUTME: Lists, reads and ranks .txt and .md documents in a single directory

package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Defaults used when a Base is built with zero options.
const (
	DefaultMaxResults   = 3
	DefaultSnippetChars = 1000
)

// NoResultsText is what Format returns for an empty result set.
const NoResultsText = "No relevant documents found in the knowledge base."

// Scoring weights.
const (
	filenameWeight = 10
	contentWeight  = 1
)

// ErrInvalidName is returned when a document name would escape the directory.
var ErrInvalidName = errors.New("invalid document name")

// ErrDocumentNotFound is returned when a named document doesn't exist.
var ErrDocumentNotFound = errors.New("document not found")

// Result is one ranked document match.
type Result struct {
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
	Score   int    `json:"score"`
}

// Options tunes search output.
type Options struct {
	MaxResults   int
	SnippetChars int
}

// Base is a directory of plain text and markdown documents.
type Base struct {
	dir    string
	opts   Options
	logger *slog.Logger
}

// New creates a Base rooted at dir. A missing directory is not an error;
// it simply contains no documents.
func New(dir string, opts Options, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = DefaultSnippetChars
	}
	return &Base{
		dir:    dir,
		opts:   opts,
		logger: logger.With("component", "knowledge"),
	}
}

// Dir returns the document directory.
func (b *Base) Dir() string {
	return b.dir
}

// ListFiles returns the names of the searchable documents, sorted.
func (b *Base) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading knowledge directory: %w", err)
	}

	names := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if isDocument(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile returns the plain text of the named document. Markdown is
// flattened to text. Names that resolve outside the directory are refused.
func (b *Base) ReadFile(name string) (string, error) {
	path, err := b.resolve(name)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrDocumentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}

	if isMarkdown(name) {
		return MarkdownToText(data), nil
	}
	return string(data), nil
}

func (b *Base) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !isDocument(name) {
		return "", fmt.Errorf("%w: %q is not a document", ErrInvalidName, name)
	}

	root, err := filepath.Abs(b.dir)
	if err != nil {
		return "", fmt.Errorf("resolving knowledge directory: %w", err)
	}
	path := filepath.Join(root, name)

	// Symlinks may still point elsewhere
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		realRoot, rerr := filepath.EvalSymlinks(root)
		if rerr != nil {
			realRoot = root
		}
		rel, err := filepath.Rel(realRoot, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q resolves outside the knowledge directory", ErrInvalidName, name)
		}
		return resolved, nil
	}
	return path, nil
}

// Search ranks documents against the whitespace-separated words of query.
// Each word found in the filename scores 10; each occurrence of a word in the
// content scores 1. Documents scoring zero are dropped. Ties are broken by
// source name. A limit <= 0 uses the configured maximum.
func (b *Base) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = b.opts.MaxResults
	}

	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return []Result{}, nil
	}

	names, err := b.ListFiles()
	if err != nil {
		return nil, err
	}

	results := []Result{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := b.ReadFile(name)
		if err != nil {
			b.logger.Warn("skipping unreadable document", "file", name, "error", err)
			continue
		}

		score := scoreDocument(words, name, content)
		if score == 0 {
			continue
		}
		results = append(results, Result{
			Source:  name,
			Snippet: truncate(content, b.opts.SnippetChars),
			Score:   score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Source < results[j].Source
	})
	if len(results) > limit {
		results = results[:limit]
	}

	b.logger.Debug("knowledge search", "query", query, "matches", len(results))
	return results, nil
}

// Format renders results as the text block handed back to the model.
func Format(results []Result) string {
	if len(results) == 0 {
		return NoResultsText
	}
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, fmt.Sprintf("=== %s ===\n%s", r.Source, r.Snippet))
	}
	return strings.Join(blocks, "\n\n")
}

func scoreDocument(words []string, name, content string) int {
	nameLower := strings.ToLower(name)
	contentLower := strings.ToLower(content)

	score := 0
	for _, w := range words {
		if strings.Contains(nameLower, w) {
			score += filenameWeight
		}
		score += contentWeight * strings.Count(contentLower, w)
	}
	return score
}

// truncate cuts s to n runes, appending "..." when anything was removed.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func isDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}

func isMarkdown(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".markdown"
}
