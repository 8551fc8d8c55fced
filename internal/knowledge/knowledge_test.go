// ABOUTME: Tests for knowledge base listing, reading, scoring and formatting
// ABOUTME: Uses temporary directories populated with small documents

package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDocs(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestListFiles(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"b.txt":     "b",
		"a.md":      "# a",
		"image.png": "not text",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.txt"), 0755))

	kb := New(dir, Options{}, nil)
	names, err := kb.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.txt"}, names)
}

func TestListFiles_MissingDirectory(t *testing.T) {
	kb := New(filepath.Join(t.TempDir(), "nope"), Options{}, nil)
	names, err := kb.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReadFile_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "kb")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0644))

	kb := New(dir, Options{}, nil)
	for _, name := range []string{"../secret.txt", "..", "", "sub/x.txt", "/etc/passwd"} {
		_, err := kb.ReadFile(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestReadFile_RejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "kb")
	require.NoError(t, os.Mkdir(dir, 0755))
	secret := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0644))
	if err := os.Symlink(secret, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	kb := New(dir, Options{}, nil)
	_, err := kb.ReadFile("link.txt")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestReadFile_Missing(t *testing.T) {
	kb := New(t.TempDir(), Options{}, nil)
	_, err := kb.ReadFile("ghost.txt")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestSearch_Scoring(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"vacation_policy.txt": "Employees get 20 days of paid leave.",
		"benefits.txt":        "Vacation accrues monthly. Vacation can roll over. vacation!",
		"security.txt":        "Badges must be worn at all times.",
	})
	kb := New(dir, Options{}, nil)

	results, err := kb.Search(context.Background(), "Vacation", 0)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// filename hit (10) beats three content hits (3)
	assert.Equal(t, "vacation_policy.txt", results[0].Source)
	assert.Equal(t, 10, results[0].Score)
	assert.Equal(t, "benefits.txt", results[1].Source)
	assert.Equal(t, 3, results[1].Score)
}

func TestSearch_MultipleWordsAccumulate(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"leave.txt": "sick leave and parental leave",
	})
	kb := New(dir, Options{}, nil)

	results, err := kb.Search(context.Background(), "sick leave", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// "sick": 1 content; "leave": 10 filename + 2 content
	assert.Equal(t, 13, results[0].Score)
}

func TestSearch_LimitAndTieBreak(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"d.txt": "policy",
		"c.txt": "policy",
		"b.txt": "policy",
		"a.txt": "policy",
	})
	kb := New(dir, Options{}, nil)

	results, err := kb.Search(context.Background(), "policy", 0)
	require.NoError(t, err)
	require.Len(t, results, DefaultMaxResults)
	assert.Equal(t, "a.txt", results[0].Source)
	assert.Equal(t, "b.txt", results[1].Source)
	assert.Equal(t, "c.txt", results[2].Source)

	results, err = kb.Search(context.Background(), "policy", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_NoMatchesAndEmptyQuery(t *testing.T) {
	dir := writeDocs(t, map[string]string{"a.txt": "hello"})
	kb := New(dir, Options{}, nil)

	results, err := kb.Search(context.Background(), "zebra", 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = kb.Search(context.Background(), "   ", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_TruncatesSnippet(t *testing.T) {
	dir := writeDocs(t, map[string]string{"long.txt": strings.Repeat("ü", 30)})
	kb := New(dir, Options{SnippetChars: 10}, nil)

	results, err := kb.Search(context.Background(), "long", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, strings.Repeat("ü", 10)+"...", results[0].Snippet)
}

func TestSearch_HonorsCancellation(t *testing.T) {
	dir := writeDocs(t, map[string]string{"a.txt": "x"})
	kb := New(dir, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := kb.Search(ctx, "x", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearch_Markdown(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"handbook.md": "# Remote Work\n\nStaff may work **remotely** two days a week.\n",
	})
	kb := New(dir, Options{}, nil)

	results, err := kb.Search(context.Background(), "remotely", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotContains(t, results[0].Snippet, "**")
	assert.NotContains(t, results[0].Snippet, "#")
}

func TestFormat(t *testing.T) {
	assert.Equal(t, NoResultsText, Format(nil))

	out := Format([]Result{
		{Source: "a.txt", Snippet: "alpha"},
		{Source: "b.txt", Snippet: "beta"},
	})
	assert.Equal(t, "=== a.txt ===\nalpha\n\n=== b.txt ===\nbeta", out)
}
