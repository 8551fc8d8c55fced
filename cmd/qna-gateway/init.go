// ABOUTME: The init command: interactively writes a starter config file
// ABOUTME: Output is YAML or TOML depending on the chosen file extension

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/qna-gateway/internal/config"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
}

func runInit(in io.Reader, out io.Writer, opts *rootOptions) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}

	fmt.Fprintln(out, "qna-gateway configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	cfg := config.Default()

	// Output filename
	outputFile := ask("Config file path (.yaml or .toml)", config.ResolvePath(opts.configPath))

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = ask("HTTP address", cfg.Server.HTTPAddr)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	cfg.Database.Path = ask("SQLite database path", cfg.Database.Path)
	cfg.Database.Driver = ask("SQLite driver (sqlite/sqlite3)", cfg.Database.Driver)

	fmt.Fprintln(out, "\n--- LLM Configuration ---")
	cfg.LLM.BaseURL = ask("Provider base URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = ask("Model", cfg.LLM.Model)
	cfg.LLM.APIKey = ask("API key (use ${VAR} to read from the environment)", "${OPENROUTER_API_KEY}")

	fmt.Fprintln(out, "\n--- Knowledge Base Configuration ---")
	cfg.Knowledge.Dir = ask("Documents directory", cfg.Knowledge.Dir)

	fmt.Fprintln(out, "\n--- Agent Configuration ---")
	iterations := ask("Max model calls per turn", strconv.Itoa(cfg.Agent.MaxIterations))
	n, err := strconv.Atoi(iterations)
	if err != nil {
		return fmt.Errorf("max model calls per turn must be a number: %w", err)
	}
	cfg.Agent.MaxIterations = n

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	if isYes(ask("Enable Tailscale?", "no")) {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = ask("Tailscale hostname", cfg.Tailscale.Hostname)
		cfg.Tailscale.AuthKey = ask("Tailscale auth key (leave empty for interactive)", "")
		cfg.Tailscale.Ephemeral = isYes(ask("Ephemeral node?", "no"))
		cfg.Tailscale.Funnel = isYes(ask("Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	cfg.Logging.Level = ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = ask("Log format (text/json)", cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	format := config.FormatForPath(outputFile)
	var buf bytes.Buffer
	buf.WriteString("# qna-gateway configuration\n")
	buf.WriteString("# Generated by qna-gateway init\n\n")
	if err := cfg.Encode(&buf, format); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	// Ensure config directory exists
	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file. It may hold an auth key, so keep it private.
	if err := os.WriteFile(outputFile, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data and knowledge directories exist
	dataDir := filepath.Dir(cfg.Database.Path)
	for _, dir := range []string{dataDir, cfg.Knowledge.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintf(out, "Knowledge directory: %s (add .txt or .md files)\n", cfg.Knowledge.Dir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintf(out, "  qna-gateway serve --config %s\n", outputFile)

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}

	if input == "" {
		return defaultVal
	}
	return input
}
