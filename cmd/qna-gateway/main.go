// ABOUTME: Entry point for qna-gateway, a question-answering server over a local knowledge base
// ABOUTME: Wires the cobra command tree: serve, init, health and knowledge

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                          _
  __ _ _ __   __ _        __ _  __ _| |_ _____      ____ _ _   _
 / _' | '_ \ / _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | | | | (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__, |_| |_|\__,_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
    |_|                  |___/                             |___/
`

const rootLongDesc string = `qna-gateway answers questions with an LLM that can search a local
directory of text and markdown documents.

Conversations, messages and tool calls are stored in SQLite. Live progress
is streamed to clients over Server-Sent Events.

The config file is taken from --config, then $QNA_CONFIG, then ./config.yaml.
Files ending in .toml are read as TOML, everything else as YAML.`

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "qna-gateway",
		Short:         "Question-answering gateway over a local knowledge base",
		Long:          rootLongDesc,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (YAML or TOML)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newInitCmd(opts))
	cmd.AddCommand(newHealthCmd(opts))
	cmd.AddCommand(newKnowledgeCmd(opts))

	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
