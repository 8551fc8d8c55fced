// ABOUTME: The serve command: loads config, prints the startup banner and runs the gateway
// ABOUTME: Blocks until SIGINT/SIGTERM, then shuts the HTTP server down gracefully

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/qna-gateway/internal/config"
	"github.com/2389/qna-gateway/internal/gateway"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

// loadConfig resolves the config path and loads it.
func loadConfig(opts *rootOptions) (*config.Config, string, error) {
	configPath := config.ResolvePath(opts.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context, out io.Writer, opts *rootOptions) error {
	cfg, configPath, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Fprint(out, banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging, out)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-11s%s\n", label+":", value)
	}
	line("Config", configPath)
	if !cfg.Tailscale.Enabled {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	line("Database", cfg.Database.Path+" ("+cfg.Database.Driver+")")
	line("Knowledge", cfg.Knowledge.Dir)
	line("Model", cfg.LLM.Model)

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-11s", "Tailscale:")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Fprint(out, " [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Fprint(out, " [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	}
	if cfg.LLM.APIKey == "" {
		yellow.Fprintln(out, "    ! llm.api_key is not set")
	}

	fmt.Fprintln(out)

	logger.Info("starting qna-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"model", cfg.LLM.Model,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
