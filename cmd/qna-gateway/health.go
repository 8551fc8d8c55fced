// ABOUTME: The health command: probes a running gateway's /health or /ready endpoint
// ABOUTME: Exits non-zero when the gateway is unreachable or not ready

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type healthCommander struct {
	root    *rootOptions
	baseURL string
	ready   bool
	timeout time.Duration
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	cmder := &healthCommander{root: opts}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Long: `Check a running gateway.

Without flags the gateway address is taken from server.http_addr in the
config file. --ready also runs the readiness checks (database, llm).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&cmder.baseURL, "url", "", "Gateway base URL (overrides the config file)")
	cmd.Flags().BoolVar(&cmder.ready, "ready", false, "Run readiness checks instead of the liveness probe")
	cmd.Flags().DurationVar(&cmder.timeout, "timeout", 10*time.Second, "Request timeout")

	return cmd
}

func (c *healthCommander) resolveBaseURL() (string, error) {
	if c.baseURL != "" {
		return strings.TrimRight(c.baseURL, "/"), nil
	}
	cfg, _, err := loadConfig(c.root)
	if err != nil {
		return "", err
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr, nil
}

func (c *healthCommander) run(ctx context.Context, out io.Writer) error {
	baseURL, err := c.resolveBaseURL()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := "/health"
	if c.ready {
		path = "/ready"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if !c.ready {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
		}
		fmt.Fprintln(out, "healthy")
		return nil
	}

	var body readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding readiness response (status %d): %w", resp.StatusCode, err)
	}

	names := make([]string, 0, len(body.Checks))
	for name := range body.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, name := range names {
		status := body.Checks[name]
		if status == "ok" {
			green.Fprint(out, "  ✓ ")
		} else {
			red.Fprint(out, "  ✗ ")
		}
		fmt.Fprintf(out, "%-10s %s\n", name, status)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, body.Status)
	return nil
}
