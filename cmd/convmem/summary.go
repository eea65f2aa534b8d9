package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Inspect or replace a conversation's long-term summary",
	}
	cmd.AddCommand(newSummarySetCmd())
	cmd.AddCommand(newSummaryShowCmd())
	return cmd
}

func newSummarySetCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "set <key> <summary...>",
		Short: "Replace the summary and trim history to the recent window",
		Long: `Replace the summary and trim history to the recent window.

With --server the update goes through a running "convmem serve", which
queues it behind any in-flight turn for the key. Without it the store is
opened directly; only do that when no server is using the same store.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			key, summary := args[0], strings.Join(args[1:], " ")

			if server != "" {
				return postSummary(ctx, http.DefaultClient, server, cfg.APIKey, key, summary)
			}

			rt, _, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Shutdown(ctx)

			return rt.Conversations().ApplySummary(ctx, key, summary)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "base URL of a running server, e.g. http://localhost:8080")
	return cmd
}

// postSummary sends the summary to a running server's
// /conversations/{key}/summary endpoint.
func postSummary(ctx context.Context, hc *http.Client, baseURL, apiKey, key, summary string) error {
	data, err := json.Marshal(map[string]string{"summary": summary})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/conversations/" + url.PathEscape(key) + "/summary"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("update summary for %q: %s", key, apiErr.Error)
	}
	return nil
}

func newSummaryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print the stored history and summary as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rt, _, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Shutdown(ctx)

			state, err := rt.Conversations().State(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}
}
