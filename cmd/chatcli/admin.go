package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// apiClient calls the internal HTTP API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: status %d: %s %s", http.MethodPost, path, resp.StatusCode, apiErr.Code, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Create a session for --user and print its credential",
	Long: `Registers a new authoritative session through the internal API. Any
older session of the same user stops being accepted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user := viper.GetString(userKey)
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		var resp map[string]any
		err := newAPIClient(viper.GetString(apiKey)).post(cmd.Context(), "/internal/sessions", map[string]any{
			"user_id":     user,
			"ttl_seconds": int(ttl.Seconds()),
		}, &resp)
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke every session of --user and close its connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		user := viper.GetString(userKey)
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		var resp map[string]any
		if err := newAPIClient(viper.GetString(apiKey)).post(cmd.Context(), "/internal/users/"+user+"/logout", nil, &resp); err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

var createRoomCmd = &cobra.Command{
	Use:   "create-room <name>",
	Short: "Create a room owned by --user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user := viper.GetString(userKey)
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		var resp map[string]any
		err := newAPIClient(viper.GetString(apiKey)).post(cmd.Context(), "/internal/rooms", map[string]any{
			"name":       args[0],
			"creator_id": user,
		}, &resp)
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, createRoomCmd)
	loginCmd.Flags().Duration("ttl", 24*time.Hour, "credential lifetime")
}
