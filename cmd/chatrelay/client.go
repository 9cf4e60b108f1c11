package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/chatrelay/internal/httpapi"
)

type adminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type apiError struct {
	Status        int
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s [correlation %s]", e.Code, e.Status, e.Message, e.CorrelationID)
}

func (c *adminClient) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}

func newSessionsCommand() *cobra.Command {
	client := &adminClient{}
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control sessions on a running instance",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if client.token == "" {
				return fmt.Errorf("an admin token is required (--token or CHATRELAY_ADMIN_TOKEN)")
			}
			client.httpClient = &http.Client{Timeout: timeout}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&client.baseURL, "url", stringEnv("CHATRELAY_ADMIN_URL", "http://127.0.0.1:8080"), "admin API base URL")
	cmd.PersistentFlags().StringVar(&client.token, "token", stringEnv("CHATRELAY_ADMIN_TOKEN", ""), "admin bearer token")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", durationEnv("CHATRELAY_ADMIN_TIMEOUT", 60*time.Second), "request timeout")

	emit := func(cmd *cobra.Command, body []byte) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
		return err
	}
	simple := func(use, short, method, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				body, err := client.do(cmd.Context(), method, path)
				if err != nil {
					return err
				}
				return emit(cmd, body)
			},
		}
	}
	keyed := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <key>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := client.do(cmd.Context(), http.MethodPost, "/v1/sessions/"+url.PathEscape(args[0])+"/"+action)
				if err != nil {
					return err
				}
				return emit(cmd, body)
			},
		}
	}
	cmd.AddCommand(
		simple("list", "Show every supervisor and its state", http.MethodGet, "/v1/sessions"),
		simple("running", "List account keys with a running connection", http.MethodGet, "/v1/sessions/running"),
		simple("start-all", "Start every active session", http.MethodPost, "/v1/sessions/start-all"),
		keyed("start", "Start one session by session key", "start"),
		keyed("stop", "Stop one session by account or session key", "stop"),
	)
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		secret  string
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return fmt.Errorf("a signing secret is required (--secret or CHATRELAY_ADMIN_JWT_SECRET)")
			}
			token, err := httpapi.IssueToken(secret, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", stringEnv("CHATRELAY_ADMIN_JWT_SECRET", ""), "HMAC signing secret")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{httpapi.ScopeSessionsRead, httpapi.ScopeSessionsWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
