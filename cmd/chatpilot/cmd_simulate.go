package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/user/chatpilot/internal/config"
	"github.com/user/chatpilot/internal/scheduler"
	"github.com/user/chatpilot/internal/status"
	"github.com/user/chatpilot/internal/types"
)

func init() {
	rootCmd.AddCommand(simulateCmd, statsCmd)
}

// statusClient talks to a running daemon's status server.
type statusClient struct {
	base string
	http *http.Client
}

func newStatusClient(cfg *config.Config) *statusClient {
	return &statusClient{base: "http://" + cfg.HTTP.Listen, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *statusClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bot not reachable at %s (is it running with http enabled?): %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *statusClient) Stats(ctx context.Context) (types.Stats, error) {
	var s types.Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &s)
	return s, err
}

func (c *statusClient) Simulate(ctx context.Context, req status.SimulateRequest) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/simulate", req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

var errBadLine = errors.New("expected chat_id|message")

// parseSimulateLine splits a "chat_id|message" REPL line.
func parseSimulateLine(line string) (status.SimulateRequest, error) {
	conv, text, ok := strings.Cut(line, "|")
	conv, text = strings.TrimSpace(conv), strings.TrimSpace(text)
	if !ok || conv == "" || text == "" {
		return status.SimulateRequest{}, errBadLine
	}
	return status.SimulateRequest{ConversationID: conv, Text: text}, nil
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send test messages to the running bot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newStatusClient(loadConfig())
		ctx := context.Background()
		if _, err := client.Stats(ctx); err != nil {
			return err
		}

		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)

		fmt.Println("Enter chat_id|message to queue a message, stop to exit.")
		for {
			input, err := line.Prompt("simulate> ")
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			input = strings.TrimSpace(input)
			switch input {
			case "":
				continue
			case "stop", "exit", "quit":
				return nil
			}
			line.AppendHistory(input)

			req, err := parseSimulateLine(input)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			id, err := client.Simulate(ctx, req)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			fmt.Printf("queued %s\n", id)
		}
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the running bot's counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStatusClient(loadConfig()).Stats(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(scheduler.FormatStats(s))
		if !s.StartedAt.IsZero() {
			fmt.Printf("Up since %s.\n", s.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}
