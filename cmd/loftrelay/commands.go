package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loftwing/loftrelay/internal/config"
	"github.com/loftwing/loftrelay/internal/sse"
)

const requestTimeout = 30 * time.Second

// --- chat ---

type chatOptions struct {
	Prompt      string
	System      string
	Model       string
	Stream      bool
	Temperature *float64
	MaxTokens   *int
}

func (o chatOptions) body() map[string]any {
	var msgs []map[string]string
	if o.System != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": o.System})
	}
	msgs = append(msgs, map[string]string{"role": "user", "content": o.Prompt})

	body := map[string]any{"messages": msgs, "stream": o.Stream}
	if o.Model != "" {
		body["model"] = o.Model
	}
	if o.Temperature != nil {
		body["temperature"] = *o.Temperature
	}
	if o.MaxTokens != nil {
		body["max_tokens"] = *o.MaxTokens
	}
	return body
}

var chatCmd = &cobra.Command{
	Use:   "chat <prompt...>",
	Short: "Send a prompt through the relay",
	Long: `Send a prompt through the running relay and print the reply.

Examples:
  loftrelay chat "How long should young birds be settled before training?"
  loftrelay chat --stream --model glm-4-flash "Plan a 100km training toss"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := chatOptions{Prompt: strings.Join(args, " ")}
		opts.System, _ = cmd.Flags().GetString("system")
		opts.Model, _ = cmd.Flags().GetString("model")
		opts.Stream, _ = cmd.Flags().GetBool("stream")
		if cmd.Flags().Changed("temperature") {
			t, _ := cmd.Flags().GetFloat64("temperature")
			opts.Temperature = &t
		}
		if cmd.Flags().Changed("max-tokens") {
			n, _ := cmd.Flags().GetInt("max-tokens")
			opts.MaxTokens = &n
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, opts, os.Stdout)
	},
}

func init() {
	chatCmd.Flags().String("system", "", "system message placed before the prompt")
	chatCmd.Flags().String("model", "", "model name (default: relay's configured model)")
	chatCmd.Flags().Bool("stream", false, "stream the reply as it is generated")
	chatCmd.Flags().Float64("temperature", 0.7, "sampling temperature")
	chatCmd.Flags().Int("max-tokens", 2000, "maximum tokens in the reply")
}

func runChat(ctx context.Context, client *apiClient, opts chatOptions, out io.Writer) error {
	if !opts.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	resp, err := client.post(ctx, "/proxy/chat", opts.body())
	if err != nil {
		return err
	}

	if !opts.Stream || resp.Header.Get("Content-Type") != "text/event-stream" {
		var data json.RawMessage
		if err := decodeEnvelope(resp, &data); err != nil {
			return err
		}
		fmt.Fprintln(out, replyText(data))
		return nil
	}

	defer resp.Body.Close()
	return printStream(resp.Body, out)
}

// completionChunk covers both buffered replies and streamed deltas.
type completionChunk struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func replyText(data json.RawMessage) string {
	var c completionChunk
	if err := json.Unmarshal(data, &c); err != nil || len(c.Choices) == 0 || c.Choices[0].Message.Content == "" {
		return string(data)
	}
	return c.Choices[0].Message.Content
}

// printStream writes content deltas from a relayed SSE body as they arrive.
// An error frame from the relay is returned as an error.
func printStream(body io.Reader, out io.Writer) error {
	buf := make([]byte, 4096)
	var tail []byte
	for {
		n, readErr := body.Read(buf)
		var events []sse.Event
		events, tail = sse.Scan(tail, buf[:n])
		for _, ev := range events {
			switch ev.Kind {
			case sse.KindDone:
				fmt.Fprintln(out)
				return nil
			case sse.KindData:
				var c completionChunk
				if err := json.Unmarshal(ev.Data, &c); err != nil {
					continue
				}
				if c.Error != nil {
					fmt.Fprintln(out)
					return fmt.Errorf("%s: %s", c.Error.Type, c.Error.Message)
				}
				for _, ch := range c.Choices {
					fmt.Fprint(out, ch.Delta.Content)
				}
			}
		}
		if readErr != nil {
			fmt.Fprintln(out)
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading stream: %w", readErr)
		}
	}
}

// --- exchanges ---

var exchangesCmd = &cobra.Command{
	Use:   "exchanges",
	Short: "Inspect the exchange log",
}

var exchangesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent exchanges",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listExchanges(cmd.Context(), client, limit, os.Stdout)
	},
}

func init() {
	exchangesListCmd.Flags().Int("limit", 20, "maximum number of exchanges to list")
	exchangesCmd.AddCommand(exchangesListCmd)
}

type exchangeRow struct {
	ID         string `json:"id"`
	CreatedAt  string `json:"created_at"`
	Model      string `json:"model"`
	Stream     bool   `json:"stream"`
	Status     int    `json:"status"`
	Outcome    string `json:"outcome"`
	Events     int    `json:"events"`
	Dropped    int    `json:"dropped"`
	DurationMs int64  `json:"duration_ms"`
}

func listExchanges(ctx context.Context, client *apiClient, limit int, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := client.get(ctx, fmt.Sprintf("/exchanges?limit=%d", limit))
	if err != nil {
		return err
	}

	var rows []exchangeRow
	if err := decodeEnvelope(resp, &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No exchanges found.")
		return nil
	}

	for _, ex := range rows {
		mode := "buffered"
		if ex.Stream {
			mode = "stream"
		}
		outcome := ex.Outcome
		if outcome != "ok" {
			outcome = colorize(colorRed, outcome)
		}
		id := ex.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(out, "%s  %s  %-12s %-8s %3d  %s  events=%d dropped=%d %dms\n",
			colorize(colorCyan, id),
			ex.CreatedAt,
			ex.Model,
			mode,
			ex.Status,
			outcome,
			ex.Events,
			ex.Dropped,
			ex.DurationMs,
		)
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
