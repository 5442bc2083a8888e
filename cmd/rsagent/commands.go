package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/rsagent/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Send one message to the agent",
	Long: `Send one message to the agent.

Without --session a new conversation starts: knowledge questions are answered
directly, change requests open a session whose id is printed. Pass that id to
continue the session.

Examples:
  rsagent ask "销售日报的毛利字段怎么计算"
  rsagent ask "首页看板去掉明细表" --stream
  rsagent ask --session 3f2a... "确认"
  rsagent ask --image ./screen.png "这个报表是哪个系统的"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		stream, _ := cmd.Flags().GetBool("stream")
		images, _ := cmd.Flags().GetStringSlice("image")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		req := map[string]any{"text": strings.Join(args, " ")}
		if sessionID != "" {
			req["sessionId"] = sessionID
		}
		if len(images) > 0 {
			ids, err := client.upload(ctx, images)
			if err != nil {
				return err
			}
			req["imageIds"] = ids
		}

		out := cmd.OutOrStdout()
		if !stream {
			resp, err := client.post(ctx, "/api/agent", req)
			if err != nil {
				return err
			}
			var final finalPayload
			if err := decodeJSON(resp, &final); err != nil {
				return err
			}
			printFinal(out, final)
			return nil
		}

		return client.stream(ctx, "/api/agent/stream", req, func(ev sseEvent) error {
			switch ev.Event {
			case "trace":
				var step struct {
					Phase  string `json:"phase"`
					Title  string `json:"title"`
					Detail string `json:"detail"`
					Level  string `json:"level"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &step); err != nil {
					return fmt.Errorf("decoding trace: %w", err)
				}
				if step.Level == "warn" {
					printWarning("[%s] %s", step.Phase, step.Title)
				} else {
					printStep("[%s] %s", step.Phase, step.Title)
				}
			case "final":
				var final finalPayload
				if err := json.Unmarshal([]byte(ev.Data), &final); err != nil {
					return fmt.Errorf("decoding final: %w", err)
				}
				printFinal(out, final)
			case "error":
				var e struct {
					Message    string `json:"message"`
					StatusCode int    `json:"status_code"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					return fmt.Errorf("decoding error: %w", err)
				}
				return fmt.Errorf("%d: %s", e.StatusCode, e.Message)
			}
			return nil
		})
	},
}

func init() {
	askCmd.Flags().String("session", "", "continue the session with this id")
	askCmd.Flags().Bool("stream", false, "show progress traces while the turn runs")
	askCmd.Flags().StringSlice("image", nil, "attach an image file (repeatable)")
}

type finalPayload struct {
	SessionID   *string         `json:"sessionId"`
	Intent      string          `json:"intent"`
	PayloadType string          `json:"payloadType"`
	Content     json.RawMessage `json:"content"`
}

// printFinal renders a final payload for the terminal.
func printFinal(w io.Writer, f finalPayload) {
	var c struct {
		Markdown     string   `json:"markdown"`
		PromptToUser string   `json:"prompt_to_user"`
		Questions    []string `json:"questions"`
		Message      string   `json:"message"`
		Images       []string `json:"images"`
	}
	_ = json.Unmarshal(f.Content, &c)

	fmt.Fprintln(w, colorize(colorBold, fmt.Sprintf("[%s · %s]", f.Intent, f.PayloadType)))
	switch {
	case len(c.Questions) > 0:
		for i, q := range c.Questions {
			fmt.Fprintf(w, "%d. %s\n", i+1, q)
		}
	case c.Markdown != "":
		fmt.Fprintln(w, c.Markdown)
		for _, img := range c.Images {
			fmt.Fprintf(w, "  %s\n", colorize(colorCyan, img))
		}
		if c.PromptToUser != "" {
			fmt.Fprintln(w)
			fmt.Fprintln(w, c.PromptToUser)
		}
	case c.Message != "":
		fmt.Fprintln(w, c.Message)
	default:
		fmt.Fprintln(w, "[空结果]")
	}

	if f.SessionID != nil && *f.SessionID != "" {
		fmt.Fprintf(w, "\nsession: %s\n", colorize(colorCyan, *f.SessionID))
	}
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Browse conversation history",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/conversations?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}

		var convs []struct {
			ID            string    `json:"id"`
			Intent        string    `json:"intent"`
			Status        string    `json:"status"`
			CreatedAt     time.Time `json:"created_at"`
			FirstUserText string    `json:"first_user_text"`
		}
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}

		for _, c := range convs {
			text := []rune(strings.ReplaceAll(c.FirstUserText, "\n", " "))
			if len(text) > 60 {
				text = append(text[:60], []rune("...")...)
			}
			id := c.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Fprintf(out, "%s  %-9s %-6s %-14s %s\n",
				colorize(colorCyan, id),
				c.Intent,
				c.Status,
				humanize.Time(c.CreatedAt),
				string(text),
			)
		}
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation with its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/conversations/"+args[0])
		if err != nil {
			return err
		}

		var conv any
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(conv)
	},
}

func init() {
	conversationsListCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
	conversationsListCmd.Flags().Int("offset", 0, "number of conversations to skip")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
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

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "  %s\n", colorize(colorBold, config.ConfigFilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file. Valid keys:\n  " +
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

var configSecretCmd = &cobra.Command{
	Use:   "set-llm-key",
	Short: "Store the LLM API key in the secrets file",
	Long: `Store the LLM API key in the secrets file. The key is read from stdin so
it does not end up in shell history. LLM_API_KEY still takes
precedence when set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return fmt.Errorf("no key on stdin")
		}
		if err := config.SetSecret("llm_api_key", key); err != nil {
			return err
		}
		printSuccess("Stored LLM API key")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSecretCmd)
}
