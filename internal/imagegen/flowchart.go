// Package imagegen renders backend flow descriptions into flowchart images
// through DashScope's text-to-image generation endpoint.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

const (
	DefaultURL   = "https://dashscope.aliyuncs.com/api/v1/services/aigc/multimodal-generation/generation"
	DefaultModel = "wan2.6-t2i"

	promptMaxRunes  = 2000
	generateTimeout = 90 * time.Second
	downloadTimeout = 30 * time.Second
	maxImageBytes   = 20 << 20
)

var mermaidBlockRe = regexp.MustCompile("(?i)```mermaid\\s*[\\s\\S]*?```")

type Config struct {
	Enabled   bool
	APIKey    string
	URL       string
	Model     string
	ImagesDir string
}

// Generator produces flowchart PNGs. All failures are logged and reported
// as an empty URL; callers never need to handle errors.
type Generator struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func New(cfg Config) *Generator {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if abs, err := filepath.Abs(cfg.ImagesDir); err == nil {
		cfg.ImagesDir = abs
	}
	return &Generator{
		cfg:        cfg,
		httpClient: &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "imagegen",
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Enabled reports whether generation can be attempted at all.
func (g *Generator) Enabled() bool {
	return g != nil && g.cfg.Enabled && g.cfg.APIKey != ""
}

// Flowchart generates an image for the flow description and returns its
// static URL (/api/kb-images/flowchart_<id>.png), or "" on any failure.
func (g *Generator) Flowchart(ctx context.Context, description string) string {
	if !g.Enabled() {
		return ""
	}
	prompt := BuildPrompt(description)

	out, err := g.breaker.Execute(func() (interface{}, error) {
		remote, err := g.generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return g.download(ctx, remote)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Debug("flowchart generation skipped, circuit open")
		} else {
			slog.Warn("flowchart generation failed", "error", err)
		}
		return ""
	}
	return out.(string)
}

// BuildPrompt strips mermaid blocks from the description and wraps it in
// the generation instruction, capped at the model's prompt limit.
func BuildPrompt(description string) string {
	desc := strings.TrimSpace(description)
	if strings.Contains(strings.ToLower(desc), "```mermaid") {
		desc = strings.TrimSpace(mermaidBlockRe.ReplaceAllString(desc, ""))
	}
	if desc == "" {
		desc = "后端流程：步骤与节点"
	}
	prompt := "根据以下后端流程说明，生成一张清晰的流程图示意图，风格简洁专业，包含节点与箭头，适合技术文档。流程说明：" + desc
	if r := []rune(prompt); len(r) > promptMaxRunes {
		prompt = string(r[:promptMaxRunes-20]) + "…"
	}
	return prompt
}

type generationRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []generationMessage `json:"messages"`
	} `json:"input"`
	Parameters generationParams `json:"parameters"`
}

type generationMessage struct {
	Role    string              `json:"role"`
	Content []map[string]string `json:"content"`
}

type generationParams struct {
	N            int    `json:"n"`
	Size         string `json:"size"`
	PromptExtend bool   `json:"prompt_extend"`
	Watermark    bool   `json:"watermark"`
}

type generationResponse struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content []struct {
					Type  string `json:"type"`
					Image string `json:"image"`
				} `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
}

func (g *Generator) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	var reqBody generationRequest
	reqBody.Model = g.cfg.Model
	reqBody.Input.Messages = []generationMessage{{
		Role:    "user",
		Content: []map[string]string{{"text": prompt}},
	}}
	reqBody.Parameters = generationParams{N: 1, Size: "1280*1280"}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling generation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating generation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("generation returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding generation response: %w", err)
	}
	if len(out.Output.Choices) > 0 {
		for _, item := range out.Output.Choices[0].Message.Content {
			if item.Type == "image" && item.Image != "" {
				return item.Image, nil
			}
		}
	}
	return "", errors.New("generation response has no image url")
}

func (g *Generator) download(ctx context.Context, remote string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}

	if err := os.MkdirAll(g.cfg.ImagesDir, 0o755); err != nil {
		return "", fmt.Errorf("creating images dir: %w", err)
	}
	name := "flowchart_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ".png"
	if err := os.WriteFile(filepath.Join(g.cfg.ImagesDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("saving image: %w", err)
	}
	return "/api/kb-images/" + name, nil
}
