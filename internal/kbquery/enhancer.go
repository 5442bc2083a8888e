// Package kbquery answers knowledge base questions by expanding the user
// query into several retrieval queries, merging their results and
// optionally synthesizing a final answer with the model.
package kbquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/rsagent/internal/kb"
	"github.com/kalambet/rsagent/internal/llm"
	"github.com/kalambet/rsagent/internal/prompts"
)

const (
	emptyResult     = "[空结果]"
	truncatedSuffix = "\n\n（已截断：KB 合并结果过长）"
	allFailedMsg    = "KB 查询失败：所有检索子问题均未成功返回结果。"
	mergeSeparator  = "\n\n---\n\n"
)

// Stage names recorded in Result.Runs.
const (
	StageExpand     = "expand_queries"
	StageRetrieve   = "kb_retrieve"
	StageSynthesize = "synthesize"
)

// Chatter is the chat completion capability used for expansion and synthesis.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

// Config controls the enhancer.
type Config struct {
	LLMEnabled     bool
	MaxSubQueries  int
	MaxMergedChars int
	Concurrency    int
}

// Run records one stage of a query for diagnostics. Detail keys are
// flattened next to stage and duration_ms when encoded.
type Run struct {
	Stage      string
	DurationMS int64
	Detail     map[string]any
}

func (r Run) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Detail)+2)
	for k, v := range r.Detail {
		m[k] = v
	}
	m["stage"] = r.Stage
	m["duration_ms"] = r.DurationMS
	return json.Marshal(m)
}

// Result is the outcome of an enhanced query.
type Result struct {
	FinalMarkdown string   `json:"final_markdown"`
	RawMarkdown   string   `json:"raw_markdown"`
	SubQueries    []string `json:"sub_queries"`
	UsedLLM       bool     `json:"used_llm"`
	ImagePaths    []string `json:"image_paths"`
	Runs          []Run    `json:"kb_runs"`
}

// Enhancer runs the expand, retrieve and synthesize stages.
type Enhancer struct {
	retriever kb.Retriever
	chat      Chatter
	cfg       Config
}

// New creates an enhancer. A nil chat disables both model stages.
func New(retriever kb.Retriever, chat Chatter, cfg Config) *Enhancer {
	if cfg.MaxSubQueries <= 0 {
		cfg.MaxSubQueries = 4
	}
	if cfg.MaxMergedChars <= 0 {
		cfg.MaxMergedChars = 12000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Enhancer{retriever: retriever, chat: chat, cfg: cfg}
}

func (e *Enhancer) llmEnabled() bool {
	return e.cfg.LLMEnabled && e.chat != nil
}

// Query runs all stages. An empty query yields an empty result without any
// retrieval. When every sub-query fails the error is a *kb.QueryError.
func (e *Enhancer) Query(ctx context.Context, query string, images []string) (Result, error) {
	q := normalize(query)
	if q == "" {
		return Result{SubQueries: []string{}, ImagePaths: []string{}, Runs: []Run{}}, nil
	}

	res, err := e.retrieve(ctx, q, images)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	res.FinalMarkdown = res.RawMarkdown
	if e.llmEnabled() {
		answer, err := e.synthesize(ctx, q, res.RawMarkdown)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			slog.Warn("kb synthesis failed, using merged retrieval text", "error", err)
		case answer != "":
			res.FinalMarkdown = answer
			res.UsedLLM = true
		}
	}
	res.Runs = append(res.Runs, Run{
		Stage:      StageSynthesize,
		DurationMS: time.Since(start).Milliseconds(),
		Detail:     map[string]any{"used_llm": res.UsedLLM},
	})
	return res, nil
}

// retrieve runs the expand and retrieve stages and fills RawMarkdown,
// SubQueries, ImagePaths and Runs.
func (e *Enhancer) retrieve(ctx context.Context, q string, images []string) (Result, error) {
	var res Result

	start := time.Now()
	res.SubQueries = e.candidates(ctx, q)
	res.Runs = append(res.Runs, Run{
		Stage:      StageExpand,
		DurationMS: time.Since(start).Milliseconds(),
		Detail:     map[string]any{"queries": append([]string(nil), res.SubQueries...)},
	})

	type outcome struct {
		res      kb.Result
		err      error
		duration time.Duration
	}
	outcomes := make([]outcome, len(res.SubQueries))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, sq := range res.SubQueries {
		g.Go(func() error {
			var imgs []string
			if i == 0 {
				imgs = images
			}
			t := time.Now()
			r, err := e.retriever.Query(gCtx, sq, imgs)
			outcomes[i] = outcome{res: r, err: err, duration: time.Since(t)}
			if err != nil && !kb.IsQueryError(err) {
				return fmt.Errorf("retrieving sub-query %d: %w", i+1, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	type hit struct{ query, markdown string }
	var hits []hit
	seenMD := make(map[string]bool)
	var imagePaths []string
	ok := false

	for i, sq := range res.SubQueries {
		o := outcomes[i]
		if o.err != nil {
			res.Runs = append(res.Runs, Run{
				Stage:      StageRetrieve,
				DurationMS: o.duration.Milliseconds(),
				Detail:     map[string]any{"query": sq, "ok": false, "error": o.err.Error()},
			})
			continue
		}
		ok = true
		md := strings.TrimSpace(o.res.Markdown)
		if md != "" && !seenMD[md] {
			seenMD[md] = true
			hits = append(hits, hit{query: sq, markdown: md})
		}
		for _, p := range o.res.Images {
			if strings.TrimSpace(p) != "" {
				imagePaths = append(imagePaths, p)
			}
		}
		res.Runs = append(res.Runs, Run{
			Stage:      StageRetrieve,
			DurationMS: o.duration.Milliseconds(),
			Detail:     map[string]any{"query": sq, "ok": true, "chars": len(md), "images": len(o.res.Images)},
		})
	}
	if !ok {
		return Result{}, &kb.QueryError{Msg: allFailedMsg}
	}

	res.ImagePaths = dedup(imagePaths)
	if res.ImagePaths == nil {
		res.ImagePaths = []string{}
	}

	if len(hits) == 1 {
		res.RawMarkdown = hits[0].markdown
	} else {
		parts := make([]string, 0, len(hits))
		for i, h := range hits {
			parts = append(parts, fmt.Sprintf("### 检索子问题 %d\n\n- query: %s\n\n%s", i+1, h.query, h.markdown))
		}
		res.RawMarkdown = strings.TrimSpace(strings.Join(parts, mergeSeparator))
	}
	if res.RawMarkdown == "" {
		res.RawMarkdown = emptyResult
	}
	return res, nil
}

// candidates returns the original query followed by model expansions,
// deduplicated and capped. Expansion failures fall back to the original.
func (e *Enhancer) candidates(ctx context.Context, q string) []string {
	if !e.llmEnabled() {
		return []string{q}
	}
	expanded, err := e.expand(ctx, q)
	if err != nil {
		slog.Warn("kb query expansion failed, using single query", "error", err)
		return []string{q}
	}
	all := []string{q}
	for _, x := range expanded {
		all = append(all, normalize(x))
	}
	out := dedup(all)
	if limit := max(1, e.cfg.MaxSubQueries); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e *Enhancer) expand(ctx context.Context, q string) ([]string, error) {
	tpl := prompts.MustLoad(prompts.ExpandKBQueries)
	raw, err := e.chat.Chat(ctx, []llm.Message{
		llm.System(tpl.System(nil)),
		llm.User(tpl.User(prompts.Vars{"user_query": q, "max_queries": e.cfg.MaxSubQueries})),
	}, llm.Options{Temperature: 0.2, MaxTokens: 512})
	if err != nil {
		return nil, err
	}
	return parseQueries(raw, e.cfg.MaxSubQueries), nil
}

// parseQueries accepts {"queries": [...]} or one query per line.
func parseQueries(raw string, limit int) []string {
	limit = max(1, limit)
	var reply struct {
		Queries []any `json:"queries"`
	}
	if err := llm.DecodeJSON(raw, &reply); err == nil && reply.Queries != nil {
		var out []string
		for _, x := range reply.Queries {
			if s, ok := x.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out[:min(len(out), limit)]
	}

	var out []string
	for _, ln := range strings.Split(raw, "\n") {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		s := strings.TrimSpace(strings.Trim(ln, "- "))
		if s != "" {
			out = append(out, s)
		}
	}
	return out[:min(len(out), limit)]
}

func (e *Enhancer) synthesize(ctx context.Context, q, merged string) (string, error) {
	if r := []rune(merged); len(r) > e.cfg.MaxMergedChars {
		merged = string(r[:e.cfg.MaxMergedChars]) + truncatedSuffix
	}
	tpl := prompts.MustLoad(prompts.KBSynthesize)
	raw, err := e.chat.Chat(ctx, []llm.Message{
		llm.System(tpl.System(nil)),
		llm.User(tpl.User(prompts.Vars{"user_query": q, "kb_markdown": strings.TrimSpace(merged)})),
	}, llm.DefaultOptions)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// IsAllFailed reports whether err means no sub-query returned a result.
func IsAllFailed(err error) bool {
	var qe *kb.QueryError
	return errors.As(err, &qe) && qe.Msg == allFailedMsg
}

func normalize(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func dedup(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		s := strings.TrimSpace(it)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
