package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/rsagent/internal/llm"
	"github.com/kalambet/rsagent/internal/prompts"
	"github.com/kalambet/rsagent/internal/session"
)

const defaultOpenQuestion = "请确认或补充上述需求，回复后继续。"

// Chatter is the chat completion capability used by the model-backed steps.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

// Collector derives the structured requirement and the first round of open
// questions from the request and the retrieved knowledge.
type Collector interface {
	Collect(ctx context.Context, request, kbMarkdown string) (session.Requirement, error)
}

// LLMCollector asks the model for the structured requirement.
type LLMCollector struct {
	chat Chatter
}

func NewLLMCollector(chat Chatter) *LLMCollector {
	return &LLMCollector{chat: chat}
}

func (c *LLMCollector) Collect(ctx context.Context, request, kbMarkdown string) (session.Requirement, error) {
	tpl := prompts.MustLoad(prompts.Collect)
	raw, err := c.chat.Chat(ctx, []llm.Message{
		llm.System(tpl.System(nil)),
		llm.User(tpl.User(prompts.Vars{"user_request": request, "kb_markdown": kbMarkdown})),
	}, llm.DefaultOptions)
	if err != nil {
		return session.Requirement{}, err
	}

	var reply struct {
		DemandSource     string   `json:"demand_source"`
		ProductStatement string   `json:"product_statement"`
		OpenQuestions    []string `json:"open_questions"`
	}
	if err := llm.DecodeJSON(raw, &reply); err != nil {
		return session.Requirement{}, fmt.Errorf("decoding collect reply: %w", err)
	}
	req := session.Requirement{
		DemandSource:     reply.DemandSource,
		ProductStatement: reply.ProductStatement,
		OpenQuestions:    reply.OpenQuestions,
	}
	if req.DemandSource == "" {
		req.DemandSource = request
	}
	if len(req.OpenQuestions) == 0 {
		req.OpenQuestions = []string{defaultOpenQuestion}
	}
	return req, nil
}

// RuleCollector builds the requirement without a model: the request is the
// demand source and open questions are phrased from what the knowledge base
// mentions.
type RuleCollector struct{}

func (RuleCollector) Collect(_ context.Context, request, kbMarkdown string) (session.Requirement, error) {
	return session.Requirement{
		DemandSource:  request,
		OpenQuestions: DeriveOpenQuestions(request, kbMarkdown),
	}, nil
}

const maxMentions = 5

var (
	mentionKeywords = []string{"页面", "流程", "调仓", "定投", "确认", "方案", "明细", "入口", "弹框", "浮层", "比例", "金额", "规则", "追加", "申购", "赎回"}
	bracketedRe     = regexp.MustCompile(`[「『【][^」』】]{2,24}[」』】]`)
	conceptRe       = regexp.MustCompile(`[^\n]{0,25}(?:确认调仓|调仓明细|定投|追加资金|调仓方式|前端|页面|流程)[^\n]{0,15}`)
)

// ExtractMentions picks up to five short phrases from the knowledge text
// that name pages, flows or rules: bracketed terms first, then short
// keyword lines, then snippets around key concepts.
func ExtractMentions(kbText string) []string {
	if strings.TrimSpace(kbText) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(s string) bool {
		seen[s] = true
		out = append(out, s)
		return len(out) >= maxMentions
	}

	for _, part := range bracketedRe.FindAllString(kbText, -1) {
		p := strings.TrimSpace(part)
		if n := runeLen(p); p != "" && !seen[p] && n >= 2 && n <= 28 {
			if add(p) {
				return out
			}
		}
	}

	for _, line := range strings.Split(kbText, "\n") {
		line = strings.TrimSpace(line)
		n := runeLen(line)
		if metaLine(line) || n < 4 || n > 55 || seen[line] || !containsAny(line, mentionKeywords) {
			continue
		}
		mention := line
		if n > 48 {
			mention = string([]rune(line)[:48]) + "…"
		}
		seen[line] = true
		out = append(out, mention)
		if len(out) >= maxMentions {
			return out
		}
	}

	for _, m := range conceptRe.FindAllString(kbText, -1) {
		p := strings.TrimSpace(m)
		if n := runeLen(p); p != "" && !seen[p] && n >= 4 && n <= 45 {
			if add(p) {
				break
			}
		}
	}
	return out
}

func metaLine(line string) bool {
	return line == "" ||
		strings.HasPrefix(line, "---") ||
		strings.HasPrefix(line, "===") ||
		strings.Contains(line, "source=") ||
		strings.Contains(line, "distance=")
}

// DeriveOpenQuestions phrases a single follow-up question from the request
// and the mentions found in the knowledge text.
func DeriveOpenQuestions(request, kbMarkdown string) []string {
	q := strings.TrimSpace(request)
	kbText := strings.TrimSpace(kbMarkdown)
	mentions := ExtractMentions(kbText)
	mentionStr := strings.Join(mentions[:min(len(mentions), 4)], "、")

	switch {
	case strings.Contains(q, "改动点"):
		if mentionStr != "" {
			return []string{"根据知识库检索结果，与您需求相关的内容涉及：" + mentionStr + "。请确认该需求涉及的具体页面/模块与是否仅前端调整、不改后端逻辑（或补充说明），回复后继续。"}
		}
		if strings.Contains(q, "定投") || strings.Contains(kbText, "定投") {
			return []string{"根据检索结果，当前与定投相关描述较多。请确认该需求涉及的具体场景（如定投失败补扣、执行时间等）与约束，回复后继续。"}
		}
		return []string{"请确认该需求涉及的具体页面/模块与约束（或补充说明），回复后继续。"}
	case containsAny(q, []string{"定投", "调仓", "三分法", "投顾"}):
		if runeLen(kbText) < 100 {
			return []string{"知识库命中较少，请用 1～2 句话补充该需求的业务背景或目标，回复后继续。"}
		}
		if mentionStr != "" {
			return []string{"根据检索结果，相关内容涉及：" + mentionStr + "。请用 1～2 句话补充该需求的业务背景或目标，回复后继续。"}
		}
		return []string{"请用 1～2 句话补充该需求的业务背景或目标，回复后继续。"}
	case mentionStr != "":
		return []string{"根据知识库检索到：" + mentionStr + "。请确认或补充上述需求，回复后继续。"}
	}
	return []string{defaultOpenQuestion}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func runeLen(s string) int { return len([]rune(s)) }
