package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/rsagent/internal/draft"
	"github.com/kalambet/rsagent/internal/llm"
	"github.com/kalambet/rsagent/internal/prompts"
	"github.com/kalambet/rsagent/internal/session"
)

// BuildInput is everything the draft builders see for one answer.
type BuildInput struct {
	Request     string
	Answer      string
	Requirement session.Requirement
	KBMarkdown  string
	// CandidateImages are local image files offered to the model, in the
	// order their indices refer to.
	CandidateImages []string
}

// Sections is the builder output. DemandSource and ProductStatement are empty
// when the builder has nothing better than the defaults. A nil
// SelectedImages means no selection was made; an empty non-nil slice is an
// explicit choice of no images.
type Sections struct {
	DemandSource     string
	ProductStatement string
	SystemCurrent    draft.SystemCurrent
	SystemChanges    draft.SystemChanges
	SelectedImages   []int
}

// SectionBuilder produces the three draft sections.
type SectionBuilder interface {
	Build(ctx context.Context, in BuildInput) (Sections, error)
}

// LLMSectionBuilder asks the model for the sections, attaching candidate
// images so the model can pick the relevant ones.
type LLMSectionBuilder struct {
	chat Chatter
}

func NewLLMSectionBuilder(chat Chatter) *LLMSectionBuilder {
	return &LLMSectionBuilder{chat: chat}
}

func (b *LLMSectionBuilder) Build(ctx context.Context, in BuildInput) (Sections, error) {
	tpl := prompts.MustLoad(prompts.BuildDraft)
	reqJSON, err := json.Marshal(in.Requirement)
	if err != nil {
		return Sections{}, fmt.Errorf("encoding requirement: %w", err)
	}
	text := tpl.User(prompts.Vars{
		"user_request":                in.Request,
		"user_answer":                 in.Answer,
		"requirement_structured_json": string(reqJSON),
		"kb_markdown":                 in.KBMarkdown,
	})
	if len(in.CandidateImages) > 0 {
		text += "\n" + tpl.Render("image_instruction", nil)
	}
	text = strings.TrimSpace(text + "\n" + tpl.Render("output_schema", nil))

	user := llm.User(text)
	// sent maps the index the model sees to the candidate index.
	var sent []int
	if len(in.CandidateImages) > 0 {
		parts := []llm.Part{llm.TextPart(text)}
		for i, path := range in.CandidateImages {
			url, err := llm.ImageDataURL(path)
			if err != nil {
				slog.Debug("skipping candidate image", "path", path, "error", err)
				continue
			}
			parts = append(parts, llm.ImagePart(url))
			sent = append(sent, i)
		}
		if len(sent) > 0 {
			user = llm.Message{Role: "user", Parts: parts}
		}
	}

	raw, err := b.chat.Chat(ctx, []llm.Message{llm.System(tpl.System(nil)), user}, llm.DefaultOptions)
	if err != nil {
		return Sections{}, err
	}

	var reply struct {
		BusinessRequirement struct {
			DemandSource     string `json:"demand_source"`
			ProductStatement string `json:"product_statement"`
		} `json:"business_requirement"`
		SystemCurrent struct {
			draft.SystemCurrent
			SelectedImageIndices json.RawMessage `json:"selected_image_indices"`
		} `json:"system_current"`
		SystemChanges draft.SystemChanges `json:"system_changes"`
	}
	if err := llm.DecodeJSON(raw, &reply); err != nil {
		return Sections{}, fmt.Errorf("decoding draft sections: %w", err)
	}

	return Sections{
		DemandSource:     strings.TrimSpace(reply.BusinessRequirement.DemandSource),
		ProductStatement: strings.TrimSpace(reply.BusinessRequirement.ProductStatement),
		SystemCurrent:    reply.SystemCurrent.SystemCurrent,
		SystemChanges:    reply.SystemChanges,
		SelectedImages:   selectedIndices(reply.SystemCurrent.SelectedImageIndices, sent),
	}, nil
}

// selectedIndices decodes the model's index list. Entries that are not
// integers or fall outside the images sent are dropped. A missing or
// non-list value yields nil.
func selectedIndices(raw json.RawMessage, sent []int) []int {
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil || items == nil {
		return nil
	}
	out := []int{}
	for _, item := range items {
		var i int
		if json.Unmarshal(item, &i) != nil || i < 0 || i >= len(sent) {
			continue
		}
		out = append(out, sent[i])
	}
	return out
}

// RuleSectionBuilder derives the sections from keywords in the knowledge
// text and the user's words. It never fails.
type RuleSectionBuilder struct{}

func (RuleSectionBuilder) Build(_ context.Context, in BuildInput) (Sections, error) {
	fe, be, nt := deriveSystemCurrent(in.KBMarkdown)
	overview, feChange, beChange, ntChange := deriveSystemChanges(in.Request, in.Answer)

	rules := in.KBMarkdown
	if rules == "" {
		rules = "（待从知识库补充当前业务规则）"
	}
	var s Sections
	s.SystemCurrent.BusinessRules = rules
	s.SystemCurrent.FrontendCurrent.Description = fe
	s.SystemCurrent.BackendCurrent.Description = be
	s.SystemCurrent.NotificationCurrent.Description = nt
	s.SystemChanges.ChangeOverview = overview
	s.SystemChanges.FrontendChanges.Description = feChange
	s.SystemChanges.BackendChanges.Overview = beChange
	s.SystemChanges.NotificationChanges.Description = ntChange
	return s, nil
}

var (
	frontendKeywords     = []string{"页面", "前端", "展示", "交互", "浮层", "弹框", "调仓明细", "确认调仓", "持仓", "占比"}
	backendKeywords      = []string{"接口", "拆单", "流程", "订单", "垫资", "申购", "赎回", "后端", "中台"}
	notificationKeywords = []string{"通知", "消息", "模板", "触发", "到账"}
)

// deriveSystemCurrent buckets knowledge lines into frontend, backend and
// notification descriptions. A line lands in the first bucket it matches.
func deriveSystemCurrent(kbText string) (frontend, backend, notification string) {
	if strings.TrimSpace(kbText) == "" {
		return "（知识库暂无命中，待补充前端现状）",
			"（知识库暂无命中，待补充后端现状）",
			"（知识库暂无命中，待补充通知现状）"
	}
	var fe, be, nt []string
	for _, line := range strings.Split(kbText, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case containsAny(line, frontendKeywords):
			fe = append(fe, line)
		case containsAny(line, backendKeywords):
			be = append(be, line)
		case containsAny(line, notificationKeywords):
			nt = append(nt, line)
		}
	}

	frontend = "（知识库中与前端/页面相关描述较少，可结合上方业务规则补充）"
	if len(fe) > 0 {
		frontend = truncate(strings.Join(fe[:min(len(fe), 8)], " "), 500)
	}
	backend = "（知识库中与后端/流程相关描述较少，可结合上方业务规则补充）"
	if len(be) > 0 {
		backend = truncate(strings.Join(be[:min(len(be), 8)], " "), 500)
	}
	notification = "当前知识库片段未单独描述通知，沿用现有逻辑。"
	if len(nt) > 0 {
		notification = truncate(strings.Join(nt[:min(len(nt), 5)], " "), 300)
	}
	return frontend, backend, notification
}

// deriveSystemChanges phrases the change sections from the request and the
// user's answer.
func deriveSystemChanges(request, answer string) (overview, frontend, backend, notification string) {
	combined := strings.TrimSpace(request + " " + answer)
	subject := answer
	if subject == "" {
		subject = request
	}

	overview = "（待基于需求与知识库进一步梳理改动总览）"
	if combined != "" {
		overview = truncate("根据需求「"+request+"」与用户补充："+answer+"。", 400)
	}

	frontend = "（若仅后端或配置改动则可为无；否则请结合需求补充）"
	if containsAny(combined, []string{"前端", "页面", "展示", "隐藏", "去掉", "文案", "弹框", "调仓明细", "确认调仓"}) {
		frontend = truncate("根据需求与用户补充："+subject+"。涉及前端展示或交互调整。", 350)
	}

	switch {
	case containsAny(combined, []string{"不改后端", "无后端", "后端无", "仅前端"}):
		backend = "无。不修改后端接口与逻辑。"
	case containsAny(combined, []string{"后端", "接口", "拆单", "流程", "逻辑"}):
		backend = truncate("根据需求与用户补充待进一步确认："+subject+"。", 350)
	default:
		backend = "（若需求仅涉及前端展示则填无）"
	}

	notification = "无。"
	if containsAny(combined, []string{"通知", "消息", "推送"}) {
		notification = truncate("根据需求与用户补充："+subject+"。", 200)
	}
	return overview, frontend, backend, notification
}

// truncate caps s at limit runes, ending with "..." when cut.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
