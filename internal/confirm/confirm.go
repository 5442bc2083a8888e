// Package confirm shows the draft to the user and classifies their reply.
package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/rsagent/internal/draft"
	"github.com/kalambet/rsagent/internal/editor"
	"github.com/kalambet/rsagent/internal/llm"
	"github.com/kalambet/rsagent/internal/prompts"
)

// DefaultPrompt asks the user to confirm the displayed draft.
const DefaultPrompt = "请确认以上内容是否无误，确认后将继续做完整性检查并生成最终文档。"

const (
	clarifyQuestion = "请具体说明需要修改的部分或您的建议，以便更新草稿。"
	parseTimeout    = 60 * time.Second
)

type Status string

const (
	Confirmed          Status = "confirmed"
	Revised            Status = "revised"
	NeedsClarification Status = "needs_clarification"
	RedoPartial        Status = "request_redo_partial"
	RedoFull           Status = "request_redo_full"
)

func (s Status) valid() bool {
	switch s {
	case Confirmed, Revised, NeedsClarification, RedoPartial, RedoFull:
		return true
	}
	return false
}

// Redo scopes.
const (
	ScopeFull                = "full"
	ScopeBusinessRequirement = "business_requirement"
	ScopeSystemCurrent       = "system_current"
	ScopeSystemChanges       = "system_changes"
)

// Result is the classification of one feedback message. Updates holds
// business_requirement string fields to merge when Status is Revised.
type Result struct {
	Status                Status
	UserMessage           string
	Updates               map[string]string
	ClarificationQuestion string
	RedoScope             string
}

// Display is the draft presentation for the confirmation turn.
type Display struct {
	Content string
	Prompt  string
}

// Show renders d for confirmation.
func Show(d *draft.Draft) Display {
	return Display{Content: editor.RenderDraft(d), Prompt: DefaultPrompt}
}

// Chatter is the chat completion capability used for parsing.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

// Confirmer classifies feedback with the model when available and with the
// keyword rules otherwise. It never changes the draft.
type Confirmer struct {
	chat Chatter
}

// New creates a Confirmer. A nil chat means rules only.
func New(chat Chatter) *Confirmer {
	return &Confirmer{chat: chat}
}

func (c *Confirmer) Parse(ctx context.Context, d *draft.Draft, message string) Result {
	if c.chat != nil {
		res, err := c.parseLLM(ctx, d, message)
		if err == nil {
			return res
		}
		slog.Warn("llm feedback parsing failed, using keyword rules", "error", err)
	}
	return ParseRules(d, message)
}

func (c *Confirmer) parseLLM(ctx context.Context, d *draft.Draft, message string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, parseTimeout)
	defer cancel()

	draftJSON, err := json.Marshal(d)
	if err != nil {
		return Result{}, fmt.Errorf("encoding draft: %w", err)
	}
	tpl := prompts.MustLoad(prompts.ConfirmerParse)
	raw, err := c.chat.Chat(ctx, []llm.Message{
		llm.System(tpl.System(nil)),
		llm.User(tpl.User(prompts.Vars{"draft_json": string(draftJSON), "user_message": message})),
	}, llm.DefaultOptions)
	if err != nil {
		return Result{}, err
	}

	var reply struct {
		Status                string                     `json:"status"`
		SuggestedDraftUpdates map[string]json.RawMessage `json:"suggested_draft_updates"`
		ClarificationQuestion string                     `json:"clarification_question"`
		RedoScope             string                     `json:"redo_scope"`
	}
	if err := llm.DecodeJSON(raw, &reply); err != nil {
		return Result{}, fmt.Errorf("decoding feedback classification: %w", err)
	}
	status := Status(strings.TrimSpace(reply.Status))
	if !status.valid() {
		return Result{}, fmt.Errorf("unknown feedback status %q", reply.Status)
	}

	res := Result{
		Status:                status,
		UserMessage:           message,
		ClarificationQuestion: strings.TrimSpace(reply.ClarificationQuestion),
		RedoScope:             strings.TrimSpace(reply.RedoScope),
	}
	if status == NeedsClarification && res.ClarificationQuestion == "" {
		res.ClarificationQuestion = clarifyQuestion
	}
	if br, ok := reply.SuggestedDraftUpdates[ScopeBusinessRequirement]; ok {
		var fields map[string]any
		if err := json.Unmarshal(br, &fields); err == nil {
			for k, v := range fields {
				if s, ok := v.(string); ok {
					if res.Updates == nil {
						res.Updates = make(map[string]string)
					}
					res.Updates[k] = s
				}
			}
		}
	}
	return res, nil
}

var (
	fullRedoKeywords    = []string{"整体重做", "全部重做", "重新生成", "从头再来"}
	partialRedoKeywords = []string{"只改业务需求", "只改系统现状", "只改系统改动点", "只改业务", "只改现状", "只改改动点"}
	partialRedoPieces   = []string{"一块", "部分", "一段"}
	confirmKeywords     = []string{"确认", "没问题", "OK", "ok", "好", "可以", "无异议", "通过"}
	negativeMarkers     = []string{"不", "有问", "错", "改"}
)

// ParseRules classifies feedback with an ordered keyword decision table:
// full redo, partial redo, confirmation, short negative reply, and
// otherwise a revision appended to the product statement.
func ParseRules(d *draft.Draft, message string) Result {
	msg := strings.TrimSpace(message)
	res := Result{UserMessage: message}

	switch {
	case containsAny(msg, fullRedoKeywords):
		res.Status = RedoFull
		res.RedoScope = ScopeFull
	case containsAny(msg, partialRedoKeywords):
		res.Status = RedoPartial
		switch {
		case strings.Contains(msg, "业务"):
			res.RedoScope = ScopeBusinessRequirement
		case strings.Contains(msg, "现状"):
			res.RedoScope = ScopeSystemCurrent
		default:
			res.RedoScope = ScopeSystemChanges
		}
	case strings.Contains(msg, "重做") && containsAny(msg, partialRedoPieces):
		res.Status = RedoPartial
		res.RedoScope = ScopeSystemChanges
	case msg == "" || containsAny(msg, confirmKeywords):
		res.Status = Confirmed
	case len([]rune(msg)) <= 4 && containsAny(msg, negativeMarkers):
		res.Status = NeedsClarification
		res.ClarificationQuestion = clarifyQuestion
	default:
		res.Status = Revised
		statement := msg
		if d != nil && d.BusinessRequirement.ProductStatement != "" {
			statement = d.BusinessRequirement.ProductStatement + "\n\n【用户补充】" + msg
		}
		res.Updates = map[string]string{"product_statement": statement}
	}
	return res
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
