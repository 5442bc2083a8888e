// Package defend checks a draft for completeness before it becomes the
// final document and phrases follow-up questions for what is missing.
package defend

import (
	"strings"

	"github.com/kalambet/rsagent/internal/draft"
)

// Reasons a field is reported missing.
const (
	ReasonEmpty         = "required_but_empty"
	ReasonPlaceholder   = "placeholder"
	ReasonInvalidFormat = "invalid_format"
)

// Field paths that carry structured content.
const (
	PathCurrentFlow    = "system_current.backend_current.flow_mermaid"
	PathChangesFlow    = "system_changes.backend_changes.flow_mermaid"
	PathCurrentTable   = "system_current.notification_current.table_markdown"
	PathChangesTable   = "system_changes.notification_changes.table_markdown"
	PathChangeOverview = "system_changes.change_overview"
)

const (
	mermaidFence        = "```mermaid"
	notificationHeader  = "|通知场景|通知内容|"
	overviewEnoughRunes = 20
	suggestedQueryRunes = 20
	genericQuestion     = "请补充具体的改动总览，以及前端/后端/通知各自需要做哪些调整。"
)

// NotificationNone values mark a notification table that has nothing to list.
var NotificationNone = map[string]bool{"无": true, "（无）": true, "无。": true}

type requirement struct {
	path     string
	question string
}

var requiredPaths = []requirement{
	{"business_requirement.demand_source", "请补充需求来源（用户原始表述）。"},
	{"business_requirement.product_statement", "请补充产品化表述（背景、目标、范围、约束）。"},
	{"system_current.business_rules", "请补充当前业务规则与逻辑。"},
	{"system_current.frontend_current.description", "请补充前端现状（页面、交互、数据展示）。"},
	{"system_current.backend_current.description", "请补充后端现状（模块、功能、流程）。"},
	{PathCurrentFlow, "请补充后端现状的系统级流程图（Mermaid）。"},
	{"system_current.notification_current", "请补充通知现状（类型、触发条件、模板与渠道）。"},
	{PathCurrentTable, "请补充通知现状表格（通知场景/通知内容）。"},
	{PathChangeOverview, "请补充改动总览（模块、优先级、依赖）。"},
	{"system_changes.frontend_changes.description", "请补充前端改动说明。"},
	{"system_changes.backend_changes.overview", "请补充后端改动概述（系统级）。"},
	{PathChangesFlow, "请补充后端改动的系统级流程图（Mermaid）。"},
	{"system_changes.notification_changes.description", "请补充通知改动说明。"},
	{PathChangesTable, "请补充通知改动表格（通知场景/通知内容）。"},
}

type formatRule struct {
	path     string
	question string
	valid    func(string) bool
}

var formatRules = []formatRule{
	{PathCurrentFlow, "后端现状流程图需要以 ```mermaid 代码块形式给出（从行首开始）。请补充。", hasMermaid},
	{PathChangesFlow, "后端改动流程图需要以 ```mermaid 代码块形式给出（从行首开始）。请补充。", hasMermaid},
	{PathCurrentTable, "通知现状表格表头必须是：| 通知场景 | 通知内容 |。若知识库无通知信息可填「无」。", validNotificationTable},
	{PathChangesTable, "通知改动表格表头必须是：| 通知场景 | 通知内容 |。若无通知改动可填「无」。", validNotificationTable},
}

// MissingField describes one field that blocks completion.
type MissingField struct {
	Path           string `json:"field_path"`
	Reason         string `json:"reason"`
	Question       string `json:"question"`
	SuggestedQuery string `json:"suggested_query_to_kb"`
}

// Result is the outcome of a completeness check.
type Result struct {
	Complete  bool           `json:"is_complete"`
	Questions []string       `json:"questions"`
	Missing   []MissingField `json:"missing_fields"`
}

// Paths returns the distinct field paths of the missing entries in order.
func (r Result) Paths() []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range r.Missing {
		if !seen[m.Path] {
			seen[m.Path] = true
			out = append(out, m.Path)
		}
	}
	return out
}

// Check inspects d. It is pure: the same draft always yields the same
// result. A field is missing when blank or still carrying the placeholder
// token; flow diagrams and notification tables must also be well formed.
func Check(d *draft.Draft) Result {
	if d == nil {
		d = &draft.Draft{}
	}
	var missing []MissingField

	for _, req := range requiredPaths {
		v, _ := d.Field(req.path)
		switch {
		case draft.Blank(v):
			missing = append(missing, newMissing(req.path, ReasonEmpty, req.question))
		case strings.Contains(v, draft.PlaceholderToken):
			missing = append(missing, newMissing(req.path, ReasonPlaceholder, req.question))
		}
	}

	for _, rule := range formatRules {
		v, _ := d.Field(rule.path)
		if strings.TrimSpace(v) != "" && !rule.valid(v) {
			missing = append(missing, newMissing(rule.path, ReasonInvalidFormat, rule.question))
		}
	}

	if overviewSufficient(d.SystemChanges.ChangeOverview) {
		kept := missing[:0]
		for _, m := range missing {
			if !strings.Contains(m.Path, "change_overview") && !strings.Contains(m.Path, "business_changes") {
				kept = append(kept, m)
			}
		}
		missing = kept
	}

	if len(missing) == 0 {
		return Result{Complete: true, Questions: []string{}, Missing: []MissingField{}}
	}

	questions := make([]string, 0, len(missing))
	for _, m := range missing {
		if m.Question != "" {
			questions = append(questions, m.Question)
		}
	}
	if len(questions) == 0 {
		questions = []string{genericQuestion}
	}
	return Result{Questions: questions, Missing: missing}
}

func newMissing(path, reason, question string) MissingField {
	section, _, _ := strings.Cut(path, ".")
	q := []rune(question)
	return MissingField{
		Path:           path,
		Reason:         reason,
		Question:       question,
		SuggestedQuery: section + " " + string(q[:min(len(q), suggestedQueryRunes)]),
	}
}

// overviewSufficient reports whether the change overview has enough real
// content that asking about it again would loop.
func overviewSufficient(overview string) bool {
	s := strings.TrimSpace(strings.ReplaceAll(overview, draft.PlaceholderToken, ""))
	return len([]rune(s)) >= overviewEnoughRunes
}

func hasMermaid(v string) bool {
	return strings.Contains(v, mermaidFence)
}

func validNotificationTable(v string) bool {
	return NotificationNone[strings.TrimSpace(v)] || HasNotificationHeader(v)
}

// HasNotificationHeader reports whether text contains a notification table
// header, ignoring whitespace.
func HasNotificationHeader(text string) bool {
	return strings.Contains(strings.Join(strings.Fields(text), ""), notificationHeader)
}
