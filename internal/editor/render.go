// Package editor renders a draft into the markdown documents shown to the
// user: the working draft during confirmation and the final document.
package editor

import (
	"fmt"
	"strings"

	"github.com/kalambet/rsagent/internal/draft"
)

// layout captures the differences between the draft and final documents.
type layout struct {
	title             string
	bullet            string
	notificationTitle string
	firstImagesPrefix string
	placeholderFE     string
	placeholderBE     string
	placeholderNT     string
	placeholderOver   string
	placeholderFEChg  string
	placeholderBEChg  string
	placeholderNTChg  string
	withRisksAndLog   bool
}

var finalLayout = layout{
	title:             "# 需求分析文档（正式版）",
	bullet:            "- ",
	notificationTitle: "### 通知 / 消息现状",
	firstImagesPrefix: "\n\n",
	placeholderFE:     "（待补充前端现状）",
	placeholderBE:     "（待补充后端现状）",
	placeholderNT:     "（待补充通知/消息现状）",
	placeholderOver:   "（待补充改动总览）",
	placeholderFEChg:  "（待补充前端改动点）",
	placeholderBEChg:  "（待补充后端改动点）",
	placeholderNTChg:  "（待补充通知/消息改动点）",
	withRisksAndLog:   true,
}

var draftLayout = layout{
	title:             "# 需求分析文档草稿",
	notificationTitle: "### 通知现状",
	firstImagesPrefix: "\n",
	placeholderFE:     draft.Placeholder,
	placeholderBE:     draft.Placeholder,
	placeholderNT:     draft.Placeholder,
	placeholderOver:   draft.Placeholder,
	placeholderFEChg:  draft.Placeholder,
	placeholderBEChg:  draft.Placeholder,
	placeholderNTChg:  draft.Placeholder,
}

// RenderFinal renders the final requirement analysis document, including
// risks and the clarification log appendix.
func RenderFinal(d *draft.Draft) string {
	return strings.TrimSpace(render(d, finalLayout))
}

// RenderDraft renders the working draft shown for confirmation.
func RenderDraft(d *draft.Draft) string {
	return render(d, draftLayout)
}

func render(d *draft.Draft, l layout) string {
	if d == nil {
		d = &draft.Draft{}
	}
	br := d.BusinessRequirement
	sc := d.SystemCurrent
	ch := d.SystemChanges

	var b strings.Builder
	w := func(format string, args ...any) { fmt.Fprintf(&b, format, args...) }

	w("%s\n\n## 一、业务需求\n\n- 需求来源：%s\n- 产品化表述：%s\n\n---\n\n## 二、系统现状\n\n### 业务规则与逻辑\n\n%s\n",
		l.title,
		draft.Sanitize(br.DemandSource, draft.Placeholder),
		draft.Sanitize(br.ProductStatement, draft.Placeholder),
		draft.Sanitize(sc.BusinessRules, draft.Placeholder),
	)
	w("\n\n### 前端现状\n\n%s%s\n\n### 后端现状\n\n%s%s\n",
		l.bullet, draft.Sanitize(sc.FrontendCurrent.Description, l.placeholderFE),
		l.bullet, draft.Sanitize(sc.BackendCurrent.Description, l.placeholderBE),
	)
	if s := draft.Sanitize(sc.BackendCurrent.Steps, ""); s != "" {
		w("\n\n#### 后端现状步骤（系统级别）\n\n%s\n", s)
	}
	if s := draft.Sanitize(sc.BackendCurrent.FlowMermaid, ""); s != "" {
		w("\n\n#### 后端现状流程图（系统级别）\n\n%s\n", s)
	}
	w("\n\n%s\n\n%s%s\n", l.notificationTitle, l.bullet, draft.Sanitize(sc.NotificationCurrent.Description, l.placeholderNT))
	if s := draft.Sanitize(sc.NotificationCurrent.TableMarkdown, ""); s != "" {
		w("\n\n#### 通知现状表格\n\n%s\n", s)
	}
	images := imageBlock(sc.ImageURLs)
	if images != "" {
		b.WriteString(l.firstImagesPrefix + images)
	}

	w("\n\n---\n\n## 三、系统改动点\n\n### 改动总览\n\n%s\n\n### 前端改动点\n\n%s\n\n### 后端改动点\n\n",
		draft.Sanitize(ch.ChangeOverview, l.placeholderOver),
		draft.Sanitize(ch.FrontendChanges.Description, l.placeholderFEChg),
	)
	be := ch.BackendChanges
	overview := draft.Sanitize(be.Overview, "")
	steps := draft.Sanitize(be.Steps, "")
	flow := draft.Sanitize(be.FlowMermaid, "")
	flowImage := strings.TrimSpace(be.FlowImageURL)
	if overview != "" || steps != "" || flow != "" || flowImage != "" {
		if overview != "" {
			w("%s\n\n", overview)
		}
		if steps != "" {
			w("#### 后端改动步骤\n\n%s\n\n", steps)
		}
		if flow != "" {
			w("#### 后端改动流程图\n\n%s\n", flow)
		}
		if flowImage != "" {
			w("\n#### 后端改动流程示意图\n\n![后端改动流程图](%s)\n", flowImage)
		}
	} else {
		w("%s\n", l.placeholderBEChg)
	}

	w("\n\n### 通知改动点\n\n%s\n", draft.Sanitize(ch.NotificationChanges.Description, l.placeholderNTChg))
	if s := draft.Sanitize(ch.NotificationChanges.TableMarkdown, ""); s != "" {
		w("\n\n#### 通知改动表格\n\n%s\n", s)
	}
	if images != "" {
		b.WriteString("\n\n" + images)
	}

	if !l.withRisksAndLog {
		return b.String()
	}

	if len(ch.Risks) > 0 {
		lines := make([]string, 0, len(ch.Risks))
		for _, r := range ch.Risks {
			lines = append(lines, "- "+draft.Sanitize(r, draft.Placeholder))
		}
		b.WriteString("\n\n### 风险与回滚要点\n\n" + strings.Join(lines, "\n"))
	}
	b.WriteString("\n")

	if items := br.ClarificationLog.Items; len(items) > 0 {
		lines := []string{"", "<details open>", "<summary>待澄清项记录</summary>", ""}
		for i, it := range items {
			lines = append(lines,
				fmt.Sprintf("### 第 %d 轮（来源：%s）", i+1, draft.Sanitize(it.Source, "")),
				"- **问题**："+draft.Sanitize(it.Question, ""),
				"- **用户答案**："+draft.Sanitize(it.Answer, ""),
				"",
			)
		}
		lines = append(lines, "</details>")
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String()
}

func imageBlock(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	lines := make([]string, 0, len(urls))
	for _, u := range urls {
		lines = append(lines, "![附图]("+u+")")
	}
	return "### 附图（来自知识库）\n" + strings.Join(lines, "\n")
}
