// Package intent routes the first message of a conversation to either a
// knowledge base answer or the requirement analysis flow.
package intent

import (
	"regexp"
	"strings"
)

type Intent string

const (
	KBQuery  Intent = "KB_QUERY"
	OrchFlow Intent = "ORCH_FLOW"
)

// Confidence levels produced by the keyword rules.
const (
	strongConfidence = 1.0
	weakConfidence   = 0.7
	strongThreshold  = 0.9
)

var kbStrongKeywords = []string{
	"查询知识库",
	"查知识库",
	"用知识库",
	"调用知识库",
	"交易规则",
	"交易系统规则",
}

var orchStrongKeywords = []string{
	"系统改动点",
	"改动点",
	"需求分析",
	"生成需求分析",
}

// Question-style phrasing about rules or trading objects leans to KB_QUERY.
var kbQuestionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:什么|怎么|如何|哪些|几|多少|是否|有没有|能否).*(?:规则|流程|逻辑|配置|现状|机制|策略|方案)`),
	regexp.MustCompile(`(?:规则|流程|逻辑|配置|现状|机制|策略|方案).*(?:是什么|有哪些|怎么样|如何)`),
	regexp.MustCompile(`(?:定投|调仓|赎回|申购|追加|份额|基金|组合|持仓|下单|拆单).*(?:规则|流程|逻辑|怎么|是什么|有哪些)`),
	regexp.MustCompile(`(?:规则|流程|逻辑).*(?:定投|调仓|赎回|申购|追加|份额|基金|组合|持仓|下单|拆单)`),
}

// Change verbs lean to ORCH_FLOW.
var orchActionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:新增|增加|添加|修改|调整|优化|去掉|移除|删除|隐藏|改为|改成|替换|升级|重构|上线|需要)`),
}

// Rules classifies text with keyword rules only. It returns an empty intent
// and zero confidence when the text is ambiguous.
func Rules(text string) (Intent, float64) {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return OrchFlow, strongConfidence
	}

	if containsAny(normalized, kbStrongKeywords) {
		return KBQuery, strongConfidence
	}
	if containsAny(normalized, orchStrongKeywords) {
		return OrchFlow, strongConfidence
	}

	kbScore := countMatches(normalized, kbQuestionPatterns)
	orchScore := countMatches(normalized, orchActionPatterns)

	switch {
	case kbScore > 0 && orchScore == 0:
		return KBQuery, weakConfidence
	case orchScore > 0 && kbScore == 0:
		return OrchFlow, weakConfidence
	}
	return "", 0
}

// Detect is the rules-only path; ambiguous text defaults to ORCH_FLOW.
func Detect(text string) Intent {
	if in, _ := Rules(text); in != "" {
		return in
	}
	return OrchFlow
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func countMatches(s string, patterns []*regexp.Regexp) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(s) {
			n++
		}
	}
	return n
}
