package intent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/rsagent/internal/llm"
	"github.com/kalambet/rsagent/internal/prompts"
)

const classifyTimeout = 20 * time.Second

// Routing methods reported in traces.
const (
	MethodRule        = "rule"
	MethodLLM         = "llm"
	MethodLLMFallback = "llm_fallback"
)

var errUnrecognized = errors.New("unrecognized intent label")

// Chatter is the chat completion capability used for classification.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

// Decision is the routing outcome for one message.
type Decision struct {
	Intent     Intent
	Method     string
	Confidence float64
}

// LLMClassifier asks a model for the intent label.
type LLMClassifier struct {
	client Chatter
}

func NewLLMClassifier(client Chatter) *LLMClassifier {
	return &LLMClassifier{client: client}
}

// Classify returns KB_QUERY or ORCH_FLOW, or an error when the model is
// unavailable or its reply carries neither label.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Intent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errUnrecognized
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	tpl := prompts.MustLoad(prompts.IntentClassify)
	raw, err := c.client.Chat(ctx, []llm.Message{
		llm.System(tpl.System(nil)),
		llm.User(tpl.User(prompts.Vars{"user_text": text})),
	}, llm.Options{Temperature: 0, MaxTokens: 128})
	if err != nil {
		return "", err
	}
	return parseLabel(raw)
}

func parseLabel(raw string) (Intent, error) {
	var reply struct {
		Intent string `json:"intent"`
	}
	if err := llm.DecodeJSON(raw, &reply); err == nil {
		switch in := Intent(strings.ToUpper(strings.TrimSpace(reply.Intent))); in {
		case KBQuery, OrchFlow:
			return in, nil
		}
		return "", errUnrecognized
	}
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, string(KBQuery)):
		return KBQuery, nil
	case strings.Contains(upper, string(OrchFlow)):
		return OrchFlow, nil
	}
	return "", errUnrecognized
}

// Router combines the keyword rules with an optional model classifier.
// Strong keyword hits never reach the model; weak or ambiguous text is sent
// to the model, and any model failure falls back to the rule result or
// ORCH_FLOW.
type Router struct {
	llm *LLMClassifier
}

// NewRouter creates a router. A nil classifier means rules only.
func NewRouter(classifier *LLMClassifier) *Router {
	return &Router{llm: classifier}
}

func (r *Router) Route(ctx context.Context, text string) Decision {
	in, confidence := Rules(text)
	if in != "" && confidence >= strongThreshold {
		return Decision{Intent: in, Method: MethodRule, Confidence: confidence}
	}

	if r.llm != nil {
		got, err := r.llm.Classify(ctx, text)
		if err == nil {
			return Decision{Intent: got, Method: MethodLLM, Confidence: confidence}
		}
		slog.Warn("llm intent classification failed, using rules", "error", err)
	}

	if in == "" {
		in = OrchFlow
	}
	return Decision{Intent: in, Method: MethodLLMFallback, Confidence: confidence}
}
