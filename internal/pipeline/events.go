package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/rsagent/internal/intent"
	"github.com/kalambet/rsagent/internal/kbquery"
)

// Event types.
const (
	EventTrace = "trace"
	EventFinal = "final"
	EventError = "error"
)

// Trace phases.
const (
	PhaseIntent     = "INTENT"
	PhaseKB         = "KB"
	PhaseCollect    = "COLLECT"
	PhaseBuildDraft = "BUILD_DRAFT"
	PhaseConfirm    = "CONFIRM"
	PhaseDefend     = "DEFEND"
	PhaseEditor     = "EDITOR"
)

// Trace levels.
const (
	LevelInfo = "info"
	LevelWarn = "warn"
)

// Payload types of final events and stored messages.
const (
	PayloadUserQuery     = "USER_QUERY"
	PayloadUserRequest   = "USER_REQUEST"
	PayloadUserAnswer    = "USER_ANSWER"
	PayloadUserFeedback  = "USER_FEEDBACK"
	PayloadUserDefend    = "USER_DEFEND"
	PayloadKBAnswer      = "KB_ANSWER"
	PayloadOpenQuestions = "OPEN_QUESTIONS"
	PayloadDraft         = "DRAFT"
	PayloadFinalDoc      = "FINAL_DOC"
	PayloadInfo          = "INFO"
	PayloadTrace         = "TRACE"
)

// TraceStep is one progress notification.
type TraceStep struct {
	TS     string `json:"ts"`
	Phase  string `json:"phase"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Level  string `json:"level"`
}

// Final is the terminal payload of a successful turn. An empty SessionID
// encodes as null (knowledge answers have no session).
type Final struct {
	SessionID   string        `json:"sessionId"`
	Intent      intent.Intent `json:"intent"`
	PayloadType string        `json:"payloadType"`
	Content     any           `json:"content"`
}

func (f Final) MarshalJSON() ([]byte, error) {
	type alias Final
	var sid any
	if f.SessionID != "" {
		sid = f.SessionID
	}
	return json.Marshal(struct {
		SessionID any `json:"sessionId"`
		alias
	}{sid, alias(f)})
}

// Error is the terminal payload of a failed turn. Message is safe to show
// to users.
type Error struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// Event is one element of a turn's stream. Exactly one of Trace, Final and
// Err is set, matching Type.
type Event struct {
	Type  string
	Trace *TraceStep
	Final *Final
	Err   *Error
}

// Data returns the payload for the event's type.
func (e Event) Data() any {
	switch e.Type {
	case EventTrace:
		return e.Trace
	case EventFinal:
		return e.Final
	default:
		return e.Err
	}
}

// Content shapes per payload type.
type (
	KBAnswer struct {
		Markdown    string        `json:"markdown"`
		Images      []string      `json:"images"`
		UsedLLM     bool          `json:"usedLLM"`
		SubQueries  []string      `json:"subQueries"`
		RawMarkdown string        `json:"rawMarkdown"`
		KBRuns      []kbquery.Run `json:"kbRuns"`
	}
	Questions struct {
		Questions []string `json:"questions"`
	}
	DraftContent struct {
		Markdown     string `json:"markdown"`
		PromptToUser string `json:"prompt_to_user"`
	}
	FinalDoc struct {
		Markdown string `json:"markdown"`
	}
	Info struct {
		Message string `json:"message"`
	}
)

// kv formats trace details as "k=v | k=v". Pairs with an empty string value
// are dropped and newlines are flattened.
func kv(pairs ...any) string {
	var parts []string
	for i := 0; i+1 < len(pairs); i += 2 {
		var v string
		switch val := pairs[i+1].(type) {
		case string:
			v = strings.TrimSpace(val)
			if v == "" {
				continue
			}
			v = strings.NewReplacer("\n", " ", "\r", " ").Replace(v)
		case time.Duration:
			v = fmt.Sprint(val.Milliseconds())
		default:
			v = fmt.Sprint(val)
		}
		parts = append(parts, fmt.Sprintf("%v=%s", pairs[i], v))
	}
	return strings.Join(parts, " | ")
}

// numbered joins items as "1. a\n2. b".
func numbered(items []string) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = fmt.Sprintf("%d. %s", i+1, it)
	}
	return strings.Join(lines, "\n")
}
