// Package pipeline turns one inbound message into an ordered stream of
// trace events followed by exactly one final or error event.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/rsagent/internal/confirm"
	"github.com/kalambet/rsagent/internal/defend"
	"github.com/kalambet/rsagent/internal/draft"
	"github.com/kalambet/rsagent/internal/editor"
	"github.com/kalambet/rsagent/internal/intent"
	"github.com/kalambet/rsagent/internal/kb"
	"github.com/kalambet/rsagent/internal/kbquery"
	"github.com/kalambet/rsagent/internal/orchestrator"
	"github.com/kalambet/rsagent/internal/session"
	"github.com/kalambet/rsagent/internal/storage"
)

const (
	emptyKBAnswer   = "[空结果]"
	sessionGoneMsg  = "session 不存在或已过期"
	emptyTextMsg    = "text 不能为空"
	internalMsg     = "内部错误，请稍后重试"
	doneMsg         = "会话已完成，更多能力将在后续版本中提供。"
	redoRecordedMsg = "已记录您的重做要求；当前版本将先进入完整性检查并生成文档。后续版本将支持按块/整体重做。若需继续，请回复「确认」。"
	redoReplyMsg    = "已记录重做要求，请回复「确认」继续。"
)

// errStopped means the consumer stopped reading the stream.
var errStopped = errors.New("event stream closed by consumer")

var tracer = otel.Tracer("rsagent/pipeline")

// Router classifies new conversations.
type Router interface {
	Route(ctx context.Context, text string) intent.Decision
}

// KnowledgeBase answers knowledge questions.
type KnowledgeBase interface {
	Query(ctx context.Context, query string, images []string) (kbquery.Result, error)
}

// FeedbackParser classifies replies to a displayed draft.
type FeedbackParser interface {
	Parse(ctx context.Context, d *draft.Draft, message string) confirm.Result
}

// History records conversations and their messages. *storage.Store
// satisfies it.
type History interface {
	CreateConversation(id, intent, status string) error
	AddMessage(conversationID, role, payloadType, content string) error
	UpdateConversationStatus(id, status string) error
}

// Request is one inbound message. An empty SessionID starts a new
// conversation.
type Request struct {
	SessionID  string
	Text       string
	ImagePaths []string
}

// Hints describe the configured backends for trace details only.
type Hints struct {
	LLMConfigured   bool
	LLMModel        string
	LLMBaseURL      string
	ImageGenEnabled bool
	ImageGenURL     string
	ImageGenModel   string
	KBQueryLLM      bool
	KBMaxSubQueries int
}

// Coordinator runs turns. It holds no per-turn state and is safe for
// concurrent use.
type Coordinator struct {
	router  Router
	kb      KnowledgeBase
	engine  *orchestrator.Engine
	confirm FeedbackParser
	history History
	hints   Hints
	now     func() time.Time
}

// New creates a Coordinator wired to all pipeline components.
func New(router Router, knowledge KnowledgeBase, engine *orchestrator.Engine, parser FeedbackParser, history History, hints Hints) *Coordinator {
	return &Coordinator{
		router:  router,
		kb:      knowledge,
		engine:  engine,
		confirm: parser,
		history: history,
		hints:   hints,
		now:     time.Now,
	}
}

// Process returns the event stream of one turn. Breaking out of the range
// loop aborts the turn before its next step; steps already stored stay
// stored.
func (c *Coordinator) Process(ctx context.Context, req Request) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		ctx, span := tracer.Start(ctx, "pipeline.process",
			trace.WithAttributes(attribute.Bool("pipeline.new_conversation", req.SessionID == "")))
		defer span.End()

		t := &turn{c: c, yield: yield}
		final, err := t.run(ctx, req)
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			perr := publicError(err)
			if perr.StatusCode >= 500 {
				slog.Error("pipeline turn failed", "session_id", req.SessionID, "error", err)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			t.send(Event{Type: EventError, Err: perr})
			t.saveTrace()
			return
		}
		t.send(Event{Type: EventFinal, Final: final})
	}
}

// Run drains Process and returns the final payload. A failed turn returns
// a *Error.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Final, error) {
	for ev := range c.Process(ctx, req) {
		switch ev.Type {
		case EventFinal:
			return ev.Final, nil
		case EventError:
			return nil, ev.Err
		}
	}
	return nil, &Error{Message: internalMsg, StatusCode: 500}
}

// publicError maps err to what the caller may see.
func publicError(err error) *Error {
	var pe *Error
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, session.ErrNotFound):
		return &Error{Message: sessionGoneMsg, StatusCode: 404}
	}
	return &Error{Message: internalMsg, StatusCode: 500}
}

// turn is the state of one Process call.
type turn struct {
	c         *Coordinator
	yield     func(Event) bool
	yielding  bool
	steps     []TraceStep
	convID    string
	traceSent bool
}

func (t *turn) send(ev Event) bool {
	t.yielding = true
	ok := t.yield(ev)
	t.yielding = false
	return ok
}

func (t *turn) run(ctx context.Context, req Request) (final *Final, err error) {
	defer func() {
		if r := recover(); r != nil {
			if t.yielding {
				panic(r)
			}
			slog.Error("pipeline panic", "panic", r, "stack", string(debug.Stack()))
			final, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	sid := req.SessionID
	if sid == "" {
		sid = "none"
	}
	if err := t.emit(PhaseIntent, "pipeline · 收到请求", kv("session_id", sid)); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &Error{Message: emptyTextMsg, StatusCode: 400}
	}

	if req.SessionID == "" {
		return t.newConversation(ctx, text, req.ImagePaths)
	}
	return t.existing(ctx, req.SessionID, text)
}

// emit records a trace step and sends it.
func (t *turn) emit(phase, title, detail string) error {
	return t.emitLevel(phase, title, detail, LevelInfo)
}

func (t *turn) emitLevel(phase, title, detail, level string) error {
	step := TraceStep{
		TS:     t.c.now().Format("2006-01-02T15:04:05"),
		Phase:  phase,
		Title:  title,
		Detail: detail,
		Level:  level,
	}
	t.steps = append(t.steps, step)
	if !t.send(Event{Type: EventTrace, Trace: &step}) {
		return errStopped
	}
	return nil
}

// saveTrace stores the trace trail once per turn. Failures are logged.
func (t *turn) saveTrace() {
	if t.convID == "" || t.traceSent {
		return
	}
	t.traceSent = true
	data, err := json.Marshal(t.steps)
	if err != nil {
		slog.Warn("encoding trace failed", "error", err)
		return
	}
	t.record(storage.RoleAssistant, PayloadTrace, string(data))
}

// record appends a message to the turn's conversation. History is a side
// record, so failures are logged and the turn continues.
func (t *turn) record(role, payloadType, content string) {
	if err := t.c.history.AddMessage(t.convID, role, payloadType, content); err != nil {
		slog.Warn("storing message failed", "conversation_id", t.convID, "payload_type", payloadType, "error", err)
	}
}

func (t *turn) createConversation(id string, in intent.Intent, status string) {
	t.convID = id
	if err := t.c.history.CreateConversation(id, string(in), status); err != nil {
		slog.Warn("creating conversation failed", "conversation_id", id, "error", err)
	}
}

func (t *turn) phase(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline."+strings.ToLower(name))
}

func (t *turn) final(in intent.Intent, payloadType string, content any) *Final {
	return &Final{SessionID: t.convID, Intent: in, PayloadType: payloadType, Content: content}
}

// --- New conversations ---

func (t *turn) newConversation(ctx context.Context, text string, images []string) (*Final, error) {
	pctx, span := t.phase(ctx, PhaseIntent)
	start := time.Now()
	d := t.c.router.Route(pctx, text)
	span.SetAttributes(attribute.String("intent", string(d.Intent)), attribute.String("intent.method", d.Method))
	span.End()
	if err := t.emit(PhaseIntent, "intent.Route · 完成",
		kv("intent", string(d.Intent), "method", d.Method, "duration_ms", time.Since(start))); err != nil {
		return nil, err
	}

	if d.Intent == intent.KBQuery {
		return t.kbQuery(ctx, text, images)
	}
	return t.newSession(ctx, text)
}

func (t *turn) kbQuery(ctx context.Context, text string, images []string) (*Final, error) {
	h := t.c.hints
	if err := t.emit(PhaseKB, "kbquery.Query · 开始", kv(
		"target", "internal",
		"has_query_image", len(images) > 0,
		"llm_enabled", h.KBQueryLLM,
		"max_subqueries", h.KBMaxSubQueries,
	)); err != nil {
		return nil, err
	}

	pctx, span := t.phase(ctx, PhaseKB)
	start := time.Now()
	res, err := t.c.kb.Query(pctx, text, images)
	span.End()
	if err != nil {
		if kbquery.IsAllFailed(err) {
			var qe *kb.QueryError
			errors.As(err, &qe)
			return nil, &Error{Message: qe.Msg, StatusCode: 502}
		}
		return nil, fmt.Errorf("querying knowledge base: %w", err)
	}

	urls := make([]string, 0, len(res.ImagePaths))
	for _, p := range res.ImagePaths {
		urls = append(urls, kb.ImageURL(p))
	}
	if err := t.emit(PhaseKB, "kbquery.Query · 完成", kv(
		"images", len(urls),
		"used_llm", res.UsedLLM,
		"subqueries", len(res.SubQueries),
		"duration_ms", time.Since(start),
	)); err != nil {
		return nil, err
	}

	t.createConversation(strings.ReplaceAll(uuid.New().String(), "-", ""), intent.KBQuery, storage.StatusDone)
	t.record(storage.RoleUser, PayloadUserQuery, text)
	t.saveTrace()
	answer := res.FinalMarkdown
	if answer == "" {
		answer = emptyKBAnswer
	}
	t.record(storage.RoleAssistant, PayloadKBAnswer, answer)

	subQueries := res.SubQueries
	if subQueries == nil {
		subQueries = []string{}
	}
	runs := res.Runs
	if runs == nil {
		runs = []kbquery.Run{}
	}
	return &Final{Intent: intent.KBQuery, PayloadType: PayloadKBAnswer, Content: KBAnswer{
		Markdown:    res.FinalMarkdown,
		Images:      urls,
		UsedLLM:     res.UsedLLM,
		SubQueries:  subQueries,
		RawMarkdown: res.RawMarkdown,
		KBRuns:      runs,
	}}, nil
}

func (t *turn) newSession(ctx context.Context, text string) (*Final, error) {
	if err := t.emit(PhaseCollect, "orchestrator.Create · 创建会话", ""); err != nil {
		return nil, err
	}
	s, err := t.c.engine.Create(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := t.emit(PhaseCollect, "orchestrator.EnsureCollect · 开始", t.llmDetail(
		"calls_hint", "kb:subprocess run_all_sources.py, llm_collect",
	)); err != nil {
		return nil, err
	}
	pctx, span := t.phase(ctx, PhaseCollect)
	start := time.Now()
	s, err = t.c.engine.EnsureCollect(pctx, s.ID)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("collecting requirement: %w", err)
	}
	questions := s.OpenQuestions
	if err := t.emit(PhaseCollect, "orchestrator.EnsureCollect · 完成",
		kv("questions", len(questions), "duration_ms", time.Since(start))); err != nil {
		return nil, err
	}

	t.createConversation(s.ID, intent.OrchFlow, storage.StatusActive)
	t.record(storage.RoleUser, PayloadUserRequest, text)
	t.saveTrace()
	if len(questions) > 0 {
		t.record(storage.RoleAssistant, PayloadOpenQuestions, numbered(questions))
	}
	return t.final(intent.OrchFlow, PayloadOpenQuestions, Questions{Questions: nonNil(questions)}), nil
}

// --- Existing sessions ---

func (t *turn) existing(ctx context.Context, id, text string) (*Final, error) {
	if err := t.emit(PhaseIntent, "orchestrator.Get · 加载会话", kv("session_id", id)); err != nil {
		return nil, err
	}
	s, err := t.c.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.convID = s.ID
	if err := t.emit(PhaseIntent, "orchestrator · 会话状态", kv("state", string(s.State))); err != nil {
		return nil, err
	}

	switch s.State {
	case session.StateWaitingAnswers, session.StateCollect:
		return t.answer(ctx, s, text)
	case session.StateDraftReady, session.StateConfirming:
		return t.feedback(ctx, s, text)
	case session.StateDefending:
		return t.defend(ctx, s, text)
	}

	if err := t.emitLevel(PhaseIntent, "orchestrator · 会话已完成", "", LevelWarn); err != nil {
		return nil, err
	}
	t.saveTrace()
	t.record(storage.RoleAssistant, PayloadInfo, doneMsg)
	return t.final(intent.OrchFlow, PayloadInfo, Info{Message: doneMsg}), nil
}

func (t *turn) answer(ctx context.Context, s *session.Session, text string) (*Final, error) {
	h := t.c.hints
	imgEndpoint, imgModel := "", ""
	if h.ImageGenEnabled && h.ImageGenURL != "" {
		imgEndpoint, imgModel = "http:POST "+shortURL(h.ImageGenURL), h.ImageGenModel
	}
	if err := t.emit(PhaseBuildDraft, "orchestrator.Answer · 开始", t.llmDetail(
		"calls_hint", "kb:subprocess run_all_sources.py, llm_build_draft_sections, image_gen(optional)",
		"image_gen_enabled", h.ImageGenEnabled,
		"image_gen_endpoint", imgEndpoint,
		"image_gen_model", imgModel,
	)); err != nil {
		return nil, err
	}
	t.record(storage.RoleUser, PayloadUserAnswer, text)

	pctx, span := t.phase(ctx, PhaseBuildDraft)
	start := time.Now()
	s, err := t.c.engine.Answer(pctx, s.ID, text)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("building draft: %w", err)
	}
	display := confirm.Show(s.Draft)
	if err := t.emit(PhaseBuildDraft, "orchestrator.Answer · 完成", kv("duration_ms", time.Since(start))); err != nil {
		return nil, err
	}

	t.saveTrace()
	t.record(storage.RoleAssistant, PayloadDraft, display.Content)
	return t.final(intent.OrchFlow, PayloadDraft, DraftContent{Markdown: display.Content, PromptToUser: display.Prompt}), nil
}

func (t *turn) feedback(ctx context.Context, s *session.Session, text string) (*Final, error) {
	if err := t.emit(PhaseConfirm, "confirm.Parse · 开始", t.llmDetail(
		"calls_hint", "llm_confirmer_parse(optional) or keyword_fallback",
	)); err != nil {
		return nil, err
	}
	t.record(storage.RoleUser, PayloadUserFeedback, text)

	pctx, span := t.phase(ctx, PhaseConfirm)
	start := time.Now()
	res := t.c.confirm.Parse(pctx, s.Draft, text)
	span.SetAttributes(attribute.String("confirm.status", string(res.Status)))
	span.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.emit(PhaseConfirm, "confirm.Parse · 完成",
		kv("status", string(res.Status), "duration_ms", time.Since(start))); err != nil {
		return nil, err
	}

	start = time.Now()
	pctx, span = t.phase(ctx, PhaseDefend)
	s, check, err := t.c.engine.Confirm(pctx, s.ID, res)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("applying feedback: %w", err)
	}

	switch res.Status {
	case confirm.NeedsClarification:
		q := res.ClarificationQuestion
		t.saveTrace()
		t.record(storage.RoleAssistant, PayloadOpenQuestions, q)
		return t.final(intent.OrchFlow, PayloadOpenQuestions, Questions{Questions: []string{q}}), nil
	case confirm.RedoPartial, confirm.RedoFull:
		t.saveTrace()
		t.record(storage.RoleAssistant, PayloadInfo, redoRecordedMsg)
		return t.final(intent.OrchFlow, PayloadInfo, Info{Message: redoReplyMsg}), nil
	}
	return t.finish(s, *check, time.Since(start))
}

func (t *turn) defend(ctx context.Context, s *session.Session, text string) (*Final, error) {
	if err := t.emit(PhaseDefend, "orchestrator.ApplyDefend · 应用补充说明", kv("target", "internal")); err != nil {
		return nil, err
	}
	t.record(storage.RoleUser, PayloadUserDefend, text)

	pctx, span := t.phase(ctx, PhaseDefend)
	start := time.Now()
	s, check, err := t.c.engine.Defend(pctx, s.ID, text)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("applying defend answer: %w", err)
	}
	return t.finish(s, check, time.Since(start))
}

// finish reports a completeness check the engine already stored and either
// asks for the missing fields or renders the final document. The session
// is saved before any of these steps is sent, so a consumer that stops here
// leaves it consistent.
func (t *turn) finish(s *session.Session, check defend.Result, took time.Duration) (*Final, error) {
	if err := t.emit(PhaseDefend, "defend.Check · 开始", ""); err != nil {
		return nil, err
	}
	if err := t.emit(PhaseDefend, "defend.Check · 完成",
		kv("is_complete", check.Complete, "duration_ms", took)); err != nil {
		return nil, err
	}

	if s.State != session.StateDone {
		if err := t.emitLevel(PhaseDefend, "defend.Check · 待补充信息",
			kv("questions", len(check.Questions)), LevelWarn); err != nil {
			return nil, err
		}
		t.saveTrace()
		t.record(storage.RoleAssistant, PayloadOpenQuestions, numbered(check.Questions))
		return t.final(intent.OrchFlow, PayloadOpenQuestions, Questions{Questions: check.Questions}), nil
	}

	if err := t.emit(PhaseEditor, "editor.RenderFinal · 开始", ""); err != nil {
		return nil, err
	}
	start := time.Now()
	doc := editor.RenderFinal(s.Draft)
	if err := t.emit(PhaseEditor, "editor.RenderFinal · 完成", kv("duration_ms", time.Since(start))); err != nil {
		return nil, err
	}

	t.saveTrace()
	t.record(storage.RoleAssistant, PayloadFinalDoc, doc)
	if err := t.c.history.UpdateConversationStatus(s.ID, storage.StatusDone); err != nil {
		slog.Warn("updating conversation status failed", "conversation_id", s.ID, "error", err)
	}
	return t.final(intent.OrchFlow, PayloadFinalDoc, FinalDoc{Markdown: doc}), nil
}

// llmDetail prefixes extra pairs with the model backend description.
func (t *turn) llmDetail(extra ...any) string {
	h := t.c.hints
	endpoint, model := "", ""
	if h.LLMConfigured {
		endpoint = "http:POST " + shortURL(strings.TrimRight(h.LLMBaseURL, "/")+"/chat/completions")
		model = h.LLMModel
	}
	pairs := append([]any{"target", "internal"}, extra...)
	pairs = append(pairs, "llm_configured", h.LLMConfigured, "llm_endpoint", endpoint, "llm_model", model)
	return kv(pairs...)
}

// shortURL returns host+path of raw, or raw when it does not parse.
func shortURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Path == "" {
		return raw
	}
	return u.Host + u.Path
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
