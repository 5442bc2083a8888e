package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/rsagent/internal/confirm"
	"github.com/kalambet/rsagent/internal/draft"
	"github.com/kalambet/rsagent/internal/intent"
	"github.com/kalambet/rsagent/internal/kb"
	"github.com/kalambet/rsagent/internal/kbquery"
	"github.com/kalambet/rsagent/internal/orchestrator"
	"github.com/kalambet/rsagent/internal/session"
	"github.com/kalambet/rsagent/internal/storage"
)

type fakeRouter struct {
	in    intent.Intent
	panic bool
}

func (f fakeRouter) Route(context.Context, string) intent.Decision {
	if f.panic {
		panic("router exploded at /secret/path")
	}
	return intent.Decision{Intent: f.in, Method: intent.MethodRule, Confidence: 1}
}

type fakeKB struct {
	res   kbquery.Result
	err   error
	calls int
}

func (f *fakeKB) Query(context.Context, string, []string) (kbquery.Result, error) {
	f.calls++
	return f.res, f.err
}

type stubRetriever struct {
	markdown string
}

func (r stubRetriever) Query(context.Context, string, []string) (kb.Result, error) {
	return kb.Result{Markdown: r.markdown}, nil
}

type failingHistory struct{}

func (failingHistory) CreateConversation(string, string, string) error { return errors.New("disk full") }
func (failingHistory) AddMessage(string, string, string, string) error { return errors.New("disk full") }
func (failingHistory) UpdateConversationStatus(string, string) error { return errors.New("disk full") }

type harness struct {
	c       *Coordinator
	kb      *fakeKB
	store   *session.MemoryStore
	history *storage.Store
}

func newHarness(t *testing.T, router Router) *harness {
	t.Helper()
	history, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	store := session.NewMemoryStore()
	engine := orchestrator.New(store, stubRetriever{markdown: "确认调仓页展示调仓明细"}, orchestrator.Options{ImagesDir: t.TempDir()})
	knowledge := &fakeKB{}
	c := New(router, knowledge, engine, confirm.New(nil), history, Hints{KBQueryLLM: true, KBMaxSubQueries: 4})
	c.now = func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }
	return &harness{c: c, kb: knowledge, store: store, history: history}
}

func collect(t *testing.T, c *Coordinator, req Request) []Event {
	t.Helper()
	var events []Event
	for ev := range c.Process(context.Background(), req) {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events")
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Type != EventTrace {
			t.Fatalf("event %d is %q before the terminal event", i, ev.Type)
		}
	}
	return events
}

func terminal(t *testing.T, events []Event) *Final {
	t.Helper()
	last := events[len(events)-1]
	if last.Type != EventFinal {
		t.Fatalf("terminal event = %q (%+v)", last.Type, last.Err)
	}
	return last.Final
}

func payloadTypes(t *testing.T, h *storage.Store, id string) []string {
	t.Helper()
	conv, err := h.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation(%s): %v", id, err)
	}
	var types []string
	for _, m := range conv.Messages {
		types = append(types, m.PayloadType)
	}
	return types
}

func completeDraft() *draft.Draft {
	mermaid := "```mermaid\nflowchart TD\nA-->B\n```"
	d := &draft.Draft{TemplateName: draft.TemplateName}
	d.BusinessRequirement.DemandSource = "去掉确认调仓页的调仓明细"
	d.BusinessRequirement.ProductStatement = "简化确认调仓页"
	d.SystemCurrent.BusinessRules = "调仓需用户确认"
	d.SystemCurrent.FrontendCurrent.Description = "确认调仓页展示调仓明细"
	d.SystemCurrent.BackendCurrent = draft.BackendCurrent{Description: "调仓接口返回明细", FlowMermaid: mermaid}
	d.SystemCurrent.NotificationCurrent = draft.Notification{Description: "调仓完成通知", TableMarkdown: "无"}
	d.SystemChanges.ChangeOverview = "隐藏明细"
	d.SystemChanges.FrontendChanges.Description = "移除明细组件"
	d.SystemChanges.BackendChanges = draft.BackendChanges{Overview: "无", FlowMermaid: mermaid}
	d.SystemChanges.NotificationChanges = draft.Notification{Description: "无", TableMarkdown: "无"}
	return d
}

func putSession(t *testing.T, h *harness, state session.State, d *draft.Draft) *session.Session {
	t.Helper()
	s := session.New("去掉确认调仓页的调仓明细")
	s.State = state
	s.Draft = d
	if err := h.store.Put(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if err := h.history.CreateConversation(s.ID, string(intent.OrchFlow), storage.StatusActive); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestProcess_KBQuery(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.KBQuery})
	h.kb.res = kbquery.Result{
		FinalMarkdown: "调仓规则如下",
		RawMarkdown:   "raw",
		SubQueries:    []string{"调仓规则"},
		UsedLLM:       true,
		ImagePaths:    []string{"/tmp/kb/img_1.png"},
	}

	events := collect(t, h.c, Request{Text: "调仓规则是什么？"})
	final := terminal(t, events)

	if final.SessionID != "" || final.Intent != intent.KBQuery || final.PayloadType != PayloadKBAnswer {
		t.Fatalf("final = %+v", final)
	}
	content := final.Content.(KBAnswer)
	if content.Markdown != "调仓规则如下" || !content.UsedLLM || content.RawMarkdown != "raw" {
		t.Errorf("content = %+v", content)
	}
	if len(content.Images) != 1 || content.Images[0] != "/api/kb-images/img_1.png" {
		t.Errorf("images = %v", content.Images)
	}
	if content.KBRuns == nil {
		t.Error("kbRuns must encode as a list")
	}

	convs, err := h.history.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Status != storage.StatusDone || convs[0].Intent != string(intent.KBQuery) {
		t.Fatalf("conversations = %+v", convs)
	}
	if len(convs[0].ID) != 32 || strings.Contains(convs[0].ID, "-") {
		t.Errorf("conversation id = %q, want uuid hex", convs[0].ID)
	}
	got := strings.Join(payloadTypes(t, h.history, convs[0].ID), ",")
	if got != "USER_QUERY,TRACE,KB_ANSWER" {
		t.Errorf("messages = %s", got)
	}
}

func TestProcess_KBQueryStoresEmptyMarker(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.KBQuery})

	terminal(t, collect(t, h.c, Request{Text: "调仓规则是什么？"}))

	convs, _ := h.history.ListConversations(1, 0)
	conv, err := h.history.GetConversation(convs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if last := conv.Messages[len(conv.Messages)-1]; last.Content != emptyKBAnswer {
		t.Errorf("stored answer = %q", last.Content)
	}
}

func TestProcess_TraceTrailStored(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.KBQuery})
	h.kb.res = kbquery.Result{FinalMarkdown: "ok"}

	events := collect(t, h.c, Request{Text: "调仓规则是什么？"})
	traces := len(events) - 1

	convs, _ := h.history.ListConversations(1, 0)
	conv, _ := h.history.GetConversation(convs[0].ID)
	var steps []TraceStep
	for _, m := range conv.Messages {
		if m.PayloadType == PayloadTrace {
			if err := json.Unmarshal([]byte(m.Content), &steps); err != nil {
				t.Fatalf("decoding trace: %v", err)
			}
		}
	}
	if len(steps) != traces {
		t.Fatalf("stored %d steps, emitted %d", len(steps), traces)
	}
	if steps[0].Phase != PhaseIntent || steps[0].Detail != "session_id=none" || steps[0].TS != "2025-03-01T09:30:00" {
		t.Errorf("first step = %+v", steps[0])
	}
	if steps[len(steps)-1].Phase != PhaseKB {
		t.Errorf("last step = %+v", steps[len(steps)-1])
	}
}

func TestRun_KBAllFailed(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.KBQuery})
	h.kb.err = &kb.QueryError{Msg: "KB 查询失败：所有检索子问题均未成功返回结果。"}

	_, err := h.c.Run(context.Background(), Request{Text: "调仓规则是什么？"})
	var pe *Error
	if !errors.As(err, &pe) || pe.StatusCode != 502 {
		t.Fatalf("err = %v, want 502", err)
	}
	if !strings.HasPrefix(pe.Message, "KB 查询失败") {
		t.Errorf("message = %q", pe.Message)
	}
	if convs, _ := h.history.ListConversations(10, 0); len(convs) != 0 {
		t.Errorf("failed KB turn stored %d conversations", len(convs))
	}
}

func TestRun_KBOtherErrorIsGeneric(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.KBQuery})
	h.kb.err = errors.New("exec: /opt/kb/python: permission denied")

	_, err := h.c.Run(context.Background(), Request{Text: "调仓规则是什么？"})
	var pe *Error
	if !errors.As(err, &pe) || pe.StatusCode != 500 || pe.Message != internalMsg {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_Validation(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.OrchFlow})

	_, err := h.c.Run(context.Background(), Request{Text: "  \n"})
	var pe *Error
	if !errors.As(err, &pe) || pe.StatusCode != 400 || pe.Message != emptyTextMsg {
		t.Fatalf("err = %v, want 400", err)
	}
	if h.kb.calls != 0 {
		t.Error("validation failure must not reach the knowledge base")
	}
}

func TestRun_UnknownSession(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.OrchFlow})

	_, err := h.c.Run(context.Background(), Request{SessionID: "missing", Text: "确认"})
	var pe *Error
	if !errors.As(err, &pe) || pe.StatusCode != 404 || pe.Message != sessionGoneMsg {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestProcess_PanicIsGeneric500(t *testing.T) {
	h := newHarness(t, fakeRouter{panic: true})

	events := collect(t, h.c, Request{Text: "去掉调仓明细"})
	last := events[len(events)-1]
	if last.Type != EventError || last.Err.StatusCode != 500 {
		t.Fatalf("terminal = %+v", last)
	}
	if strings.Contains(last.Err.Message, "secret") {
		t.Errorf("internal detail leaked: %q", last.Err.Message)
	}
}

func TestProcess_HistoryFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.KBQuery})
	h.c.history = failingHistory{}
	h.kb.res = kbquery.Result{FinalMarkdown: "ok"}

	final, err := h.c.Run(context.Background(), Request{Text: "调仓规则是什么？"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.PayloadType != PayloadKBAnswer {
		t.Errorf("payload = %s", final.PayloadType)
	}
}

func TestScenario_OrchFlow(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.OrchFlow})
	ctx := context.Background()

	first, err := h.c.Run(ctx, Request{Text: "去掉确认调仓页面的调仓明细"})
	if err != nil {
		t.Fatalf("new turn: %v", err)
	}
	if first.PayloadType != PayloadOpenQuestions || first.SessionID == "" {
		t.Fatalf("first = %+v", first)
	}
	if qs := first.Content.(Questions).Questions; len(qs) == 0 {
		t.Fatal("no open questions")
	}
	if got := strings.Join(payloadTypes(t, h.history, first.SessionID), ","); got != "USER_REQUEST,TRACE,OPEN_QUESTIONS" {
		t.Errorf("messages after new turn = %s", got)
	}

	second, err := h.c.Run(ctx, Request{SessionID: first.SessionID, Text: "只隐藏明细，不改后端"})
	if err != nil {
		t.Fatalf("answer turn: %v", err)
	}
	dc := second.Content.(DraftContent)
	if second.PayloadType != PayloadDraft || dc.PromptToUser != confirm.DefaultPrompt || dc.Markdown == "" {
		t.Fatalf("second = %+v", second)
	}
	s, _ := h.store.Get(ctx, first.SessionID)
	if s.State != session.StateDraftReady {
		t.Errorf("state = %s, want DRAFT_READY", s.State)
	}

	third, err := h.c.Run(ctx, Request{SessionID: first.SessionID, Text: "确认"})
	if err != nil {
		t.Fatalf("confirm turn: %v", err)
	}
	if third.PayloadType != PayloadOpenQuestions {
		t.Fatalf("third = %+v", third)
	}
	s, _ = h.store.Get(ctx, first.SessionID)
	if s.State != session.StateDefending || len(s.LastDefendQuestions) == 0 || len(s.LastDefendFields) == 0 {
		t.Errorf("session after incomplete check = %s %v", s.State, s.LastDefendFields)
	}
	conv, _ := h.history.GetConversation(first.SessionID)
	if conv.Status != storage.StatusActive {
		t.Errorf("conversation status = %s", conv.Status)
	}
}

func TestProcess_DefendCompletes(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.OrchFlow})
	s := putSession(t, h, session.StateDefending, completeDraft())

	final, err := h.c.Run(context.Background(), Request{SessionID: s.ID, Text: "明细入口同步下线"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.PayloadType != PayloadFinalDoc {
		t.Fatalf("final = %+v", final)
	}
	doc := final.Content.(FinalDoc).Markdown
	if !strings.Contains(doc, "需求分析文档（正式版）") || !strings.Contains(doc, "明细入口同步下线") {
		t.Errorf("document missing content:\n%s", doc)
	}

	got, _ := h.store.Get(context.Background(), s.ID)
	if got.State != session.StateDone {
		t.Errorf("state = %s, want DONE", got.State)
	}
	conv, _ := h.history.GetConversation(s.ID)
	if conv.Status != storage.StatusDone {
		t.Errorf("conversation status = %s", conv.Status)
	}
	if types := strings.Join(payloadTypes(t, h.history, s.ID), ","); types != "USER_DEFEND,TRACE,FINAL_DOC" {
		t.Errorf("messages = %s", types)
	}

	again, err := h.c.Run(context.Background(), Request{SessionID: s.ID, Text: "还有吗"})
	if err != nil {
		t.Fatalf("Run after done: %v", err)
	}
	if again.PayloadType != PayloadInfo || again.Content.(Info).Message != doneMsg {
		t.Errorf("after done = %+v", again)
	}
}

func TestProcess_ConfirmBranches(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		payload  string
		state    session.State
		contains string
	}{
		{"clarification", "不对", PayloadOpenQuestions, session.StateConfirming, ""},
		{"redo", "整体重做", PayloadInfo, session.StateConfirming, redoReplyMsg},
		{"confirmed complete", "没问题", PayloadFinalDoc, session.StateDone, "需求分析文档"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fakeRouter{in: intent.OrchFlow})
			s := putSession(t, h, session.StateDraftReady, completeDraft())

			final, err := h.c.Run(context.Background(), Request{SessionID: s.ID, Text: tt.text})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if final.PayloadType != tt.payload {
				t.Fatalf("payload = %s, want %s", final.PayloadType, tt.payload)
			}
			raw, _ := json.Marshal(final)
			if !strings.Contains(string(raw), tt.contains) {
				t.Errorf("final %s does not contain %q", raw, tt.contains)
			}
			got, _ := h.store.Get(context.Background(), s.ID)
			if got.State != tt.state {
				t.Errorf("state = %s, want %s", got.State, tt.state)
			}
		})
	}
}

func TestProcess_RedoIsRecorded(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.OrchFlow})
	s := putSession(t, h, session.StateConfirming, completeDraft())

	if _, err := h.c.Run(context.Background(), Request{SessionID: s.ID, Text: "整体重做"}); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.Get(context.Background(), s.ID)
	if len(got.RedoRequests) != 1 || got.RedoRequests[0] != "full: 整体重做" {
		t.Errorf("redo requests = %q", got.RedoRequests)
	}
	conv, _ := h.history.GetConversation(s.ID)
	last := conv.Messages[len(conv.Messages)-1]
	if last.PayloadType != PayloadInfo || last.Content != redoRecordedMsg {
		t.Errorf("last message = %+v", last)
	}
}

func TestProcess_StopBeforeMutation(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.OrchFlow})
	s := session.New("去掉调仓明细")
	s.State = session.StateWaitingAnswers
	if err := h.store.Put(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	for ev := range h.c.Process(context.Background(), Request{SessionID: s.ID, Text: "只隐藏"}) {
		if ev.Type == EventTrace && ev.Trace.Phase == PhaseBuildDraft {
			break
		}
	}

	got, _ := h.store.Get(context.Background(), s.ID)
	if got.State != session.StateWaitingAnswers || got.Draft != nil || len(got.UserAnswers) != 0 {
		t.Errorf("session changed after the consumer stopped: %+v", got)
	}
}

func TestProcess_StopAtDefendCheck(t *testing.T) {
	incomplete := func() *draft.Draft {
		d := completeDraft()
		d.SystemChanges.BackendChanges.FlowMermaid = ""
		return d
	}
	tests := []struct {
		name  string
		state session.State
		text  string
	}{
		{"confirm", session.StateDraftReady, "确认"},
		{"defend", session.StateDefending, "补充一点"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fakeRouter{in: intent.OrchFlow})
			s := putSession(t, h, tt.state, incomplete())

			for ev := range h.c.Process(context.Background(), Request{SessionID: s.ID, Text: tt.text}) {
				if ev.Type == EventTrace && ev.Trace.Title == "defend.Check · 开始" {
					break
				}
			}

			got, _ := h.store.Get(context.Background(), s.ID)
			if got.State != session.StateDefending || len(got.LastDefendQuestions) == 0 {
				t.Fatalf("state = %s, questions = %q", got.State, got.LastDefendQuestions)
			}
			overview := got.Draft.SystemChanges.ChangeOverview
			if n := strings.Count(overview, "【补充说明】"); tt.name == "defend" && n != 1 {
				t.Errorf("overview = %q", overview)
			}

			// A retry is a defend answer against the recorded questions.
			final, err := h.c.Run(context.Background(), Request{SessionID: s.ID, Text: "再补充"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if final.PayloadType != PayloadOpenQuestions {
				t.Errorf("payload = %s", final.PayloadType)
			}
			got, _ = h.store.Get(context.Background(), s.ID)
			items := got.Draft.BusinessRequirement.ClarificationLog.Items
			if len(items) == 0 || items[len(items)-1].Source != draft.SourceDefend || items[len(items)-1].Answer != "再补充" {
				t.Errorf("clarification log = %+v", items)
			}
		})
	}
}

func TestProcess_CancelledContextLeavesSession(t *testing.T) {
	h := newHarness(t, fakeRouter{in: intent.OrchFlow})
	s := putSession(t, h, session.StateDefending, completeDraft())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.c.Run(ctx, Request{SessionID: s.ID, Text: "补充"}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	got, _ := h.store.Get(context.Background(), s.ID)
	if got.State != session.StateDefending || got.Draft.SystemChanges.ChangeOverview != "隐藏明细" {
		t.Errorf("session mutated: %s %q", got.State, got.Draft.SystemChanges.ChangeOverview)
	}
}

func TestFinalMarshalJSON(t *testing.T) {
	raw, err := json.Marshal(Final{Intent: intent.KBQuery, PayloadType: PayloadKBAnswer, Content: Info{Message: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"sessionId":null`) || strings.Count(string(raw), "sessionId") != 1 {
		t.Errorf("json = %s", raw)
	}
	raw, _ = json.Marshal(Final{SessionID: "abc", Intent: intent.OrchFlow})
	if !strings.Contains(string(raw), `"sessionId":"abc"`) {
		t.Errorf("json = %s", raw)
	}
}

func TestKV(t *testing.T) {
	got := kv("a", "x\ny", "b", "  ", "c", true, "duration_ms", 1500*time.Millisecond, "n", 3)
	if want := "a=x y | c=true | duration_ms=1500 | n=3"; got != want {
		t.Errorf("kv = %q, want %q", got, want)
	}
}

func TestLLMDetail(t *testing.T) {
	h := newHarness(t, fakeRouter{})
	h.c.hints = Hints{LLMConfigured: true, LLMModel: "qwen-plus", LLMBaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1/"}
	got := (&turn{c: h.c}).llmDetail("calls_hint", "llm_collect")
	want := "target=internal | calls_hint=llm_collect | llm_configured=true | llm_endpoint=http:POST dashscope.aliyuncs.com/compatible-mode/v1/chat/completions | llm_model=qwen-plus"
	if got != want {
		t.Errorf("detail = %q\nwant     %q", got, want)
	}

	h.c.hints = Hints{}
	if got := (&turn{c: h.c}).llmDetail(); got != "target=internal | llm_configured=false" {
		t.Errorf("unconfigured detail = %q", got)
	}
}
