// Package orchestrator drives a requirement analysis session from the first
// request through answered questions, draft, confirmation and completeness
// checks to the final document.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/rsagent/internal/confirm"
	"github.com/kalambet/rsagent/internal/defend"
	"github.com/kalambet/rsagent/internal/draft"
	"github.com/kalambet/rsagent/internal/kb"
	"github.com/kalambet/rsagent/internal/session"
)

const requerySeparator = "\n\n--- 根据用户补充检索 ---\n\n"

// FlowRenderer turns a backend flow description into an image URL, or ""
// when no image could be made.
type FlowRenderer interface {
	Flowchart(ctx context.Context, description string) string
}

// Options wires the optional collaborators. Nil Collector and Builder fall
// back to the rule implementations; a nil Flow disables flow images.
type Options struct {
	ImagesDir string
	Collector Collector
	Builder   SectionBuilder
	Flow      FlowRenderer
}

// Engine owns session state transitions. Every step loads the session,
// mutates a private copy and stores it only when the step finished and the
// context is still live, so a cancelled turn leaves the session untouched.
// Concurrent turns on one session are last writer wins.
type Engine struct {
	store     session.Store
	retriever kb.Retriever
	imagesDir string
	collector Collector
	builder   SectionBuilder
	flow      FlowRenderer
}

func New(store session.Store, retriever kb.Retriever, opts Options) *Engine {
	dir := opts.ImagesDir
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Engine{
		store:     store,
		retriever: retriever,
		imagesDir: dir,
		collector: opts.Collector,
		builder:   opts.Builder,
		flow:      opts.Flow,
	}
}

// Create starts a session in COLLECT for request.
func (e *Engine) Create(ctx context.Context, request string) (*session.Session, error) {
	s := session.New(request)
	if err := e.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return s, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*session.Session, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) update(ctx context.Context, id string, fn func(s *session.Session) error) (*session.Session, error) {
	s, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return s, nil
}

// EnsureCollect runs the collection step once: one knowledge base query on
// the request, candidate images, and the structured requirement with its
// open questions. A retrieval failure is returned.
func (e *Engine) EnsureCollect(ctx context.Context, id string) (*session.Session, error) {
	return e.update(ctx, id, func(s *session.Session) error {
		return e.collect(ctx, s)
	})
}

func (e *Engine) collect(ctx context.Context, s *session.Session) error {
	if s.State != session.StateCollect || s.KnowledgeMarkdown != "" {
		return nil
	}
	res, err := e.retriever.Query(ctx, s.UserRequest, nil)
	if err != nil {
		return fmt.Errorf("collecting knowledge: %w", err)
	}
	s.KnowledgeMarkdown = res.Markdown

	paths := kb.ExtractBestImages(kb.ExtractImageRefs(res.Markdown, kb.DefaultMaxImageRefs), e.imagesDir, kb.DefaultMaxBestImages)
	if len(paths) == 0 {
		paths = res.Images
	}
	s.KBImageURLs = nil
	for _, p := range paths {
		s.KBImageURLs = append(s.KBImageURLs, kb.ImageURL(p))
	}

	req, err := e.requirement(ctx, s.UserRequest, res.Markdown)
	if err != nil {
		return err
	}
	s.Requirement = req
	s.OpenQuestions = append([]string(nil), req.OpenQuestions...)
	s.State = session.StateWaitingAnswers
	return nil
}

func (e *Engine) requirement(ctx context.Context, request, kbMarkdown string) (session.Requirement, error) {
	if e.collector != nil {
		req, err := e.collector.Collect(ctx, request, kbMarkdown)
		if err == nil {
			return req, nil
		}
		if ctx.Err() != nil {
			return session.Requirement{}, ctx.Err()
		}
		slog.Warn("llm collect failed, using rule-based questions", "error", err)
	}
	return RuleCollector{}.Collect(ctx, request, kbMarkdown)
}

// Answer records the user's answer to the open questions, refreshes the
// knowledge with a second query and builds the draft.
func (e *Engine) Answer(ctx context.Context, id, answer string) (*session.Session, error) {
	return e.update(ctx, id, func(s *session.Session) error {
		if err := e.collect(ctx, s); err != nil {
			return err
		}
		s.UserAnswers = append(s.UserAnswers, answer)
		e.requery(ctx, s, answer)

		s.Requirement = session.Requirement{
			DemandSource:     s.UserRequest,
			ProductStatement: answer,
			OpenQuestions:    append([]string(nil), s.OpenQuestions...),
		}
		candidatePaths, candidateURLs := e.candidates(s.KBImageURLs)

		sections, err := e.sections(ctx, BuildInput{
			Request:         s.UserRequest,
			Answer:          answer,
			Requirement:     s.Requirement,
			KBMarkdown:      s.KnowledgeMarkdown,
			CandidateImages: candidatePaths,
		})
		if err != nil {
			return err
		}

		d := &draft.Draft{TemplateName: draft.TemplateName}
		d.BusinessRequirement.DemandSource = s.UserRequest
		d.BusinessRequirement.ProductStatement = answer
		if sections.DemandSource != "" {
			d.BusinessRequirement.DemandSource = sections.DemandSource
			s.Requirement.DemandSource = sections.DemandSource
		}
		if sections.ProductStatement != "" {
			d.BusinessRequirement.ProductStatement = sections.ProductStatement
			s.Requirement.ProductStatement = sections.ProductStatement
		}
		d.BusinessRequirement.OpenQuestions = append([]string(nil), s.OpenQuestions...)
		d.AppendClarification(strings.Join(s.OpenQuestions, "\n"), answer, draft.SourceCollect)

		d.SystemCurrent = sections.SystemCurrent
		d.SystemChanges = sections.SystemChanges
		d.SystemCurrent.TablesMarkdown = kb.ExtractTableAggregate(s.KnowledgeMarkdown)
		d.SystemCurrent.ImageURLs = selectImages(sections.SelectedImages, candidateURLs, s.KBImageURLs)

		if e.flow != nil {
			if desc := flowDescription(d.SystemChanges.BackendChanges); desc != "" {
				d.SystemChanges.BackendChanges.FlowImageURL = e.flow.Flowchart(ctx, desc)
			}
		}

		s.Draft = d
		s.State = session.StateDraftReady
		return nil
	})
}

// requery refreshes the knowledge with the request and answer combined.
// It is best effort: a failure is logged and the draft is built from what
// is already known.
func (e *Engine) requery(ctx context.Context, s *session.Session, answer string) {
	res, err := e.retriever.Query(ctx, strings.TrimSpace(s.UserRequest+" "+answer), nil)
	if err != nil {
		slog.Warn("knowledge requery failed", "session_id", s.ID, "error", err)
		return
	}
	if res.Markdown != "" {
		s.KnowledgeMarkdown += requerySeparator + res.Markdown
	}

	seen := make(map[string]bool, len(s.KBImageURLs))
	for _, u := range s.KBImageURLs {
		seen[filepath.Base(u)] = true
	}
	add := func(paths []string) {
		for _, p := range paths {
			name := filepath.Base(p)
			if seen[name] {
				continue
			}
			seen[name] = true
			s.KBImageURLs = append(s.KBImageURLs, kb.ImageURL(p))
		}
	}
	add(res.Images)
	if refs := kb.ExtractImageRefs(res.Markdown, kb.DefaultMaxImageRefs); len(refs) > 0 {
		add(kb.ExtractBestImages(refs, e.imagesDir, kb.DefaultMaxBestImages))
	}
}

// candidates resolves image URLs to files in the images directory, keeping
// only those that exist. Both slices share indices.
func (e *Engine) candidates(urls []string) (paths, kept []string) {
	for _, u := range urls {
		p := filepath.Join(e.imagesDir, filepath.Base(u))
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			paths = append(paths, p)
			kept = append(kept, u)
		}
	}
	return paths, kept
}

func (e *Engine) sections(ctx context.Context, in BuildInput) (Sections, error) {
	if e.builder != nil {
		s, err := e.builder.Build(ctx, in)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return Sections{}, ctx.Err()
		}
		slog.Warn("llm draft build failed, using rule-based sections", "error", err)
	}
	return RuleSectionBuilder{}.Build(ctx, in)
}

// selectImages applies an explicit index selection over the candidates.
// Without a selection, or without candidates, every known image is shown.
func selectImages(selected []int, candidates, all []string) []string {
	if selected == nil || len(candidates) == 0 {
		return append([]string(nil), all...)
	}
	out := make([]string, 0, len(selected))
	for _, i := range selected {
		if i >= 0 && i < len(candidates) {
			out = append(out, candidates[i])
		}
	}
	return out
}

func flowDescription(b draft.BackendChanges) string {
	var parts []string
	for _, v := range []string{b.Overview, b.Steps} {
		if !draft.Blank(v) {
			parts = append(parts, strings.TrimSpace(v))
		}
	}
	return strings.Join(parts, "\n")
}

// Confirm handles a reply to the displayed draft in one stored step: the
// classified feedback is applied and, when the session moves on to
// DEFENDING, the completeness check runs on the same copy. The returned
// check is nil when feedback kept the session in CONFIRMING.
func (e *Engine) Confirm(ctx context.Context, id string, res confirm.Result) (*session.Session, *defend.Result, error) {
	var check *defend.Result
	s, err := e.update(ctx, id, func(s *session.Session) error {
		ApplyFeedback(s, res)
		if s.State == session.StateDefending {
			r := settle(s)
			check = &r
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return s, check, nil
}

// Defend merges a reply to completeness questions and checks the draft
// again, storing the outcome once.
func (e *Engine) Defend(ctx context.Context, id, answer string) (*session.Session, defend.Result, error) {
	var check defend.Result
	s, err := e.update(ctx, id, func(s *session.Session) error {
		ApplyDefend(s, answer)
		check = settle(s)
		return nil
	})
	if err != nil {
		return nil, defend.Result{}, err
	}
	return s, check, nil
}

// settle runs the completeness check and records its outcome: questions
// keep the session in DEFENDING, otherwise it is DONE.
func settle(s *session.Session) defend.Result {
	res := defend.Check(s.Draft)
	if !res.Complete && len(res.Questions) > 0 {
		RecordIncomplete(s, res)
	} else {
		MarkDone(s)
	}
	return res
}

// ApplyFeedback applies a classified confirmation reply. A clarification
// request or a redo request keeps the session in CONFIRMING (redo is
// recorded, not performed); a revision merges business requirement fields;
// everything else moves on to DEFENDING.
func ApplyFeedback(s *session.Session, res confirm.Result) {
	if s.Draft == nil {
		s.Draft = &draft.Draft{TemplateName: draft.TemplateName}
	}
	switch res.Status {
	case confirm.NeedsClarification:
		if q := strings.TrimSpace(res.ClarificationQuestion); q != "" {
			s.OpenQuestions = append(s.OpenQuestions, q)
			s.Draft.BusinessRequirement.OpenQuestions = append(s.Draft.BusinessRequirement.OpenQuestions, q)
		}
		s.State = session.StateConfirming
	case confirm.RedoPartial, confirm.RedoFull:
		scope := res.RedoScope
		if scope == "" {
			scope = confirm.ScopeFull
		}
		s.RedoRequests = append(s.RedoRequests, scope+": "+res.UserMessage)
		s.State = session.StateConfirming
	case confirm.Revised:
		s.Draft.ApplyBusinessUpdates(res.Updates)
		s.State = session.StateDefending
	default:
		s.State = session.StateDefending
	}
}

// ApplyDefend merges a reply to completeness questions into the draft: the
// text goes into the change overview and the clarification log, and fenced
// diagrams or notification tables fill the structured fields the last check
// flagged.
func ApplyDefend(s *session.Session, answer string) {
	if s.Draft == nil {
		s.Draft = &draft.Draft{TemplateName: draft.TemplateName}
	}
	d := s.Draft

	overview := d.SystemChanges.ChangeOverview
	switch {
	case strings.Contains(overview, draft.PlaceholderToken), overview == "":
		d.SystemChanges.ChangeOverview = answer
	default:
		d.SystemChanges.ChangeOverview = overview + "\n\n【补充说明】" + answer
	}

	if len(s.LastDefendQuestions) > 0 {
		d.AppendClarification(strings.Join(s.LastDefendQuestions, "\n"), answer, draft.SourceDefend)
	}
	routeStructured(d, s.LastDefendFields, answer)
	s.State = session.StateDefending
}

// RecordIncomplete keeps the questions and field paths of a failed
// completeness check for the next defend answer.
func RecordIncomplete(s *session.Session, res defend.Result) {
	s.LastDefendQuestions = append([]string(nil), res.Questions...)
	s.LastDefendFields = res.Paths()
	s.State = session.StateDefending
}

func MarkDone(s *session.Session) {
	s.State = session.StateDone
}
