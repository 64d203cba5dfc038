// Package orchestrator runs one chat turn end to end: it fits the history into the
// model's budget, streams the provider response to the client as frames and, when
// the turn completes, persists the answer and its usage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/contextwindow"
	apperrors "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/errors"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/metrics"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/provider"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/registry"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/store"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/streaming"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/tokens"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/usage"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/Sungblab/Sungblab-AI-backend-sub000/internal/orchestrator")

// Defaults for Settings fields left at zero.
const (
	DefaultWindowSize       = 15
	DefaultTriggerThreshold = 12
	DefaultPersistTimeout   = 10 * time.Second
)

// Attachment token estimates used when sizing the history budget. Providers bill
// images at a flat rate; other documents are sized conservatively.
const (
	imageAttachmentTokens    = 258
	documentAttachmentTokens = 1000
)

// ModelRegistry exposes model profiles.
type ModelRegistry interface {
	Lookup(model string) (registry.ModelProfile, bool)
	Resolve(model string) registry.ModelProfile
}

// Settings tune a turn. FlushBytes and FlushInterval can be changed at runtime
// with SetPacing.
type Settings struct {
	WindowSize       int
	TriggerThreshold int
	FlushBytes       int
	FlushInterval    time.Duration
	PersistTimeout   time.Duration
	// KeepAlive is the idle interval for keep-alive comments on writers that
	// support them. Zero disables.
	KeepAlive time.Duration
}

// Deps are the collaborators of an Orchestrator. Sessions, Files and Stats are optional.
type Deps struct {
	Models    ModelRegistry
	Client    provider.Client
	Counter   tokens.Counter
	Compactor *contextwindow.Compactor
	Selector  *contextwindow.Selector
	Messages  store.MessageStore
	Usage     store.UsageRecorder

	Sessions *provider.SessionCache
	Files    *provider.FilePoller
	Stats    *usage.Statistics
}

// Orchestrator drives turns. It is safe for concurrent use; each Run owns its own
// buffers and citation set.
type Orchestrator struct {
	deps   Deps
	budget *contextwindow.BudgetCalculator
	now    func() time.Time

	mu       sync.RWMutex
	settings Settings
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an Orchestrator.
func New(deps Deps, settings Settings, opts ...Option) *Orchestrator {
	if deps.Compactor == nil {
		deps.Compactor = contextwindow.NewCompactor(nil, nil)
	}
	if deps.Selector == nil {
		deps.Selector = contextwindow.NewSelector(deps.Counter, 0)
	}
	o := &Orchestrator{
		deps:     deps,
		budget:   contextwindow.NewBudgetCalculator(deps.Models),
		now:      time.Now,
		settings: normalizeSettings(settings),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func normalizeSettings(s Settings) Settings {
	if s.WindowSize <= 0 {
		s.WindowSize = DefaultWindowSize
	}
	if s.TriggerThreshold <= 0 {
		s.TriggerThreshold = DefaultTriggerThreshold
	}
	if s.FlushBytes <= 0 {
		s.FlushBytes = streaming.DefaultFlushBytes
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = streaming.DefaultFlushInterval
	}
	if s.PersistTimeout <= 0 {
		s.PersistTimeout = DefaultPersistTimeout
	}
	return s
}

// SetPacing changes the flush thresholds for turns started afterwards.
func (o *Orchestrator) SetPacing(flushBytes int, interval time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.settings
	s.FlushBytes, s.FlushInterval = flushBytes, interval
	o.settings = normalizeSettings(s)
}

func (o *Orchestrator) currentSettings() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// keepAliveWriter is implemented by transports that can send an idle heartbeat.
type keepAliveWriter interface {
	WriteKeepAlive() error
}

// Validate checks req against the request schema and the model's capabilities.
// It returns the model profile on success.
func (o *Orchestrator) Validate(req *Request) (registry.ModelProfile, error) {
	if err := req.Validate(); err != nil {
		return registry.ModelProfile{}, err
	}
	p, ok := o.deps.Models.Lookup(req.Model)
	if !ok {
		return registry.ModelProfile{}, apperrors.InvalidConfiguration("unknown model %q", req.Model).WithDetail("model", req.Model)
	}
	switch {
	case req.ExtendedReasoning && !p.SupportsReasoning:
		return p, apperrors.InvalidConfiguration("model %q does not support extended reasoning", req.Model)
	case req.WebGrounding && !p.SupportsGrounding:
		return p, apperrors.InvalidConfiguration("model %q does not support web grounding", req.Model)
	case req.CodeExecution && !p.SupportsCodeExecution:
		return p, apperrors.InvalidConfiguration("model %q does not support code execution", req.Model)
	case req.WebGrounding && req.CodeExecution && !p.SupportsToolCombination:
		return p, apperrors.InvalidConfiguration("model %q cannot combine web grounding with code execution", req.Model)
	case len(req.Files) > 0 && !p.SupportsMultimodal:
		return p, apperrors.InvalidConfiguration("model %q does not accept attachments", req.Model)
	}
	return p, nil
}

// Run executes one turn and writes its frames to w. Validation failures are
// returned as *errors.AppError before anything is written. Once streaming has
// begun, failures surface as an error frame and the returned State tells the
// outcome: ErrClientDisconnected for DISCONNECTED, the provider error for FAILED.
func (o *Orchestrator) Run(ctx context.Context, req Request, w streaming.FrameWriter) (State, error) {
	sess := &StreamSession{RoomID: req.RoomID, Model: req.Model, State: StateInit, StartedAt: o.now()}

	profile, err := o.Validate(&req)
	if err != nil {
		return sess.State, err
	}

	ctx, span := tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("room.id", req.RoomID),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
		attribute.Bool("extended_reasoning", req.ExtendedReasoning),
	))
	defer span.End()

	// Cancelling this context on every exit path stops the provider reader.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := &turn{o: o, req: req, profile: profile, sess: sess, w: w, settings: o.currentSettings()}
	state, err := t.run(ctx, span)

	span.SetAttributes(attribute.String("state", state.String()))
	if err != nil && state == StateFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return state, err
}

// turn holds the per-request state of Run.
type turn struct {
	o        *Orchestrator
	req      Request
	profile  registry.ModelProfile
	sess     *StreamSession
	w        streaming.FrameWriter
	settings Settings

	systemPrompt string
	inputTokens  int

	content, reasoning       strings.Builder
	contentBuf, reasoningBuf *streaming.Buffer
	citations                *streaming.CitationSet

	reasoningStart time.Time
	thoughtTime    *float64
	providerUsage  *provider.Usage
}

func (t *turn) run(ctx context.Context, span trace.Span) (State, error) {
	genReq, err := t.prepare(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return t.disconnect("client went away while preparing context")
		}
		return t.finish(StateFailed, err)
	}
	span.AddEvent("context prepared", trace.WithAttributes(attribute.Int("input_tokens", t.inputTokens)))

	events, err := t.o.deps.Client.StreamGenerate(ctx, genReq)
	if err != nil {
		if ctx.Err() != nil {
			return t.disconnect("provider call aborted")
		}
		t.writeError(err)
		return t.finish(StateFailed, err)
	}
	t.sess.transition(StateStreaming)
	return t.stream(ctx, events)
}

// prepare runs the context pipeline and builds the provider request.
func (t *turn) prepare(ctx context.Context) (provider.GenerateRequest, error) {
	o, req := t.o, t.req

	first := false
	if n, err := o.deps.Messages.CountMessages(ctx, req.RoomID); err != nil {
		log.WithError(err).WithField("room_id", req.RoomID).Warn("count messages failed, using brief system prompt")
	} else {
		first = n == 0
	}
	t.systemPrompt = SystemPrompt(first)

	parts, fileTokens := t.resolveAttachments(ctx)
	systemTokens := o.deps.Counter.Estimate(t.systemPrompt, req.Model)
	budget := o.budget.Budget(req.Model, systemTokens, fileTokens)

	history := make([]contextwindow.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, contextwindow.Message{Role: m.Role, Content: m.Content})
	}
	compacted := o.deps.Compactor.Compact(contextwindow.WithTurnModel(ctx, req.Model), req.RoomID, history, t.settings.WindowSize, t.settings.TriggerThreshold)
	if ctx.Err() != nil {
		return provider.GenerateRequest{}, ctx.Err()
	}
	window := o.deps.Selector.Select(compacted, budget.Available, req.Model)
	t.inputTokens = window.Tokens + systemTokens + fileTokens

	log.WithFields(log.Fields{
		"room_id":   req.RoomID,
		"model":     req.Model,
		"history":   len(history),
		"compacted": len(compacted),
		"selected":  len(window.Messages),
		"budget":    budget.Available,
		"tokens":    t.inputTokens,
		"first":     first,
	}).Debug("context window prepared")

	return t.buildRequest(window, parts), nil
}

// resolveAttachments turns request files into provider parts and estimates their
// token cost. Uploaded files are polled until active and remembered per session.
func (t *turn) resolveAttachments(ctx context.Context) ([]provider.Part, int) {
	if len(t.req.Files) == 0 {
		return nil, 0
	}
	o, req := t.o, t.req

	var session *provider.Session
	if o.deps.Sessions != nil {
		s, err := o.deps.Sessions.Get(ctx, req.Model, req.RoomID)
		if err != nil {
			log.WithError(err).WithField("room_id", req.RoomID).Warn("provider session unavailable")
		} else {
			session = s
		}
	}

	parts := make([]provider.Part, 0, len(req.Files))
	total := 0
	for _, f := range req.Files {
		var p provider.Part
		switch {
		case len(f.Data) > 0:
			p = provider.Part{MimeType: f.MimeType, Data: f.Data}
		case session != nil:
			if cached, ok := session.Attachment(f.ID); ok {
				p = cached
				break
			}
			p = t.awaitFile(ctx, f)
			session.RememberAttachment(f.ID, p)
		default:
			p = t.awaitFile(ctx, f)
		}
		parts = append(parts, p)
		total += t.attachmentTokens(p)
	}
	return parts, total
}

func (t *turn) awaitFile(ctx context.Context, f Attachment) provider.Part {
	if t.o.deps.Files == nil {
		return provider.Part{FileURI: f.ID, MimeType: f.MimeType}
	}
	p := t.o.deps.Files.Await(ctx, f.ID)
	if p.MimeType == "" && p.Text == "" {
		p.MimeType = f.MimeType
	}
	return p
}

func (t *turn) attachmentTokens(p provider.Part) int {
	switch {
	case p.Text != "":
		return t.o.deps.Counter.Estimate(p.Text, t.req.Model)
	case strings.HasPrefix(p.MimeType, "image/"):
		return imageAttachmentTokens
	default:
		return documentAttachmentTokens
	}
}

func (t *turn) buildRequest(window contextwindow.Window, attachments []provider.Part) provider.GenerateRequest {
	req, p := t.req, t.profile

	system := t.systemPrompt
	contents := make([]provider.Content, 0, len(window.Messages)+1)
	for _, m := range window.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case contextwindow.RoleSystem:
			// Providers take a single system instruction; summaries and inbound
			// system messages are appended to it.
			system += "\n\n" + m.Content
		case contextwindow.RoleAssistant:
			contents = append(contents, provider.Content{Role: provider.RoleModel, Parts: []provider.Part{{Text: m.Content}}})
		default:
			contents = append(contents, provider.Content{Role: provider.RoleUser, Parts: []provider.Part{{Text: m.Content}}})
		}
	}
	if len(attachments) > 0 {
		last := -1
		for i := len(contents) - 1; i >= 0; i-- {
			if contents[i].Role == provider.RoleUser {
				last = i
				break
			}
		}
		if last < 0 {
			contents = append(contents, provider.Content{Role: provider.RoleUser})
			last = len(contents) - 1
		}
		contents[last].Parts = append(contents[last].Parts, attachments...)
	}

	out := provider.GenerateRequest{
		Model:             req.Model,
		Contents:          contents,
		SystemInstruction: system,
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		MaxOutputTokens:   p.MaxOutputTokens,
		Tools:             provider.Tools{WebGrounding: req.WebGrounding, CodeExecution: req.CodeExecution},
	}
	if req.ExtendedReasoning {
		out.ReasoningBudget = reasoningBudget(req.ReasoningBudget, p.Thinking)
		out.IncludeThoughts = true
	}
	return out
}

// reasoningBudget fits a requested thinking budget into what the model accepts.
// 0 asks for the model default, -1 for a dynamic budget.
func reasoningBudget(requested int, ts *registry.ThinkingSupport) int {
	if ts == nil {
		return requested
	}
	switch {
	case requested == -1 && ts.DynamicAllowed:
		return -1
	case requested == -1, requested == 0:
		if ts.DynamicAllowed {
			return -1
		}
		return ts.Max
	case requested < ts.Min:
		return ts.Min
	case ts.Max > 0 && requested > ts.Max:
		return ts.Max
	}
	return requested
}

// stream is the STREAMING state: one event at a time, in provider order.
func (t *turn) stream(ctx context.Context, events <-chan provider.Event) (State, error) {
	t.contentBuf = streaming.NewBuffer(t.settings.FlushBytes, t.settings.FlushInterval, streaming.WithClock(t.o.now))
	t.reasoningBuf = streaming.NewBuffer(t.settings.FlushBytes, t.settings.FlushInterval, streaming.WithClock(t.o.now))
	t.citations = streaming.NewCitationSet()

	var keepAlive <-chan time.Time
	ka, canKeepAlive := t.w.(keepAliveWriter)
	if canKeepAlive && t.settings.KeepAlive > 0 {
		ticker := time.NewTicker(t.settings.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		if ctx.Err() != nil {
			return t.disconnect("client went away")
		}
		select {
		case <-ctx.Done():
			return t.disconnect("client went away")
		case <-keepAlive:
			if err := ka.WriteKeepAlive(); err != nil {
				return t.disconnect("keep-alive write failed")
			}
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return t.disconnect("client went away")
				}
				err := errors.New("provider stream ended without a terminal event")
				t.writeError(err)
				return t.finish(StateFailed, err)
			}
			if ctx.Err() != nil {
				return t.disconnect("client went away")
			}
			done, state, err := t.handle(ctx, ev)
			if done {
				return state, err
			}
		}
	}
}

// handle applies one event. done reports that the turn reached a terminal state.
func (t *turn) handle(ctx context.Context, ev provider.Event) (done bool, state State, err error) {
	switch e := ev.(type) {
	case provider.ReasoningChunk:
		if e.Text == "" {
			return false, 0, nil
		}
		if t.reasoningStart.IsZero() {
			t.reasoningStart = t.o.now()
		}
		if err := t.flushContent(); err != nil {
			return t.writeFailed()
		}
		t.reasoning.WriteString(e.Text)
		if t.reasoningBuf.Add(e.Text) {
			if err := t.flushReasoning(); err != nil {
				return t.writeFailed()
			}
		}
	case provider.ContentChunk:
		if e.Text == "" {
			return false, 0, nil
		}
		t.markThoughtEnd()
		if err := t.flushReasoning(); err != nil {
			return t.writeFailed()
		}
		t.content.WriteString(e.Text)
		if t.contentBuf.Add(e.Text) {
			if err := t.flushContent(); err != nil {
				return t.writeFailed()
			}
		}
	case provider.GroundingChunk:
		if err := t.flushAll(); err != nil {
			return t.writeFailed()
		}
		if fresh := t.citations.Admit(e.Citations); len(fresh) > 0 {
			if err := t.write(streaming.CitationsFrame(fresh)); err != nil {
				return t.writeFailed()
			}
		}
		if queries := t.citations.AdmitQueries(e.SearchQueries); len(queries) > 0 {
			if err := t.write(streaming.SearchQueriesFrame(queries)); err != nil {
				return t.writeFailed()
			}
		}
	case provider.Terminal:
		t.providerUsage = e.Usage
		if e.Err != nil {
			// Text already received is still delivered ahead of the error.
			if err := t.flushAll(); err != nil {
				return t.writeFailed()
			}
			t.writeError(e.Err)
			state, err := t.finish(StateFailed, e.Err)
			return true, state, err
		}
		t.markThoughtEnd()
		if err := t.flushAll(); err != nil {
			return t.writeFailed()
		}
		state, err := t.complete(ctx)
		return true, state, err
	default:
		log.Warnf("orchestrator: ignoring unknown provider event %T", ev)
	}
	return false, 0, nil
}

func (t *turn) writeFailed() (bool, State, error) {
	state, err := t.disconnect("frame write failed")
	return true, state, err
}

func (t *turn) markThoughtEnd() {
	if t.reasoningStart.IsZero() || t.thoughtTime != nil {
		return
	}
	d := t.o.now().Sub(t.reasoningStart).Seconds()
	t.thoughtTime = &d
}

func (t *turn) currentThoughtTime() float64 {
	if t.thoughtTime != nil {
		return *t.thoughtTime
	}
	if t.reasoningStart.IsZero() {
		return 0
	}
	return t.o.now().Sub(t.reasoningStart).Seconds()
}

func (t *turn) flushReasoning() error {
	if s := t.reasoningBuf.Flush(); s != "" {
		return t.write(streaming.ReasoningFrame(s, t.currentThoughtTime()))
	}
	return nil
}

func (t *turn) flushContent() error {
	if s := t.contentBuf.Flush(); s != "" {
		return t.write(streaming.ContentFrame(s))
	}
	return nil
}

// flushAll empties both buffers. At most one holds text, since switching
// channels flushes the other.
func (t *turn) flushAll() error {
	if err := t.flushReasoning(); err != nil {
		return err
	}
	return t.flushContent()
}

func (t *turn) write(f streaming.Frame) error {
	if err := t.w.WriteFrame(f); err != nil {
		return err
	}
	metrics.RecordFrame(f.Kind())
	return nil
}

// writeError sends the one error frame of a failed turn, if the client still listens.
func (t *turn) writeError(err error) {
	if werr := t.write(streaming.ErrorFrame(provider.UserMessage(err))); werr != nil {
		log.WithError(werr).WithField("room_id", t.req.RoomID).Debug("could not deliver error frame")
	}
}

func (t *turn) disconnect(reason string) (State, error) {
	log.WithFields(log.Fields{
		"room_id":  t.req.RoomID,
		"model":    t.req.Model,
		"received": t.content.Len(),
		"reason":   reason,
	}).Info("client disconnected, turn abandoned")
	return t.finish(StateDisconnected, ErrClientDisconnected)
}

// finish moves to a terminal state and records turn metrics.
func (t *turn) finish(state State, err error) (State, error) {
	t.sess.transition(state)
	elapsed := t.o.now().Sub(t.sess.StartedAt)
	metrics.RecordTurn(t.req.Model, t.sess.State.String(), elapsed)
	if state == StateFailed {
		log.WithError(err).WithFields(log.Fields{"room_id": t.req.RoomID, "model": t.req.Model}).Error("turn failed")
	}
	return t.sess.State, err
}

// complete is the COMPLETED path: estimate output tokens, then persist the
// message and its usage exactly once each.
func (t *turn) complete(ctx context.Context) (State, error) {
	o, req := t.o, t.req
	content := t.content.String()
	reasoning := t.reasoning.String()

	contentTokens := o.deps.Counter.Estimate(content, req.Model)
	reasoningTokens := 0
	if reasoning != "" {
		reasoningTokens = o.deps.Counter.Estimate(reasoning, req.Model)
	}
	outputTokens := contentTokens + reasoningTokens
	inputTokens := t.inputTokens
	cachedTokens := 0
	if u := t.providerUsage; u != nil {
		if u.PromptTokens > 0 {
			inputTokens = u.PromptTokens
		}
		cachedTokens = u.CachedTokens
	}

	msg := store.NewMessage{
		Role:      contextwindow.RoleAssistant,
		Content:   content,
		Citations: t.citations.All(),
	}
	if reasoning != "" {
		msg.ReasoningContent = &reasoning
		tt := t.currentThoughtTime()
		msg.ThoughtTime = &tt
	}
	rec := store.UsageRecord{
		UserID:         req.UserID,
		RoomID:         req.RoomID,
		Model:          req.Model,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		CacheHitTokens: cachedTokens,
		ChatType:       req.ChatType,
		Timestamp:      o.now(),
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.settings.PersistTimeout)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		if _, err := o.deps.Messages.CreateMessage(persistCtx, req.RoomID, msg); err != nil {
			metrics.RecordPersistFailure("message")
			log.WithError(err).WithField("room_id", req.RoomID).Error("failed to persist assistant message")
			return fmt.Errorf("persist message: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := o.deps.Usage.Record(persistCtx, rec); err != nil {
			metrics.RecordPersistFailure("usage")
			log.WithError(err).WithField("room_id", req.RoomID).Error("failed to record token usage")
			return fmt.Errorf("record usage: %w", err)
		}
		return nil
	})
	persistErr := g.Wait()

	metrics.RecordTokenUsage(req.Model, "input", inputTokens)
	metrics.RecordTokenUsage(req.Model, "output", contentTokens)
	metrics.RecordTokenUsage(req.Model, "reasoning", reasoningTokens)

	state, _ := t.finish(StateCompleted, nil)

	fields := log.Fields{
		"room_id":       req.RoomID,
		"model":         req.Model,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"citations":     len(msg.Citations),
		"duration":      o.now().Sub(t.sess.StartedAt).String(),
	}
	if o.deps.Stats != nil && usage.StatisticsEnabled() {
		fields["cost_usd"] = o.deps.Stats.Record(usage.Turn{
			UserID:          req.UserID,
			RoomID:          req.RoomID,
			Model:           req.Model,
			ChatType:        req.ChatType,
			State:           state.String(),
			InputTokens:     int64(inputTokens),
			OutputTokens:    int64(contentTokens),
			ReasoningTokens: int64(reasoningTokens),
			Duration:        o.now().Sub(t.sess.StartedAt),
			Timestamp:       rec.Timestamp,
		})
	} else if cost, ok := usage.EstimateModelCost(req.Model, int64(inputTokens), int64(outputTokens), int64(cachedTokens)); ok {
		fields["cost_usd"] = cost
	}
	if persistErr != nil {
		fields["persisted"] = false
	}
	log.WithFields(fields).Info("turn completed")
	return state, nil
}
