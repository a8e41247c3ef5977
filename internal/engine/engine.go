package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/threads"
	"github.com/loomhq/loom/internal/usage"
	"github.com/loomhq/loom/pkg/models"
)

// DefaultMaxRounds bounds the model/tool cycle within one turn. Deliberately
// high: some agent workflows are tool-heavy, but the ceiling must be finite.
const DefaultMaxRounds = 200

// Config tunes the turn loop.
type Config struct {
	// MaxRounds caps model rounds per turn. Default: DefaultMaxRounds.
	MaxRounds int

	// EmitBuffer sizes the per-turn message channel. Default: 16.
	EmitBuffer int
}

// Agent describes the persona driving a turn: its system prompts and an
// optional model override.
type Agent struct {
	ID            string
	Name          string
	SystemPrompts []string

	// Model overrides the conversation's model when set.
	Model string

	// MaxTokens caps response length. Zero uses the provider default.
	MaxTokens int
}

// Options wires an Engine's collaborators.
type Options struct {
	Threads  *threads.Engine
	Store    store.Store
	Registry *Registry
	Executor *Executor
	Gate     Gate
	Usage    *usage.Recorder
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Events   *observability.EventRecorder
	Config   *Config
}

// Engine orchestrates one conversational turn: it persists the user
// message, drives the model through zero or more rounds of tool execution,
// and emits every message it persists, in order, on a per-turn channel.
//
// Every emitted message is also the message that was persisted, so crash
// recovery resumes from exactly what was last durably appended.
type Engine struct {
	threads  *threads.Engine
	store    store.Store
	registry *Registry
	executor *Executor
	gate     Gate
	usage    *usage.Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	events   *observability.EventRecorder
	config   Config

	mu        sync.RWMutex
	providers map[string]Provider
}

// New creates a turn-loop engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	config := Config{MaxRounds: DefaultMaxRounds, EmitBuffer: 16}
	if opts.Config != nil {
		if opts.Config.MaxRounds > 0 {
			config.MaxRounds = opts.Config.MaxRounds
		}
		if opts.Config.EmitBuffer > 0 {
			config.EmitBuffer = opts.Config.EmitBuffer
		}
	}
	gate := opts.Gate
	if gate == nil {
		gate = AutoApproveGate{}
	}
	return &Engine{
		threads:   opts.Threads,
		store:     opts.Store,
		registry:  opts.Registry,
		executor:  opts.Executor,
		gate:      gate,
		usage:     opts.Usage,
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		events:    opts.Events,
		config:    config,
		providers: make(map[string]Provider),
	}
}

// RegisterProvider makes a model adapter available under its name.
func (e *Engine) RegisterProvider(p Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[p.Name()] = p
}

func (e *Engine) provider(name string) (Provider, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// SendMessage runs one full turn. Argument validation fails synchronously;
// after that the turn runs in the background and every message it persists
// is pushed, in order, onto the returned channel. The channel closes when
// the turn terminates on done, return-direct, rejection, or error.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, userMessage *models.Message, agent *Agent) (<-chan *models.Message, error) {
	if userMessage == nil {
		return nil, fmt.Errorf("user message is required")
	}
	if userMessage.ConversationID != conversationID {
		return nil, fmt.Errorf("message belongs to conversation %q, not %q", userMessage.ConversationID, conversationID)
	}
	if agent == nil {
		agent = &Agent{}
	}

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	provider, err := e.provider(conv.Provider)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.Message, e.config.EmitBuffer)
	go e.runTurn(ctx, conv, provider, userMessage, agent, out)
	return out, nil
}

func (e *Engine) runTurn(ctx context.Context, conv *models.Conversation, provider Provider, userMessage *models.Message, agent *Agent, out chan<- *models.Message) {
	defer close(out)

	ctx = observability.AddConversationID(ctx, conv.ID)
	ctx = observability.AddTurnID(ctx, userMessage.ID)
	if e.tracer != nil {
		turnCtx, span := e.tracer.TraceTurn(ctx, conv.ID, conv.CurrentThreadID)
		defer span.End()
		ctx = turnCtx
	}

	model := conv.Model
	if agent.Model != "" {
		model = agent.Model
	}

	if e.metrics != nil {
		e.metrics.TurnStarted(provider.Name())
	}
	e.events.RecordTurnStart(ctx, userMessage.ID, nil)
	outcome := "error"
	rounds := 0
	turnStart := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.TurnFinished(provider.Name(), outcome, rounds)
		}
		e.events.RecordTurnEnd(ctx, time.Since(turnStart), outcome, nil)
	}()

	// The user's input is durable before anything else happens, so a crash
	// mid-turn leaves it recoverable.
	if _, err := e.threads.AddMessage(ctx, conv.ID, userMessage); err != nil {
		e.logger.Error(ctx, "failed to persist user message", "error", err)
		e.emit(ctx, out, systemErrorMessage(conv.ID, &TurnError{Phase: PhasePersist, Cause: err}))
		return
	}
	e.emit(ctx, out, userMessage)

	tools := e.registry.Definitions()

	for round := 1; round <= e.config.MaxRounds; round++ {
		rounds = round

		// A turn may be cancelled between rounds.
		if ctx.Err() != nil {
			e.persistAndEmitSystemError(ctx, conv.ID, out, &TurnError{Phase: PhaseModelCall, Round: round, Cause: ctx.Err()})
			return
		}

		// History is reloaded fresh each round; the previous round just
		// appended tool results the next prompt depends on.
		history, err := e.threads.CurrentMessages(ctx, conv.ID)
		if err != nil {
			e.persistAndEmitSystemError(ctx, conv.ID, out, &TurnError{Phase: PhasePersist, Round: round, Cause: err})
			return
		}

		resp, err := e.callProvider(ctx, provider, &Request{
			SystemPrompts: agent.SystemPrompts,
			History:       history,
			Tools:         tools,
			Model:         model,
			MaxTokens:     agent.MaxTokens,
		})
		if err != nil {
			// No retry at this layer; retries, if any, belong to the
			// provider adapter.
			e.persistAndEmitSystemError(ctx, conv.ID, out, &TurnError{Phase: PhaseModelCall, Round: round, Cause: err})
			return
		}

		e.recordUsage(ctx, conv, provider.Name(), model, resp.Usage)

		// The assistant message is visible in history before any tool
		// runs, even if execution later fails.
		assistant := AssistantMessage(conv.ID, resp)
		if _, err := e.threads.AddMessage(ctx, conv.ID, assistant); err != nil {
			e.persistAndEmitSystemError(ctx, conv.ID, out, &TurnError{Phase: PhasePersist, Round: round, Cause: err})
			return
		}
		e.emit(ctx, out, assistant)

		if len(resp.ToolCalls) == 0 {
			outcome = "done"
			return
		}

		decision, reason := e.gate.Approve(ctx, resp.ToolCalls)
		if decision != DecisionApproved {
			rejected := rejectionResults(conv.ID, resp.ToolCalls, reason)
			if _, err := e.threads.AddMessage(ctx, conv.ID, rejected); err != nil {
				e.logger.Error(ctx, "failed to persist rejection", "error", err)
			}
			e.emit(ctx, out, rejected)
			outcome = "rejected"
			return
		}

		batch := e.executor.ExecuteBatch(ctx, resp.ToolCalls)

		// All results ride in one user-role message so every tool call is
		// immediately followed by its result.
		items := make([]models.ContentItem, len(batch.Results))
		for i, result := range batch.Results {
			items[i] = models.ToolResultItem(result)
		}
		resultMsg := models.NewMessage(conv.ID, models.RoleUser, items...)
		if _, err := e.threads.AddMessage(ctx, conv.ID, resultMsg); err != nil {
			e.persistAndEmitSystemError(ctx, conv.ID, out, &TurnError{Phase: PhaseExecution, Round: round, Cause: err})
			return
		}
		e.emit(ctx, out, resultMsg)

		if batch.ReturnDirect {
			// The tool output is the final answer; skip the model
			// round-trip.
			outcome = "return_direct"
			return
		}
	}

	e.persistAndEmitSystemError(ctx, conv.ID, out, &TurnError{
		Phase: PhaseModelCall,
		Round: e.config.MaxRounds,
		Cause: ErrRoundCapReached,
	})
	outcome = "round_cap"
}

func (e *Engine) callProvider(ctx context.Context, provider Provider, req *Request) (*Response, error) {
	if e.tracer != nil {
		spanCtx, span := e.tracer.TraceProviderCall(ctx, provider.Name(), req.Model)
		defer span.End()
		ctx = spanCtx
	}

	start := time.Now()
	resp, err := provider.Call(ctx, req)
	e.events.RecordProviderCall(ctx, provider.Name(), req.Model, time.Since(start), err)
	if e.metrics != nil {
		status := "success"
		var in, outTokens int64
		if err != nil {
			status = "error"
		} else {
			in = resp.Usage.InputTokens
			outTokens = resp.Usage.OutputTokens
		}
		e.metrics.RecordProviderRequest(provider.Name(), req.Model, status, time.Since(start).Seconds(), in, outTokens)
	}
	return resp, err
}

// recordUsage tags usage with an incrementing per-thread turn number. Both
// the counter bump and the write are best-effort.
func (e *Engine) recordUsage(ctx context.Context, conv *models.Conversation, provider, model string, u Usage) {
	if e.usage == nil {
		return
	}
	turn, err := e.store.IncrementTurn(ctx, conv.CurrentThreadID)
	if err != nil {
		e.logger.Warn(ctx, "failed to increment turn counter", "error", err)
	}
	e.usage.Record(ctx, &models.Usage{
		ConversationID:   conv.ID,
		ThreadID:         conv.CurrentThreadID,
		Turn:             turn,
		Provider:         provider,
		Model:            model,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		RecordedAt:       time.Now(),
	})
}

// persistAndEmitSystemError synthesizes a terminal system error message,
// persists it, and emits it. The conversation and thread stay valid and
// resumable afterward.
func (e *Engine) persistAndEmitSystemError(ctx context.Context, conversationID string, out chan<- *models.Message, turnErr *TurnError) {
	msg := systemErrorMessage(conversationID, turnErr)
	if _, err := e.threads.AddMessage(context.WithoutCancel(ctx), conversationID, msg); err != nil {
		e.logger.Error(ctx, "failed to persist system error message", "error", err)
	}
	e.emit(ctx, out, msg)
	if e.metrics != nil {
		e.metrics.RecordError("engine", string(turnErr.Phase))
	}
	e.logger.Error(ctx, "turn terminated with error",
		"phase", string(turnErr.Phase), "round", turnErr.Round, "error", turnErr.Cause)
}

func (e *Engine) emit(ctx context.Context, out chan<- *models.Message, msg *models.Message) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

func systemErrorMessage(conversationID string, turnErr *TurnError) *models.Message {
	msg := models.NewMessage(conversationID, models.RoleSystem,
		models.SystemItem(models.SystemError, turnErr.Error()))
	msg.GenerationError = turnErr.Error()
	return msg
}

// rejectionResults answers every call in the rejected batch with a
// synthesized error result. Nothing executes, but each tool call in the
// persisted assistant message is still followed by a result, so the
// pairing map stays complete and the next turn's history stays valid.
func rejectionResults(conversationID string, calls []models.ToolCall, reason string) *models.Message {
	items := make([]models.ContentItem, len(calls))
	for i, call := range calls {
		items[i] = models.ToolResultItem(models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    models.TextResult("tool execution rejected: " + reason),
			IsError:    true,
			State:      models.StateComplete,
		})
	}
	msg := models.NewMessage(conversationID, models.RoleUser, items...)
	msg.GenerationError = fmt.Sprintf("tool execution rejected: %s", reason)
	return msg
}
