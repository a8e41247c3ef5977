package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/pkg/models"
)

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions.
	// Default: 5
	MaxConcurrency int

	// DefaultTimeout bounds a single tool execution.
	// Default: 30s
	DefaultTimeout time.Duration

	// DefaultRetries is the number of retries for retryable failures.
	// Default: 0 (tool failures become isError results, not retries)
	DefaultRetries int

	// RetryBackoff is the initial backoff between retries.
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	// Default: 5s
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  0,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// BatchOutcome is the result of executing one batch of tool calls.
type BatchOutcome struct {
	// Results holds exactly one tool result per input call, in input
	// order, each tagged with its originating tool-call id.
	Results []models.ToolResult

	// ReturnDirect is true only when every call in the batch executed a
	// tool flagged return-direct. Unanimous, not majority.
	ReturnDirect bool
}

// Executor fans a batch of tool calls out over a bounded worker pool and
// joins all results. Each execution is fully isolated: a panic, timeout, or
// rejection in one tool produces an isError result for that tool only and
// never cancels its siblings.
type Executor struct {
	registry *Registry
	gate     Gate
	config   *ExecutorConfig
	events   *observability.EventRecorder

	sem chan struct{}
}

// NewExecutor creates an executor over the given registry and approval
// gate. If config is nil, DefaultExecutorConfig is used. A nil gate skips
// the per-call approval re-check.
func NewExecutor(registry *Registry, gate Gate, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	return &Executor{
		registry: registry,
		gate:     gate,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// SetEvents attaches an event recorder to every tool execution. A nil
// recorder records nothing.
func (e *Executor) SetEvents(events *observability.EventRecorder) {
	e.events = events
}

// ExecuteBatch runs all calls concurrently and returns exactly one result
// per call. Order-independent internally; results come back in input order.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []models.ToolCall) *BatchOutcome {
	outcome := &BatchOutcome{
		Results: make([]models.ToolResult, len(calls)),
	}
	if len(calls) == 0 {
		return outcome
	}

	direct := make([]bool, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			outcome.Results[idx], direct[idx] = e.executeOne(ctx, tc)
		}(i, call)
	}
	wg.Wait()

	outcome.ReturnDirect = true
	for _, d := range direct {
		if !d {
			outcome.ReturnDirect = false
			break
		}
	}
	return outcome
}

// executeOne runs a single call through approval, validation, and execution.
// The second return reports whether the call hit a return-direct tool.
func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) (models.ToolResult, bool) {
	// Defense in depth: the batch was approved as a whole, but each call
	// is re-checked individually right before it runs.
	if e.gate != nil {
		if decision, reason := e.gate.Approve(ctx, []models.ToolCall{call}); decision != DecisionApproved {
			return errorResult(call, fmt.Sprintf("tool call rejected: %s", reason)), false
		}
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return errorResult(call, fmt.Sprintf("tool %q not registered", call.Name)), false
	}

	// Malformed input short-circuits without invoking the tool.
	if err := e.registry.ValidateInput(call.Name, call.Input); err != nil {
		return errorResult(call, err.Error()), tool.ReturnDirect()
	}

	// Acquire a worker slot for backpressure.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return cancelledResult(call), tool.ReturnDirect()
	}

	maxRetries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		output, err := e.executeWithTimeout(ctx, tool, call)
		if err == nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    output.Content,
				IsError:    output.IsError,
				State:      models.StateComplete,
			}, tool.ReturnDirect()
		}
		lastErr = err

		if ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		sleep := backoff * time.Duration(1<<uint(attempt))
		if sleep > e.config.MaxRetryBackoff {
			sleep = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return cancelledResult(call), tool.ReturnDirect()
		}
	}

	if ctx.Err() != nil {
		return cancelledResult(call), tool.ReturnDirect()
	}
	return errorResult(call, lastErr.Error()), tool.ReturnDirect()
}

// executeWithTimeout runs the tool under its timeout, recording start and
// end events for each attempt.
func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall) (*ToolOutput, error) {
	ctx = observability.AddToolCallID(ctx, call.ID)
	e.events.RecordToolStart(ctx, call.Name, call.Input)
	start := time.Now()
	output, err := e.invoke(ctx, tool, call)
	e.events.RecordToolEnd(ctx, call.Name, time.Since(start), err)
	return output, err
}

// invoke runs the tool under its timeout with panic recovery.
func (e *Executor) invoke(ctx context.Context, tool Tool, call models.ToolCall) (*ToolOutput, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	type execResult struct {
		output *ToolOutput
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- execResult{err: fmt.Errorf("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())}
			}
		}()

		output, err := tool.Execute(execCtx, call.Input)
		if err != nil {
			resultCh <- execResult{err: fmt.Errorf("tool %s: %w", call.Name, err)}
			return
		}
		if output == nil {
			output = TextOutput("")
		}
		resultCh <- execResult{output: output}
	}()

	select {
	case res := <-resultCh:
		return res.output, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s: %w", call.Name, ctx.Err())
		}
		return nil, fmt.Errorf("tool %s timed out after %s", call.Name, e.config.DefaultTimeout)
	}
}

func errorResult(call models.ToolCall, text string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    models.TextResult(text),
		IsError:    true,
		State:      models.StateComplete,
	}
}

// cancelledResult preserves the pairing invariant on cancellation: the call
// still gets a result, marked interrupted, instead of being dropped.
func cancelledResult(call models.ToolCall) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    models.TextResult("Tool execution was interrupted or cancelled."),
		IsError:    true,
		State:      models.StateCancelled,
	}
}
