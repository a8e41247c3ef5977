package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

func newTestExecutor(config *ExecutorConfig, gate Gate, tools ...Tool) *Executor {
	registry := NewRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	if gate == nil {
		gate = AutoApproveGate{}
	}
	return NewExecutor(registry, gate, config)
}

func TestExecuteBatchResultCardinality(t *testing.T) {
	exec := newTestExecutor(nil, nil,
		&fakeTool{name: "ok"},
		&fakeTool{name: "boom", execute: func(context.Context, json.RawMessage) (*ToolOutput, error) {
			return nil, errors.New("it broke")
		}},
	)

	calls := []models.ToolCall{
		{ID: "c1", Name: "ok", Input: json.RawMessage(`{}`)},
		{ID: "c2", Name: "boom", Input: json.RawMessage(`{}`)},
		{ID: "c3", Name: "ghost", Input: json.RawMessage(`{}`)},
	}
	outcome := exec.ExecuteBatch(context.Background(), calls)

	if len(outcome.Results) != len(calls) {
		t.Fatalf("got %d results, want %d", len(outcome.Results), len(calls))
	}
	for i, call := range calls {
		if outcome.Results[i].ToolCallID != call.ID {
			t.Errorf("results[%d].ToolCallID = %q, want %q (input order)", i, outcome.Results[i].ToolCallID, call.ID)
		}
	}
	if outcome.Results[0].IsError {
		t.Error("ok tool should succeed")
	}
	if !outcome.Results[1].IsError {
		t.Error("failing tool should produce an error result, not poison the batch")
	}
	if !outcome.Results[2].IsError {
		t.Error("unknown tool should produce an error result")
	}
}

func TestExecuteBatchPanicIsolation(t *testing.T) {
	exec := newTestExecutor(nil, nil,
		&fakeTool{name: "panics", execute: func(context.Context, json.RawMessage) (*ToolOutput, error) {
			panic("tool bug")
		}},
		&fakeTool{name: "survives"},
	)

	outcome := exec.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "panics", Input: json.RawMessage(`{}`)},
		{ID: "c2", Name: "survives", Input: json.RawMessage(`{}`)},
	})

	if !outcome.Results[0].IsError {
		t.Error("panicking tool should yield an error result")
	}
	if outcome.Results[1].IsError {
		t.Error("sibling tool should be unaffected by the panic")
	}
}

func TestExecuteBatchSchemaShortCircuit(t *testing.T) {
	tool := &fakeTool{name: "weather", schema: json.RawMessage(weatherSchema)}
	exec := newTestExecutor(nil, nil, tool)

	outcome := exec.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "weather", Input: json.RawMessage(`{"city": 42}`)},
	})

	if !outcome.Results[0].IsError {
		t.Error("invalid input should produce an error result")
	}
	if tool.callCount() != 0 {
		t.Errorf("tool executed %d times, want 0 when input fails validation", tool.callCount())
	}
}

func TestExecuteBatchPerCallApprovalRecheck(t *testing.T) {
	allowed := &fakeTool{name: "read_file"}
	denied := &fakeTool{name: "shell"}
	gate := NewPolicyGate(&ApprovalPolicy{
		Allowlist:       []string{"read_*"},
		DefaultDecision: DecisionRejected,
	}, nil)
	exec := newTestExecutor(nil, gate, allowed, denied)

	outcome := exec.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "read_file", Input: json.RawMessage(`{}`)},
		{ID: "c2", Name: "shell", Input: json.RawMessage(`{}`)},
	})

	if outcome.Results[0].IsError {
		t.Error("allowlisted call should execute")
	}
	if !outcome.Results[1].IsError {
		t.Error("rejected call should yield an error result")
	}
	if denied.callCount() != 0 {
		t.Errorf("denied tool executed %d times, want 0", denied.callCount())
	}
}

func TestExecuteBatchReturnDirectUnanimity(t *testing.T) {
	direct := &fakeTool{name: "render", returnDirect: true}
	normal := &fakeTool{name: "lookup"}
	exec := newTestExecutor(nil, nil, direct, normal)

	outcome := exec.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "render", Input: json.RawMessage(`{}`)},
		{ID: "c2", Name: "lookup", Input: json.RawMessage(`{}`)},
	})
	if outcome.ReturnDirect {
		t.Error("mixed batch should not return direct")
	}

	outcome = exec.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "render", Input: json.RawMessage(`{}`)},
	})
	if !outcome.ReturnDirect {
		t.Error("all-direct batch should return direct")
	}

	// An unknown tool breaks unanimity even alongside a direct tool.
	outcome = exec.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "render", Input: json.RawMessage(`{}`)},
		{ID: "c2", Name: "ghost", Input: json.RawMessage(`{}`)},
	})
	if outcome.ReturnDirect {
		t.Error("batch with unknown tool should not return direct")
	}
}

func TestExecuteBatchTimeout(t *testing.T) {
	slow := &fakeTool{name: "slow", execute: func(ctx context.Context, _ json.RawMessage) (*ToolOutput, error) {
		select {
		case <-time.After(5 * time.Second):
			return TextOutput("too late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	exec := newTestExecutor(&ExecutorConfig{DefaultTimeout: 50 * time.Millisecond}, nil, slow)

	start := time.Now()
	outcome := exec.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "slow", Input: json.RawMessage(`{}`)},
	})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("batch took %v, timeout did not fire", elapsed)
	}
	if !outcome.Results[0].IsError {
		t.Error("timed-out tool should yield an error result")
	}
}

func TestExecuteBatchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	step := &fakeTool{name: "step", execute: func(ctx context.Context, _ json.RawMessage) (*ToolOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	exec := newTestExecutor(&ExecutorConfig{MaxConcurrency: 1}, nil, step)
	outcome := exec.ExecuteBatch(ctx, []models.ToolCall{
		{ID: "c1", Name: "step", Input: json.RawMessage(`{}`)},
		{ID: "c2", Name: "step", Input: json.RawMessage(`{}`)},
	})

	if len(outcome.Results) != 2 {
		t.Fatalf("got %d results, want 2 even when cancelled", len(outcome.Results))
	}
	for i, result := range outcome.Results {
		if !result.IsError {
			t.Errorf("results[%d] should be an interrupted error", i)
			continue
		}
		if len(result.Content) == 0 || !strings.Contains(result.Content[0].Text, "interrupted") {
			t.Errorf("results[%d] text = %v, want interruption notice", i, result.Content)
		}
	}
}

func TestExecuteBatchRetries(t *testing.T) {
	attempts := 0
	flaky := &fakeTool{name: "flaky", execute: func(context.Context, json.RawMessage) (*ToolOutput, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return TextOutput("finally"), nil
	}}
	exec := newTestExecutor(&ExecutorConfig{
		DefaultRetries: 2,
		RetryBackoff:   time.Millisecond,
	}, nil, flaky)

	outcome := exec.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "flaky", Input: json.RawMessage(`{}`)},
	})
	if outcome.Results[0].IsError {
		t.Errorf("tool should succeed within retry budget, got %v", outcome.Results[0].Content)
	}
	if attempts != 3 {
		t.Errorf("tool attempted %d times, want 3", attempts)
	}
}
