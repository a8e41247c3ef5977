package engine

import (
	"context"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

func batch(names ...string) []models.ToolCall {
	calls := make([]models.ToolCall, len(names))
	for i, name := range names {
		calls[i] = models.ToolCall{ID: "call-" + name, Name: name, State: models.StateComplete}
	}
	return calls
}

func TestPolicyGateDenylistWinsOverAllowlist(t *testing.T) {
	gate := NewPolicyGate(&ApprovalPolicy{
		Allowlist: []string{"*"},
		Denylist:  []string{"shell"},
	}, nil)

	decision, _ := gate.Approve(context.Background(), batch("shell"))
	if decision != DecisionRejected {
		t.Errorf("Approve(shell) = %s, want rejected", decision)
	}
}

func TestPolicyGateBatchRejectedIfAnyRejected(t *testing.T) {
	gate := NewPolicyGate(&ApprovalPolicy{
		Allowlist:       []string{"read_*"},
		DefaultDecision: DecisionRejected,
	}, nil)

	decision, _ := gate.Approve(context.Background(), batch("read_file", "write_file"))
	if decision != DecisionRejected {
		t.Errorf("mixed batch = %s, want rejected", decision)
	}

	decision, _ = gate.Approve(context.Background(), batch("read_file", "read_dir"))
	if decision != DecisionApproved {
		t.Errorf("allowlisted batch = %s, want approved", decision)
	}
}

func TestPolicyGateDefaultDecision(t *testing.T) {
	gate := NewPolicyGate(nil, nil)
	decision, _ := gate.Approve(context.Background(), batch("anything"))
	if decision != DecisionApproved {
		t.Errorf("default policy = %s, want approved", decision)
	}
}

func TestMatchToolPattern(t *testing.T) {
	tests := []struct {
		pattern string
		tool    string
		want    bool
	}{
		{"*", "anything", true},
		{"read_*", "read_file", true},
		{"read_*", "write_file", false},
		{"shell", "shell", true},
		{"shell", "shell_exec", false},
		{"", "shell", false},
	}
	for _, tt := range tests {
		if got := matchToolPattern(tt.pattern, tt.tool); got != tt.want {
			t.Errorf("matchToolPattern(%q, %q) = %v, want %v", tt.pattern, tt.tool, got, tt.want)
		}
	}
}

func TestApprovalRequestStoreListNewestFirst(t *testing.T) {
	store := NewApprovalRequestStore()
	base := time.Now()
	for i, id := range []string{"req-old", "req-mid", "req-new"} {
		err := store.Create(context.Background(), &ApprovalRequest{
			ID:        id,
			ToolName:  "shell",
			Decision:  DecisionRejected,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	requests := store.List(context.Background())
	if len(requests) != 3 {
		t.Fatalf("List() returned %d requests, want 3", len(requests))
	}
	for i, want := range []string{"req-new", "req-mid", "req-old"} {
		if requests[i].ID != want {
			t.Errorf("List()[%d] = %s, want %s", i, requests[i].ID, want)
		}
	}
}

func TestApprovalRequestStoreRecordsAndPrunes(t *testing.T) {
	store := NewApprovalRequestStore()
	gate := NewPolicyGate(&ApprovalPolicy{Denylist: []string{"shell"}}, store)

	gate.Approve(context.Background(), batch("shell"))
	gate.Approve(context.Background(), batch("calculator"))

	requests := store.List(context.Background())
	if len(requests) != 2 {
		t.Fatalf("recorded %d requests, want 2", len(requests))
	}

	pruned := store.Prune(context.Background(), 0)
	if pruned != 2 {
		t.Errorf("Prune() = %d, want 2", pruned)
	}
	if len(store.List(context.Background())) != 0 {
		t.Error("store should be empty after pruning everything")
	}
}
