package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/models"
)

// Decision is the outcome of an approval check.
type Decision string

const (
	// DecisionApproved means the batch (or call) may execute.
	DecisionApproved Decision = "approved"
	// DecisionRejected means the batch (or call) must not execute.
	DecisionRejected Decision = "rejected"
)

// Gate decides whether tool calls may execute. The turn loop asks once per
// batch before executing anything; the executor asks again per call before
// each individual execution.
//
// Implementations may auto-decide from policy or block on an interactive
// prompt. Rejection is a normal terminal outcome, not an error.
type Gate interface {
	Approve(ctx context.Context, calls []models.ToolCall) (Decision, string)
}

// AutoApproveGate approves everything. Useful for trusted tool sets and
// tests.
type AutoApproveGate struct{}

func (AutoApproveGate) Approve(context.Context, []models.ToolCall) (Decision, string) {
	return DecisionApproved, "auto-approve"
}

// ApprovalPolicy configures the policy gate's pattern lists.
type ApprovalPolicy struct {
	// Allowlist contains tools that are always allowed.
	// Supports glob-style patterns like "read_*".
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// Denylist contains tools that are always rejected. Checked first.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// DefaultDecision applies when no list matches (default: approved).
	DefaultDecision Decision `yaml:"default_decision" json:"default_decision"`

	// RequestTTL is how long recorded approval requests remain before
	// Prune discards them (default: 5m).
	RequestTTL time.Duration `yaml:"request_ttl" json:"request_ttl"`
}

// DefaultApprovalPolicy returns a policy that approves by default with no
// list entries.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{
		DefaultDecision: DecisionApproved,
		RequestTTL:      5 * time.Minute,
	}
}

// PolicyGate evaluates tool calls against allow/deny pattern lists. A batch
// is approved only when every call in it is approved; a single denied call
// rejects the whole batch with its reason.
type PolicyGate struct {
	mu     sync.RWMutex
	policy *ApprovalPolicy
	store  *ApprovalRequestStore
}

// NewPolicyGate creates a policy gate. A nil policy uses
// DefaultApprovalPolicy; a nil store disables request recording.
func NewPolicyGate(policy *ApprovalPolicy, store *ApprovalRequestStore) *PolicyGate {
	if policy == nil {
		policy = DefaultApprovalPolicy()
	}
	if policy.DefaultDecision == "" {
		policy.DefaultDecision = DecisionApproved
	}
	if policy.RequestTTL <= 0 {
		policy.RequestTTL = 5 * time.Minute
	}
	return &PolicyGate{policy: policy, store: store}
}

// SetPolicy replaces the gate's policy.
func (g *PolicyGate) SetPolicy(policy *ApprovalPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = policy
}

// Approve checks every call in the batch against the policy.
func (g *PolicyGate) Approve(ctx context.Context, calls []models.ToolCall) (Decision, string) {
	g.mu.RLock()
	policy := g.policy
	g.mu.RUnlock()

	for _, call := range calls {
		if matchesPattern(policy.Denylist, call.Name) {
			g.record(ctx, call, DecisionRejected, "tool in denylist")
			return DecisionRejected, "tool " + call.Name + " in denylist"
		}
	}
	for _, call := range calls {
		decision := DecisionApproved
		reason := "tool in allowlist"
		if !matchesPattern(policy.Allowlist, call.Name) {
			decision = policy.DefaultDecision
			reason = "default policy"
		}
		g.record(ctx, call, decision, reason)
		if decision != DecisionApproved {
			return DecisionRejected, "tool " + call.Name + " rejected by policy"
		}
	}
	return DecisionApproved, "policy"
}

func (g *PolicyGate) record(ctx context.Context, call models.ToolCall, decision Decision, reason string) {
	if g.store == nil {
		return
	}
	_ = g.store.Create(ctx, &ApprovalRequest{
		ID:         uuid.NewString(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
		Decision:   decision,
		Reason:     reason,
		CreatedAt:  time.Now(),
	})
}

// matchesPattern reports whether the tool name matches any pattern in the
// list. "*" matches everything; a trailing "*" matches a prefix.
func matchesPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if matchToolPattern(pattern, toolName) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == toolName
}

// ApprovalRequest records one approval decision for audit and review.
type ApprovalRequest struct {
	ID         string    `json:"id"`
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Input      []byte    `json:"input,omitempty"`
	Decision   Decision  `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ApprovalRequestStore keeps recent approval decisions in memory. Old
// entries are discarded by Prune, typically on a schedule.
type ApprovalRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest
}

// NewApprovalRequestStore creates an empty request store.
func NewApprovalRequestStore() *ApprovalRequestStore {
	return &ApprovalRequestStore{
		requests: make(map[string]*ApprovalRequest),
	}
}

// Create records a request.
func (s *ApprovalRequestStore) Create(_ context.Context, req *ApprovalRequest) error {
	if req == nil || req.ID == "" {
		return errors.New("approval request requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

// Get returns a recorded request by id.
func (s *ApprovalRequestStore) Get(_ context.Context, id string) (*ApprovalRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	return req, ok
}

// List returns all recorded requests, newest first.
func (s *ApprovalRequestStore) List(_ context.Context) []*ApprovalRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ApprovalRequest, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Prune discards requests older than the given age and returns how many
// were removed.
func (s *ApprovalRequestStore) Prune(_ context.Context, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, req := range s.requests {
		if req.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			removed++
		}
	}
	return removed
}
