package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Additional context keys for correlation IDs.
const (
	// TurnIDKey is the context key for turn IDs (one SendMessage call).
	TurnIDKey ContextKey = "turn_id"

	// ToolCallIDKey is the context key for tool call IDs.
	ToolCallIDKey ContextKey = "tool_call_id"

	// MessageIDKey is the context key for message IDs.
	MessageIDKey ContextKey = "message_id"
)

// AddTurnID adds a turn ID to the context.
func AddTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// GetTurnID retrieves the turn ID from the context.
func GetTurnID(ctx context.Context) string {
	if id, ok := ctx.Value(TurnIDKey).(string); ok {
		return id
	}
	return ""
}

// AddToolCallID adds a tool call ID to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, toolCallID)
}

// GetToolCallID retrieves the tool call ID from the context.
func GetToolCallID(ctx context.Context) string {
	if id, ok := ctx.Value(ToolCallIDKey).(string); ok {
		return id
	}
	return ""
}

// AddMessageID adds a message ID to the context.
func AddMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

// GetMessageID retrieves the message ID from the context.
func GetMessageID(ctx context.Context) string {
	if id, ok := ctx.Value(MessageIDKey).(string); ok {
		return id
	}
	return ""
}

// EventType categorizes timeline events for filtering and display.
type EventType string

const (
	EventTypeTurnStart        EventType = "turn.start"
	EventTypeTurnEnd          EventType = "turn.end"
	EventTypeTurnError        EventType = "turn.error"
	EventTypeToolStart        EventType = "tool.start"
	EventTypeToolEnd          EventType = "tool.end"
	EventTypeToolError        EventType = "tool.error"
	EventTypeProviderRequest  EventType = "provider.request"
	EventTypeProviderResponse EventType = "provider.response"
	EventTypeProviderError    EventType = "provider.error"
	EventTypeApprovalReq      EventType = "approval.required"
	EventTypeApprovalDec      EventType = "approval.decided"
	EventTypeBranchOp         EventType = "branch.operation"
	EventTypeSequenceRepair   EventType = "sequence.repair"
	EventTypeCustom           EventType = "custom"
)

// Event is one entry in the debugging timeline.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	TurnID         string         `json:"turn_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ThreadID       string         `json:"thread_id,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Name           string         `json:"name,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Duration       time.Duration  `json:"duration_ns,omitempty"`
	Error          string         `json:"error,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	SpanID         string         `json:"span_id,omitempty"`
}

// EventStore stores and retrieves timeline events for debugging.
type EventStore interface {
	// Record stores an event.
	Record(event *Event) error

	// GetByTurnID returns all events for a turn, sorted by timestamp.
	GetByTurnID(turnID string) ([]*Event, error)

	// GetByConversationID returns all events for a conversation, sorted by
	// timestamp.
	GetByConversationID(conversationID string) ([]*Event, error)

	// GetByTimeRange returns events within a time range.
	GetByTimeRange(start, end time.Time) ([]*Event, error)

	// GetByType returns the most recent events of a specific type.
	GetByType(eventType EventType, limit int) ([]*Event, error)

	// Get returns a single event by ID.
	Get(id string) (*Event, error)

	// Delete removes events older than the given duration.
	Delete(olderThan time.Duration) (int, error)
}

// MemoryEventStore is an in-memory ring-buffer implementation of EventStore.
type MemoryEventStore struct {
	mu             sync.RWMutex
	events         map[string]*Event
	byTurnID       map[string][]string
	byConversation map[string][]string
	maxSize        int
}

// NewMemoryEventStore creates a new in-memory event store. When the store
// exceeds maxSize, the oldest events are evicted.
func NewMemoryEventStore(maxSize int) *MemoryEventStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryEventStore{
		events:         make(map[string]*Event),
		byTurnID:       make(map[string][]string),
		byConversation: make(map[string][]string),
		maxSize:        maxSize,
	}
}

func (s *MemoryEventStore) Record(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxSize {
		s.evictOldest()
	}

	s.events[event.ID] = event

	if event.TurnID != "" {
		s.byTurnID[event.TurnID] = append(s.byTurnID[event.TurnID], event.ID)
	}
	if event.ConversationID != "" {
		s.byConversation[event.ConversationID] = append(s.byConversation[event.ConversationID], event.ID)
	}

	return nil
}

func (s *MemoryEventStore) GetByTurnID(turnID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byTurnID[turnID]), nil
}

func (s *MemoryEventStore) GetByConversationID(conversationID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byConversation[conversationID]), nil
}

// collect resolves ids to events, oldest first. Callers hold the lock.
func (s *MemoryEventStore) collect(ids []string) []*Event {
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

func (s *MemoryEventStore) GetByTimeRange(start, end time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (s *MemoryEventStore) GetByType(eventType EventType, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}
	// Most recent first.
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryEventStore) Get(id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event not found: %s", id)
	}
	return e, nil
}

func (s *MemoryEventStore) Delete(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	deleted := 0

	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			s.removeLocked(e)
			deleted++
		}
	}

	return deleted, nil
}

func (s *MemoryEventStore) evictOldest() {
	// Remove the oldest 10% to avoid evicting on every insert.
	toRemove := s.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}

	var events []*Event
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for i := 0; i < toRemove && i < len(events); i++ {
		s.removeLocked(events[i])
	}
}

// removeLocked drops an event and its index entries. Callers hold the lock.
func (s *MemoryEventStore) removeLocked(e *Event) {
	delete(s.events, e.ID)
	if e.TurnID != "" {
		if ids := removeID(s.byTurnID[e.TurnID], e.ID); len(ids) > 0 {
			s.byTurnID[e.TurnID] = ids
		} else {
			delete(s.byTurnID, e.TurnID)
		}
	}
	if e.ConversationID != "" {
		if ids := removeID(s.byConversation[e.ConversationID], e.ID); len(ids) > 0 {
			s.byConversation[e.ConversationID] = ids
		} else {
			delete(s.byConversation, e.ConversationID)
		}
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// EventRecorder provides a convenient API for recording timeline events.
// A nil EventRecorder is safe to use; all methods become no-ops.
type EventRecorder struct {
	store  EventStore
	logger *Logger
}

// NewEventRecorder creates a new event recorder.
func NewEventRecorder(store EventStore, logger *Logger) *EventRecorder {
	return &EventRecorder{
		store:  store,
		logger: logger,
	}
}

// Record records an event, extracting correlation IDs from context.
func (r *EventRecorder) Record(ctx context.Context, eventType EventType, name string, data map[string]any) error {
	if r == nil {
		return nil
	}
	event := r.eventFromContext(ctx, eventType, name, data)

	if r.logger != nil {
		r.logger.Debug(ctx, "event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
		)
	}

	return r.store.Record(event)
}

// RecordError records an error event.
func (r *EventRecorder) RecordError(ctx context.Context, eventType EventType, name string, err error, data map[string]any) error {
	if r == nil {
		return nil
	}
	if data == nil {
		data = make(map[string]any)
	}
	data["error"] = err.Error()

	event := r.eventFromContext(ctx, eventType, name, data)
	event.Error = err.Error()

	if r.logger != nil {
		r.logger.Error(ctx, "error event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
			"error", err,
		)
	}

	return r.store.Record(event)
}

func (r *EventRecorder) eventFromContext(ctx context.Context, eventType EventType, name string, data map[string]any) *Event {
	event := &Event{
		ID:             generateEventID(),
		Type:           eventType,
		Timestamp:      time.Now(),
		TurnID:         GetTurnID(ctx),
		ConversationID: GetConversationID(ctx),
		ToolCallID:     GetToolCallID(ctx),
		MessageID:      GetMessageID(ctx),
		Name:           name,
		Data:           data,
	}
	if threadID, ok := ctx.Value(ThreadIDKey).(string); ok {
		event.ThreadID = threadID
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.SpanID = sc.SpanID().String()
	}
	return event
}

// RecordToolStart records a tool execution start event.
func (r *EventRecorder) RecordToolStart(ctx context.Context, toolName string, input any) error {
	if r == nil {
		return nil
	}
	data := map[string]any{
		"tool_name": toolName,
	}
	if input != nil {
		if b, err := json.Marshal(input); err == nil {
			data["input"] = string(b)
		}
	}
	return r.Record(ctx, EventTypeToolStart, toolName, data)
}

// RecordToolEnd records a tool execution end event.
func (r *EventRecorder) RecordToolEnd(ctx context.Context, toolName string, duration time.Duration, err error) error {
	if r == nil {
		return nil
	}
	data := map[string]any{
		"tool_name":   toolName,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		return r.RecordError(ctx, EventTypeToolError, toolName, err, data)
	}
	return r.Record(ctx, EventTypeToolEnd, toolName, data)
}

// RecordTurnStart records a turn start event.
func (r *EventRecorder) RecordTurnStart(ctx context.Context, turnID string, data map[string]any) error {
	if r == nil {
		return nil
	}
	ctx = AddTurnID(ctx, turnID)
	return r.Record(ctx, EventTypeTurnStart, "turn_start", data)
}

// RecordTurnEnd records a turn end event with its outcome.
func (r *EventRecorder) RecordTurnEnd(ctx context.Context, duration time.Duration, outcome string, err error) error {
	if r == nil {
		return nil
	}
	data := map[string]any{
		"duration_ms": duration.Milliseconds(),
		"outcome":     outcome,
	}
	if err != nil {
		return r.RecordError(ctx, EventTypeTurnError, "turn_error", err, data)
	}
	return r.Record(ctx, EventTypeTurnEnd, "turn_end", data)
}

// RecordProviderCall records one model request/response pair.
func (r *EventRecorder) RecordProviderCall(ctx context.Context, provider, model string, duration time.Duration, err error) error {
	if r == nil {
		return nil
	}
	data := map[string]any{
		"provider":    provider,
		"model":       model,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		return r.RecordError(ctx, EventTypeProviderError, provider, err, data)
	}
	return r.Record(ctx, EventTypeProviderResponse, provider, data)
}

// Timeline is a sequence of events for display.
type Timeline struct {
	TurnID         string           `json:"turn_id"`
	ConversationID string           `json:"conversation_id"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
	Duration       time.Duration    `json:"duration"`
	Events         []*Event         `json:"events"`
	Summary        *TimelineSummary `json:"summary"`
}

// TimelineSummary provides aggregate statistics for a timeline.
type TimelineSummary struct {
	TotalEvents   int           `json:"total_events"`
	ErrorCount    int           `json:"error_count"`
	ToolCalls     int           `json:"tool_calls"`
	ProviderCalls int           `json:"provider_calls"`
	TotalDuration time.Duration `json:"total_duration"`
}

// BuildTimeline creates a timeline from events.
func BuildTimeline(events []*Event) *Timeline {
	if len(events) == 0 {
		return &Timeline{Summary: &TimelineSummary{}}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	timeline := &Timeline{
		Events:    events,
		StartTime: events[0].Timestamp,
		EndTime:   events[len(events)-1].Timestamp,
		Duration:  events[len(events)-1].Timestamp.Sub(events[0].Timestamp),
		Summary:   &TimelineSummary{TotalEvents: len(events)},
	}

	for _, e := range events {
		if e.TurnID != "" && timeline.TurnID == "" {
			timeline.TurnID = e.TurnID
		}
		if e.ConversationID != "" && timeline.ConversationID == "" {
			timeline.ConversationID = e.ConversationID
		}
		if timeline.TurnID != "" && timeline.ConversationID != "" {
			break
		}
	}

	for _, e := range events {
		if e.Error != "" {
			timeline.Summary.ErrorCount++
		}
		switch e.Type {
		case EventTypeToolStart:
			timeline.Summary.ToolCalls++
		case EventTypeProviderRequest, EventTypeProviderResponse:
			if e.Type == EventTypeProviderResponse {
				timeline.Summary.ProviderCalls++
			}
		}
		timeline.Summary.TotalDuration += e.Duration
	}

	return timeline
}

// FormatTimeline formats a timeline for terminal display.
func FormatTimeline(timeline *Timeline) string {
	if timeline == nil || len(timeline.Events) == 0 {
		return "No events found"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Timeline for turn %s ===\n", timeline.TurnID)
	fmt.Fprintf(&b, "Conversation: %s\n", timeline.ConversationID)
	fmt.Fprintf(&b, "Duration: %v\n", timeline.Duration)
	fmt.Fprintf(&b, "Events: %d (errors: %d, tool calls: %d, provider calls: %d)\n\n",
		timeline.Summary.TotalEvents, timeline.Summary.ErrorCount,
		timeline.Summary.ToolCalls, timeline.Summary.ProviderCalls)

	for i, e := range timeline.Events {
		prefix := "├─"
		if i == len(timeline.Events)-1 {
			prefix = "└─"
		}

		timestamp := e.Timestamp.Format("15:04:05.000")
		fmt.Fprintf(&b, "%s [%s] %s: %s\n", prefix, timestamp, e.Type, e.Name)

		if e.Duration > 0 {
			fmt.Fprintf(&b, "   Duration: %v\n", e.Duration)
		}
		if e.Error != "" {
			fmt.Fprintf(&b, "   Error: %s\n", e.Error)
		}
	}

	return b.String()
}

var (
	eventIDMu      sync.Mutex
	eventIDCounter int64
)

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter)
}
