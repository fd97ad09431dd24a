package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusregion/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Flush lifecycle
	EventPreFlush  EventType = "PreFlush"
	EventPostFlush EventType = "PostFlush"

	// Log lifecycle
	EventPostWALRoll EventType = "PostWALRoll"

	// Recovery lifecycle
	EventPostSplit  EventType = "PostSplit"
	EventPostReplay EventType = "PostReplay"

	// Store file lifecycle
	EventPostCompaction EventType = "PostCompaction"
	EventPostBulkLoad   EventType = "PostBulkLoad"
)

// HookManager registers listeners and fires events at them.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	// Trigger runs the listeners for an event. Pre-hooks run synchronously and
	// the first error cancels the operation. Post-hooks may run asynchronously.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for asynchronous listeners to finish.
	Stop()
}

// HookEvent is the interface that all event objects implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener receives events.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners; lower numbers run first.
	Priority() int
	// IsAsync asks for asynchronous delivery of Post-events.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// FlushPayload describes a flush attempt. Families are the stores involved.
type FlushPayload struct {
	Partition core.PartitionID
	Families  []string
	FlushSeq  uint64
	Err       error
}

func NewPreFlushEvent(payload FlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPreFlush, payload: payload}
}

func NewPostFlushEvent(payload FlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPostFlush, payload: payload}
}

// WALRollPayload is sent after the log switches segments.
type WALRollPayload struct {
	OldSegment uint64
	NewSegment uint64
	Reason     string
}

func NewPostWALRollEvent(payload WALRollPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRoll, payload: payload}
}

// SplitPayload summarizes one split run.
type SplitPayload struct {
	Segments     []string
	Partitions   int
	EditsWritten int
	EditsSkipped int
}

func NewPostSplitEvent(payload SplitPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSplit, payload: payload}
}

// ReplayPayload summarizes the replay of one partition.
type ReplayPayload struct {
	Partition            core.PartitionID
	Replayed             int
	Skipped              int
	SkippedUnknownFamily int
	OpenSeq              uint64
}

func NewPostReplayEvent(payload ReplayPayload) HookEvent {
	return &BaseEvent{eventType: EventPostReplay, payload: payload}
}

// StoreFilePayload is sent after a compaction or bulk load changes a store.
type StoreFilePayload struct {
	Partition core.PartitionID
	Family    string
	Path      string
	MaxSeq    uint64
	Inputs    []string
}

func NewPostCompactionEvent(payload StoreFilePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompaction, payload: payload}
}

func NewPostBulkLoadEvent(payload StoreFilePayload) HookEvent {
	return &BaseEvent{eventType: EventPostBulkLoad, payload: payload}
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager keeps listeners per event sorted by priority.
type DefaultHookManager struct {
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener, keeping the slice ordered by priority. Listeners
// with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(it *listenerWithPriority) {
			defer m.wg.Done()
			if err := it.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", it.priority, "error", err)
			}
		}(item)
	}
	return nil
}

func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// ListenerFunc adapts a function to a synchronous HookListener.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int { return 0 }
func (f ListenerFunc) IsAsync() bool { return false }

type noopManager struct{}

// NoopManager ignores every event.
var NoopManager HookManager = noopManager{}

func (noopManager) Register(EventType, HookListener) {}
func (noopManager) Trigger(context.Context, HookEvent) error { return nil }
func (noopManager) Stop() {}
