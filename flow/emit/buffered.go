package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are organized by instance id for efficient retrieval and filtering:
// useful in tests, debugging sessions, and dashboards that replay what an
// instance did.
//
// Warning: all events stay in memory. Long-running deployments should clear
// instances as they finish or use a persistent backend instead.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instanceID -> events
}

// HistoryFilter specifies criteria for filtering instance history.
//
// All fields are optional; set fields combine with AND logic.
type HistoryFilter struct {
	NodeKey string // filter by node key (empty = no filter)
	Msg     string // filter by message (empty = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// History retrieves all events for an instance in emission order.
//
// Returns a copy; the caller may modify the slice freely. An unknown
// instance yields an empty slice.
func (b *BufferedEmitter) History(instanceID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[instanceID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter retrieves the instance's events matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[instanceID] {
		if filter.NodeKey != "" && event.NodeKey != filter.NodeKey {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events. A non-empty instanceID clears that instance
// only; an empty instanceID clears everything.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instanceID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, instanceID)
	}
}
