package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by run, for
// inspection in tests and debugging tools.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows GetHistoryWithFilter. Zero fields match everything.
type HistoryFilter struct {
	BlockID string
	Msg     string
	// Virtual selects only iteration-instance events when true.
	Virtual bool
	MinPass *int
	MaxPass *int
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its run's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of every event of a run in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of a run that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Count returns how many events of a run carry msg.
func (b *BufferedEmitter) Count(runID, msg string) int {
	return len(b.GetHistoryWithFilter(runID, HistoryFilter{Msg: msg}))
}

// Runs returns the ids of every run with buffered events.
func (b *BufferedEmitter) Runs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.events))
	for id := range b.events {
		ids = append(ids, id)
	}
	return ids
}

// Clear drops the history of one run, or of every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}

func (f HistoryFilter) matches(event Event) bool {
	if f.BlockID != "" && event.BlockID != f.BlockID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.Virtual && event.VirtualID == "" {
		return false
	}
	if f.MinPass != nil && event.Pass < *f.MinPass {
		return false
	}
	if f.MaxPass != nil && event.Pass > *f.MaxPass {
		return false
	}
	return true
}
