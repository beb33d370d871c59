// Package emit provides run and block event emission for the executor.
package emit

// Emitter receives observability events from workflow runs.
//
// Implementations must be safe for concurrent use: with concurrent execution
// enabled, events for different blocks of one run may be emitted from
// several goroutines. Emit must not block for long and must not panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter []Emitter

// Emit forwards event to every non-nil emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
