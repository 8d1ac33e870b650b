package emit

// Emitter receives and processes observability events from the engine.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down the driver loop
//   - Thread-safe: called concurrently from parallel node execution
//   - Resilient: handle backend failures without crashing the engine
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit must not panic and must not block instance execution; errors
	// are handled internally by the implementation.
	Emit(event Event)
}
