package presence

import "sync"

// Participant is a caller identity bound to a live connection.
type Participant struct {
	// Identity is the externally supplied user id. It is not verified here.
	Identity string
	// DisplayName is shown to the other member of a session.
	DisplayName string
	// Rating is the caller-supplied numeric rating.
	Rating int
	// ConnectionID is the connection the participant was bound through.
	ConnectionID string
}

type binding struct {
	sink        Sink
	participant *Participant
}

// Registry maps live connection ids to their outbound sink and, once the
// caller has announced itself, to the bound Participant.
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*binding
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*binding)}
}

// Attach records the outbound sink for a newly accepted connection.
//
// Precondition: connID must be non-empty.
// Postcondition: Sink(connID) returns sink. An existing participant binding is kept.
func (r *Registry) Attach(connID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		b = &binding{}
		r.conns[connID] = b
	}
	b.sink = sink
}

// Bind records or replaces the participant bound to connID.
//
// Precondition: connID must be non-empty.
// Postcondition: Lookup(connID) returns p with ConnectionID set to connID.
func (r *Registry) Bind(connID string, p Participant) Participant {
	p.ConnectionID = connID

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		b = &binding{}
		r.conns[connID] = b
	}
	b.participant = &p
	return p
}

// Lookup returns the participant bound to connID.
//
// Postcondition: Returns (participant, true) if bound, or (zero, false) otherwise.
func (r *Registry) Lookup(connID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.conns[connID]
	if !ok || b.participant == nil {
		return Participant{}, false
	}
	return *b.participant, true
}

// Sink returns the outbound sink of a live connection.
func (r *Registry) Sink(connID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.conns[connID]
	if !ok || b.sink == nil {
		return nil, false
	}
	return b.sink, true
}

// Unbind forgets connID entirely. Unknown ids are ignored.
//
// Postcondition: Lookup and Sink report absent for connID.
func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BoundCount returns the number of live connections with a bound participant.
func (r *Registry) BoundCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, b := range r.conns {
		if b.participant != nil {
			n++
		}
	}
	return n
}
