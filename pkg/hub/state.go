package hub

import (
	"encoding/json"
	"sync"

	"golang.org/x/text/cases"
)

// foldName returns the case-insensitive key for a state or event name.
func foldName(name string) string {
	return cases.Fold().String(name)
}

type stateEntry struct {
	name  string
	value json.RawMessage
}

// State is the ambient key/value store a Proxy round-trips with every
// invocation. Names are case-insensitive; the first spelling seen is the one
// sent on the wire. The zero value is ready to use.
type State struct {
	mu      sync.Mutex
	entries map[string]stateEntry
}

// Get returns a copy of the value stored under name.
func (s *State) Get(name string) (json.RawMessage, bool) {
	key := foldName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return cloneRaw(e.value), true
}

// Set stores a copy of value under name, replacing any previous value.
func (s *State) Set(name string, value json.RawMessage) {
	key := foldName(name)
	v := cloneRaw(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, name, v)
}

// Len returns the number of stored names.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot copies the store for an outgoing envelope. It returns nil when the
// store is empty.
func (s *State) Snapshot() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(s.entries))
	for _, e := range s.entries {
		out[e.name] = cloneRaw(e.value)
	}
	return out
}

// Merge overwrites every name in values under a single lock acquisition.
func (s *State) Merge(values map[string]json.RawMessage) {
	if len(values) == 0 {
		return
	}
	type pair struct {
		key, name string
		value     json.RawMessage
	}
	pairs := make([]pair, 0, len(values))
	for name, v := range values {
		pairs = append(pairs, pair{key: foldName(name), name: name, value: cloneRaw(v)})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		s.setLocked(p.key, p.name, p.value)
	}
}

func (s *State) setLocked(key, name string, value json.RawMessage) {
	if s.entries == nil {
		s.entries = map[string]stateEntry{}
	}
	if prev, ok := s.entries[key]; ok {
		name = prev.name
	}
	s.entries[key] = stateEntry{name: name, value: value}
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
