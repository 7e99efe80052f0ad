package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when no adapter is registered for a kind.
var ErrUnknownKind = errors.New("unknown backend kind")

// Capabilities are the per-backend facts the executor needs. They are looked
// up once per step instead of switching on the kind.
type Capabilities struct {
	// AcceptsFiles is false for backends that cannot take attachments; the
	// executor drops requiredFiles for them.
	AcceptsFiles bool `json:"accepts_files"`

	// ModelSelectable allows a plan step to pick a model variant.
	ModelSelectable bool `json:"model_selectable"`

	// InlineToolSchema marks backends that write tool calls as text. Their
	// step description is prefixed with a compact tool schema excerpt.
	InlineToolSchema bool `json:"inline_tool_schema"`
}

// Entry binds a kind to its adapter.
type Entry struct {
	Kind         Kind
	Description  string
	Capabilities Capabilities
	Adapter      Adapter
}

// ForModel returns the adapter to use for a step. The model is ignored when
// empty or when the backend does not allow model selection.
func (e *Entry) ForModel(model string) Adapter {
	if model == "" || !e.Capabilities.ModelSelectable {
		return e.Adapter
	}
	return e.Adapter.WithModel(model)
}

// Registry is the capability table keyed by backend kind.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]*Entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Kind]*Entry),
	}
}

// Register adds or replaces the entry for a kind.
func (r *Registry) Register(entry Entry) error {
	if entry.Kind == "" {
		return fmt.Errorf("backend kind cannot be empty")
	}
	if entry.Adapter == nil {
		return fmt.Errorf("backend %s: adapter is required", entry.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := entry
	r.entries[entry.Kind] = &e
	return nil
}

// Get returns the entry for a kind.
func (r *Registry) Get(kind Kind) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return entry, nil
}

// Has reports whether a kind is registered.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[kind]
	return ok
}

// Entries returns all entries sorted by kind.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Kinds returns the registered kinds sorted.
func (r *Registry) Kinds() []Kind {
	entries := r.Entries()
	kinds := make([]Kind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds
}
