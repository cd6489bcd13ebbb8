package channel

import (
	"fmt"
	"strings"
)

// Registry is the ordered set of enabled channels. Dispatch walks Channels()
// in registration order.
type Registry struct {
	order []Channel
	byID  map[string]Channel
}

func NewRegistry(chs ...Channel) (*Registry, error) {
	r := &Registry{byID: make(map[string]Channel, len(chs))}
	for _, c := range chs {
		id := c.ID()
		if id == "" {
			return nil, fmt.Errorf("channel with empty id")
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate channel %q", id)
		}
		r.byID[id] = c
		r.order = append(r.order, c)
	}
	return r, nil
}

// Channels returns the channels in configured order. The slice is a copy.
func (r *Registry) Channels() []Channel {
	return append([]Channel(nil), r.order...)
}

func (r *Registry) Get(id string) (Channel, bool) {
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) Len() int { return len(r.order) }

// Spec configures one registry entry.
type Spec struct {
	ID          string
	Kind        string // email | onsite | telegram
	Sensitivity int
	Enabled     bool
}

// Factory builds a channel of one kind from its gate.
type Factory func(g Gate) (Channel, error)

// Build instantiates the enabled specs in order. Unknown kinds are an error,
// even when disabled, so typos surface at startup.
func Build(specs []Spec, prefs PreferenceResolver, kinds map[string]Factory) (*Registry, error) {
	chs := make([]Channel, 0, len(specs))
	for _, s := range specs {
		kind := strings.ToLower(strings.TrimSpace(s.Kind))
		f, ok := kinds[kind]
		if !ok {
			return nil, fmt.Errorf("channel %q: unknown kind %q", s.ID, s.Kind)
		}
		if !s.Enabled {
			continue
		}
		id := s.ID
		if id == "" {
			id = kind
		}
		c, err := f(Gate{Desc: Descriptor{ID: id, Sensitivity: s.Sensitivity}, Prefs: prefs})
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", id, err)
		}
		chs = append(chs, c)
	}
	return NewRegistry(chs...)
}
