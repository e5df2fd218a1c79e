package analyzers

import (
	"errors"
	"fmt"
)

// Registry is the ordered, immutable set of analyzers run for every audit.
type Registry struct {
	analyzers []Analyzer
	byName    map[string]Analyzer
}

func NewRegistry(list ...Analyzer) (*Registry, error) {
	if len(list) == 0 {
		return nil, errors.New("registry needs at least one analyzer")
	}
	r := &Registry{byName: make(map[string]Analyzer, len(list))}
	for _, a := range list {
		if a == nil || a.Name() == "" {
			return nil, errors.New("analyzer must have a name")
		}
		if _, dup := r.byName[a.Name()]; dup {
			return nil, fmt.Errorf("duplicate analyzer %q", a.Name())
		}
		r.byName[a.Name()] = a
		r.analyzers = append(r.analyzers, a)
	}
	return r, nil
}

func (r *Registry) All() []Analyzer {
	out := make([]Analyzer, len(r.analyzers))
	copy(out, r.analyzers)
	return out
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.analyzers))
	for i, a := range r.analyzers {
		out[i] = a.Name()
	}
	return out
}

func (r *Registry) Get(name string) (Analyzer, bool) {
	a, ok := r.byName[name]
	return a, ok
}

func (r *Registry) Len() int { return len(r.analyzers) }
