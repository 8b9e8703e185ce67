package repositories

import (
	"sort"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Registry maps dialects to their engines. It is built once at startup and
// only read afterwards.
type Registry struct {
	engines map[models.Dialect]Engine
}

// NewRegistry creates a registry holding the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[models.Dialect]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Dialect()] = e
	}
	return r
}

// Get returns the engine for a dialect.
func (r *Registry) Get(d models.Dialect) (Engine, error) {
	e, ok := r.engines[d]
	if !ok {
		return nil, errors.Newf(errors.CodeInvalidInput, "unsupported dialect %q", d)
	}
	return e, nil
}

// Dialects returns the registered dialects in sorted order.
func (r *Registry) Dialects() []models.Dialect {
	out := make([]models.Dialect, 0, len(r.engines))
	for d := range r.engines {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
