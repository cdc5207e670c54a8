// Package registry implements the resource registry (C12): a fixed
// shutdown order over every process-wide singleton, constructed once at
// program start with no lazy first-use construction in workers. Grounded
// on cmd/driver/main.go's startup sequencing, generalized into an
// explicit ordered-shutdown list using go.uber.org/multierr to combine
// independent shutdown failures instead of stopping at the first one.
package registry

import (
	"go.uber.org/multierr"

	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

// Closer is one shutdown step. Steps run strictly in registration order;
// a failing step does not stop later ones from running (spec §4.12: the
// supervisor, workers, and uploader must all be given a chance to drain
// even if an earlier step reports an error).
type Closer struct {
	Name  string
	Close func() error
}

// Registry holds the ordered list of shutdown steps for this process.
// The order is the order in which the composition root calls Add; the
// registry itself imposes none.
type Registry struct {
	logger  servicelog.Logger
	closers []Closer
}

// New builds an empty Registry. Add steps with Add, in shutdown order.
func New(logger servicelog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Add appends one more shutdown step, to run after every step already
// registered.
func (r *Registry) Add(name string, close func() error) {
	r.closers = append(r.closers, Closer{Name: name, Close: close})
}

// Shutdown runs every registered Closer in registration order, combining
// all errors with multierr.Append instead of aborting at the first
// failure, so a step that returns an error never prevents later steps
// from running.
func (r *Registry) Shutdown() error {
	var combined error
	for _, c := range r.closers {
		if r.logger != nil {
			r.logger.Info("registry: shutting down", servicelog.String("component", c.Name))
		}
		if err := c.Close(); err != nil {
			if r.logger != nil {
				r.logger.Error("registry: shutdown step failed", servicelog.String("component", c.Name), servicelog.Error(err))
			}
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}
