package notify

import (
	"context"
	"errors"

	"github.com/alejandrodnm/liquidator/internal/domain"
	"github.com/alejandrodnm/liquidator/internal/ports"
)

// Multi fans events out to several reporters. A failing reporter does not
// stop the others.
type Multi struct {
	reporters []ports.Reporter
}

// NewMulti skips nil reporters.
func NewMulti(reporters ...ports.Reporter) *Multi {
	m := &Multi{}
	for _, r := range reporters {
		if r != nil {
			m.reporters = append(m.reporters, r)
		}
	}
	return m
}

func (m *Multi) Report(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.Report(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ObserveQueue forwards to reporters that track queue depth.
func (m *Multi) ObserveQueue(stats domain.Stats) {
	for _, r := range m.reporters {
		if obs, ok := r.(ports.QueueObserver); ok {
			obs.ObserveQueue(stats)
		}
	}
}
