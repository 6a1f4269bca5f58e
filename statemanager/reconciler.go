package statemanager

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"optrack.evalgo.org/common"
)

// IssueRecorder receives diagnostics for the user-visible issue log
type IssueRecorder interface {
	Record(message string, details interface{})
}

// Reconciler consumes the raw notification stream and applies it to a Manager.
// It must be fed from a single goroutine; events are applied strictly in
// arrival order.
type Reconciler struct {
	manager  *Manager
	issues   IssueRecorder
	logger   *logrus.Entry
	observer Observer
}

// NewReconciler creates a reconciler for m. issues and logger may be nil.
func NewReconciler(m *Manager, issues IssueRecorder, logger *logrus.Entry) *Reconciler {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &Reconciler{
		manager:  m,
		issues:   issues,
		logger:   logger.WithField("component", "reconciler"),
		observer: m.observer,
	}
}

// Handle decodes and applies one raw event. Malformed events are reported and
// leave the store untouched.
func (r *Reconciler) Handle(raw []byte) error {
	ev, err := DecodeEvent(raw)
	if err != nil {
		r.reject(raw, err)
		return err
	}
	if err := r.manager.Apply(ev); err != nil {
		if !errors.Is(err, ErrClosed) {
			r.reject(raw, err)
		}
		return err
	}
	return nil
}

// Run applies events from in until ctx is done or in is closed
func (r *Reconciler) Run(ctx context.Context, in <-chan []byte) error {
	r.logger.Debug("Reconciler started")
	defer r.logger.Debug("Reconciler stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			_ = r.Handle(raw)
		}
	}
}

func (r *Reconciler) reject(raw []byte, err error) {
	r.logger.WithError(err).Warn("Ignoring operation event")
	if r.observer != nil {
		r.observer.EventRejected()
	}
	if r.issues != nil {
		r.issues.Record("Ignored operation event: "+err.Error(), string(raw))
	}
}
