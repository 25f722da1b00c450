// Package source defines the calendar data-source contract consumed by
// the view-model engine, plus a fan-in combining several sources.
//
// Range convention: Events uses a half-open interval [from, to). An
// event belongs to the result when it overlaps that interval; events
// ending exactly at from or starting exactly at to are excluded. The
// aggregator builds its request spans with the same convention, so
// boundary-day events are neither duplicated nor dropped.
package source

import (
	"context"
	"errors"
	"strings"
	"time"

	appLog "gridcal/internal/log"
	"gridcal/internal/model"
	"gridcal/internal/signal"
)

// Source supplies calendar metadata and event lists.
type Source interface {
	// Calendars lists the calendars known to this source.
	Calendars(ctx context.Context) ([]model.Calendar, error)

	// Events returns all event instances overlapping [from, to),
	// restricted to the given calendar IDs. A nil slice means all
	// calendars; an empty non-nil slice means none.
	Events(ctx context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error)

	// Refresh pokes the source for external data changes. Sources fire
	// Changed after a refresh so subscribers re-request.
	Refresh(ctx context.Context) error

	// Changed fires when the underlying event/calendar data mutates.
	Changed() *signal.Signal[struct{}]
}

// WantsCalendar reports whether id passes the calendarIDs filter.
func WantsCalendar(calendarIDs []string, id string) bool {
	if calendarIDs == nil {
		return true
	}
	for _, c := range calendarIDs {
		if c == id {
			return true
		}
	}
	return false
}

// Multi combines several sources into one. Calendars and Events
// concatenate the children's results; a failing child is logged and
// skipped so one broken feed never blanks the whole grid. Change
// notifications from any child are forwarded.
type Multi struct {
	sources []Source
	changed *signal.Signal[struct{}]
	bag     signal.Bag
}

// NewMulti builds a fan-in over sources.
func NewMulti(sources ...Source) *Multi {
	m := &Multi{
		sources: sources,
		changed: signal.New[struct{}](),
	}
	for _, s := range sources {
		m.bag.Add(s.Changed().Subscribe(func(struct{}) {
			m.changed.Publish(struct{}{})
		}))
	}
	return m
}

func (m *Multi) Calendars(ctx context.Context) ([]model.Calendar, error) {
	var out []model.Calendar
	for _, s := range m.sources {
		cals, err := s.Calendars(ctx)
		if err != nil {
			appLog.Error("source calendars failed", err)
			continue
		}
		out = append(out, cals...)
	}
	return out, nil
}

func (m *Multi) Events(ctx context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error) {
	var out []model.Event
	for _, s := range m.sources {
		events, err := s.Events(ctx, from, to, calendarIDs)
		if err != nil {
			appLog.Error("source events failed", err)
			continue
		}
		out = append(out, events...)
	}
	return out, nil
}

// Refresh refreshes every child, aggregating errors.
func (m *Multi) Refresh(ctx context.Context) error {
	var errs []error
	for _, s := range m.sources {
		if err := s.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return aggregate(errs)
}

func (m *Multi) Changed() *signal.Signal[struct{}] {
	return m.changed
}

// Close releases the child change subscriptions.
func (m *Multi) Close() {
	m.bag.Close()
}

func aggregate(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.Error())
	}
	return errors.New(b.String())
}
