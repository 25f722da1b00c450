package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "gridcal/internal/log"
	"gridcal/internal/model"
)

const defaultMaxInstancesPerEvent = 5000

// occurrenceLookback is how far before the requested range recurring
// rules are still evaluated, so a multi-day occurrence that started
// before the range is not lost.
const occurrenceLookback = 35 * 24 * time.Hour

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// DisplayLocation is the timezone all instances are converted to.
	// If nil, time.UTC is used.
	DisplayLocation *time.Location

	// From / To bound the half-open window [From, To) an instance must
	// overlap to be returned.
	From time.Time
	To   time.Time

	// MaxInstancesPerEvent caps expansion of a single rule. Zero means
	// defaultMaxInstancesPerEvent.
	MaxInstancesPerEvent int
}

// Expand turns parsed VEVENTs into concrete model.Event instances within
// the window. It handles single events, RRULE recurrence, EXDATE
// exceptions, RECURRENCE-ID overrides and all-day semantics; every
// instance gets a distinct ID derived from the UID and its start.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]model.Event, error) {
	if cfg.To.Before(cfg.From) {
		return nil, errors.New("expand: To is before From")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.UTC
	}
	if cfg.MaxInstancesPerEvent <= 0 {
		cfg.MaxInstancesPerEvent = defaultMaxInstancesPerEvent
	}

	// Group base events and overrides by UID.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	order := make([]string, 0, len(events))

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, seen := baseByUID[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	var out []model.Event
	for _, uid := range order {
		for _, ev := range baseByUID[uid] {
			instances, hitCap := expandEvent(ev, overridesByUID[uid], cfg)
			out = append(out, instances...)
			if hitCap {
				appLog.Error("expand: truncated instances for UID",
					errors.New("max instances reached"),
					"uid", uid, "cap", cfg.MaxInstancesPerEvent)
			}
		}
	}
	return out, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Event, bool) {
	if ev.RawRRule == "" {
		return expandSingle(ev, overrides, cfg), false
	}
	return expandRecurring(ev, overrides, cfg)
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Event {
	start, end := normalizeSpan(ev, ev.Start, ev.End)

	if o, ok := findOverride(overrides, start); ok {
		ev = o
		start, end = normalizeSpan(o, o.Start, o.End)
	}

	if !overlapsWindow(start, end, cfg.From, cfg.To) {
		return nil
	}
	return []model.Event{makeInstance(ev, start, end, cfg.DisplayLocation)}
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Event, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Query the rule over a widened window in the event's own zone; the
	// per-instance overlap check below restores the half-open bounds.
	queryStart := cfg.From.Add(-occurrenceLookback).In(ev.Start.Location())
	queryEnd := cfg.To.In(ev.Start.Location())
	occTimes := set.Between(queryStart, queryEnd, true)

	hitCap := false
	if len(occTimes) > cfg.MaxInstancesPerEvent {
		occTimes = occTimes[:cfg.MaxInstancesPerEvent]
		hitCap = true
	}

	var out []model.Event
	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart = date
			occEnd = date.AddDate(0, 0, 1)
		} else {
			occEnd = occStart.Add(ev.End.Sub(ev.Start))
		}

		instEv, start, end := ev, occStart, occEnd
		if o, ok := findOverride(overrides, occStart); ok {
			instEv = o
			start, end = normalizeSpan(o, o.Start, o.End)
		}

		if !overlapsWindow(start, end, cfg.From, cfg.To) {
			continue
		}
		out = append(out, makeInstance(instEv, start, end, cfg.DisplayLocation))
	}
	return out, hitCap
}

// normalizeSpan repairs missing or inverted DTEND values: all-day events
// get an exclusive next-midnight end, timed events fall back to
// zero duration.
func normalizeSpan(ev ParsedEvent, start, end time.Time) (time.Time, time.Time) {
	if ev.AllDay {
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
		if !end.After(day) {
			return day, day.AddDate(0, 0, 1)
		}
		endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location())
		return day, endDay
	}
	if end.Before(start) {
		return start, start
	}
	return start, end
}

func findOverride(overrides []ParsedEvent, baseStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.In(baseStart.Location()).Equal(baseStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeInstance(ev ParsedEvent, start, end time.Time, loc *time.Location) model.Event {
	startLocal := start.In(loc)
	endLocal := end.In(loc)
	if ev.AllDay {
		// Keep all-day bounds on day boundaries of the display zone.
		startLocal = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		endLocal = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
	}

	return model.Event{
		ID:         ev.UID + "/" + startLocal.Format(time.RFC3339),
		CalendarID: ev.Feed.ID,
		Title:      ev.Summary,
		Location:   ev.Location,
		Notes:      ev.Description,
		URL:        ev.URL,
		AllDay:     ev.AllDay,
		Pending:    ev.Pending,
		Start:      startLocal,
		End:        endLocal,
	}
}

// overlapsWindow checks the half-open window [from, to). A zero-length
// event counts on the instant it starts.
func overlapsWindow(start, end, from, to time.Time) bool {
	if !start.Before(to) {
		return false
	}
	if end.After(from) {
		return true
	}
	return start.Equal(end) && !start.Before(from)
}
