package model

import "time"

// Calendar describes one calendar known to a data source.
type Calendar struct {
	// ID uniquely identifies the calendar within its source
	// (e.g., config feed ID or CalDAV collection path).
	ID string `json:"id"`

	// Account is the owning account label (source name for ICS feeds,
	// principal for CalDAV).
	Account string `json:"account"`

	Title string `json:"title"`

	// Color is the indicator color used for event dots, as a #rrggbb string.
	Color string `json:"color"`
}

// Event is a single concrete event instance as delivered by a data
// source, already expanded (no recurrence rules survive past the source
// boundary) and normalized into the display timezone.
type Event struct {
	// ID identifies this instance. For recurring events the source
	// derives a per-instance ID from the UID and occurrence start, so
	// two occurrences of the same event are distinct.
	ID string `json:"id"`

	CalendarID string `json:"calendar_id"`

	Title    string `json:"title"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
	URL      string `json:"url,omitempty"`

	AllDay bool `json:"all_day"`

	// Pending marks invitations not yet accepted.
	Pending bool `json:"pending"`

	// Start / End are in the configured display timezone. For all-day
	// events they are [date 00:00, next day 00:00).
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// OverlapsDay reports whether the event touches the calendar day
// beginning at dayStart (midnight in the display timezone).
//
// The comparison treats the day as the half-open interval
// [dayStart, dayStart+24h) and the event as [Start, End), except that a
// zero-length timed event still belongs to the day it starts on.
func (e Event) OverlapsDay(dayStart time.Time) bool {
	dayEnd := dayStart.AddDate(0, 0, 1)
	if !e.Start.Before(dayEnd) {
		return false
	}
	if e.End.After(dayStart) {
		return true
	}
	// Zero-duration event exactly at dayStart.
	return e.Start.Equal(e.End) && !e.Start.Before(dayStart)
}
