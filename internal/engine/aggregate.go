package engine

import (
	"sort"
	"time"

	"gridcal/internal/grid"
	"gridcal/internal/model"
)

// fallbackDotColor is used when an event's owning calendar is unknown
// (e.g., the calendar list fetch failed but events arrived).
const fallbackDotColor = "#8b949e"

const dayKeyLayout = "2006-01-02"

func dayKey(t time.Time) string {
	return t.Format(dayKeyLayout)
}

// groupByDay buckets events onto every grid day they touch and derives
// the per-day indicator colors.
//
// Membership: an event belongs to day d when it overlaps the half-open
// interval [d 00:00, d+1 00:00), which covers all-day events
// by construction (their End is the exclusive next midnight), any
// touched day for timed events. Within a day the order is: all-day
// events first, then start time ascending, then calendar ID.
//
// Dots are the distinct colors of the owning calendars of that day's
// events, sorted; two events from the same calendar contribute one dot.
func groupByDay(cells []grid.Cell, events []model.Event, calendars map[string]model.Calendar) (map[string][]model.Event, map[string][]string) {
	eventsByDay := make(map[string][]model.Event, len(cells))
	dotsByDay := make(map[string][]string, len(cells))

	for _, cell := range cells {
		var dayEvents []model.Event
		for _, ev := range events {
			if ev.OverlapsDay(cell.Date) {
				dayEvents = append(dayEvents, ev)
			}
		}
		if len(dayEvents) == 0 {
			continue
		}

		sort.SliceStable(dayEvents, func(i, j int) bool {
			a, b := dayEvents[i], dayEvents[j]
			if a.AllDay != b.AllDay {
				return a.AllDay
			}
			if !a.Start.Equal(b.Start) {
				return a.Start.Before(b.Start)
			}
			return a.CalendarID < b.CalendarID
		})

		key := dayKey(cell.Date)
		eventsByDay[key] = dayEvents
		dotsByDay[key] = dotColors(dayEvents, calendars)
	}

	return eventsByDay, dotsByDay
}

func dotColors(dayEvents []model.Event, calendars map[string]model.Calendar) []string {
	seen := make(map[string]struct{}, len(dayEvents))
	var dots []string
	for _, ev := range dayEvents {
		color := fallbackDotColor
		if cal, ok := calendars[ev.CalendarID]; ok && cal.Color != "" {
			color = cal.Color
		}
		if _, dup := seen[color]; dup {
			continue
		}
		seen[color] = struct{}{}
		dots = append(dots, color)
	}
	sort.Strings(dots)
	return dots
}
