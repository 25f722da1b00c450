// Package grid builds the visible month grid: the ordered run of
// day-cells covering the reference date's month, padded on both sides to
// complete weeks, plus the weekday-header and week-number metadata.
// Everything here is a pure function of (reference date, configuration).
package grid

import (
	"time"

	"gridcal/internal/clock"
)

// Cell is one visible grid position: a calendar day and whether it
// belongs to the reference date's month.
type Cell struct {
	// Date is midnight of the cell's day in the configured zone.
	Date    time.Time `json:"date"`
	InMonth bool      `json:"in_month"`
}

// WeekDay is one weekday-header column.
type WeekDay struct {
	Title     string `json:"title"`
	IsWeekend bool   `json:"is_weekend"`
}

// WeekNumber is the week-of-year value for one 7-cell grid row. Year is
// the week-numbering year, which near year boundaries can differ from
// the calendar year of the row's dates (ISO week 53 in early January).
type WeekNumber struct {
	Week int `json:"week"`
	Year int `json:"year"`
}

// Midnight normalizes t to 00:00 of its day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// nextDay returns midnight of the following day. Going through
// time.Date keeps the result at 00:00 even across DST transitions.
func nextDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

func prevDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()-1, 0, 0, 0, 0, t.Location())
}

// Build returns the cells for ref's month view: starting at the nearest
// configured first weekday on or before the 1st, ending at the first
// week boundary on or after the month's last day. The result length is
// always a multiple of 7 and the dates increase by exactly one day.
func Build(ref time.Time, cfg clock.CalendarConfig) []Cell {
	loc := cfg.Location
	first := time.Date(ref.In(loc).Year(), ref.In(loc).Month(), 1, 0, 0, 0, 0, loc)
	last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, loc)

	start := first
	for start.Weekday() != cfg.FirstWeekday {
		start = prevDay(start)
	}

	cells := make([]Cell, 0, 42)
	for d := start; ; d = nextDay(d) {
		cells = append(cells, Cell{
			Date:    d,
			InMonth: d.Month() == first.Month() && d.Year() == first.Year(),
		})
		if len(cells)%7 == 0 && !cells[len(cells)-1].Date.Before(last) {
			break
		}
	}
	return cells
}

// WeekDays returns the weekday-header columns starting at the configured
// first weekday, with the weekend flag taken from the configuration's
// weekend rule.
func WeekDays(cfg clock.CalendarConfig) []WeekDay {
	out := make([]WeekDay, 7)
	for i := 0; i < 7; i++ {
		wd := time.Weekday((int(cfg.FirstWeekday) + i) % 7)
		out[i] = WeekDay{
			Title:     wd.String()[:3],
			IsWeekend: cfg.IsWeekend(wd),
		}
	}
	return out
}

// WeekNumbers returns one week number per 7-cell row of cells.
//
// Each row is represented by its middle day (index 3): under ISO
// numbering the first row of a January grid can legitimately be week
// 52/53 of the previous year, and the middle day lands that decision on
// the row's dominant week regardless of which weekday starts the row.
func WeekNumbers(cells []Cell, cfg clock.CalendarConfig) []WeekNumber {
	rows := len(cells) / 7
	out := make([]WeekNumber, 0, rows)
	for r := 0; r < rows; r++ {
		rep := cells[r*7+3].Date
		out = append(out, weekOf(rep, cfg))
	}
	return out
}

func weekOf(d time.Time, cfg clock.CalendarConfig) WeekNumber {
	if cfg.WeekNumbering == clock.WeekNumberingGregorian {
		return gregorianWeekOf(d, cfg.FirstWeekday)
	}
	year, week := d.ISOWeek()
	return WeekNumber{Week: week, Year: year}
}

// gregorianWeekOf counts weeks from the week containing January 1st,
// with weeks starting at firstWeekday.
func gregorianWeekOf(d time.Time, firstWeekday time.Weekday) WeekNumber {
	jan1 := time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, d.Location())
	offset := (int(jan1.Weekday()) - int(firstWeekday) + 7) % 7
	week := (d.YearDay()-1+offset)/7 + 1
	return WeekNumber{Week: week, Year: d.Year()}
}
