// Package engine computes the month-view per-day view model: grid cells
// with month membership, today/selected/hovered flags, grouped events
// and indicator colors, re-emitted whenever any input changes.
//
// All state lives behind one mutex (the single logical thread of the
// design). Event fetches run off that thread; their completions are
// marshaled back through applyEvents and dropped unless the request
// still matches the current span and calendar set.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gridcal/internal/clock"
	"gridcal/internal/grid"
	appLog "gridcal/internal/log"
	"gridcal/internal/metrics"
	"gridcal/internal/model"
	"gridcal/internal/signal"
	"gridcal/internal/source"
)

// DayCell is the view model for one visible grid cell.
type DayCell struct {
	Date       time.Time     `json:"date"`
	InMonth    bool          `json:"in_month"`
	IsToday    bool          `json:"is_today"`
	IsSelected bool          `json:"is_selected"`
	IsHovered  bool          `json:"is_hovered"`
	Events     []model.Event `json:"events"`
	Dots       []string      `json:"dots"`
}

// fetchKey identifies one event request by its span and calendar set.
// A response is merged only while its request is still the latest
// issued.
func fetchKeyFor(from, to time.Time, cals string) string {
	return from.Format(time.RFC3339) + "|" + to.Format(time.RFC3339) + "|" + cals
}

// Engine merges grid construction, event aggregation and cursor state
// into reactive snapshots for the rendering layer.
type Engine struct {
	ctx      context.Context
	provider clock.Provider
	src      source.Source

	mu          sync.Mutex
	cfg         clock.CalendarConfig
	refDate     time.Time  // midnight of the selected/reference day
	hovered     *time.Time // midnight, nil when no cell is hovered
	enabled     []string   // nil means all calendars
	today       time.Time
	cells       []grid.Cell
	weekDays    []grid.WeekDay
	weekNumbers []grid.WeekNumber
	eventsByDay map[string][]model.Event
	dotsByDay   map[string][]string
	calendars   map[string]model.Calendar
	issued      string
	seq         uint64 // generation guard alongside issued

	// emitMu serializes snapshot publication: it is held from state
	// mutation through publish, so subscribers observe emissions in the
	// same order the states were built.
	emitMu sync.Mutex

	cellsOut       *signal.Signal[[]DayCell]
	weekDaysOut    *signal.Signal[[]grid.WeekDay]
	weekNumbersOut *signal.Signal[[]grid.WeekNumber]

	// runFetch dispatches the event request; tests replace it with a
	// synchronous call.
	runFetch func(func())

	bag signal.Bag
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithSyncFetch makes event requests run on the calling goroutine
// instead of a worker. Used by the dump command and tests, where a
// deterministic fetch-then-return order matters.
func WithSyncFetch() Option {
	return func(e *Engine) {
		e.runFetch = func(f func()) { f() }
	}
}

// New builds an Engine over the given providers. The initial reference
// date is today; the first event request is issued immediately.
func New(ctx context.Context, provider clock.Provider, src source.Source, opts ...Option) *Engine {
	e := &Engine{
		ctx:            ctx,
		provider:       provider,
		src:            src,
		cellsOut:       signal.New[[]DayCell](),
		weekDaysOut:    signal.New[[]grid.WeekDay](),
		weekNumbersOut: signal.New[[]grid.WeekNumber](),
		calendars:      map[string]model.Calendar{},
		runFetch:       func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(e)
	}

	e.mu.Lock()
	e.cfg = provider.Config()
	e.today = grid.Midnight(provider.Now(), e.cfg.Location)
	e.refDate = e.today
	e.rebuildGridLocked()
	fetch := e.prepareFetchLocked(true)
	e.mu.Unlock()

	e.bag.Add(provider.Changed().Subscribe(func(struct{}) { e.onConfigChanged() }))
	e.bag.Add(src.Changed().Subscribe(func(struct{}) { e.onDataChanged() }))

	e.runFetch(fetch)
	return e
}

// Close releases the provider/source subscriptions.
func (e *Engine) Close() {
	e.bag.Close()
}

// Cells is the reactive sequence of full grid snapshots.
func (e *Engine) Cells() *signal.Signal[[]DayCell] { return e.cellsOut }

// WeekDays is the reactive sequence of weekday-header snapshots.
func (e *Engine) WeekDays() *signal.Signal[[]grid.WeekDay] { return e.weekDaysOut }

// WeekNumbers is the reactive sequence of week-number snapshots.
func (e *Engine) WeekNumbers() *signal.Signal[[]grid.WeekNumber] { return e.weekNumbersOut }

// Snapshot returns the current grid view model.
func (e *Engine) Snapshot() []DayCell {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildCellsLocked()
}

// WeekDaySnapshot returns the current weekday header.
func (e *Engine) WeekDaySnapshot() []grid.WeekDay {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]grid.WeekDay(nil), e.weekDays...)
}

// WeekNumberSnapshot returns the current week-number column.
func (e *Engine) WeekNumberSnapshot() []grid.WeekNumber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]grid.WeekNumber(nil), e.weekNumbers...)
}

// ReferenceDate returns the current reference date (midnight).
func (e *Engine) ReferenceDate() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refDate
}

// Location returns the configured display time zone. Callers that accept
// day-granularity input must interpret it in this zone.
func (e *Engine) Location() *time.Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Location
}

// Grid returns the reference date and the grid snapshot as one
// consistent pair.
func (e *Engine) Grid() (time.Time, []DayCell) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refDate, e.buildCellsLocked()
}

// SetReferenceDate moves the selected month/day: the grid is rebuilt,
// events are re-requested when the visible span changed, and the
// today/selected flags are recomputed.
func (e *Engine) SetReferenceDate(t time.Time) {
	e.emitMu.Lock()
	e.mu.Lock()
	d := grid.Midnight(t, e.cfg.Location)
	if d.Equal(e.refDate) {
		e.mu.Unlock()
		e.emitMu.Unlock()
		return
	}
	e.refDate = d
	e.rebuildGridLocked()
	fetch := e.prepareFetchLocked(false)
	cells := e.buildCellsLocked()
	weekNums := append([]grid.WeekNumber(nil), e.weekNumbers...)
	e.mu.Unlock()

	e.weekNumbersOut.Publish(weekNums)
	e.publishCells(cells)
	e.emitMu.Unlock()

	if fetch != nil {
		e.runFetch(fetch)
	}
}

// SetHoveredDate moves the hover cursor; nil clears it. Only the
// hovered flag is recomputed (no grid rebuild, no event request) and
// the old and new hover flip within a single emission.
func (e *Engine) SetHoveredDate(t *time.Time) {
	e.emitMu.Lock()
	e.mu.Lock()
	var d *time.Time
	if t != nil {
		v := grid.Midnight(*t, e.cfg.Location)
		d = &v
	}
	if equalDayPtr(d, e.hovered) {
		e.mu.Unlock()
		e.emitMu.Unlock()
		return
	}
	e.hovered = d
	cells := e.buildCellsLocked()
	e.mu.Unlock()

	e.publishCells(cells)
	e.emitMu.Unlock()
}

// SetEnabledCalendars restricts which calendars contribute events; nil
// means all. Events are re-requested for the current span only.
func (e *Engine) SetEnabledCalendars(ids []string) {
	e.mu.Lock()
	if calsKey(ids) == calsKey(e.enabled) {
		e.mu.Unlock()
		return
	}
	if ids == nil {
		e.enabled = nil
	} else {
		e.enabled = append([]string(nil), ids...)
	}
	fetch := e.prepareFetchLocked(true)
	e.mu.Unlock()

	if fetch != nil {
		e.runFetch(fetch)
	}
}

// EnabledCalendars returns the current filter (nil means all).
func (e *Engine) EnabledCalendars() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled == nil {
		return nil
	}
	return append([]string(nil), e.enabled...)
}

// Tick re-reads "now" and moves the today flag if the day rolled over.
// A change of the current date is equivalent in effect to a timer tick.
func (e *Engine) Tick() {
	e.emitMu.Lock()
	e.mu.Lock()
	today := grid.Midnight(e.provider.Now(), e.cfg.Location)
	if today.Equal(e.today) {
		e.mu.Unlock()
		e.emitMu.Unlock()
		return
	}
	e.today = today
	cells := e.buildCellsLocked()
	e.mu.Unlock()

	e.publishCells(cells)
	e.emitMu.Unlock()
}

// onConfigChanged rebuilds everything derived from the locale
// preferences: configuration snapshot, grid, week metadata, and the
// event request for the (possibly new) span.
func (e *Engine) onConfigChanged() {
	e.emitMu.Lock()
	e.mu.Lock()
	e.cfg = e.provider.Config()
	e.refDate = grid.Midnight(e.refDate, e.cfg.Location)
	e.today = grid.Midnight(e.provider.Now(), e.cfg.Location)
	if e.hovered != nil {
		v := grid.Midnight(*e.hovered, e.cfg.Location)
		e.hovered = &v
	}
	e.rebuildGridLocked()
	fetch := e.prepareFetchLocked(false)
	cells := e.buildCellsLocked()
	weekDays := append([]grid.WeekDay(nil), e.weekDays...)
	weekNums := append([]grid.WeekNumber(nil), e.weekNumbers...)
	e.mu.Unlock()

	e.weekDaysOut.Publish(weekDays)
	e.weekNumbersOut.Publish(weekNums)
	e.publishCells(cells)
	e.emitMu.Unlock()

	if fetch != nil {
		e.runFetch(fetch)
	}
}

// onDataChanged re-requests events for the current span after the data
// source reported an external mutation.
func (e *Engine) onDataChanged() {
	e.mu.Lock()
	fetch := e.prepareFetchLocked(true)
	e.mu.Unlock()
	if fetch != nil {
		e.runFetch(fetch)
	}
}

// rebuildGridLocked recomputes cells and week metadata from the current
// reference date and configuration.
func (e *Engine) rebuildGridLocked() {
	e.cells = grid.Build(e.refDate, e.cfg)
	e.weekDays = grid.WeekDays(e.cfg)
	e.weekNumbers = grid.WeekNumbers(e.cells, e.cfg)
}

// prepareFetchLocked records the request identity for the current span
// and calendar set and returns the closure performing it, or nil when
// the identical request was already issued and force is false.
func (e *Engine) prepareFetchLocked(force bool) func() {
	from := e.cells[0].Date
	to := e.cells[len(e.cells)-1].Date.AddDate(0, 0, 1)
	key := fetchKeyFor(from, to, calsKey(e.enabled))

	if !force && key == e.issued {
		return nil
	}
	e.issued = key
	e.seq++
	seq := e.seq

	var calsArg []string
	if e.enabled != nil {
		calsArg = append([]string(nil), e.enabled...)
	}

	return func() {
		events, err := e.src.Events(e.ctx, from, to, calsArg)
		if err != nil {
			// An absent response renders as empty event groups; the grid
			// and flags must still come through.
			appLog.Error("event fetch failed; rendering empty groups", err,
				"from", from.Format(dayKeyLayout), "to", to.Format(dayKeyLayout))
			metrics.EventFetch("error")
			events = nil
		}
		calendars, calErr := e.src.Calendars(e.ctx)
		if calErr != nil {
			appLog.Error("calendar list fetch failed", calErr)
			calendars = nil
		}
		e.applyEvents(seq, events, calendars, err == nil)
	}
}

// applyEvents merges a fetch completion, unless a newer request has
// been issued since (stale responses must not overwrite newer state).
func (e *Engine) applyEvents(seq uint64, events []model.Event, calendars []model.Calendar, ok bool) {
	e.emitMu.Lock()
	e.mu.Lock()
	if seq != e.seq {
		e.mu.Unlock()
		e.emitMu.Unlock()
		appLog.Debug("dropping stale event response", "seq", seq)
		metrics.EventFetch("stale")
		return
	}
	if calendars != nil {
		byID := make(map[string]model.Calendar, len(calendars))
		for _, cal := range calendars {
			byID[cal.ID] = cal
		}
		e.calendars = byID
	}
	e.eventsByDay, e.dotsByDay = groupByDay(e.cells, events, e.calendars)
	cells := e.buildCellsLocked()
	e.mu.Unlock()

	if ok {
		metrics.EventFetch("ok")
	}
	e.publishCells(cells)
	e.emitMu.Unlock()
}

// Calendars returns the most recently fetched calendar list.
func (e *Engine) Calendars() []model.Calendar {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Calendar, 0, len(e.calendars))
	for _, cal := range e.calendars {
		out = append(out, cal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// buildCellsLocked assembles a fresh immutable snapshot from the cached
// grid, event groups and cursor state.
func (e *Engine) buildCellsLocked() []DayCell {
	out := make([]DayCell, len(e.cells))
	for i, cell := range e.cells {
		key := dayKey(cell.Date)
		out[i] = DayCell{
			Date:       cell.Date,
			InMonth:    cell.InMonth,
			IsToday:    cell.Date.Equal(e.today),
			IsSelected: cell.Date.Equal(e.refDate),
			IsHovered:  e.hovered != nil && cell.Date.Equal(*e.hovered),
			Events:     e.eventsByDay[key],
			Dots:       e.dotsByDay[key],
		}
	}
	return out
}

func (e *Engine) publishCells(cells []DayCell) {
	metrics.GridEmitted()
	e.cellsOut.Publish(cells)
}

func equalDayPtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// calsKey canonicalizes a calendar set for request-identity comparison.
// nil (all calendars) and the empty set are distinct.
func calsKey(ids []string) string {
	if ids == nil {
		return "\x00all"
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
