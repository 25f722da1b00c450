package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gridcal/internal/clock"
	"gridcal/internal/model"
	"gridcal/internal/signal"
	"gridcal/internal/source"
)

type eventRequest struct {
	from, to time.Time
	cals     []string
}

// fakeSource is an in-memory data source recording every request.
type fakeSource struct {
	mu        sync.Mutex
	calendars []model.Calendar
	events    []model.Event
	err       error
	requests  []eventRequest
	changed   *signal.Signal[struct{}]
}

func newFakeSource() *fakeSource {
	return &fakeSource{changed: signal.New[struct{}]()}
}

func (f *fakeSource) Calendars(context.Context) ([]model.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Calendar(nil), f.calendars...), nil
}

func (f *fakeSource) Events(_ context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, eventRequest{from: from, to: to, cals: calendarIDs})
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Event
	for _, ev := range f.events {
		if !source.WantsCalendar(calendarIDs, ev.CalendarID) {
			continue
		}
		if ev.Start.Before(to) && ev.End.After(from) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) Refresh(context.Context) error {
	f.changed.Publish(struct{}{})
	return nil
}

func (f *fakeSource) Changed() *signal.Signal[struct{}] { return f.changed }

func (f *fakeSource) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeSource) lastRequest() eventRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func utcConfig(first time.Weekday) clock.CalendarConfig {
	return clock.CalendarConfig{
		FirstWeekday:  first,
		Location:      time.UTC,
		WeekNumbering: clock.WeekNumberingISO,
		Weekend:       []time.Weekday{time.Saturday, time.Sunday},
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T, src source.Source, now time.Time) (*Engine, *clock.Fixed) {
	t.Helper()
	prov := clock.NewFixed(now, utcConfig(time.Sunday))
	eng := New(context.Background(), prov, src, WithSyncFetch())
	t.Cleanup(eng.Close)
	return eng, prov
}

func findCell(t *testing.T, cells []DayCell, d time.Time) DayCell {
	t.Helper()
	for _, c := range cells {
		if c.Date.Equal(d) {
			return c
		}
	}
	t.Fatalf("cell %s not in grid", d)
	return DayCell{}
}

func hoveredDates(cells []DayCell) []time.Time {
	var out []time.Time
	for _, c := range cells {
		if c.IsHovered {
			out = append(out, c.Date)
		}
	}
	return out
}

func TestInitialSnapshotShape(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	cells := eng.Snapshot()
	if len(cells) != 42 {
		t.Fatalf("expected 42 cells, got %d", len(cells))
	}
	if !cells[0].Date.Equal(day(2020, 12, 27)) {
		t.Errorf("first cell = %s", cells[0].Date)
	}

	today := findCell(t, cells, day(2021, 1, 10))
	if !today.IsToday || !today.IsSelected {
		t.Errorf("initial reference cell flags = %+v", today)
	}
	if src.requestCount() != 1 {
		t.Errorf("expected exactly one initial event request, got %d", src.requestCount())
	}
}

func TestHoverFlipsAtomically(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	var emissions [][]DayCell
	sub := eng.Cells().Subscribe(func(cells []DayCell) {
		emissions = append(emissions, cells)
	})
	defer sub.Cancel()

	d1 := day(2021, 1, 5)
	d2 := day(2021, 1, 6)

	eng.SetHoveredDate(&d1)
	eng.SetHoveredDate(&d2)
	eng.SetHoveredDate(nil)

	if len(emissions) != 3 {
		t.Fatalf("expected 3 emissions, got %d", len(emissions))
	}
	// Every observed snapshot has at most one hovered cell; no
	// intermediate zero-or-two-hovered state is ever visible.
	for i, cells := range emissions {
		if got := hoveredDates(cells); len(got) > 1 {
			t.Errorf("emission %d has %d hovered cells", i, len(got))
		}
	}
	if got := hoveredDates(emissions[0]); len(got) != 1 || !got[0].Equal(d1) {
		t.Errorf("emission 0 hovered = %v", got)
	}
	if got := hoveredDates(emissions[1]); len(got) != 1 || !got[0].Equal(d2) {
		t.Errorf("emission 1 hovered = %v", got)
	}
	if got := hoveredDates(emissions[2]); len(got) != 0 {
		t.Errorf("emission 2 hovered = %v", got)
	}
}

func TestHoverDoesNotRefetchOrRebuild(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	before := src.requestCount()
	d := day(2021, 1, 20)
	eng.SetHoveredDate(&d)
	eng.SetHoveredDate(nil)

	if src.requestCount() != before {
		t.Errorf("hover changes issued %d extra event requests", src.requestCount()-before)
	}
}

func TestTodayTracksNowAcrossMonthBoundary(t *testing.T) {
	src := newFakeSource()
	eng, prov := newTestEngine(t, src, day(2021, 1, 31))

	prov.SetNow(day(2021, 2, 1))
	eng.Tick()

	cells := eng.Snapshot()
	// The January grid runs through 2021-02-06, so the new today is
	// still visible.
	if c := findCell(t, cells, day(2021, 2, 1)); !c.IsToday {
		t.Error("2021-02-01 not flagged today after rollover")
	}
	if c := findCell(t, cells, day(2021, 1, 31)); c.IsToday {
		t.Error("2021-01-31 still flagged today after rollover")
	}
	// Reference date must not move with "now".
	if !eng.ReferenceDate().Equal(day(2021, 1, 31)) {
		t.Errorf("reference date moved to %s", eng.ReferenceDate())
	}
}

func TestTickWithoutRolloverEmitsNothing(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	count := 0
	sub := eng.Cells().Subscribe(func([]DayCell) { count++ })
	defer sub.Cancel()

	eng.Tick()
	if count != 0 {
		t.Errorf("tick without day change emitted %d snapshots", count)
	}
}

func TestEnabledCalendarsReRequestSameSpan(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	first := src.lastRequest()
	eng.SetEnabledCalendars([]string{"work"})

	if src.requestCount() != 2 {
		t.Fatalf("expected 2 requests, got %d", src.requestCount())
	}
	second := src.lastRequest()
	if !second.from.Equal(first.from) || !second.to.Equal(first.to) {
		t.Errorf("span changed: [%s,%s) -> [%s,%s)", first.from, first.to, second.from, second.to)
	}
	if len(second.cals) != 1 || second.cals[0] != "work" {
		t.Errorf("calendar filter = %v", second.cals)
	}
}

func TestReferenceDateWithinSameSpanDoesNotRefetch(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	before := src.requestCount()
	eng.SetReferenceDate(day(2021, 1, 20))

	if src.requestCount() != before {
		t.Errorf("same-span reference change refetched (%d -> %d)", before, src.requestCount())
	}
	cells := eng.Snapshot()
	if c := findCell(t, cells, day(2021, 1, 20)); !c.IsSelected {
		t.Error("new reference date not selected")
	}
	if c := findCell(t, cells, day(2021, 1, 10)); c.IsSelected {
		t.Error("old reference date still selected")
	}
}

func TestReferenceDateMonthChangeRefetchesNewSpan(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	eng.SetReferenceDate(day(2021, 3, 15))

	if src.requestCount() != 2 {
		t.Fatalf("expected refetch on month change, got %d requests", src.requestCount())
	}
	req := src.lastRequest()
	if !req.from.Equal(day(2021, 2, 28)) {
		t.Errorf("span start = %s, want 2021-02-28", req.from)
	}
	// Half-open end: the day after the last cell (2021-04-03).
	if !req.to.Equal(day(2021, 4, 4)) {
		t.Errorf("span end = %s, want 2021-04-04", req.to)
	}
}

func TestMultiDayAllDayEventInFourCells(t *testing.T) {
	src := newFakeSource()
	src.calendars = []model.Calendar{{ID: "home", Title: "Home", Color: "#e05d44"}}
	src.events = []model.Event{{
		ID:         "trip/2021-01-01",
		CalendarID: "home",
		Title:      "Trip",
		AllDay:     true,
		Start:      day(2021, 1, 1),
		End:        day(2021, 1, 5), // exclusive: covers Jan 1-4
	}}
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	cells := eng.Snapshot()
	for d := 1; d <= 4; d++ {
		c := findCell(t, cells, day(2021, 1, d))
		if len(c.Events) != 1 || c.Events[0].Title != "Trip" {
			t.Errorf("day %d events = %+v", d, c.Events)
		}
	}
	if c := findCell(t, cells, day(2021, 1, 5)); len(c.Events) != 0 {
		t.Errorf("day 5 unexpectedly has events: %+v", c.Events)
	}
	if c := findCell(t, cells, day(2020, 12, 31)); len(c.Events) != 0 {
		t.Errorf("day before start has events: %+v", c.Events)
	}
}

func TestEventOrderingWithinDay(t *testing.T) {
	d := day(2021, 1, 12)
	src := newFakeSource()
	src.calendars = []model.Calendar{
		{ID: "a", Color: "#111111"},
		{ID: "b", Color: "#222222"},
	}
	src.events = []model.Event{
		{ID: "late", CalendarID: "a", Title: "late", Start: d.Add(15 * time.Hour), End: d.Add(16 * time.Hour)},
		{ID: "tie-b", CalendarID: "b", Title: "tie-b", Start: d.Add(9 * time.Hour), End: d.Add(10 * time.Hour)},
		{ID: "tie-a", CalendarID: "a", Title: "tie-a", Start: d.Add(9 * time.Hour), End: d.Add(10 * time.Hour)},
		{ID: "allday", CalendarID: "b", Title: "allday", AllDay: true, Start: d, End: d.AddDate(0, 0, 1)},
	}
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	c := findCell(t, eng.Snapshot(), d)
	got := make([]string, len(c.Events))
	for i, ev := range c.Events {
		got[i] = ev.Title
	}
	want := []string{"allday", "tie-a", "tie-b", "late"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("event order = %v, want %v", got, want)
		}
	}
}

func TestDotsDeduplicatedPerCalendar(t *testing.T) {
	d := day(2021, 1, 12)
	src := newFakeSource()
	src.calendars = []model.Calendar{
		{ID: "a", Color: "#e05d44"},
		{ID: "b", Color: "#2d7ff9"},
	}
	src.events = []model.Event{
		{ID: "1", CalendarID: "a", Start: d.Add(9 * time.Hour), End: d.Add(10 * time.Hour)},
		{ID: "2", CalendarID: "a", Start: d.Add(11 * time.Hour), End: d.Add(12 * time.Hour)},
		{ID: "3", CalendarID: "b", Start: d.Add(13 * time.Hour), End: d.Add(14 * time.Hour)},
	}
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	c := findCell(t, eng.Snapshot(), d)
	if len(c.Dots) != 2 {
		t.Fatalf("dots = %v, want 2 distinct colors", c.Dots)
	}
	if c.Dots[0] != "#2d7ff9" || c.Dots[1] != "#e05d44" {
		t.Errorf("dots = %v, want sorted distinct colors", c.Dots)
	}
}

func TestFailedFetchRendersEmptyGroups(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("feed unreachable")
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	cells := eng.Snapshot()
	if len(cells) != 42 {
		t.Fatalf("grid did not render on fetch failure: %d cells", len(cells))
	}
	for _, c := range cells {
		if len(c.Events) != 0 {
			t.Errorf("cell %s has events despite failed fetch", c.Date)
		}
	}
	if c := findCell(t, cells, day(2021, 1, 10)); !c.IsToday {
		t.Error("flags lost on fetch failure")
	}
}

func TestStaleResponseDoesNotOverwriteNewerState(t *testing.T) {
	src := newFakeSource()
	src.events = []model.Event{{
		ID: "jan", CalendarID: "a", Title: "jan",
		Start: day(2021, 1, 12).Add(9 * time.Hour), End: day(2021, 1, 12).Add(10 * time.Hour),
	}}

	// Capture fetch closures instead of running them, so completion
	// order can be inverted.
	var pending []func()
	capture := func(e *Engine) {
		e.runFetch = func(f func()) { pending = append(pending, f) }
	}

	prov := clock.NewFixed(day(2021, 1, 10), utcConfig(time.Sunday))
	eng := New(context.Background(), prov, src, capture)
	defer eng.Close()

	eng.SetReferenceDate(day(2021, 3, 15))
	if len(pending) != 2 {
		t.Fatalf("expected 2 captured fetches, got %d", len(pending))
	}

	// Complete the newer request first, then the superseded one.
	pending[1]()
	pending[0]()

	cells := eng.Snapshot()
	if !cells[0].Date.Equal(day(2021, 2, 28)) {
		t.Fatalf("grid moved unexpectedly: first cell %s", cells[0].Date)
	}
	for _, c := range cells {
		for _, ev := range c.Events {
			if ev.Title == "jan" {
				t.Errorf("stale January response merged into March grid at %s", c.Date)
			}
		}
	}
}

func TestDataSourceChangeRefetchesCurrentSpan(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	before := src.lastRequest()
	count := src.requestCount()

	src.events = []model.Event{{
		ID: "new", CalendarID: "a", Title: "new",
		Start: day(2021, 1, 12).Add(9 * time.Hour), End: day(2021, 1, 12).Add(10 * time.Hour),
	}}
	if err := src.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if src.requestCount() != count+1 {
		t.Fatalf("expected refetch after source change, got %d requests", src.requestCount())
	}
	after := src.lastRequest()
	if !after.from.Equal(before.from) || !after.to.Equal(before.to) {
		t.Error("source change altered the request span")
	}
	c := findCell(t, eng.Snapshot(), day(2021, 1, 12))
	if len(c.Events) != 1 {
		t.Errorf("new event not reflected after source change: %+v", c.Events)
	}
}

func TestConfigChangeRebuildsEverything(t *testing.T) {
	src := newFakeSource()
	eng, prov := newTestEngine(t, src, day(2021, 1, 10))

	prov.SetConfig(utcConfig(time.Monday))

	cells := eng.Snapshot()
	if !cells[0].Date.Equal(day(2020, 12, 28)) {
		t.Errorf("first cell after Monday-first switch = %s, want 2020-12-28", cells[0].Date)
	}
	wd := eng.WeekDaySnapshot()
	if wd[0].Title != "Mon" {
		t.Errorf("first weekday column = %q, want Mon", wd[0].Title)
	}
	if src.requestCount() != 2 {
		t.Errorf("expected event re-request after config change, got %d", src.requestCount())
	}
}

func TestConcurrentHoverEmissionsStayOrdered(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src, day(2021, 1, 10))

	var mu sync.Mutex
	var last []DayCell
	sub := eng.Cells().Subscribe(func(cells []DayCell) {
		mu.Lock()
		last = cells
		mu.Unlock()
	})
	defer sub.Cancel()

	// Hammer the hover cursor from several goroutines. Emissions must
	// stay in state order: the last published snapshot is the final
	// state, never a transiently older one delivered late.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d := day(2021, 1, 1+(g*50+i)%28)
				eng.SetHoveredDate(&d)
			}
		}(g)
	}
	wg.Wait()

	mu.Lock()
	got := hoveredDates(last)
	mu.Unlock()
	want := hoveredDates(eng.Snapshot())
	if len(got) != 1 || len(want) != 1 || !got[0].Equal(want[0]) {
		t.Errorf("last emission hovered %v, final state hovered %v", got, want)
	}
}

func TestMalformedFirstWeekdayClamped(t *testing.T) {
	cfg := utcConfig(time.Weekday(11))
	prov := clock.NewFixed(day(2021, 1, 10), cfg)

	if got := prov.Config().FirstWeekday; got != time.Monday {
		t.Errorf("first weekday clamped to %v, want Monday", got)
	}

	src := newFakeSource()
	eng := New(context.Background(), prov, src, WithSyncFetch())
	defer eng.Close()
	if len(eng.Snapshot())%7 != 0 {
		t.Error("grid malformed under clamped configuration")
	}
}
