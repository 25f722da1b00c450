// Package caldav implements a calendar data source backed by a CalDAV
// server. Calendars are discovered through the current-user principal
// and calendar home set; events are fetched with time-range REPORT
// queries and run through the shared recurrence expansion.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	webcaldav "github.com/emersion/go-webdav/caldav"

	appLog "gridcal/internal/log"
	"gridcal/internal/model"
	"gridcal/internal/signal"
	"gridcal/internal/source"
	"gridcal/internal/source/ics"
)

// basicAuthTransport adds Basic Auth and a UA header to every request.
type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "gridcal/1.0")
	return t.transport.RoundTrip(req)
}

// calendarPalette is cycled through for discovered calendars; CalDAV
// collections rarely advertise a usable color.
var calendarPalette = []string{
	"#2d7ff9", "#e05d44", "#3fb950", "#8957e5", "#d4a72c", "#39c5cf",
}

// Source serves calendars and events from one CalDAV account.
type Source struct {
	client  *webcaldav.Client
	account string
	changed *signal.Signal[struct{}]

	mu      sync.Mutex
	homeSet string
}

// New builds a Source for the given endpoint and credentials.
func New(endpoint, account, username, password string) (*Source, error) {
	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username:  username,
			password:  password,
			transport: http.DefaultTransport,
		},
		Timeout: 30 * time.Second,
	}

	client, err := webcaldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &Source{
		client:  client,
		account: account,
		changed: signal.New[struct{}](),
	}, nil
}

// Calendars discovers the account's calendar collections.
func (s *Source) Calendars(ctx context.Context) ([]model.Calendar, error) {
	cals, err := s.findCalendars(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.Calendar, 0, len(cals))
	for i, cal := range cals {
		title := cal.Name
		if title == "" {
			title = cal.Path
		}
		out = append(out, model.Calendar{
			ID:      cal.Path,
			Account: s.account,
			Title:   title,
			Color:   calendarPalette[i%len(calendarPalette)],
		})
	}
	return out, nil
}

// Events queries each enabled calendar with a time-range REPORT over
// [from, to) and expands the returned components into concrete
// instances in from's location.
func (s *Source) Events(ctx context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error) {
	cals, err := s.findCalendars(ctx)
	if err != nil {
		return nil, err
	}

	var parsed []ics.ParsedEvent
	for _, cal := range cals {
		if !source.WantsCalendar(calendarIDs, cal.Path) {
			continue
		}

		query := &webcaldav.CalendarQuery{
			CompRequest: webcaldav.CalendarCompRequest{
				Name:     ical.CompCalendar,
				AllProps: true,
				AllComps: true,
			},
			CompFilter: webcaldav.CompFilter{
				Name: ical.CompCalendar,
				Comps: []webcaldav.CompFilter{{
					Name:  ical.CompEvent,
					Start: from,
					End:   to,
				}},
			},
		}

		objs, err := s.client.QueryCalendar(ctx, cal.Path, query)
		if err != nil {
			appLog.Error("caldav query failed", err, "calendar", cal.Path)
			continue
		}

		feed := ics.Feed{ID: cal.Path, Name: cal.Name}
		for _, obj := range objs {
			if obj.Data == nil {
				continue
			}
			parsed = append(parsed, decodeObject(feed, obj.Data)...)
		}
	}

	return ics.Expand(parsed, ics.ExpandConfig{
		DisplayLocation: from.Location(),
		From:            from,
		To:              to,
	})
}

// decodeObject converts one calendar object's VEVENTs into the shared
// pre-expansion representation.
func decodeObject(feed ics.Feed, cal *ical.Calendar) []ics.ParsedEvent {
	var out []ics.ParsedEvent
	for _, ev := range cal.Events() {
		parsed, err := decodeEvent(feed, ev)
		if err != nil {
			appLog.Error("caldav vevent decode failed", err, "calendar", feed.ID)
			continue
		}
		out = append(out, parsed)
	}
	return out
}

func decodeEvent(feed ics.Feed, ev ical.Event) (ics.ParsedEvent, error) {
	var out ics.ParsedEvent
	out.Feed = feed

	uid, err := ev.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return out, fmt.Errorf("missing UID: %w", err)
	}
	out.UID = uid

	out.Summary, _ = ev.Props.Text(ical.PropSummary)
	out.Description, _ = ev.Props.Text(ical.PropDescription)
	out.Location, _ = ev.Props.Text(ical.PropLocation)
	if p := ev.Props.Get("URL"); p != nil {
		out.URL = p.Value
	}

	if p := ev.Props.Get("STATUS"); p != nil {
		switch strings.ToUpper(strings.TrimSpace(p.Value)) {
		case "TENTATIVE", "NEEDS-ACTION":
			out.Pending = true
		}
	}

	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return out, fmt.Errorf("bad DTSTART: %w", err)
	}
	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil {
		end = start
	}
	out.Start = start
	out.End = end

	if p := ev.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		out.AllDay = true
	}

	if p := ev.Props.Get("RRULE"); p != nil {
		out.RawRRule = p.Value
	}
	if p := ev.Props.Get("RECURRENCE-ID"); p != nil {
		if t, err := ev.Props.DateTime("RECURRENCE-ID", time.UTC); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// Refresh announces that server data may have changed; the next Events
// call re-queries.
func (s *Source) Refresh(_ context.Context) error {
	s.changed.Publish(struct{}{})
	return nil
}

// Changed returns the data change signal.
func (s *Source) Changed() *signal.Signal[struct{}] {
	return s.changed
}

// findCalendars resolves and caches the calendar home set, then lists
// its collections.
func (s *Source) findCalendars(ctx context.Context) ([]webcaldav.Calendar, error) {
	s.mu.Lock()
	homeSet := s.homeSet
	s.mu.Unlock()

	if homeSet == "" {
		principal, err := s.client.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to find principal path: %w", err)
		}
		homeSet, err = s.client.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return nil, fmt.Errorf("failed to find calendar home set: %w", err)
		}
		s.mu.Lock()
		s.homeSet = homeSet
		s.mu.Unlock()
	}

	cals, err := s.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}
	return cals, nil
}
