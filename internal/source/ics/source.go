// Package ics implements a calendar data source backed by ICS
// subscription feeds. Each configured feed is exposed as one calendar;
// recurrence expansion happens here, behind the source boundary, so the
// engine only ever sees concrete event instances.
package ics

import (
	"context"
	"time"

	appLog "gridcal/internal/log"
	"gridcal/internal/model"
	"gridcal/internal/signal"
	"gridcal/internal/source"
)

// Source serves calendars and events from a set of ICS feeds.
type Source struct {
	feeds   []Feed
	fetcher *Fetcher
	changed *signal.Signal[struct{}]
}

// New builds a Source over feeds, caching feed bodies under cacheDir.
func New(feeds []Feed, cacheDir string) *Source {
	return &Source{
		feeds:   feeds,
		fetcher: NewFetcher(cacheDir),
		changed: signal.New[struct{}](),
	}
}

// Calendars lists one calendar per configured feed.
func (s *Source) Calendars(_ context.Context) ([]model.Calendar, error) {
	out := make([]model.Calendar, 0, len(s.feeds))
	for _, feed := range s.feeds {
		out = append(out, model.Calendar{
			ID:      feed.ID,
			Account: "ics",
			Title:   feed.Name,
			Color:   feed.Color,
		})
	}
	return out, nil
}

// Events fetches, parses and expands the enabled feeds over the
// half-open window [from, to). Instances are normalized into from's
// location. Individual feed failures degrade to that feed's cached or
// empty contribution; only a total expansion failure is returned.
func (s *Source) Events(ctx context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error) {
	wanted := make([]Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		if source.WantsCalendar(calendarIDs, feed.ID) {
			wanted = append(wanted, feed)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	results, errs := s.fetcher.FetchAll(ctx, wanted)
	if len(errs) > 0 {
		appLog.Error("ics: one or more feed fetches failed", errs[0], "error_count", len(errs))
	}

	var parsed []ParsedEvent
	for _, res := range results {
		events, err := Parse(res.Feed, res.Body)
		if err != nil {
			appLog.Error("ics: parse failed for feed", err, "id", res.Feed.ID)
			continue
		}
		parsed = append(parsed, events...)
	}

	return Expand(parsed, ExpandConfig{
		DisplayLocation: from.Location(),
		From:            from,
		To:              to,
	})
}

// Refresh announces that feed data may have changed. The actual fetch
// happens on the next Events call; conditional requests keep unchanged
// feeds cheap.
func (s *Source) Refresh(_ context.Context) error {
	s.changed.Publish(struct{}{})
	return nil
}

// Changed returns the data change signal.
func (s *Source) Changed() *signal.Signal[struct{}] {
	return s.changed
}
