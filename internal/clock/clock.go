// Package clock supplies "now" and the user's calendar configuration
// (first weekday, timezone, week numbering) to the view-model engine.
// The engine never reads ambient global state; it is handed a Provider
// at construction so tests can substitute a fixed clock and locale.
package clock

import (
	"sync"
	"time"

	"gridcal/internal/config"
	appLog "gridcal/internal/log"
	"gridcal/internal/signal"
)

// WeekNumbering selects the week-of-year rule.
type WeekNumbering string

const (
	// WeekNumberingISO is ISO-8601: week 1 is the week containing the
	// year's first Thursday; weeks run Monday..Sunday.
	WeekNumberingISO WeekNumbering = "iso8601"
	// WeekNumberingGregorian counts weeks from the week containing
	// January 1st, with weeks starting at the configured first weekday.
	WeekNumberingGregorian WeekNumbering = "gregorian"
)

// CalendarConfig is an immutable snapshot of the locale-affecting
// preferences. It is rebuilt whenever the Provider's change signal fires.
type CalendarConfig struct {
	FirstWeekday  time.Weekday
	Location      *time.Location
	WeekNumbering WeekNumbering
	Weekend       []time.Weekday
}

// IsWeekend reports whether d is a weekend day under this configuration.
func (c CalendarConfig) IsWeekend(d time.Weekday) bool {
	for _, w := range c.Weekend {
		if w == d {
			return true
		}
	}
	return false
}

// normalize clamps out-of-range values; preferences originate outside
// the engine's control and must never make it fail.
func (c CalendarConfig) normalize() CalendarConfig {
	if c.FirstWeekday < time.Sunday || c.FirstWeekday > time.Saturday {
		c.FirstWeekday = time.Monday
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.WeekNumbering != WeekNumberingISO && c.WeekNumbering != WeekNumberingGregorian {
		c.WeekNumbering = WeekNumberingISO
	}
	if len(c.Weekend) == 0 {
		c.Weekend = []time.Weekday{time.Saturday, time.Sunday}
	}
	return c
}

// Provider is the engine's window onto the current instant and the
// locale preferences.
type Provider interface {
	// Now returns the current instant. It is re-read on demand and must
	// not be cached across a change notification.
	Now() time.Time
	// Config returns the current calendar configuration snapshot.
	Config() CalendarConfig
	// Changed fires whenever a locale-affecting preference changes.
	Changed() *signal.Signal[struct{}]
}

// weekdayNames maps config day-name strings to time.Weekday.
var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// SettingsProvider derives a CalendarConfig from the application config
// and serves time.Now in the configured zone. Update rebuilds the
// snapshot and fires the change signal.
type SettingsProvider struct {
	mu      sync.RWMutex
	cfg     CalendarConfig
	changed *signal.Signal[struct{}]

	// nowFunc is replaceable for tests.
	nowFunc func() time.Time
}

// NewSettingsProvider builds a provider from cfg.
func NewSettingsProvider(cfg *config.Config) *SettingsProvider {
	p := &SettingsProvider{
		changed: signal.New[struct{}](),
		nowFunc: time.Now,
	}
	p.cfg = fromConfig(cfg)
	return p
}

func fromConfig(cfg *config.Config) CalendarConfig {
	out := CalendarConfig{
		FirstWeekday:  time.Monday,
		WeekNumbering: WeekNumbering(cfg.WeekNumbering),
	}

	if wd, ok := weekdayNames[cfg.FirstWeekday]; ok {
		out.FirstWeekday = wd
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", cfg.Timezone)
		loc = time.UTC
	}
	out.Location = loc

	for _, name := range cfg.Weekend {
		if wd, ok := weekdayNames[name]; ok {
			out.Weekend = append(out.Weekend, wd)
		}
	}

	return out.normalize()
}

// Now returns the current instant in the configured display zone.
func (p *SettingsProvider) Now() time.Time {
	p.mu.RLock()
	loc := p.cfg.Location
	p.mu.RUnlock()
	return p.nowFunc().In(loc)
}

// Config returns the current configuration snapshot.
func (p *SettingsProvider) Config() CalendarConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Changed returns the locale change signal.
func (p *SettingsProvider) Changed() *signal.Signal[struct{}] {
	return p.changed
}

// Update replaces the configuration snapshot and notifies subscribers.
func (p *SettingsProvider) Update(cfg *config.Config) {
	p.mu.Lock()
	p.cfg = fromConfig(cfg)
	p.mu.Unlock()

	appLog.Info("calendar configuration updated",
		"first_weekday", p.cfg.FirstWeekday.String(),
		"timezone", p.cfg.Location.String(),
		"week_numbering", string(p.cfg.WeekNumbering),
	)
	p.changed.Publish(struct{}{})
}

// Fixed is a Provider with a constant configuration and a settable
// "now", used by tests and the dump command.
type Fixed struct {
	mu      sync.RWMutex
	now     time.Time
	cfg     CalendarConfig
	changed *signal.Signal[struct{}]
}

// NewFixed returns a Fixed provider for the given instant and config.
func NewFixed(now time.Time, cfg CalendarConfig) *Fixed {
	return &Fixed{
		now:     now,
		cfg:     cfg.normalize(),
		changed: signal.New[struct{}](),
	}
}

func (f *Fixed) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

func (f *Fixed) Config() CalendarConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

func (f *Fixed) Changed() *signal.Signal[struct{}] {
	return f.changed
}

// SetNow replaces the current instant.
func (f *Fixed) SetNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// SetConfig replaces the configuration and fires the change signal.
func (f *Fixed) SetConfig(cfg CalendarConfig) {
	f.mu.Lock()
	f.cfg = cfg.normalize()
	f.mu.Unlock()
	f.changed.Publish(struct{}{})
}
