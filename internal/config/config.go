package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single ICS subscription source. Each feed is
// surfaced as one calendar.
type FeedConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for filtering, de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown in the UI.
	Name string `yaml:"name" json:"name"`
	// Color is the indicator color for this feed's events (#rrggbb).
	Color string `yaml:"color" json:"color"`
}

// CalDAVConfig describes a CalDAV account. Credentials are not stored
// here; they come from CALDAV_USERNAME / CALDAV_PASSWORD in the
// environment.
type CalDAVConfig struct {
	// Endpoint is the CalDAV server base URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Account is the label reported for calendars from this server.
	Account string `yaml:"account" json:"account"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the view-model API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as the display zone for the
	// grid (e.g. "Europe/Berlin"). Empty means UTC.
	Timezone string `yaml:"timezone" json:"timezone"`

	// FirstWeekday is the weekday shown in the first grid column.
	// Supported values: "sunday".."saturday". Unknown values fall back
	// to "monday".
	FirstWeekday string `yaml:"first_weekday" json:"first_weekday"`

	// WeekNumbering selects the week-of-year rule for the week-number
	// column. Supported values:
	//   - "iso8601" (default): week 1 contains the year's first Thursday
	//   - "gregorian": week 1 contains January 1st
	WeekNumbering string `yaml:"week_numbering" json:"week_numbering"`

	// Weekend lists the weekdays marked as weekend in the weekday
	// header. Defaults to saturday/sunday.
	Weekend []string `yaml:"weekend" json:"weekend"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used to poke the data sources for external changes.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// EnabledCalendars restricts which calendars contribute events.
	// Empty means all known calendars.
	EnabledCalendars []string `yaml:"enabled_calendars" json:"enabled_calendars"`

	// Feeds is the list of subscribed ICS sources.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// CalDAV, if non-nil, enables the CalDAV data source.
	CalDAV *CalDAVConfig `yaml:"caldav,omitempty" json:"caldav,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// defaultPalette is cycled through for feeds that do not set a color.
var defaultPalette = []string{
	"#e05d44", "#2d7ff9", "#3fb950", "#d4a72c", "#8957e5", "#39c5cf",
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		Timezone:      "UTC",
		FirstWeekday:  "monday",
		WeekNumbering: "iso8601",
		Weekend:       []string{"saturday", "sunday"},
		RefreshCron:   "*/15 * * * *",
		Feeds:         []FeedConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Values originating
// from system preferences (weekday names, timezone) are clamped rather
// than rejected.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}

	switch c.FirstWeekday {
	case "sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday":
	default:
		c.FirstWeekday = "monday"
	}

	switch c.WeekNumbering {
	case "iso8601", "gregorian":
	default:
		c.WeekNumbering = "iso8601"
	}

	if len(c.Weekend) == 0 {
		c.Weekend = []string{"saturday", "sunday"}
	}

	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}

	// Assign palette colors to feeds that did not configure one.
	for i := range c.Feeds {
		if c.Feeds[i].Color == "" {
			c.Feeds[i].Color = defaultPalette[i%len(defaultPalette)]
		}
		if c.Feeds[i].ID == "" {
			if c.Feeds[i].Name != "" {
				c.Feeds[i].ID = c.Feeds[i].Name
			} else {
				c.Feeds[i].ID = c.Feeds[i].URL
			}
		}
	}

	if c.CalDAV != nil && c.CalDAV.Account == "" {
		c.CalDAV.Account = "caldav"
	}
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written there (0600)
// and returned; otherwise the file is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".gridcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
