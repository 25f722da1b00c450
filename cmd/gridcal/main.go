package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"gridcal/internal/clock"
	"gridcal/internal/config"
	"gridcal/internal/engine"
	appLog "gridcal/internal/log"
	"gridcal/internal/source"
	"gridcal/internal/source/caldav"
	"gridcal/internal/source/ics"
	"gridcal/internal/web"
)

func main() {
	// Load .env first; CalDAV credentials come from the environment.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "gridcal",
		Usage: "Month-grid calendar view-model engine.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "/etc/gridcal/config.yaml",
				Usage: "Path to config file",
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Value: "/var/lib/gridcal/ics-cache",
				Usage: "Directory for the ICS feed cache",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging and a local cache directory",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			dumpCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("application failed", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the view-model engine and its HTTP API.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address (overrides config if set)",
			},
		},
		Action: func(c *cli.Context) error {
			conf, provider, src, err := setup(c)
			if err != nil {
				return err
			}
			if listen := c.String("listen"); listen != "" {
				conf.Listen = listen
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				appLog.Info("signal received, shutting down", "signal", sig.String())
				cancel()
			}()

			eng := engine.New(ctx, provider, src)
			defer eng.Close()
			if len(conf.EnabledCalendars) > 0 {
				eng.SetEnabledCalendars(conf.EnabledCalendars)
			}

			sched := cron.New(cron.WithLocation(provider.Config().Location))
			if _, err := sched.AddFunc(conf.RefreshCron, func() {
				if err := src.Refresh(ctx); err != nil {
					appLog.Error("source refresh failed", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid refresh cron %q: %w", conf.RefreshCron, err)
			}
			// Day rollover: re-evaluate the today flag just after midnight.
			if _, err := sched.AddFunc("0 0 * * *", eng.Tick); err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			srv := web.NewServer(conf, eng)
			if err := srv.Serve(ctx); err != nil {
				return err
			}

			appLog.Info("gridcal exiting")
			return nil
		},
	}
}

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:  "dump",
		Usage: "Print one grid snapshot as JSON and exit.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "date",
				Usage: "Reference date (YYYY-MM-DD; default today)",
			},
		},
		Action: func(c *cli.Context) error {
			conf, provider, src, err := setup(c)
			if err != nil {
				return err
			}

			eng := engine.New(c.Context, provider, src, engine.WithSyncFetch())
			defer eng.Close()
			if len(conf.EnabledCalendars) > 0 {
				eng.SetEnabledCalendars(conf.EnabledCalendars)
			}

			if dateStr := c.String("date"); dateStr != "" {
				// Calendar date, interpreted in the configured zone.
				d, err := time.ParseInLocation("2006-01-02", dateStr, provider.Config().Location)
				if err != nil {
					return fmt.Errorf("invalid date %q: %w", dateStr, err)
				}
				eng.SetReferenceDate(d)
			}

			refDate, cells := eng.Grid()
			out := struct {
				ReferenceDate string           `json:"reference_date"`
				WeekDays      any              `json:"week_days"`
				WeekNumbers   any              `json:"week_numbers"`
				Cells         []engine.DayCell `json:"cells"`
			}{
				ReferenceDate: refDate.Format("2006-01-02"),
				WeekDays:      eng.WeekDaySnapshot(),
				WeekNumbers:   eng.WeekNumberSnapshot(),
				Cells:         cells,
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

// setup loads the config and wires the provider and data sources shared
// by all commands.
func setup(c *cli.Context) (*config.Config, *clock.SettingsProvider, source.Source, error) {
	if c.Bool("debug") {
		appLog.SetLevel(appLog.LevelDebug)
	}

	conf, err := config.Load(c.String("config"))
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", c.String("config"))
		return nil, nil, nil, err
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"first_weekday", conf.FirstWeekday,
		"week_numbering", conf.WeekNumbering,
		"refresh", conf.RefreshCron,
		"feed_count", len(conf.Feeds),
		"caldav", conf.CalDAV != nil,
	)

	provider := clock.NewSettingsProvider(conf)

	cacheDir := c.String("cache-dir")
	if c.Bool("debug") {
		cacheDir = "./cache/ics-cache"
	}

	feeds := make([]ics.Feed, 0, len(conf.Feeds))
	for _, f := range conf.Feeds {
		if f.URL == "" {
			continue
		}
		feeds = append(feeds, ics.Feed{
			ID:    f.ID,
			Name:  f.Name,
			URL:   f.URL,
			Color: f.Color,
		})
	}

	sources := []source.Source{ics.New(feeds, cacheDir)}

	if conf.CalDAV != nil && conf.CalDAV.Endpoint != "" {
		username := os.Getenv("CALDAV_USERNAME")
		password := os.Getenv("CALDAV_PASSWORD")
		if username == "" || password == "" {
			appLog.Info("caldav configured but CALDAV_USERNAME/CALDAV_PASSWORD unset; skipping source")
		} else {
			cd, err := caldav.New(conf.CalDAV.Endpoint, conf.CalDAV.Account, username, password)
			if err != nil {
				appLog.Error("failed to create caldav source", err)
			} else {
				sources = append(sources, cd)
			}
		}
	}

	return conf, provider, source.NewMulti(sources...), nil
}
