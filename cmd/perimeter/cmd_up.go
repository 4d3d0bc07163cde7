package main

// ---------------------------------------------------------------------------
// cmd_up.go: start the perimeter service
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/1sec-project/perimeter/internal/api"
	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/ingest"
	"github.com/1sec-project/perimeter/internal/ratelimit"
	"github.com/1sec-project/perimeter/internal/threat"
)

// busConsumer is the durable name of the store-writing bus subscription.
const busConsumer = "perimeter-store"

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}
	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg := loadConfig(*configPath)
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	warnings, validationErrs := cfg.Validate()
	if !*quiet {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(validationErrs) > 0 {
		for _, e := range validationErrs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(validationErrs))
	}

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid (store %s, rate limit %s, provider %s).\n",
			green("✓"), cfg.Store.Driver, cfg.RateLimit.Backend, cfg.Analysis.Provider)
		os.Exit(0)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting perimeter...\n", dim("▸"))
	}

	engine, err := core.NewEngine(cfg)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		errorf("starting engine: %v", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		engine.Shutdown()
		errorf("%v", err)
	}
	engine.OnShutdown("store", st.Close)

	startCtx, cancel := context.WithTimeout(engine.Context(), 5*time.Second)
	limiter, closeLimiter, err := ratelimit.NewFromConfig(startCtx, cfg.RateLimit, engine.Logger)
	cancel()
	if err != nil {
		engine.Shutdown()
		errorf("creating rate limiter: %v", err)
	}
	engine.OnShutdown("rate_limiter", closeLimiter)
	limiter.StartCleanup(engine.Context(), time.Minute, longestWindow(cfg.RateLimit))

	reasoner, err := threat.NewReasoner(cfg.Analysis)
	if err != nil {
		engine.Shutdown()
		errorf("creating reasoning client: %v", err)
	}

	opts := []threat.Option{threat.WithAlerts(engine.Alerts)}
	if engine.Bus != nil {
		opts = append(opts, threat.WithPublisher(engine.Bus))
		if err := engine.Bus.SubscribeToEvents(busConsumer, func(ev *core.SecurityEvent) error {
			return st.InsertEvent(engine.Context(), ev)
		}); err != nil {
			engine.Shutdown()
			errorf("subscribing to security events: %v", err)
		}
	}
	pipeline := threat.NewPipeline(cfg.Analysis, st, reasoner, engine.Logger, opts...)
	threat.NewScheduler(pipeline, cfg.Analysis.ScheduleInterval, engine.Logger).Start(engine.Context())

	if cfg.Syslog.Enabled {
		feed := ingest.NewSyslogServer(cfg.Syslog, eventSink(engine.Bus, st), engine.Logger)
		if err := feed.Start(engine.Context()); err != nil {
			engine.Shutdown()
			errorf("starting syslog ingestion: %v", err)
		}
		engine.OnShutdown("syslog", feed.Stop)
		if !*quiet {
			fmt.Fprintf(os.Stderr, "%s Syslog ingestion on :%d (%s)\n", green("✓"), cfg.Syslog.Port, cfg.Syslog.Protocol)
		}
	}

	srv, err := api.NewServer(engine, st, limiter, pipeline)
	if err != nil {
		engine.Shutdown()
		errorf("creating API server: %v", err)
	}
	if err := srv.Start(); err != nil {
		engine.Shutdown()
		errorf("starting API server: %v", err)
	}
	// Registered last so it runs first: stop taking requests before the store closes.
	engine.OnShutdown("api", srv.Stop)

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s perimeter running, API on :%d (store %s, bus %t)\n",
			green("✓"), cfg.Server.Port, cfg.Store.Driver, engine.Bus != nil)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	engine.Wait()
	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Shutting down...\n", dim("▸"))
	}
	engine.Shutdown()
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s perimeter stopped.\n", green("✓"))
	}
}

// longestWindow bounds how long an idle in-memory counter is kept.
func longestWindow(cfg core.RateLimitConfig) time.Duration {
	longest := time.Minute
	for _, w := range []core.RateWindow{cfg.Submissions, cfg.Uploads, cfg.Analysis} {
		if w.Window > longest {
			longest = w.Window
		}
	}
	return longest
}
