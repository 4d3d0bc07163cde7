package main

// ---------------------------------------------------------------------------
// cmd_check.go: pre-flight diagnostics
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1sec-project/perimeter/internal/core"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type checkList []checkResult

func (c *checkList) pass(name, detail string) { *c = append(*c, checkResult{name, "pass", detail}) }
func (c *checkList) fail(name, detail string) { *c = append(*c, checkResult{name, "fail", detail}) }
func (c *checkList) warn(name, detail string) { *c = append(*c, checkResult{name, "warn", detail}) }

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	results := runChecks(*configPath)

	if parseFormat(*format) == FormatJSON {
		printJSON(os.Stdout, map[string]interface{}{
			"checks": results,
			"total":  len(results),
		})
		return
	}

	fmt.Printf("%s Pre-flight Diagnostics\n\n", bold("▸"))

	tbl := NewTable(os.Stdout, "CHECK", "STATUS", "DETAIL")
	failures, warnings := 0, 0
	for _, r := range results {
		var status string
		switch r.Status {
		case "pass":
			status = green("PASS")
		case "fail":
			status = red("FAIL")
			failures++
		case "warn":
			status = yellow("WARN")
			warnings++
		}
		tbl.AddRow(r.Name, status, r.Detail)
	}
	tbl.Render()
	fmt.Println()

	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%s %d check(s) failed. Fix issues before running 'perimeter up'.\n", red("✗"), failures)
		os.Exit(1)
	}
	if warnings > 0 {
		fmt.Printf("%s All checks passed with %d warning(s).\n", yellow("!"), warnings)
	} else {
		fmt.Printf("%s All checks passed. Ready to run 'perimeter up'.\n", green("✓"))
	}
}

func runChecks(configPath string) checkList {
	var results checkList

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		results.fail("config", fmt.Sprintf("failed to load %s: %v", configPath, err))
		return results
	}
	if _, statErr := os.Stat(configPath); statErr != nil {
		results.warn("config", fmt.Sprintf("%s not found, using defaults", configPath))
	} else {
		results.pass("config", fmt.Sprintf("loaded %s", configPath))
	}

	warnings, errs := cfg.Validate()
	for _, w := range warnings {
		results.warn("config_rule", w)
	}
	for _, e := range errs {
		results.fail("config_rule", e)
	}

	checkPort(&results, "api_port", cfg.Server.Host, cfg.Server.Port)
	if cfg.Bus.Enabled && cfg.Bus.Embedded {
		checkPort(&results, "nats_port", "", cfg.Bus.Port)
	}
	if cfg.Syslog.Enabled && cfg.Syslog.Protocol != "udp" {
		checkPort(&results, "syslog_port", cfg.Syslog.Host, cfg.Syslog.Port)
	}

	if len(errs) > 0 {
		return results
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		results.fail("store", err.Error())
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := st.Ping(ctx); err != nil {
			results.fail("store", fmt.Sprintf("%s ping failed: %v", cfg.Store.Driver, err))
		} else {
			results.pass("store", fmt.Sprintf("%s reachable, migrations applied", cfg.Store.Driver))
		}
		cancel()
		st.Close()
	}

	if cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			results.warn("rate_limit", fmt.Sprintf("redis %s unreachable, limits will count per process: %v", cfg.RateLimit.RedisAddr, err))
		} else {
			results.pass("rate_limit", fmt.Sprintf("redis %s reachable", cfg.RateLimit.RedisAddr))
		}
		cancel()
		client.Close()
	}
	return results
}

func checkPort(results *checkList, name, host string, port int) {
	if host == "0.0.0.0" {
		host = ""
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		results.fail(name, fmt.Sprintf("port %d is already in use", port))
		return
	}
	ln.Close()
	results.pass(name, fmt.Sprintf("port %d is available", port))
}
