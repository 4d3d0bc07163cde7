package main

// ---------------------------------------------------------------------------
// banner.go: banner and version/usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	text := `
    ┌────────────────────────────────────────────┐
    │  PERIMETER                                 │
    │  request-boundary security and AI triage   │
    └────────────────────────────────────────────┘
`
	if !colorEnabled() {
		return text
	}
	return "\033[36m" + text + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "perimeter v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  perimeter <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, c := range commands {
		fmt.Fprintf(w, "  %s  %s\n", bold(fmt.Sprintf("%-10s", c.name)), c.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-24s  %s\n", "PERIMETER_CONFIG", "Config file path (default: "+defaultConfigPath+")")
	fmt.Fprintf(w, "  %-24s  %s\n", "PERIMETER_ENV", "Deployment environment (development enables local origins)")
	fmt.Fprintf(w, "  %-24s  %s\n", "PERIMETER_API_KEY", "API key for the server and client commands")
	fmt.Fprintf(w, "  %-24s  %s\n", "PERIMETER_JWT_SECRET", "HS256 secret for bearer tokens")
	fmt.Fprintf(w, "  %-24s  %s\n", "PERIMETER_AI_API_KEY", "Reasoning service key")
	fmt.Fprintf(w, "  %-24s  %s\n", "PERIMETER_DATABASE_URL", "Postgres DSN (switches store.driver to postgres)")
	fmt.Fprintf(w, "  %-24s  %s\n", "PERIMETER_REDIS_ADDR", "Redis address (switches rate limiting to redis)")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Start with the default config"))
	fmt.Fprintf(w, "  perimeter up\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Issue an admin token valid for one hour"))
	fmt.Fprintf(w, "  perimeter token --sub ops@example.com --role admin --ttl 1h\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Check a payload against the upload schema"))
	fmt.Fprintf(w, "  perimeter validate file-upload upload.json\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Analyze the most recent stored events"))
	fmt.Fprintf(w, "  perimeter analyze --type manual\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("perimeter help <command>"))
}

func cmdHelp(name string) {
	w := os.Stdout
	c, ok := lookup(name)
	if !ok {
		printUsage(w)
		return
	}
	fmt.Fprintf(w, "%s\n\n  %s\n\n", bold("perimeter "+c.name), c.usage)
	if len(c.detail) == 0 {
		fmt.Fprintf(w, "  %s.\n", c.summary)
	}
	for _, line := range c.detail {
		fmt.Fprintf(w, "  %s\n", line)
	}
}
