package main

// ---------------------------------------------------------------------------
// main.go: command dispatcher for the perimeter CLI
//
// Each command is one entry in the commands table; its implementation lives
// in cmd_<name>.go. Shared helpers are in helpers.go, http.go, output.go and
// banner.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.4.0"
	commit    = "dev"
	buildDate = "unknown"
)

// command is one CLI subcommand. usage and detail feed "perimeter help <name>".
type command struct {
	name    string
	summary string
	usage   string
	detail  []string
	run     func(args []string)
}

var commands []command

func init() {
	commands = []command{
		{
			name:    "up",
			summary: "Start the API, event feeds and scheduled analysis",
			usage:   "perimeter up [--config path] [--log-level level] [--dry-run] [--quiet]",
			detail: []string{
				"Loads and validates the configuration, opens the store, starts the API server,",
				"the optional syslog feed and bus subscriber, and the analysis scheduler.",
				"Blocks until SIGINT or SIGTERM.",
			},
			run: cmdUp,
		},
		{
			name:    "check",
			summary: "Validate configuration and check dependencies",
			usage:   "perimeter check [--config path] [--format table|json]",
			detail:  []string{"Prints configuration warnings and errors, checks listen ports, pings the store and Redis."},
			run:     cmdCheck,
		},
		{
			name:    "validate",
			summary: "Run a built-in request schema against a JSON file",
			usage:   "perimeter validate <schema> <file.json|->",
			detail: []string{
				"Schemas: threat-analysis, security-event, file-upload.",
				"Prints every violation and exits 1 when the input is rejected.",
			},
			run: cmdValidate,
		},
		{
			name:    "token",
			summary: "Mint a signed bearer token",
			usage:   "perimeter token --sub subject [--role admin] [--ttl 1h]",
			detail:  []string{"Signs an HS256 token with server.jwt_secret. --role may be repeated."},
			run:     cmdToken,
		},
		{
			name:    "analyze",
			summary: "Request a threat analysis from a running server",
			usage:   "perimeter analyze [--events file.json] [--type manual] [--url base] [--api-key key]",
			detail:  []string{"Without --events the server analyzes its most recent stored events."},
			run:     cmdAnalyze,
		},
		{
			name:    "version",
			summary: "Print version and build info",
			usage:   "perimeter version",
			run:     func([]string) { printVersion(os.Stdout) },
		},
		{
			name:    "help",
			summary: "Show help for a command",
			usage:   "perimeter help <command>",
			run: func(args []string) {
				if len(args) > 0 {
					cmdHelp(args[0])
					return
				}
				printUsage(os.Stdout)
			},
		},
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		return
	}

	name, args := os.Args[1], os.Args[2:]
	switch name {
	case "--version", "-V":
		name = "version"
	case "--help", "-h":
		name = "help"
	}

	cmd, ok := lookup(name)
	if !ok {
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", name)
		if s := suggest(name); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if name != "help" {
		for _, a := range args {
			if a == "-h" || a == "--help" {
				cmdHelp(name)
				return
			}
		}
	}
	cmd.run(args)
}
