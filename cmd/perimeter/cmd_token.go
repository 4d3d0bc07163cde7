package main

// ---------------------------------------------------------------------------
// cmd_token.go: mint bearer tokens
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/1sec-project/perimeter/internal/auth"
)

// stringList is a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	subject := fs.String("sub", "", "Token subject (required)")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	var roles stringList
	fs.Var(&roles, "role", "Role claim, repeatable or comma-separated (default admin)")
	fs.Parse(args)

	if *subject == "" {
		errorf("--sub is required")
	}
	if *ttl <= 0 || *ttl > 30*24*time.Hour {
		errorf("--ttl must be between 1s and 720h")
	}
	if len(roles) == 0 {
		roles = stringList{"admin"}
	}

	cfg := loadConfig(envConfig(*configPath))
	token, err := auth.Issue(cfg, *subject, roles, *ttl)
	if err != nil {
		errorf("issuing token: %v", err)
	}

	fmt.Fprintf(os.Stderr, "%s token for %s with roles %s, expires %s\n",
		dim("▸"), *subject, roles.String(), time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	fmt.Println(token)
}
