package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/auth"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/config"
)

// runTokenCmd mints a bearer token for the API, signed with the same
// shared secret the server validates against. The token goes to stdout
// bare so it can be captured by scripts.
//
// Exit codes:
//
//	0 = token minted
//	2 = usage or runtime error
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sub    string
		roles  string
		ttl    time.Duration
		secret string
	)
	cmd.StringVar(&sub, "sub", "", "Token subject, e.g. an analyst id (REQUIRED)")
	cmd.StringVar(&roles, "roles", "analyst", "Comma-separated roles")
	cmd.DurationVar(&ttl, "ttl", 8*time.Hour, "Token lifetime")
	cmd.StringVar(&secret, "secret", "", "Signing secret (defaults to AUTH_SECRET)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sub == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub is required")
		cmd.Usage()
		return 2
	}

	if secret == "" {
		secret = config.Load().AuthSecret
	}
	if secret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: AUTH_SECRET is not set and --secret was not given")
		return 2
	}

	var roleList []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := auth.NewJWTValidator([]byte(secret)).Issue(sub, roleList, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: mint token: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
