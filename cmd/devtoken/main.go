// Command devtoken mints a connection token for local development, signed
// with the server's JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"codesync/internal/auth"
	"codesync/internal/config"
)

func main() {
	principal := flag.String("principal", "", "principal id to put in the token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *principal == "" {
		fmt.Fprintln(os.Stderr, "usage: devtoken -principal <id> [-ttl 24h]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.NewVerifier(cfg.JWTSecret).Issue(*principal, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
