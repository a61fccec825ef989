// Package main mints control-plane tokens for operator and display
// clients.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/mitaka8/boombox/internal/infra/auth"
)

var (
	app     = kingpin.New("boombox-tokengen", "Mint boombox control tokens")
	secret  = app.Flag("secret", "Signing secret (or BOOMBOX_AUTH_SECRET)").Envar("BOOMBOX_AUTH_SECRET").Required().String()
	role    = app.Flag("role", "Token role: operator or display").Default("operator").String()
	tenant  = app.Flag("tenant", "Tenant the token is bound to (empty = any)").String()
	subject = app.Flag("subject", "Token subject (who this is for)").Default("cli").String()
	ttl     = app.Flag("ttl", "Token lifetime").Default("24h").Duration()
)

func main() {
	_ = godotenv.Load()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	r := auth.Role(*role)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "unknown role %q (use operator or display)\n", *role)
		os.Exit(1)
	}

	token, err := auth.Issue([]byte(*secret), *subject, r, *tenant, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to mint token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
