package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"adx-trader/internal/api"
	"adx-trader/pkg/config"
)

// operator_token mints a bearer token for the control endpoints
// (POST /api/risk/reset, POST /api/positions/close-all).
//
// Usage:
//   CONTROL_JWT_SECRET=... go run ./scripts/operator_token -operator alice -ttl 1h
//
// The secret must match the one the trader runs with.

func main() {
	operator := flag.String("operator", os.Getenv("USER"), "operator name recorded with each command")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.ControlJWTSecret == "" {
		log.Fatal("CONTROL_JWT_SECRET is empty: control endpoints are disabled")
	}
	if *operator == "" {
		log.Fatal("-operator is required")
	}

	token, expires, err := api.GenerateOperatorToken(*operator, cfg.ControlJWTSecret, *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	log.Printf("token for %q expires %s", *operator, expires.UTC().Format(time.RFC3339))
	fmt.Println(token)
}
