package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	countersigncmd "github.com/countersign-io/countersign/internal/cmd/countersign"
)

func main() {
	cfg, err := countersigncmd.ParseConfig(flag.CommandLine, os.Args[1:], func(key string) (string, bool) {
		value, ok := os.LookupEnv(key)
		return value, ok
	})
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[COUNTERSIGN] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := countersigncmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
