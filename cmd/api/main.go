package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/arklim/tenant-ratelimit/internal/infra/app"
	"github.com/arklim/tenant-ratelimit/internal/infra/config"
	"github.com/arklim/tenant-ratelimit/internal/infra/policyfile"
)

func main() {
	checkPolicies := flag.String("check-policies", "", "validate a policy file and exit")
	flag.Parse()

	if *checkPolicies != "" {
		if err := validatePolicies(*checkPolicies); err != nil {
			log.Fatalf("invalid policy file: %v", err)
		}
		return
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		log.Printf("application stopped: %v", err)
		os.Exit(1)
	}
}

func validatePolicies(path string) error {
	file, err := policyfile.NewFile(path)
	if err != nil {
		return err
	}
	set, err := file.Load()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d rules ok\n", file.Path(), len(set.Rules()))
	return nil
}
