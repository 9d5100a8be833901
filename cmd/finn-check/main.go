// finn-check is the pre-flight diagnostic: it exercises every external
// dependency the gateway needs before serving paid traffic and prints a
// PASS/FAIL table. Exit status 1 means at least one check failed.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/loa-labs/loa-finn/internal/auth"
	"github.com/loa-labs/loa-finn/internal/config"
	"github.com/loa-labs/loa-finn/internal/store"
)

type component struct {
	Name string
	Test func(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to finn.yaml")
	flag.Parse()

	_ = godotenv.Load()

	fmt.Println("\033[96mloa-finn Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Checking %-30s \033[31m[FAIL]\033[0m\n", "Configuration...")
		fmt.Printf("  >> Error: %v\n", err)
		os.Exit(1)
	}

	components := []component{
		{"Configuration", func(ctx context.Context) error {
			return cfg.Validate()
		}},
		{"State Store (Redis)", func(ctx context.Context) error {
			s, err := store.NewRedisStore(cfg.Store.Addr, "", cfg.Store.DB,
				time.Duration(cfg.Store.OpTimeoutMs)*time.Millisecond)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Ping(ctx)
		}},
		{"Key Database (Postgres)", func(ctx context.Context) error {
			if cfg.Secrets.DatabaseURL == "" {
				return nil // memory fallback, nothing to reach
			}
			db, err := sql.Open("postgres", cfg.Secrets.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.PingContext(ctx)
		}},
		{"Identity Hub (JWKS)", func(ctx context.Context) error {
			cache := auth.NewJWKSCache(auth.JWKSConfig{URL: cfg.Auth.JWKSURL})
			return cache.Refresh(ctx)
		}},
		{"Worker Binary", func(ctx context.Context) error {
			_, err := exec.LookPath(cfg.Pool.WorkerCommand[0])
			return err
		}},
	}

	failed := false
	for _, c := range components {
		fmt.Printf("Checking %-30s ", c.Name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.Test(ctx)
		cancel()
		if err != nil {
			failed = true
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed {
		fmt.Println("\033[31mStatus: Not ready; fix the failures above.\033[0m")
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Ready for paid traffic.\033[0m")
}
