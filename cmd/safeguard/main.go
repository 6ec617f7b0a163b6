package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkhaven/safeguard/internal/aggregate"
	"github.com/talkhaven/safeguard/internal/api"
	"github.com/talkhaven/safeguard/internal/auth"
	"github.com/talkhaven/safeguard/internal/config"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/queue"
	"github.com/talkhaven/safeguard/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `Usage: safeguard [flags] <command>

Commands:
  serve            Run the HTTP API and scheduler (default)
  rollup           Run the monthly aggregation for a given month
  purge            Purge records for conversations made private
  create-reviewer  Create a reviewer account

Flags:
  -config PATH     Path to configuration file (default config.yaml)
  -version         Show version information
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *showVersion {
		fmt.Printf("safeguard v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	cmd := "serve"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	switch cmd {
	case "serve":
		runServe(cfg)
	case "rollup":
		runRollup(cfg, flag.Args()[1:])
	case "purge":
		runPurge(cfg)
	case "create-reviewer":
		runCreateReviewer(cfg, flag.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func runServe(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	server, err := api.NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize server: %v\n", err)
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func runRollup(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("rollup", flag.ExitOnError)
	monthArg := fs.String("month", "", "Month to aggregate, formatted YYYY-MM (default: previous month)")
	fs.Parse(args)

	ref := time.Now().UTC().AddDate(0, -1, 0)
	if *monthArg != "" {
		parsed, err := time.Parse("2006-01", *monthArg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid month %q: %v\n", *monthArg, err)
			os.Exit(2)
		}
		ref = parsed
	}

	st := openStore(cfg)
	defer st.Close()

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to redis: %v\n", err)
		os.Exit(1)
	}
	defer q.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	svc := aggregate.NewService(st, q, cfg.Aggregation, metrics.NewCollector(), logger)

	if err := svc.RunMonth(context.Background(), ref); err != nil {
		fmt.Fprintf(os.Stderr, "Rollup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Rollup complete for %s\n", ref.Format("2006-01"))
}

func runPurge(cfg *config.Config) {
	st := openStore(cfg)
	defer st.Close()

	purged, err := st.PurgePrivateConversationRecords(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Purge failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Purged %d records for private conversations\n", purged)
}

func runCreateReviewer(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("create-reviewer", flag.ExitOnError)
	email := fs.String("email", "", "Reviewer email (required)")
	name := fs.String("name", "", "Reviewer display name")
	tier := fs.String("tier", "admin", "Authorization tier")
	password := fs.String("password", "", "Initial password (required)")
	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "create-reviewer requires -email and -password")
		os.Exit(2)
	}

	tierOrder := cfg.Auth.TierOrder
	if len(tierOrder) == 0 {
		tierOrder = auth.DefaultTierOrder
	}
	known := false
	for _, t := range tierOrder {
		if t == *tier {
			known = true
			break
		}
	}
	if !known {
		fmt.Fprintf(os.Stderr, "Tier %q is not on the configured ladder %v\n", *tier, tierOrder)
		os.Exit(2)
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash password: %v\n", err)
		os.Exit(1)
	}

	st := openStore(cfg)
	defer st.Close()

	reviewer := &auth.Reviewer{
		Email:    *email,
		Name:     *name,
		Password: hash,
		Tier:     *tier,
	}
	if err := auth.NewPostgresReviewerStore(st.DB()).CreateReviewer(context.Background(), reviewer); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create reviewer: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created reviewer %s (%s)\n", reviewer.Email, reviewer.Tier)
}
