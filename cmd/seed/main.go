// Command seed fills the configured store with fake users, posts, replies,
// reposts and follows.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"feedgraph/internal/bootstrap"
	"feedgraph/internal/config"
	"feedgraph/internal/observability"
	"feedgraph/internal/seed"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "seed",
		Usage: "populate the feed graph with fake data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "plan",
				EnvVars: []string{"SEED_PLAN"},
				Usage:   "YAML seed plan; defaults are used when empty",
			},
			&cli.Int64Flag{Name: "seed", Usage: "random seed, overrides the plan"},
			&cli.IntFlag{Name: "users", Usage: "overrides the plan"},
			&cli.IntFlag{Name: "posts", Usage: "posts per user, overrides the plan"},
			&cli.BoolFlag{Name: "dry-run", Usage: "print the resolved plan and exit"},
		},
		Action: run,
	}
}

// buildPlan loads the plan file, if any, and applies flag overrides.
func buildPlan(cmd *cli.Context) (seed.Plan, error) {
	plan := seed.DefaultPlan()
	if path := cmd.String("plan"); path != "" {
		p, err := seed.LoadPlan(path)
		if err != nil {
			return seed.Plan{}, err
		}
		plan = p
	}
	if cmd.IsSet("seed") {
		plan.Seed = cmd.Int64("seed")
	}
	if cmd.IsSet("users") {
		plan.Users = cmd.Int("users")
	}
	if cmd.IsSet("posts") {
		plan.PostsPerUser = cmd.Int("posts")
	}
	return plan, plan.Validate()
}

var run = func(cmd *cli.Context) error {
	plan, err := buildPlan(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("dry-run") {
		enc := yaml.NewEncoder(cmd.App.Writer)
		defer func() { _ = enc.Close() }()
		return enc.Encode(plan)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	observability.SetGlobal(observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	logger := observability.GlobalLogger
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("seeding the in-memory store; data is lost when this process exits")
	}

	rt, err := bootstrap.InitRuntime(cmd.Context, cfg, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("runtime close error", slog.String("error", err.Error()))
		}
	}()

	report, err := seed.NewSeeder(rt.Client, plan).Run(cmd.Context)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.App.Writer, report.Summary())
	return err
}
