package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/app"
	"github.com/JakeFAU/vk-harvester/internal/config"
	"github.com/JakeFAU/vk-harvester/internal/logging"
	"github.com/JakeFAU/vk-harvester/internal/pipeline"
)

const shutdownTimeout = 15 * time.Second

// groupList collects repeated or comma separated -group values.
type groupList []string

func (g *groupList) String() string { return strings.Join(*g, ",") }

func (g *groupList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if slug := strings.TrimSpace(part); slug != "" {
			*g = append(*g, slug)
		}
	}
	return nil
}

type cliFlags struct {
	configPath  string
	envFile     string
	groups      groupList
	fromStorage bool
	fast        bool
}

func parseFlags(fset *flag.FlagSet, args []string) (cliFlags, error) {
	var f cliFlags
	fset.StringVar(&f.configPath, "config", "", "Path to config file")
	fset.StringVar(&f.envFile, "env", ".env", "Path to an optional .env file")
	fset.Var(&f.groups, "group", "Group slug to harvest (repeatable, comma separated)")
	fset.BoolVar(&f.fromStorage, "from-storage", false, "Fill comment and profile gaps from storage instead of crawling posts")
	fset.BoolVar(&f.fast, "fast", false, "Fast mode: more workers, no jitter, shorter pauses")
	if err := fset.Parse(args); err != nil {
		return cliFlags{}, fmt.Errorf("parse flags: %w", err)
	}
	return f, nil
}

// loadConfig layers flags over file and environment values.
func loadConfig(f cliFlags) (config.Config, error) {
	if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if len(f.groups) > 0 {
		cfg.Target.Groups = f.groups
	}
	if f.fromStorage {
		cfg.Pipeline.FromStorage = true
	}
	if f.fast {
		cfg.Pipeline.FastMode = true
	}
	cfg.ApplyFastMode()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("validate config: %w", err)
	}
	if len(cfg.Target.Groups) == 0 && !cfg.Pipeline.FromStorage {
		return config.Config{}, errors.New("no target groups configured; pass -group or set target.groups")
	}
	return cfg, nil
}

func main() {
	f, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) int {
	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		_ = logger.Sync()
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := services.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()
	if err := services.Start(); err != nil {
		logger.Error("api server start failed", zap.Error(err))
		return 1
	}

	rt, err := pipeline.NewRuntime(cfg, logger)
	if err != nil {
		logger.Error("runtime init failed", zap.Error(err))
		return 1
	}
	defer rt.Close()

	_, jitter := cfg.Politeness()
	orchestrator := pipeline.New(pipeline.Options{
		Groups:             cfg.Target.Groups,
		MaxPosts:           cfg.Crawl.MaxPosts,
		MaxCommentsPerPost: cfg.Crawl.MaxCommentsPerPost,
		Workers:            cfg.Pipeline.Workers,
		Jitter:             jitter,
		FastMode:           cfg.Pipeline.FastMode,
		FromStorage:        cfg.Pipeline.FromStorage,
	}, rt.Harvester, services.Sink(), rt.Limiter,
		pipeline.WithEmitter(services.Emitter()),
		pipeline.WithTaskHarvester(rt.TaskHarvester),
		pipeline.WithLogger(logger),
	)

	report, err := orchestrator.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("harvest interrupted", zap.String("run_id", report.RunID))
		} else {
			logger.Error("harvest failed", zap.String("run_id", report.RunID), zap.Error(err))
		}
		return 1
	}
	logger.Info("harvest finished",
		zap.String("run_id", report.RunID),
		zap.Int("posts", report.Posts.Items),
		zap.Int("comments", report.Comments.Items),
		zap.Int("profiles", report.Profiles.Items),
		zap.Duration("wall", report.Wall),
	)
	return 0
}
