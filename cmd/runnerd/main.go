package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gridworld.ai/internal/config"
	"gridworld.ai/internal/runner"
	"gridworld.ai/internal/shard"
	"gridworld.ai/internal/storage"
)

func main() {
	var (
		cfgPath     = flag.String("config", "", "shard config path (optional)")
		brokerAddr  = flag.String("broker", "", "broker ws url (overrides config)")
		concurrency = flag.Int("concurrency", 0, "worker pool size (overrides config; 0 = core count)")
		unsafeMode  = flag.Bool("unsafe", false, "single-worker execution for debuggability")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[runner] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *brokerAddr != "" {
		cfg.BrokerAddr = *brokerAddr
	}
	if *concurrency > 0 {
		cfg.Runner.Concurrency = *concurrency
	}
	if *unsafeMode {
		cfg.Runner.Unsafe = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := storage.Dial(ctx, cfg.BrokerAddr, logger)
	if err != nil {
		logger.Fatalf("connect storage: %v", err)
	}
	defer conn.Close()

	sh := shard.New(cfg.ShardName, conn, logger)
	svc := runner.NewService(sh, runner.NewScriptedRuntime, runner.Config{
		Concurrency: cfg.Runner.Concurrency,
		Unsafe:      cfg.Runner.Unsafe,
	}, logger)

	logger.Printf("connected to %s", cfg.BrokerAddr)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("runner: %v", err)
	}
	logger.Printf("bye")
}
