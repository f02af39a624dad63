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
	"gridworld.ai/internal/processor"
	"gridworld.ai/internal/room"
	"gridworld.ai/internal/shard"
	"gridworld.ai/internal/storage"
)

func main() {
	var (
		cfgPath    = flag.String("config", "", "shard config path (optional)")
		brokerAddr = flag.String("broker", "", "broker ws url (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[processor] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *brokerAddr != "" {
		cfg.BrokerAddr = *brokerAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := storage.Dial(ctx, cfg.BrokerAddr, logger)
	if err != nil {
		logger.Fatalf("connect storage: %v", err)
	}
	defer conn.Close()

	reg := room.NewRegistry()
	room.RegisterBuiltins(reg)

	sh := shard.New(cfg.ShardName, conn, logger)
	svc := processor.NewService(sh, reg, logger)

	logger.Printf("connected to %s", cfg.BrokerAddr)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("processor: %v", err)
	}
	logger.Printf("bye")
}
