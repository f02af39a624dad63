package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gridworld.ai/internal/config"
	"gridworld.ai/internal/orchestrator"
	"gridworld.ai/internal/room"
	"gridworld.ai/internal/shard"
	"gridworld.ai/internal/storage"
	"gridworld.ai/internal/ticklog"
)

func main() {
	var (
		cfgPath    = flag.String("config", "", "shard config path (optional)")
		brokerAddr = flag.String("broker", "", "broker ws url (overrides config)")
		bootstrap  = flag.Bool("bootstrap", false, "seed a demo user and room when the shard is empty")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[orchestrator] ", log.LstdFlags|log.Lmicroseconds)

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

	sh := shard.New(cfg.ShardName, conn, logger)

	if *bootstrap {
		if err := seedDemo(ctx, sh); err != nil {
			logger.Fatalf("bootstrap: %v", err)
		}
	}

	tlog := ticklog.NewWriter(filepath.Join(cfg.DataDir, "ticks"), "ticks")
	defer tlog.Close()

	svc := orchestrator.New(sh, cfg.Orchestrator, tlog, logger)
	logger.Printf("connected to %s", cfg.BrokerAddr)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("orchestrator: %v", err)
	}
	logger.Printf("bye")
}

// seedDemo writes one user and one room at tick 0 so a fresh shard has
// something to simulate. Idempotent: an already-seeded shard is untouched.
func seedDemo(ctx context.Context, sh *shard.Shard) error {
	users, err := sh.UserIndex(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}

	const (
		userID   = "demo"
		roomName = "W1N1"
	)
	r := room.New(roomName)
	r.Controller = &room.Controller{Owner: userID, Level: 1}
	for i := 0; i < 3; i++ {
		r.AddObject(&room.Object{
			ID:      fmt.Sprintf("creep_%d", i),
			Type:    room.TypeCreep,
			X:       10 + i,
			Y:       10,
			Owner:   userID,
			Hits:    100,
			HitsMax: 100,
		})
	}
	if err := sh.SaveRoom(ctx, r, 0); err != nil {
		return err
	}
	return sh.SaveUser(ctx, shard.UserRecord{ID: userID, Rooms: []string{roomName}})
}
