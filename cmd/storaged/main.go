package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gridworld.ai/internal/storage/broker"
)

func main() {
	var (
		addr    = flag.String("addr", ":8081", "http listen address")
		dataDir = flag.String("data", "./data", "runtime data directory")
		dbPath  = flag.String("db", "", "blob db path (default: <data>/blobs.db)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[storaged] ", log.LstdFlags|log.Lmicroseconds)

	path := *dbPath
	if path == "" {
		path = filepath.Join(*dataDir, "blobs.db")
	}
	blobs, err := broker.OpenSQLite(path)
	if err != nil {
		logger.Fatalf("open blob db: %v", err)
	}

	engine := broker.NewEngine(blobs)
	defer engine.Close()

	srv := broker.NewServer(engine, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/shard", srv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s (db %s)", *addr, path)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("listen: %v", err)
	}
	logger.Printf("bye")
}
