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

	"github.com/joho/godotenv"

	"github.com/ilpmesh/connector/internal/config"
	"github.com/ilpmesh/connector/internal/connector"
)

func main() {
	configPath := flag.String("config", "connector.yaml", "path to the connector config file")
	logJSON := flag.Bool("log-json", false, "emit JSON logs instead of text")
	flag.Parse()

	// Local development convenience; missing .env is not an error.
	_ = godotenv.Load()

	var handler slog.Handler
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	node, err := connector.NewNode(cfg, log)
	if err != nil {
		log.Error("cannot build connector", "error", err)
		os.Exit(1)
	}
	if err := node.Start(); err != nil {
		log.Error("cannot start connector", "error", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	signal.Stop(sigs)
	log.Info("signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if sig == syscall.SIGINT {
		os.Exit(130)
	}
}
