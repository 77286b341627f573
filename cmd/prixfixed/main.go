// Command prixfixed is an example host application for the server package:
// it loads a JSON configuration file, wires a trivial message handler that
// logs each accepted envelope, and runs until an interrupt or terminate
// signal triggers a graceful shutdown.
//
// Grounded on gopistolet's main.go (the server is wired directly in main,
// no dependency injection framework) and its helpers.DecodeFile for JSON
// config loading, generalized to a flag-provided path instead of a
// hardcoded struct literal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chrisjeane/PrixFixe-sub001/internal/logx"
	"github.com/chrisjeane/PrixFixe-sub001/server"
)

// loggingHandler logs each accepted message via logx (logrus writes to
// stderr by default). It is
// the example host's message-delivery sink (spec.md §6's deliver callback);
// a real host would hand the envelope to a queue, a mailbox store, or a
// downstream service instead.
type loggingHandler struct {
	logger *logx.Logger
}

func (h loggingHandler) Deliver(_ context.Context, env server.Envelope) error {
	h.logger.Info("Deliver", "from=%q to=%v bytes=%d", env.ReversePath, env.Recipients, len(env.Body))
	return nil
}

func loadConfig(path string) (server.Config, error) {
	var cfg server.Config
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("prixfixed: could not open config file: %w", err)
	}
	defer file.Close()
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("prixfixed: could not parse config file: %w", err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "prixfixed.json", "path to the JSON configuration file")
	flag.Parse()

	base := logrus.New()
	logger := logx.New("prixfixed", base, logx.Field{Key: "pid", Value: os.Getpid()})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Warning("main", err, "falling back to built-in defaults")
		cfg = server.Config{
			Domain:            "localhost",
			BindAddress:       "::",
			Port:              2525,
			MaxConnections:    256,
			MaxMessageSize:    25 * 1024 * 1024,
			MaxCommandLength:  512,
			ConnectionTimeout: 5 * time.Minute,
			CommandTimeout:    2 * time.Minute,
			ShutdownGrace:     10 * time.Second,
		}
	}

	srv, err := server.New(cfg, loggingHandler{logger: logger}, base)
	if err != nil {
		logger.Warning("main", err, "invalid configuration")
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Warning("main", err, "failed to start")
		os.Exit(1)
	}
	logger.Info("main", "listening on %s", srv.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("main", "shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warning("main", err, "shutdown did not complete cleanly")
	}
}
