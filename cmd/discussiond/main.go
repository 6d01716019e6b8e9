package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/discussiond/internal/config"
	"github.com/vasic-digital/discussiond/internal/httpapi"
	"github.com/vasic-digital/discussiond/internal/llmgateway"
	"github.com/vasic-digital/discussiond/internal/orchestrator"
)

var (
	version = flag.Bool("version", false, "Show version information")
	help    = flag.Bool("help", false, "Show help message")
)

func showHelp() {
	fmt.Print(`discussiond - Multi-Agent Discussion Orchestrator

Usage:
  discussiond [options]

Options:
  -version
        Show version information
  -help
        Show this help message

discussiond synthesizes an expert panel for a topic, drives a turn-based
discussion among them through an external LLM gateway, evaluates consensus
as the discussion progresses, and streams every event to subscribers over
a WebSocket.

Configuration is read from a .env file (if present) and the process
environment; see internal/config for the full variable list.
`)
}

func showVersion() {
	fmt.Println("discussiond v0.1.0")
}

func run() error {
	flag.Parse()

	if *help {
		showHelp()
		return nil
	}
	if *version {
		showVersion()
		return nil
	}

	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Monitoring.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	gateway := llmgateway.New(llmgateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Referrer:     cfg.Gateway.Referrer,
		AppName:      cfg.Gateway.AppName,
		Timeout:      cfg.Gateway.Timeout,
		MaxRetries:   cfg.Gateway.MaxRetries,
		ModelAliases: cfg.Gateway.ModelAliases,
		RateLimitRPS: cfg.Gateway.RateLimitRPS,
		Logger:       logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		MaxTurns:                 cfg.Orchestrator.MaxTurns,
		ConsensusThreshold:       cfg.Orchestrator.ConsensusThreshold,
		PerCallTimeout:           cfg.Orchestrator.PerCallTimeout,
		MetaModelID:              cfg.Orchestrator.MetaModelID,
		DefaultPanelModelIDs:     cfg.Orchestrator.DefaultPanelModelIDs,
		SubscriberQueueBound:     cfg.Orchestrator.SubscriberQueueBound,
		MaxConcurrentDiscussions: cfg.Orchestrator.MaxConcurrentDiscussions,
	}, gateway, logger)

	router := httpapi.NewRouter(orch, cfg.Server.Mode, cfg.Server.CORSOrigins, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"host": cfg.Server.Host, "port": cfg.Server.Port}).Info("starting discussiond")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
		logger.Info("shutdown signal received")
	}

	orch.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("discussiond failed")
	}
}
