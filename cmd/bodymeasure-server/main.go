package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"

	"github.com/menta2k/bodymeasure/internal/config"
	"github.com/menta2k/bodymeasure/internal/log"
	"github.com/menta2k/bodymeasure/internal/server"
)

func main() {
	parser := argparse.NewParser("bodymeasure-server", "HTTP service for body length prediction")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: config.GetConfigPath()})
	port := parser.String("p", "port", &argparse.Options{Help: "Listen port (overrides config)"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger := log.NewLogger(cfg.Log)

	measurer, err := cfg.NewMeasurer(logger)
	if err != nil {
		logger.Fatalf("Failed to set up measurer: %v", err)
	}

	srv, err := server.NewServer(
		server.WithFiber(server.NewFiber(cfg.Server, logger)),
		server.WithLogger(logger),
		server.WithValidator(config.NewValidator()),
		server.WithMeasurer(measurer),
		server.WithRequestTimeout(time.Duration(cfg.Server.RequestTimeoutSeconds)*time.Second),
	)
	if err != nil {
		logger.Fatal(err)
	}

	srv.RegisterHandler()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Run(cfg.Server.Port); err != nil {
			logger.Fatalf("Error starting server: %v", err)
		}
	}()

	logger.WithFields(log.Fields{
		"port":    cfg.Server.Port,
		"backend": cfg.Backend.Type,
		"mode":    cfg.Estimator.Mode,
	}).Info("Server started successfully")

	<-sigChan
	logger.Info("Shutting down server...")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.Errorf("Shutdown failed: %v", err)
	}
}
