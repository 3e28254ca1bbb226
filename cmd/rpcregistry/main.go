// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command rpcregistry runs the HTTP service registry used by the "http"
// registry backend.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luxfi/rpcframe/config"
	"github.com/luxfi/rpcframe/internal/log"
	"github.com/luxfi/rpcframe/registry/httpreg"
)

func main() {
	var (
		addr    string
		path    string
		ttl     time.Duration
		cfgPath string
		debug   bool
	)
	flag.StringVar(&addr, "addr", ":9999", "listen address")
	flag.StringVar(&path, "path", httpreg.DefaultPath, "registry endpoint path")
	flag.DurationVar(&ttl, "ttl", httpreg.DefaultTimeout, "drop servers without a heartbeat for this long")
	flag.StringVar(&cfgPath, "config", "", "YAML configuration; registry.session_timeout overrides -ttl")
	flag.BoolVar(&debug, "debug", false, "log heartbeats")
	flag.Parse()

	if debug {
		log.SetLevel(zapcore.DebugLevel)
	}
	logger := log.Named("rpcregistry", nil)
	defer logger.Sync()

	if cfgPath != "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Fatal("cannot load configuration", zap.Error(err))
		}
		if cfg.Registry.SessionTimeout > 0 {
			ttl = cfg.Registry.SessionTimeout
		}
	}

	mux := http.NewServeMux()
	mux.Handle(path, httpreg.NewServer(ttl, logger))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("registry listening", zap.String("addr", addr), zap.String("path", path), zap.Duration("ttl", ttl))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("registry stopped", zap.Error(err))
	}
}
