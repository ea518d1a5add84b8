// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/config"
	"github.com/turnstile-access/turnstile/lib/logging"
	"github.com/turnstile-access/turnstile/lib/process"
	"github.com/turnstile-access/turnstile/lib/sealed"
	"github.com/turnstile-access/turnstile/lib/sqlitepool"
	"github.com/turnstile-access/turnstile/lib/version"
	"github.com/turnstile-access/turnstile/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("turnstile-device", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to turnstile.yaml (default: $TURNSTILE_CONFIG)")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("turnstile-device")
		return nil
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(level)

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	var sealer *sealed.Sealer
	if cfg.Session.IdentityFile != "" {
		sealer, err = sealed.LoadOrCreate(cfg.Session.IdentityFile)
		if err != nil {
			return fmt.Errorf("loading session identity: %w", err)
		}
	}

	broker, err := transport.NewMQTTBroker(transport.MQTTConfig{
		URL:    cfg.BrokerURL(),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	device, err := newDevice(deviceOptions{
		Config:     cfg,
		Pool:       pool,
		Broker:     broker,
		HTTPClient: &http.Client{Timeout: cfg.TokenService.Timeout},
		Sealer:     sealer,
		Clock:      clock.Real(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("turnstile-device starting",
		"version", version.Info(),
		"device_id", cfg.Device.ID,
		"broker", cfg.BrokerURL(),
		"api", cfg.API.Listen,
	)

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return device.Run(groupContext)
	})
	if cfg.API.Listen != "" {
		server := newHTTPServer(cfg.API.Listen, device.routes())
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("local API: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupContext.Done()
			shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownContext)
		})
	}

	err = group.Wait()
	logger.Info("turnstile-device stopped")
	return err
}
