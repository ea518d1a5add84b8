// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// turnstile-enroll is the enrollment-station tool. It pushes
// credential commands to access devices over the broker, addressing a
// device by ID or by the room it announced.
//
// The station authenticates with the token service like a device,
// under its own identity from the config file's device section.
// Commands that cannot be published are kept in the station's outbox
// until "turnstile-enroll flush" delivers them.
//
// Room lookups use the Redis directory when discovery.redis_url is
// configured. Without it, only devices that announce themselves while
// the command runs are known; use --discover-wait.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/turnstile-access/turnstile/discovery"
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
	if len(os.Args) == 2 && os.Args[1] == "--version" {
		version.Print("turnstile-enroll")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := &app{
		ctx:     ctx,
		printer: newPrinter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd()))),
		open:    openStation,
	}
	if err := application.root().Execute(os.Args[1:], os.Stderr); err != nil {
		process.Fatal(err)
	}
}

// openStation builds a station from the config file and the real
// broker, token service and directory.
func openStation(ctx context.Context, common commonOptions) (*station, error) {
	level, err := logging.ParseLevel(common.logLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(level)

	var cfg *config.Config
	if common.configPath != "" {
		cfg, err = config.LoadFile(common.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening station database: %w", err)
	}
	closers := []func() error{pool.Close}
	fail := func(err error) (*station, error) {
		for _, closer := range closers {
			closer()
		}
		return nil, err
	}

	var sealer *sealed.Sealer
	if cfg.Session.IdentityFile != "" {
		if sealer, err = sealed.LoadOrCreate(cfg.Session.IdentityFile); err != nil {
			return fail(fmt.Errorf("loading session identity: %w", err))
		}
	}

	var directory discovery.Directory
	if cfg.Discovery.RedisURL != "" {
		client, err := discovery.DialRedis(ctx, cfg.Discovery.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append([]func() error{client.Close}, closers...)
		directory = discovery.NewRedisDirectory(client, discovery.WithTTL(cfg.Discovery.TTL))
	} else {
		directory = discovery.NewMemoryDirectory(clock.Real(), cfg.Discovery.TTL)
	}

	broker, err := transport.NewMQTTBroker(transport.MQTTConfig{URL: cfg.BrokerURL(), Logger: logger})
	if err != nil {
		return fail(err)
	}

	station, err := newStation(stationOptions{
		Config:     cfg,
		Pool:       pool,
		Broker:     broker,
		HTTPClient: &http.Client{Timeout: cfg.TokenService.Timeout},
		Sealer:     sealer,
		Directory:  directory,
		Clock:      clock.Real(),
		Logger:     logger,
		Closers:    closers,
	})
	if err != nil {
		return fail(fmt.Errorf("starting station: %w", err))
	}
	return station, nil
}
